package invitations

import (
	"context"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/clients"
	"github.com/gatehouse-io/gatehouse/models"
	"github.com/gatehouse-io/gatehouse/queue"
)

// GeoResolver resolves a client IP to a coarse location, best effort.
type GeoResolver interface {
	Lookup(ctx context.Context, ip string) (*clients.Location, error)
}

type (
	// Manager owns the invitation state machine. Notifications are never
	// sent from request flows; every delivery goes through the queue.
	Manager struct {
		repo   *Repository
		queue  queue.Queue
		geo    GeoResolver
		config ManagerConfig
		logger *zap.SugaredLogger
	}

	ManagerConfig struct {
		Expiry          time.Duration `default:"168h"`
		ReminderWindow  time.Duration `split_words:"true" default:"3h"`
		TokenRetries    int           `split_words:"true" default:"5"`
		UsernameRetries int           `split_words:"true" default:"10"`
	}

	// CreateParams are the inputs for creating (or resending) an invitation.
	CreateParams struct {
		Email     string        `json:"email" validate:"required,email"`
		Role      string        `json:"role" validate:"required"`
		InvitedBy string        `json:"invitedBy"`
		Method    models.Method `json:"inviteMethod" validate:"omitempty,oneof=email sms both"`
		Phone     string        `json:"phoneNumber"`
	}

	// RequestMeta is the request metadata recorded at accept time.
	RequestMeta struct {
		IP     string
		Device string
	}
)

func managerConfigProvider() (ManagerConfig, error) {
	var config ManagerConfig
	if err := envconfig.Process("invitations", &config); err != nil {
		return ManagerConfig{}, err
	}
	return config, nil
}

func NewManager(repo *Repository, jobQueue queue.Queue, geo GeoResolver, config ManagerConfig, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		repo:   repo,
		queue:  jobQueue,
		geo:    geo,
		config: config,
		logger: logger,
	}
}

// CreateInvitation creates a pending invitation for the email, or rotates
// and re-delivers the existing pending one. There is never more than one
// pending invitation per email. One delivery job is enqueued per call.
func (m *Manager) CreateInvitation(ctx context.Context, params CreateParams) (*models.Invitation, error) {
	if params.Email == "" {
		return nil, NewBadRequest(statusMissingEmailMessage)
	}
	if params.Role == "" {
		return nil, NewBadRequest(statusMissingRoleMessage)
	}
	if (params.Method == models.MethodSMS || params.Method == models.MethodBoth) && params.Phone == "" {
		return nil, NewBadRequest(statusMissingPhoneMessage)
	}

	existing, err := m.repo.GetPendingByEmail(ctx, params.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Same entity, new token: the pending invitation is re-delivered
		// rather than duplicated.
		return m.rotateAndEnqueue(ctx, existing)
	}

	invitation, err := models.NewInvitation(params.Email, params.Role, params.InvitedBy, params.Method, params.Phone)
	if err != nil {
		return nil, errors.Wrap(err, "manager: generating invitation")
	}
	invitation.ExpiresAt = invitation.CreatedAt.Add(m.expiry())
	invitation.RecordDeliveryQueued()

	if err := m.ensureUniqueToken(ctx, invitation); err != nil {
		return nil, err
	}
	if err := m.repo.Save(ctx, invitation); err != nil {
		return nil, err
	}
	if err := m.enqueueDelivery(ctx, invitation, false); err != nil {
		return nil, err
	}
	return invitation, nil
}

// GetByToken returns the invitation or a typed not-found error.
func (m *Manager) GetByToken(ctx context.Context, token string) (*models.Invitation, error) {
	invitation, err := m.repo.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if invitation == nil {
		return nil, NewNotFound(statusInviteNotFoundMessage)
	}
	return invitation, nil
}

// GetAllInvitations returns a page of invitations, newest first.
func (m *Manager) GetAllInvitations(ctx context.Context, page, pageSize int64) ([]models.Invitation, error) {
	return m.repo.List(ctx, page, pageSize)
}

// AcceptInvite accepts a pending invitation: it validates the candidate
// password, throttles failed attempts with auto-revocation, then atomically
// creates the user and marks the invitation accepted.
func (m *Manager) AcceptInvite(ctx context.Context, invitation *models.Invitation, fullName, password string, meta RequestMeta) (*models.UserData, error) {
	switch invitation.Status {
	case models.StatusAccepted:
		return nil, NewConflict(statusAlreadyAcceptedMessage)
	case models.StatusRevoked:
		return nil, NewConflict(statusRevokedMessage)
	case models.StatusExpired:
		return nil, NewConflict(statusNoLongerPendingMessage)
	}

	// Past-due invitations the sweep has not reached yet are just as gone.
	if invitation.IsExpired() {
		return nil, NewConflict(statusNoLongerPendingMessage)
	}

	if invitation.AttemptsExhausted() {
		m.revokeForAttempts(ctx, invitation)
		return nil, NewForbidden(statusTooManyAttemptsMessage)
	}

	if !models.PasswordIsStrong(password) {
		if limitReached := invitation.RecordFailedAttempt(); limitReached {
			m.revokeForAttempts(ctx, invitation)
			return nil, NewForbidden(statusTooManyAttemptsMessage)
		}
		matched, err := m.repo.UpdateIfPending(ctx, invitation)
		if err != nil {
			return nil, err
		}
		if !matched {
			// A concurrent accept, revoke or sweep resolved the invitation
			// since it was read.
			return nil, NewConflict(statusNoLongerPendingMessage)
		}
		return nil, NewBadRequest(statusWeakPasswordMessage)
	}

	passwordHash, err := models.HashPassword(password)
	if err != nil {
		return nil, errors.Wrap(err, "manager: hashing password")
	}
	invitation.RecordSuccessfulAttempt()

	existing, err := m.repo.GetUserByEmail(ctx, invitation.Email)
	if err != nil {
		m.recordFailure(ctx, invitation)
		return nil, err
	}
	if existing != nil {
		m.recordFailure(ctx, invitation)
		return nil, NewConflict(statusUserExistsMessage)
	}

	location := m.resolveLocation(ctx, meta.IP)

	username, err := m.deriveUsername(ctx, invitation.Email, fullName)
	if err != nil {
		m.recordFailure(ctx, invitation)
		return nil, err
	}

	user := &models.UserData{
		UserID:       m.repo.NewUserID(),
		Username:     username,
		Email:        invitation.Email,
		FullName:     fullName,
		Role:         invitation.Role,
		PasswordHash: passwordHash,
		InvitedBy:    invitation.InvitedBy,
		CreatedAt:    time.Now().UTC(),
	}

	// Creating the user and flipping the invitation commit together. The
	// conditional status update keeps a concurrent accept, revoke or expiry
	// sweep from double-processing this invitation.
	err = m.repo.WithTransaction(ctx, func(txCtx context.Context) error {
		accepted := *invitation
		accepted.MarkAccepted(meta.IP, meta.Device, location)

		if err := m.repo.CreateUser(txCtx, user); err != nil {
			return err
		}
		matched, err := m.repo.MarkStatusIfPending(txCtx, &accepted)
		if err != nil {
			return err
		}
		if !matched {
			return NewConflict(statusNoLongerPendingMessage)
		}
		*invitation = accepted
		return nil
	})
	if err != nil {
		m.recordFailure(ctx, invitation)
		return nil, err
	}

	return user, nil
}

// ResendInvitation rotates the pending invitation for the email and enqueues
// a fresh delivery. Returns nil when there is no pending invitation.
//
// Delivery is always queued, never sent inline from the request flow, so
// resend cannot race a queued initial send with a synchronous duplicate.
func (m *Manager) ResendInvitation(ctx context.Context, email string) (*models.Invitation, error) {
	invitation, err := m.repo.GetPendingByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if invitation == nil {
		return nil, nil
	}
	return m.rotateAndEnqueue(ctx, invitation)
}

// RevokeInvitation transitions the invitation to revoked. Unknown tokens and
// invitations already out of pending are a no-op.
func (m *Manager) RevokeInvitation(ctx context.Context, token string) error {
	invitation, err := m.repo.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	if invitation == nil || !invitation.IsPending() {
		return nil
	}

	invitation.MarkRevoked()
	matched, err := m.repo.MarkStatusIfPending(ctx, invitation)
	if err != nil {
		return err
	}
	if !matched {
		m.logger.With(zap.String("token", token)).Debug("revoke lost the race, invitation no longer pending")
	}
	return nil
}

// ExpireInvitations sweeps pending invitations past their expiry into the
// expired state. Each transition is conditional on the document still being
// pending, so the sweep is safe to run concurrently with accept and revoke.
func (m *Manager) ExpireInvitations(ctx context.Context) (int, error) {
	expired, err := m.repo.ListExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range expired {
		invitation := expired[i]
		invitation.MarkExpired()
		matched, err := m.repo.MarkStatusIfPending(ctx, &invitation)
		if err != nil {
			return count, err
		}
		if matched {
			count++
		}
	}
	return count, nil
}

// SendRemindersForExpiringInvitations enqueues a one-time reminder for every
// pending invitation expiring within the reminder window. The reminder flag
// is latched before the delivery job is enqueued, so a reminder goes out at
// most once per invitation.
func (m *Manager) SendRemindersForExpiringInvitations(ctx context.Context) (int, error) {
	expiring, err := m.repo.ListExpiring(ctx, time.Now(), m.reminderWindow())
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range expiring {
		invitation := expiring[i]
		if invitation.ReminderSent {
			continue
		}
		invitation.MarkReminded()

		latched, err := m.repo.LatchReminder(ctx, &invitation)
		if err != nil {
			return count, err
		}
		if !latched {
			continue
		}
		if err := m.enqueueDelivery(ctx, &invitation, true); err != nil {
			// The latch already won; losing the job here drops this
			// reminder rather than risking duplicates.
			m.logger.With(zap.Error(err), zap.String("token", invitation.Token)).
				Error("enqueueing reminder failed")
			continue
		}
		count++
	}
	return count, nil
}

// DeleteInvitation removes an invitation permanently. Administrative
// cleanup; the normal lifecycle never deletes.
func (m *Manager) DeleteInvitation(ctx context.Context, token string) error {
	return m.repo.Delete(ctx, token)
}

// RemoveInvitationsForEmail removes every invitation addressed to the email.
// Used when the subject user is deleted.
func (m *Manager) RemoveInvitationsForEmail(ctx context.Context, email string) (int64, error) {
	return m.repo.DeleteForEmail(ctx, email)
}

func (m *Manager) rotateAndEnqueue(ctx context.Context, invitation *models.Invitation) (*models.Invitation, error) {
	oldToken := invitation.Token
	if err := m.rotateUniqueToken(ctx, invitation); err != nil {
		return nil, err
	}
	invitation.RecordResend()
	invitation.RecordDeliveryQueued()

	matched, err := m.repo.ReplaceToken(ctx, oldToken, invitation)
	if err != nil {
		return nil, err
	}
	if !matched {
		// A concurrent accept, revoke or sweep resolved the invitation
		// between the lookup and the rotation.
		return nil, NewConflict(statusNoLongerPendingMessage)
	}
	if err := m.enqueueDelivery(ctx, invitation, false); err != nil {
		return nil, err
	}
	return invitation, nil
}

// rotateUniqueToken rotates until the new token collides with nothing,
// bounded by TokenRetries.
func (m *Manager) rotateUniqueToken(ctx context.Context, invitation *models.Invitation) error {
	for attempt := 0; attempt < m.tokenRetries(); attempt++ {
		if err := invitation.RotateToken(); err != nil {
			return errors.Wrap(err, "manager: rotating token")
		}
		exists, err := m.repo.TokenExists(ctx, invitation.Token)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
	}
	return errors.New("manager: exhausted token rotation attempts")
}

func (m *Manager) ensureUniqueToken(ctx context.Context, invitation *models.Invitation) error {
	for attempt := 0; attempt < m.tokenRetries(); attempt++ {
		exists, err := m.repo.TokenExists(ctx, invitation.Token)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		token, err := models.NewToken()
		if err != nil {
			return errors.Wrap(err, "manager: generating token")
		}
		invitation.Token = token
	}
	return errors.New("manager: exhausted token generation attempts")
}

func (m *Manager) enqueueDelivery(ctx context.Context, invitation *models.Invitation, reminder bool) error {
	payload := models.DeliveryPayload{
		Email:     invitation.Email,
		Token:     invitation.Token,
		Role:      invitation.Role,
		ExpiresAt: invitation.ExpiresAt,
		Phone:     invitation.Phone,
		Method:    invitation.Method,
		Reminder:  reminder,
	}
	if err := m.queue.Enqueue(ctx, models.JobNameDelivery, payload); err != nil {
		return errors.Wrap(err, "manager: enqueueing delivery job")
	}
	return nil
}

// recordFailure persists failed-attempt bookkeeping before the surrounding
// operation surfaces its own error. The write is conditional on the stored
// document still being pending; a miss means the invitation was resolved
// concurrently and the counter no longer matters. Persistence problems here
// are logged and swallowed so they never mask the original failure.
func (m *Manager) recordFailure(ctx context.Context, invitation *models.Invitation) {
	invitation.RecordFailedAttempt()
	matched, err := m.repo.UpdateIfPending(ctx, invitation)
	if err != nil {
		m.logger.With(zap.Error(err), zap.String("token", invitation.Token)).
			Error("recording failed attempt")
		return
	}
	if !matched {
		m.logger.With(zap.String("token", invitation.Token)).
			Debug("skipping attempt bookkeeping, invitation no longer pending")
	}
}

func (m *Manager) revokeForAttempts(ctx context.Context, invitation *models.Invitation) {
	invitation.MarkRevoked()
	if _, err := m.repo.MarkStatusIfPending(ctx, invitation); err != nil {
		m.logger.With(zap.Error(err), zap.String("token", invitation.Token)).
			Error("revoking invitation after exhausted attempts")
	}
}

func (m *Manager) resolveLocation(ctx context.Context, ip string) string {
	if m.geo == nil || ip == "" {
		return clients.UnknownLocation
	}
	location, err := m.geo.Lookup(ctx, ip)
	if err != nil {
		// Geolocation is best effort; acceptance proceeds regardless.
		m.logger.With(zap.Error(err), zap.String("ip", ip)).Warn("geolocation lookup failed")
		return clients.UnknownLocation
	}
	return location.String()
}

// deriveUsername finds a free username starting from the email local part,
// suffixing a counter on collision, bounded by UsernameRetries.
func (m *Manager) deriveUsername(ctx context.Context, email, fullName string) (string, error) {
	base := models.UsernameBase(email, fullName)
	for attempt := 0; attempt < m.usernameRetries(); attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = fmt.Sprintf("%s%d", base, attempt)
		}
		taken, err := m.repo.UsernameTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", errors.Errorf("manager: no free username derivable from %q", base)
}

func (m *Manager) expiry() time.Duration {
	if m.config.Expiry <= 0 {
		return models.DefaultExpiry
	}
	return m.config.Expiry
}

func (m *Manager) reminderWindow() time.Duration {
	if m.config.ReminderWindow <= 0 {
		return 3 * time.Hour
	}
	return m.config.ReminderWindow
}

func (m *Manager) tokenRetries() int {
	if m.config.TokenRetries <= 0 {
		return 5
	}
	return m.config.TokenRetries
}

func (m *Manager) usernameRetries() int {
	if m.config.UsernameRetries <= 0 {
		return 10
	}
	return m.config.UsernameRetries
}

func repositoryProvider(store clients.StoreClient) *Repository {
	return NewRepository(store)
}

func geoResolverProvider(geo *clients.GeoClient) GeoResolver {
	return geo
}

// Module wires the repository and lifecycle manager.
var Module = fx.Options(
	fx.Provide(managerConfigProvider),
	fx.Provide(repositoryProvider),
	fx.Provide(geoResolverProvider),
	fx.Provide(NewManager),
)
