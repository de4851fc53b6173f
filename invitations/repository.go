package invitations

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/gatehouse-io/gatehouse/clients"
	"github.com/gatehouse-io/gatehouse/models"
)

const (
	invitationsCollection = "invitations"
	usersCollection       = "users"
)

// Repository is the thin persistence adapter over the document store, scoped
// to the invitations and users collections. Documents are keyed by token.
type Repository struct {
	store clients.StoreClient
}

func NewRepository(store clients.StoreClient) *Repository {
	return &Repository{store: store}
}

func (r *Repository) Save(ctx context.Context, invitation *models.Invitation) error {
	return errors.Wrap(r.store.Create(ctx, invitationsCollection, invitation.Token, invitation), "repository: saving invitation")
}

// GetByToken returns nil without error when no invitation matches.
func (r *Repository) GetByToken(ctx context.Context, token string) (*models.Invitation, error) {
	var invitation models.Invitation
	err := r.store.GetByID(ctx, invitationsCollection, token, &invitation)
	if errors.Is(err, clients.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "repository: finding invitation by token")
	}
	return &invitation, nil
}

// GetPendingByEmail returns the unique pending invitation for an email, or
// nil when there is none.
func (r *Repository) GetPendingByEmail(ctx context.Context, email string) (*models.Invitation, error) {
	var results []models.Invitation
	filter := clients.M{"email": email, "status": string(models.StatusPending)}
	if err := r.store.Find(ctx, invitationsCollection, filter, clients.FindOptions{Limit: 1}, &results); err != nil {
		return nil, errors.Wrap(err, "repository: finding pending invitation by email")
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// TokenExists reports whether any invitation already uses the token.
func (r *Repository) TokenExists(ctx context.Context, token string) (bool, error) {
	var invitation models.Invitation
	err := r.store.GetByID(ctx, invitationsCollection, token, &invitation)
	if errors.Is(err, clients.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "repository: checking token collision")
	}
	return true, nil
}

// Update persists the invitation under its current token.
func (r *Repository) Update(ctx context.Context, invitation *models.Invitation) error {
	return errors.Wrap(r.store.Update(ctx, invitationsCollection, invitation.Token, invitation), "repository: updating invitation")
}

// UpdateIfPending persists the invitation only while the stored document is
// still pending, so attempt bookkeeping can never overwrite a resolved
// status. Reports whether the write was committed.
func (r *Repository) UpdateIfPending(ctx context.Context, invitation *models.Invitation) (bool, error) {
	matched, err := r.store.ReplaceIf(ctx, invitationsCollection, invitation.Token, "status", string(models.StatusPending), invitation)
	return matched, errors.Wrap(err, "repository: updating pending invitation")
}

// ReplaceToken commits a token rotation. The document key is the token, so
// the rotated invitation is inserted under the new key and the old document
// removed in one transaction. The removal only matches while the stored
// document is still pending, so a rotation can never resurrect an
// invitation that was resolved concurrently. Reports whether the rotation
// was committed.
func (r *Repository) ReplaceToken(ctx context.Context, oldToken string, invitation *models.Invitation) (bool, error) {
	matched := false
	err := r.store.WithTransaction(ctx, func(txCtx context.Context) error {
		removed, err := r.store.DeleteWhere(txCtx, invitationsCollection, clients.M{
			"_id":    oldToken,
			"status": string(models.StatusPending),
		})
		if err != nil {
			return err
		}
		if removed == 0 {
			return nil
		}
		matched = true
		return r.store.Create(txCtx, invitationsCollection, invitation.Token, invitation)
	})
	if err != nil {
		return false, errors.Wrap(err, "repository: rotating invitation token")
	}
	return matched, nil
}

// MarkStatusIfPending persists a status transition only while the stored
// document is still pending. Reports whether the transition was committed.
func (r *Repository) MarkStatusIfPending(ctx context.Context, invitation *models.Invitation) (bool, error) {
	matched, err := r.store.ReplaceIf(ctx, invitationsCollection, invitation.Token, "status", string(models.StatusPending), invitation)
	return matched, errors.Wrap(err, "repository: marking invitation status")
}

// LatchReminder persists the reminder flag only if it is not already set,
// so a reminder goes out at most once even with concurrent sweeps.
func (r *Repository) LatchReminder(ctx context.Context, invitation *models.Invitation) (bool, error) {
	matched, err := r.store.ReplaceIf(ctx, invitationsCollection, invitation.Token, "reminderSent", false, invitation)
	return matched, errors.Wrap(err, "repository: latching reminder flag")
}

// List returns a page of invitations, newest first. pageSize <= 0 returns
// everything.
func (r *Repository) List(ctx context.Context, page, pageSize int64) ([]models.Invitation, error) {
	opts := clients.FindOptions{Sort: "-createdAt"}
	if pageSize > 0 {
		opts.Limit = pageSize
		if page > 0 {
			opts.Skip = page * pageSize
		}
	}

	var results []models.Invitation
	if err := r.store.Find(ctx, invitationsCollection, clients.M{}, opts, &results); err != nil {
		return nil, errors.Wrap(err, "repository: listing invitations")
	}
	return results, nil
}

// ListExpired returns pending invitations whose expiry is behind now.
func (r *Repository) ListExpired(ctx context.Context, now time.Time) ([]models.Invitation, error) {
	filter := clients.M{
		"status":    string(models.StatusPending),
		"expiresAt": clients.M{"$lt": now.UTC()},
	}
	var results []models.Invitation
	if err := r.store.Find(ctx, invitationsCollection, filter, clients.FindOptions{}, &results); err != nil {
		return nil, errors.Wrap(err, "repository: listing expired invitations")
	}
	return results, nil
}

// ListExpiring returns pending, un-reminded invitations expiring within the
// window after now.
func (r *Repository) ListExpiring(ctx context.Context, now time.Time, window time.Duration) ([]models.Invitation, error) {
	filter := clients.M{
		"status":       string(models.StatusPending),
		"reminderSent": false,
		"expiresAt":    clients.M{"$gte": now.UTC(), "$lt": now.Add(window).UTC()},
	}
	var results []models.Invitation
	if err := r.store.Find(ctx, invitationsCollection, filter, clients.FindOptions{}, &results); err != nil {
		return nil, errors.Wrap(err, "repository: listing expiring invitations")
	}
	return results, nil
}

// Delete removes an invitation document. Administrative cleanup only; the
// normal lifecycle retains documents for audit.
func (r *Repository) Delete(ctx context.Context, token string) error {
	return errors.Wrap(r.store.Delete(ctx, invitationsCollection, token), "repository: deleting invitation")
}

// DeleteForEmail removes every invitation addressed to the email.
func (r *Repository) DeleteForEmail(ctx context.Context, email string) (int64, error) {
	removed, err := r.store.DeleteWhere(ctx, invitationsCollection, clients.M{"email": email})
	return removed, errors.Wrap(err, "repository: deleting invitations for email")
}

// GetUserByEmail returns nil without error when no user matches.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*models.UserData, error) {
	var user models.UserData
	err := r.store.GetByField(ctx, usersCollection, "email", email, &user)
	if errors.Is(err, clients.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "repository: finding user by email")
	}
	return &user, nil
}

// UsernameTaken does a case-insensitive existence check on username.
func (r *Repository) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var user models.UserData
	err := r.store.GetByField(ctx, usersCollection, "username", strings.ToLower(username), &user)
	if errors.Is(err, clients.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "repository: checking username")
	}
	return true, nil
}

func (r *Repository) CreateUser(ctx context.Context, user *models.UserData) error {
	return errors.Wrap(r.store.Create(ctx, usersCollection, user.UserID, user), "repository: creating user")
}

func (r *Repository) NewUserID() string {
	return r.store.GenerateID()
}

// WithTransaction exposes the store's atomic batch primitive to the manager.
func (r *Repository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.store.WithTransaction(ctx, fn)
}
