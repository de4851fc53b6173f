package invitations

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/clients"
	"github.com/gatehouse-io/gatehouse/models"
	"github.com/gatehouse-io/gatehouse/queue/mocks"
)

type stubGeo struct {
	location *clients.Location
	err      error
}

func (s *stubGeo) Lookup(ctx context.Context, ip string) (*clients.Location, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.location, nil
}

type managerFixture struct {
	store   *clients.MockStoreClient
	queue   *mocks.MockQueue
	manager *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	store := clients.NewMockStoreClient(false)
	mockQueue := mocks.NewMockQueue(ctrl)
	geo := &stubGeo{location: &clients.Location{City: "Lyon", Country: "France"}}

	return &managerFixture{
		store:   store,
		queue:   mockQueue,
		manager: NewManager(NewRepository(store), mockQueue, geo, ManagerConfig{}, zap.NewNop().Sugar()),
	}
}

func (f *managerFixture) create(t *testing.T, email string) *models.Invitation {
	t.Helper()
	f.queue.EXPECT().Enqueue(gomock.Any(), models.JobNameDelivery, gomock.Any()).Return(nil)
	invitation, err := f.manager.CreateInvitation(context.Background(), CreateParams{
		Email: email, Role: "editor", InvitedBy: "admin@example.com",
	})
	require.NoError(t, err)
	return invitation
}

func Test_CreateInvitation(t *testing.T) {
	f := newManagerFixture(t)

	invitation := f.create(t, "invitee@example.com")

	assert.Equal(t, models.StatusPending, invitation.Status)
	assert.NotEmpty(t, invitation.Token)
	assert.Equal(t, 1, f.store.Count("invitations"))
}

func Test_CreateInvitation_RequiresFields(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.CreateInvitation(ctx, CreateParams{Role: "editor"})
	assert.True(t, IsStatus(err, 400))

	_, err = f.manager.CreateInvitation(ctx, CreateParams{Email: "a@b.com"})
	assert.True(t, IsStatus(err, 400))

	_, err = f.manager.CreateInvitation(ctx, CreateParams{
		Email: "a@b.com", Role: "editor", Method: models.MethodSMS,
	})
	assert.True(t, IsStatus(err, 400), "sms invitations need a phone number")
}

func Test_CreateInvitation_ExistingPendingIsRotatedNotDuplicated(t *testing.T) {
	f := newManagerFixture(t)

	first := f.create(t, "invitee@example.com")
	firstToken := first.Token

	second := f.create(t, "invitee@example.com")

	assert.NotEqual(t, firstToken, second.Token)
	assert.Equal(t, 1, second.ResendCount)
	assert.Equal(t, 1, f.store.Count("invitations"), "rotation must not create a second document")

	gone, err := f.manager.repo.GetByToken(context.Background(), firstToken)
	require.NoError(t, err)
	assert.Nil(t, gone, "the old token must be unusable after rotation")
}

func Test_GetByToken_Unknown(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.GetByToken(context.Background(), "no-such-token")
	assert.True(t, IsStatus(err, 404))
}

func Test_AcceptInvite(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	invitation := f.create(t, "invitee@example.com")

	user, err := f.manager.AcceptInvite(ctx, invitation, "Jane Doe", "Correct1Horse", RequestMeta{
		IP: "203.0.113.9", Device: "Mozilla/5.0",
	})
	require.NoError(t, err)

	assert.Equal(t, "invitee", user.Username)
	assert.Equal(t, "invitee@example.com", user.Email)
	assert.Equal(t, "editor", user.Role)
	assert.NotEqual(t, "Correct1Horse", user.PasswordHash)
	assert.True(t, models.CheckPassword(user.PasswordHash, "Correct1Horse"))

	stored, err := f.manager.GetByToken(ctx, invitation.Token)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, stored.Status)
	assert.Equal(t, "203.0.113.9", stored.AcceptedByIP)
	assert.Equal(t, "Lyon, France", stored.AcceptedFromLocation)
	assert.Equal(t, 1, f.store.Count("users"))
}

func Test_AcceptInvite_GeoFailureDoesNotBlock(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.geo = &stubGeo{err: context.DeadlineExceeded}
	ctx := context.Background()
	invitation := f.create(t, "invitee@example.com")

	_, err := f.manager.AcceptInvite(ctx, invitation, "", "Correct1Horse", RequestMeta{IP: "203.0.113.9"})
	require.NoError(t, err)

	stored, err := f.manager.GetByToken(ctx, invitation.Token)
	require.NoError(t, err)
	assert.Equal(t, clients.UnknownLocation, stored.AcceptedFromLocation)
}

func Test_AcceptInvite_WeakPasswordsRevokeAfterLimit(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	invitation := f.create(t, "invitee@example.com")

	for attempt := 1; attempt < models.DefaultMaxAttempts; attempt++ {
		current, err := f.manager.GetByToken(ctx, invitation.Token)
		require.NoError(t, err)

		_, err = f.manager.AcceptInvite(ctx, current, "", "weak", RequestMeta{})
		assert.True(t, IsStatus(err, 400), "attempt %d should be a weak-password rejection", attempt)
	}

	current, err := f.manager.GetByToken(ctx, invitation.Token)
	require.NoError(t, err)
	_, err = f.manager.AcceptInvite(ctx, current, "", "weak", RequestMeta{})
	assert.True(t, IsStatus(err, 403), "the final attempt must trip the revocation")

	stored, err := f.manager.GetByToken(ctx, invitation.Token)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevoked, stored.Status)

	// even a strong password is refused once revoked
	_, err = f.manager.AcceptInvite(ctx, stored, "", "Correct1Horse", RequestMeta{})
	assert.True(t, IsStatus(err, 409))
	assert.Equal(t, 0, f.store.Count("users"))
}

func Test_AcceptInvite_NotPending(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	accepted := f.create(t, "accepted@example.com")
	_, err := f.manager.AcceptInvite(ctx, accepted, "", "Correct1Horse", RequestMeta{})
	require.NoError(t, err)
	_, err = f.manager.AcceptInvite(ctx, accepted, "", "Correct1Horse", RequestMeta{})
	assert.True(t, IsStatus(err, 409), "double accept must conflict")

	expired := f.create(t, "expired@example.com")
	expired.MarkExpired()
	require.NoError(t, f.manager.repo.Update(ctx, expired))
	_, err = f.manager.AcceptInvite(ctx, expired, "", "Correct1Horse", RequestMeta{})
	assert.True(t, IsStatus(err, 409))

	// still marked pending, but past its expiry; the sweep just has not
	// caught up yet
	overdue := f.create(t, "overdue@example.com")
	overdue.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.manager.repo.Update(ctx, overdue))
	_, err = f.manager.AcceptInvite(ctx, overdue, "", "Correct1Horse", RequestMeta{})
	assert.True(t, IsStatus(err, 409), "a past-expiry invitation must not be acceptable")
}

func Test_AcceptInvite_StaleCopyCannotRevivePending(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	invitation := f.create(t, "invitee@example.com")
	stale := *invitation

	// an expiry sweep resolves the invitation after the accept flow read it
	invitation.MarkExpired()
	matched, err := f.manager.repo.MarkStatusIfPending(ctx, invitation)
	require.NoError(t, err)
	require.True(t, matched)

	_, err = f.manager.AcceptInvite(ctx, &stale, "", "tooweak", RequestMeta{})
	assert.True(t, IsStatus(err, 409), "stale accept must conflict, not record an attempt")

	stored, err := f.manager.GetByToken(ctx, invitation.Token)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, stored.Status, "attempt bookkeeping must not revive a resolved invitation")
	assert.Equal(t, 0, stored.FailedAttempts)
}

func Test_AcceptInvite_ExistingUserConflicts(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	first := f.create(t, "invitee@example.com")
	_, err := f.manager.AcceptInvite(ctx, first, "", "Correct1Horse", RequestMeta{})
	require.NoError(t, err)

	// a second invitation for the same email, accepted after the user exists
	second, err := models.NewInvitation("invitee@example.com", "viewer", "", models.MethodEmail, "")
	require.NoError(t, err)
	require.NoError(t, f.manager.repo.Save(ctx, second))

	_, err = f.manager.AcceptInvite(ctx, second, "", "Another1Horse", RequestMeta{})
	assert.True(t, IsStatus(err, 409))

	stored, err := f.manager.GetByToken(ctx, second.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailedAttempts, "the conflict counts as a failed attempt")
}

func Test_AcceptInvite_UsernameCollisionGetsSuffix(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	first := f.create(t, "jane@example.com")
	_, err := f.manager.AcceptInvite(ctx, first, "", "Correct1Horse", RequestMeta{})
	require.NoError(t, err)

	second := f.create(t, "jane@other.example")
	user, err := f.manager.AcceptInvite(ctx, second, "", "Correct1Horse", RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "jane1", user.Username)
}

func Test_ResendInvitation(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	invitation := f.create(t, "invitee@example.com")
	oldToken := invitation.Token

	f.queue.EXPECT().Enqueue(gomock.Any(), models.JobNameDelivery, gomock.Any()).Return(nil)
	rotated, err := f.manager.ResendInvitation(ctx, "invitee@example.com")
	require.NoError(t, err)
	require.NotNil(t, rotated)

	assert.NotEqual(t, oldToken, rotated.Token)
	assert.Equal(t, 1, rotated.ResendCount)
	assert.Equal(t, 1, f.store.Count("invitations"))

	stored, err := f.manager.GetByToken(ctx, rotated.Token)
	require.NoError(t, err)
	require.NotNil(t, stored.EmailSentAt, "a resend stamps the email delivery time")
	assert.True(t, stored.EmailSentAt.After(stored.CreatedAt) || stored.EmailSentAt.Equal(stored.CreatedAt))
}

func Test_ResendInvitation_NoPending(t *testing.T) {
	f := newManagerFixture(t)

	rotated, err := f.manager.ResendInvitation(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, rotated)
}

func Test_RevokeInvitation(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	invitation := f.create(t, "invitee@example.com")

	require.NoError(t, f.manager.RevokeInvitation(ctx, invitation.Token))

	stored, err := f.manager.GetByToken(ctx, invitation.Token)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevoked, stored.Status)
	require.NotNil(t, stored.RevokedAt)

	// revoking again, or revoking nonsense, is a silent no-op
	require.NoError(t, f.manager.RevokeInvitation(ctx, invitation.Token))
	require.NoError(t, f.manager.RevokeInvitation(ctx, "no-such-token"))
}

func Test_ExpireInvitations(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	stale := f.create(t, "stale@example.com")
	stale.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, f.manager.repo.Update(ctx, stale))

	f.create(t, "fresh@example.com")

	count, err := f.manager.ExpireInvitations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := f.manager.GetByToken(ctx, stale.Token)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, stored.Status)

	// a second sweep finds nothing left to expire
	count, err = f.manager.ExpireInvitations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func Test_SendRemindersForExpiringInvitations(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	expiring := f.create(t, "expiring@example.com")
	expiring.ExpiresAt = time.Now().Add(time.Hour)
	require.NoError(t, f.manager.repo.Update(ctx, expiring))

	f.create(t, "fresh@example.com")

	var payload models.DeliveryPayload
	f.queue.EXPECT().
		Enqueue(gomock.Any(), models.JobNameDelivery, gomock.Any()).
		Do(func(_ context.Context, _ string, p interface{}) {
			payload = p.(models.DeliveryPayload)
		}).
		Return(nil)

	count, err := f.manager.SendRemindersForExpiringInvitations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, payload.Reminder)
	assert.Equal(t, "expiring@example.com", payload.Email)

	// the reminder flag latches; a second sweep sends nothing
	count, err = f.manager.SendRemindersForExpiringInvitations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func Test_Dashboard(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	accepted := f.create(t, "accepted@example.com")
	_, err := f.manager.AcceptInvite(ctx, accepted, "", "Correct1Horse", RequestMeta{})
	require.NoError(t, err)

	revoked := f.create(t, "revoked@example.com")
	require.NoError(t, f.manager.RevokeInvitation(ctx, revoked.Token))

	pending := f.create(t, "pending@example.com")
	_, err = f.manager.AcceptInvite(ctx, pending, "", "tooweak", RequestMeta{})
	require.Error(t, err)

	stats, err := f.manager.Dashboard(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus[string(models.StatusPending)])
	assert.Equal(t, int64(1), stats.ByStatus[string(models.StatusAccepted)])
	assert.Equal(t, int64(1), stats.ByStatus[string(models.StatusRevoked)])
	assert.InDelta(t, 0.5, stats.AcceptanceRate, 0.001)
	assert.Equal(t, int64(3), stats.CreatedLast7d)
	assert.Equal(t, int64(1), stats.AcceptedLast7d)
	require.Len(t, stats.Recent, 1)
	assert.Equal(t, "accepted@example.com", stats.Recent[0].Email)
	require.Len(t, stats.TopInviters, 1)
	assert.Equal(t, KeyCount{Key: "admin@example.com", Count: 3}, stats.TopInviters[0])
	require.Len(t, stats.FailedAttempts, 1)
	assert.Equal(t, KeyCount{Key: "pending@example.com", Count: 1}, stats.FailedAttempts[0])
}

func Test_RemoveInvitationsForEmail(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.create(t, "doomed@example.com")
	f.create(t, "spared@example.com")

	removed, err := f.manager.RemoveInvitationsForEmail(ctx, "doomed@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, f.store.Count("invitations"))
}
