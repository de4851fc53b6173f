package clients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDispatcherFixture(t *testing.T, config DispatcherConfig) (*Dispatcher, *MockNotifier, *MockNotifier) {
	t.Helper()

	primary := NewMockNotifier("primary")
	backup := NewMockNotifier("backup")

	factory := NewNotifierFactory(SesNotifierConfig{}, SMTPNotifierConfig{}, SMSNotifierConfig{}, zap.NewNop().Sugar())
	factory.cache["primary"] = primary
	factory.cache["backup"] = backup

	if config.Attempts == 0 {
		config.Attempts = 3
	}
	config.RetryDelay = time.Millisecond

	return NewDispatcher(factory, config, zap.NewNop().Sugar()), primary, backup
}

func Test_Dispatcher_SendEmail(t *testing.T) {
	dispatcher, primary, backup := newDispatcherFixture(t, DispatcherConfig{EmailProvider: "primary"})

	err := dispatcher.SendEmail(context.Background(), "invitee@example.com", "subject", "<p>body</p>")
	require.NoError(t, err)

	sent := primary.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "invitee@example.com", sent[0].Target)
	assert.Equal(t, "subject", sent[0].Subject)
	assert.Empty(t, backup.Sent())
}

func Test_Dispatcher_RetriesTransientFailure(t *testing.T) {
	dispatcher, primary, _ := newDispatcherFixture(t, DispatcherConfig{EmailProvider: "primary"})
	primary.FailNext(2)

	err := dispatcher.SendEmail(context.Background(), "invitee@example.com", "subject", "body")
	require.NoError(t, err)

	assert.Len(t, primary.Sent(), 1, "the third attempt should have gone through")
}

func Test_Dispatcher_FailsOverToBackup(t *testing.T) {
	dispatcher, primary, backup := newDispatcherFixture(t, DispatcherConfig{
		EmailProvider: "primary",
		EmailBackup:   "backup",
	})
	primary.FailNext(3)

	err := dispatcher.SendEmail(context.Background(), "invitee@example.com", "subject", "body")
	require.NoError(t, err)

	assert.Empty(t, primary.Sent())
	assert.Len(t, backup.Sent(), 1)
}

func Test_Dispatcher_AllProvidersExhausted(t *testing.T) {
	dispatcher, primary, backup := newDispatcherFixture(t, DispatcherConfig{
		EmailProvider: "primary",
		EmailBackup:   "backup",
	})
	primary.FailNext(3)
	backup.FailNext(3)

	err := dispatcher.SendEmail(context.Background(), "invitee@example.com", "subject", "body")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func Test_Dispatcher_NoBackupConfigured(t *testing.T) {
	dispatcher, primary, _ := newDispatcherFixture(t, DispatcherConfig{EmailProvider: "primary"})
	primary.FailNext(3)

	err := dispatcher.SendEmail(context.Background(), "invitee@example.com", "subject", "body")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func Test_Dispatcher_SendSMSUsesSMSProvider(t *testing.T) {
	dispatcher, primary, _ := newDispatcherFixture(t, DispatcherConfig{
		EmailProvider: "unused",
		SMSProvider:   "primary",
	})

	err := dispatcher.SendSMS(context.Background(), "+33612345678", "your invitation")
	require.NoError(t, err)

	sent := primary.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+33612345678", sent[0].Target)
	assert.Empty(t, sent[0].Subject)
}

func Test_Dispatcher_UnknownProvider(t *testing.T) {
	dispatcher, _, _ := newDispatcherFixture(t, DispatcherConfig{EmailProvider: "nonexistent"})

	err := dispatcher.SendEmail(context.Background(), "invitee@example.com", "subject", "body")
	assert.Error(t, err)
}

func Test_NotifierFactory_CachesInstances(t *testing.T) {
	factory := NewNotifierFactory(SesNotifierConfig{}, SMTPNotifierConfig{}, SMSNotifierConfig{}, zap.NewNop().Sugar())

	first, err := factory.Notifier(ProviderNull)
	require.NoError(t, err)
	second, err := factory.Notifier(ProviderNull)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func Test_NotifierFactory_UnknownName(t *testing.T) {
	factory := NewNotifierFactory(SesNotifierConfig{}, SMTPNotifierConfig{}, SMSNotifierConfig{}, zap.NewNop().Sugar())

	_, err := factory.Notifier("pigeon")
	assert.Error(t, err)
}
