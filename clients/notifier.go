package clients

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Notifier sends a single message through one concrete provider.
type Notifier interface {
	// Send delivers content to the target address or number. subject is
	// ignored by SMS providers.
	Send(ctx context.Context, target, subject, content string) error
	Name() string
}

// Known provider names.
const (
	ProviderSES    = "ses"
	ProviderSMTP   = "smtp"
	ProviderTwilio = "twilio"
	ProviderVonage = "vonage"
	ProviderNull   = "null"
)

// NotifierFactory resolves provider names to Notifier instances. Providers
// are constructed on first use and cached for the process lifetime.
type NotifierFactory struct {
	ses    SesNotifierConfig
	smtp   SMTPNotifierConfig
	sms    SMSNotifierConfig
	logger *zap.SugaredLogger

	mu    sync.Mutex
	cache map[string]Notifier
}

func NewNotifierFactory(ses SesNotifierConfig, smtp SMTPNotifierConfig, sms SMSNotifierConfig, logger *zap.SugaredLogger) *NotifierFactory {
	return &NotifierFactory{
		ses:    ses,
		smtp:   smtp,
		sms:    sms,
		logger: logger,
		cache:  map[string]Notifier{},
	}
}

// Notifier returns the provider registered under name.
func (f *NotifierFactory) Notifier(name string) (Notifier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if notifier, ok := f.cache[name]; ok {
		return notifier, nil
	}

	notifier, err := f.build(name)
	if err != nil {
		return nil, err
	}
	f.cache[name] = notifier
	return notifier, nil
}

func (f *NotifierFactory) build(name string) (Notifier, error) {
	switch name {
	case ProviderSES:
		return NewSesNotifier(f.ses, f.logger)
	case ProviderSMTP:
		return NewSMTPNotifier(f.smtp)
	case ProviderTwilio:
		return NewTwilioNotifier(f.sms)
	case ProviderVonage:
		return NewVonageNotifier(f.sms)
	case ProviderNull:
		return NewNullNotifier(f.logger)
	case "":
		return nil, nil
	}
	return nil, fmt.Errorf("notifier: unknown provider %q", name)
}
