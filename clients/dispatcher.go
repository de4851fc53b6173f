package clients

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrDeliveryFailed is returned once every provider, primary and backup, has
// exhausted its retry budget.
var ErrDeliveryFailed = errors.New("dispatcher: delivery failed on all providers")

type (
	// Dispatcher sends a single message via a named provider, applying
	// per-provider retry and a one-shot failover to a backup provider.
	Dispatcher struct {
		factory *NotifierFactory
		config  DispatcherConfig
		logger  *zap.SugaredLogger
	}

	DispatcherConfig struct {
		EmailProvider string        `split_words:"true" default:"ses"`
		EmailBackup   string        `split_words:"true" default:""`
		SMSProvider   string        `envconfig:"DISPATCH_SMS_PROVIDER" default:"twilio"`
		SMSBackup     string        `envconfig:"DISPATCH_SMS_BACKUP" default:""`
		Attempts      uint          `default:"3"`
		RetryDelay    time.Duration `split_words:"true" default:"1s"`
	}
)

func dispatcherConfigProvider() (DispatcherConfig, error) {
	var config DispatcherConfig
	if err := envconfig.Process("dispatch", &config); err != nil {
		return DispatcherConfig{}, err
	}
	return config, nil
}

// NewDispatcher resolves provider names once; the underlying clients are
// constructed lazily by the factory on first send.
func NewDispatcher(factory *NotifierFactory, config DispatcherConfig, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		factory: factory,
		config:  config,
		logger:  logger,
	}
}

// SendEmail delivers an HTML email, retrying and failing over per the
// dispatcher contract.
func (d *Dispatcher) SendEmail(ctx context.Context, target, subject, body string) error {
	return d.send(ctx, d.config.EmailProvider, d.config.EmailBackup, target, subject, body)
}

// SendSMS delivers a text message, retrying and failing over per the
// dispatcher contract.
func (d *Dispatcher) SendSMS(ctx context.Context, target, message string) error {
	return d.send(ctx, d.config.SMSProvider, d.config.SMSBackup, target, "", message)
}

func (d *Dispatcher) send(ctx context.Context, primary, backup, target, subject, content string) error {
	err := d.sendVia(ctx, primary, target, subject, content)
	if err == nil {
		return nil
	}

	if backup == "" || backup == primary {
		d.logger.With(zap.Error(err), zap.String("provider", primary)).
			Error("delivery failed, no backup provider configured")
		return errors.Wrap(ErrDeliveryFailed, err.Error())
	}

	d.logger.With(zap.Error(err), zap.String("provider", primary), zap.String("backup", backup)).
		Warn("primary provider exhausted retries, switching to backup")

	// The attempt counter resets exactly once, for the backup.
	if err := d.sendVia(ctx, backup, target, subject, content); err != nil {
		d.logger.With(zap.Error(err), zap.String("provider", backup)).
			Error("backup provider exhausted retries")
		return errors.Wrap(ErrDeliveryFailed, err.Error())
	}
	return nil
}

func (d *Dispatcher) sendVia(ctx context.Context, provider, target, subject, content string) error {
	notifier, err := d.factory.Notifier(provider)
	if err != nil {
		return err
	}
	if notifier == nil {
		return errors.Errorf("dispatcher: no provider configured for %q", provider)
	}

	return retry.Do(
		func() error {
			return notifier.Send(ctx, target, subject, content)
		},
		retry.Context(ctx),
		retry.Attempts(d.attempts()),
		retry.Delay(d.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			d.logger.With(zap.Error(err), zap.String("provider", provider), zap.Uint("attempt", attempt+1)).
				Warn("delivery attempt failed")
		}),
	)
}

func (d *Dispatcher) attempts() uint {
	if d.config.Attempts == 0 {
		return 3
	}
	return d.config.Attempts
}

func notifierFactoryProvider(ses SesNotifierConfig, smtp SMTPNotifierConfig, sms SMSNotifierConfig, logger *zap.SugaredLogger) *NotifierFactory {
	return NewNotifierFactory(ses, smtp, sms, logger)
}

// NotifierModule wires provider configs, the factory and the dispatcher.
var NotifierModule = fx.Options(
	fx.Provide(sesNotifierConfigProvider),
	fx.Provide(smtpNotifierConfigProvider),
	fx.Provide(smsNotifierConfigProvider),
	fx.Provide(dispatcherConfigProvider),
	fx.Provide(notifierFactoryProvider),
	fx.Provide(NewDispatcher),
)
