package clients

import (
	"context"

	"go.uber.org/zap"
)

type (
	// NullNotifier for deployments with messaging disabled
	NullNotifier struct {
		logger *zap.SugaredLogger
	}
)

// NewNullNotifier Create a dummy notifier
func NewNullNotifier(logger *zap.SugaredLogger) (*NullNotifier, error) {
	logger.Info("messaging is disabled, nothing will be sent")
	return &NullNotifier{logger: logger}, nil
}

func (c *NullNotifier) Name() string { return ProviderNull }

// Send do nothing
func (c *NullNotifier) Send(ctx context.Context, target, subject, content string) error {
	c.logger.With(zap.String("target", target), zap.String("subject", subject)).
		Debug("not sending message, disabled by server configuration")
	return nil
}
