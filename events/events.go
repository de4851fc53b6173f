// Package events consumes user lifecycle events published by neighboring
// services and keeps the invitation corpus consistent with them.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/invitations"
)

const (
	userDeletedChannel = "gatehouse:events:user-deleted"

	handleTimeout = 60 * time.Second
)

type (
	// UserDeletedEvent announces that a user account was removed. Every
	// invitation addressed to the email goes with it.
	UserDeletedEvent struct {
		UserID string `json:"userId"`
		Email  string `json:"email"`
	}

	Consumer struct {
		redis   *redis.Client
		manager *invitations.Manager
		logger  *zap.SugaredLogger
	}
)

func NewConsumer(redisClient *redis.Client, manager *invitations.Manager, logger *zap.SugaredLogger) *Consumer {
	return &Consumer{
		redis:   redisClient,
		manager: manager,
		logger:  logger,
	}
}

// Run subscribes to the user-deleted channel and handles events until the
// context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	sub := c.redis.Subscribe(ctx, userDeletedChannel)
	defer sub.Close()

	// force the subscription before consuming so startup failures surface
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	c.logger.With(zap.String("channel", userDeletedChannel)).Info("consuming user events")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			c.handleUserDeleted(message.Payload)
		}
	}
}

func (c *Consumer) handleUserDeleted(payload string) {
	var event UserDeletedEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		c.logger.With(zap.Error(err)).Warn("dropping undecodable user-deleted event")
		return
	}
	if event.Email == "" {
		c.logger.Warn("dropping user-deleted event without an email")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	removed, err := c.manager.RemoveInvitationsForEmail(ctx, event.Email)
	if err != nil {
		c.logger.With(zap.Error(err), zap.String("email", event.Email)).
			Error("removing invitations for deleted user")
		return
	}
	if removed > 0 {
		c.logger.With(zap.Int64("removed", removed), zap.String("email", event.Email)).
			Info("removed invitations for deleted user")
	}
}

// Module wires the event consumer.
var Module = fx.Options(
	fx.Provide(NewConsumer),
)
