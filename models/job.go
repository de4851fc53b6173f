package models

import "time"

// JobNameDelivery is the queue job name for invitation deliveries.
const JobNameDelivery = "invitation-delivery"

// DeliveryPayload is the body of a queued delivery job. It carries everything
// the worker needs to render and send the notification without re-reading the
// invitation, so a job stays processable after a later token rotation.
type DeliveryPayload struct {
	Email     string    `json:"email"`
	Token     string    `json:"inviteToken"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
	Phone     string    `json:"phoneNumber,omitempty"`
	Method    Method    `json:"inviteMethod"`
	Reminder  bool      `json:"reminder,omitempty"`
}
