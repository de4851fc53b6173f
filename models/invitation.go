package models

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

type (
	// Invitation is a time-limited offer to join, identified by a rotating token.
	// The token doubles as the document key.
	Invitation struct {
		Token     string    `json:"inviteToken" bson:"_id"`
		Email     string    `json:"email" bson:"email"`
		Role      string    `json:"role" bson:"role"`
		InvitedBy string    `json:"invitedBy" bson:"invitedBy"`
		Status    Status    `json:"status" bson:"status"`
		Method    Method    `json:"inviteMethod" bson:"inviteMethod"`
		Phone     string    `json:"phoneNumber,omitempty" bson:"phoneNumber,omitempty"`
		CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
		ExpiresAt time.Time `json:"expiresAt" bson:"expiresAt"`

		AcceptedAt *time.Time `json:"acceptedAt,omitempty" bson:"acceptedAt,omitempty"`
		RevokedAt  *time.Time `json:"revokedAt,omitempty" bson:"revokedAt,omitempty"`

		AttemptsMade   int        `json:"attemptsMade" bson:"attemptsMade"`
		FailedAttempts int        `json:"failedAttempts" bson:"failedAttempts"`
		MaxAttempts    int        `json:"maxAttempts" bson:"maxAttempts"`
		LastAttemptAt  *time.Time `json:"lastAttemptAt,omitempty" bson:"lastAttemptAt,omitempty"`

		ResendCount    int        `json:"resendCount" bson:"resendCount"`
		EmailSentAt    *time.Time `json:"emailSentAt,omitempty" bson:"emailSentAt,omitempty"`
		SMSSentAt      *time.Time `json:"smsSentAt,omitempty" bson:"smsSentAt,omitempty"`
		ReminderSent   bool       `json:"reminderSent" bson:"reminderSent"`
		ReminderSentAt *time.Time `json:"reminderSentAt,omitempty" bson:"reminderSentAt,omitempty"`

		AcceptedByIP         string `json:"acceptedByIp,omitempty" bson:"acceptedByIp,omitempty"`
		AcceptedByDevice     string `json:"acceptedByDevice,omitempty" bson:"acceptedByDevice,omitempty"`
		AcceptedFromLocation string `json:"acceptedFromLocation,omitempty" bson:"acceptedFromLocation,omitempty"`

		ChangeLogs []ChangeLog `json:"changeLogs" bson:"changeLogs"`
	}

	// ChangeLog is one entry of the invitation's append-only audit trail.
	ChangeLog struct {
		Date     time.Time `json:"date" bson:"date"`
		Field    string    `json:"field" bson:"field"`
		OldValue string    `json:"oldValue" bson:"oldValue"`
		NewValue string    `json:"newValue" bson:"newValue"`
	}

	//Enum type's
	Status string
	Method string
)

const (
	//Available Status's
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRevoked  Status = "revoked"
	StatusExpired  Status = "expired"

	//Available Method's
	MethodEmail Method = "email"
	MethodSMS   Method = "sms"
	MethodBoth  Method = "both"
)

const (
	// DefaultExpiry is how long a fresh invitation stays acceptable.
	DefaultExpiry = 7 * 24 * time.Hour

	// DefaultMaxAttempts is the number of consecutive failed accept
	// attempts before an invitation is auto-revoked.
	DefaultMaxAttempts = 5
)

//New invitation with just the basics
func NewInvitation(email, role, invitedBy string, method Method, phone string) (*Invitation, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	if method == "" {
		method = MethodEmail
	}

	now := time.Now().UTC()
	return &Invitation{
		Token:       token,
		Email:       email,
		Role:        role,
		InvitedBy:   invitedBy,
		Status:      StatusPending,
		Method:      method,
		Phone:       phone,
		CreatedAt:   now,
		ExpiresAt:   now.Add(DefaultExpiry),
		MaxAttempts: DefaultMaxAttempts,
		ChangeLogs:  []ChangeLog{},
	}, nil
}

// RotateToken replaces the token with a freshly generated one, guaranteed to
// differ from the current value, and records the change in the audit trail.
// Collision checks against other invitations are the caller's concern.
func (i *Invitation) RotateToken() error {
	old := i.Token
	token := old
	for token == old {
		generated, err := NewToken()
		if err != nil {
			return err
		}
		token = generated
	}

	i.Token = token
	i.logChange("inviteToken", old, token)
	return nil
}

// IsPending reports whether the invitation can still be acted on.
func (i *Invitation) IsPending() bool {
	return i.Status == StatusPending
}

func (i *Invitation) IsExpired() bool {
	return time.Now().After(i.ExpiresAt)
}

// MarkAccepted transitions pending -> accepted and records where the
// acceptance came from. The transition is terminal.
func (i *Invitation) MarkAccepted(ip, device, location string) {
	now := time.Now().UTC()
	i.setStatus(StatusAccepted)
	i.AcceptedAt = &now
	i.AcceptedByIP = ip
	i.AcceptedByDevice = device
	if location != "" {
		old := i.AcceptedFromLocation
		i.AcceptedFromLocation = location
		i.logChange("acceptedFromLocation", old, location)
	}
}

// MarkRevoked transitions to revoked. Calling it on an already revoked
// invitation is a no-op so revocation stays idempotent.
func (i *Invitation) MarkRevoked() {
	if i.Status == StatusRevoked {
		return
	}
	now := time.Now().UTC()
	i.setStatus(StatusRevoked)
	i.RevokedAt = &now
}

// MarkExpired transitions pending -> expired.
func (i *Invitation) MarkExpired() {
	i.setStatus(StatusExpired)
}

// RecordFailedAttempt counts one failed accept attempt and reports whether
// the attempt ceiling has been reached.
func (i *Invitation) RecordFailedAttempt() bool {
	i.FailedAttempts++
	now := time.Now().UTC()
	i.LastAttemptAt = &now
	return i.FailedAttempts >= i.maxAttempts()
}

// AttemptsExhausted reports whether the failed-attempt ceiling was already hit.
func (i *Invitation) AttemptsExhausted() bool {
	return i.FailedAttempts >= i.maxAttempts()
}

// RecordSuccessfulAttempt resets the failure counter and counts the success.
func (i *Invitation) RecordSuccessfulAttempt() {
	i.FailedAttempts = 0
	i.AttemptsMade++
	now := time.Now().UTC()
	i.LastAttemptAt = &now
}

// RecordResend counts a token rotation triggered by a resend.
func (i *Invitation) RecordResend() {
	i.ResendCount++
}

// RecordDeliveryQueued stamps the per-channel send timestamps for the
// invitation's delivery method.
func (i *Invitation) RecordDeliveryQueued() {
	now := time.Now().UTC()
	if i.Method == MethodEmail || i.Method == MethodBoth || i.Method == "" {
		i.EmailSentAt = &now
	}
	if i.Method == MethodSMS || i.Method == MethodBoth {
		i.SMSSentAt = &now
	}
}

// MarkReminded latches the one-shot reminder flag.
func (i *Invitation) MarkReminded() {
	now := time.Now().UTC()
	i.ReminderSent = true
	i.ReminderSentAt = &now
}

func (i *Invitation) maxAttempts() int {
	if i.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return i.MaxAttempts
}

func (i *Invitation) setStatus(status Status) {
	old := i.Status
	i.Status = status
	i.logChange("status", string(old), string(status))
}

func (i *Invitation) logChange(field, oldValue, newValue string) {
	i.ChangeLogs = append(i.ChangeLogs, ChangeLog{
		Date:     time.Now().UTC(),
		Field:    field,
		OldValue: oldValue,
		NewValue: newValue,
	})
}

// NewToken generates an opaque random invitation token.
func NewToken() (string, error) {

	length := 24 // change the length of the generated random string here

	rb := make([]byte, length)
	if _, err := rand.Read(rb); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(rb), nil
}
