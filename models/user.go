package models

import (
	"strings"
	"time"
	"unicode"
)

// UserData is the account created when an invitation is accepted.
type UserData struct {
	UserID       string    `json:"userid" bson:"_id"`
	Username     string    `json:"username" bson:"username"`
	Email        string    `json:"email" bson:"email"`
	FullName     string    `json:"fullName" bson:"fullName"`
	Role         string    `json:"role" bson:"role"`
	PasswordHash string    `json:"-" bson:"passwordHash"`
	InvitedBy    string    `json:"invitedBy,omitempty" bson:"invitedBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt" bson:"createdAt"`
}

// UsernameBase derives the starting point for a username from the invitee's
// email local part, falling back to the full name. The result is lower-case
// with everything but letters, digits, dots and dashes stripped.
func UsernameBase(email, fullName string) string {
	base := email
	if at := strings.Index(email, "@"); at > 0 {
		base = email[:at]
	}
	if base == "" {
		base = fullName
	}

	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}
