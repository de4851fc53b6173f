// Package invitations owns the invitation state machine: creation, token
// rotation, acceptance with attempt throttling, revocation, expiry sweeping
// and reminder scheduling.
package invitations

import (
	"net/http"

	"github.com/pkg/errors"
)

const (
	//Status message we return from the service
	statusAlreadyAcceptedMessage = "Invitation has already been accepted"
	statusRevokedMessage         = "Invitation has been revoked"
	statusNoLongerPendingMessage = "Invitation is no longer pending"
	statusWeakPasswordMessage    = "Password does not meet the strength policy"
	statusTooManyAttemptsMessage = "Invitation revoked after too many failed attempts"
	statusUserExistsMessage      = "A user already exists for this email"
	statusInviteNotFoundMessage  = "No matching invitation was found"
	statusMissingEmailMessage    = "Email is missing"
	statusMissingRoleMessage     = "Role is missing"
	statusMissingPhoneMessage    = "Phone number is required for SMS delivery"
)

// Error is a status-code-bearing error returned for client-caused failures.
// Infrastructure failures are never wrapped in it; they surface to callers as
// generic internal errors.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return e.Reason
}

func NewBadRequest(reason string) *Error {
	return &Error{Code: http.StatusBadRequest, Reason: reason}
}

func NewNotFound(reason string) *Error {
	return &Error{Code: http.StatusNotFound, Reason: reason}
}

func NewConflict(reason string) *Error {
	return &Error{Code: http.StatusConflict, Reason: reason}
}

func NewForbidden(reason string) *Error {
	return &Error{Code: http.StatusForbidden, Reason: reason}
}

// StatusCode maps an error to the HTTP status callers should see. Anything
// that is not a typed Error is an infrastructure failure.
func StatusCode(err error) int {
	var statusErr *Error
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return http.StatusInternalServerError
}

// IsStatus reports whether err is a typed Error carrying the given code.
func IsStatus(err error, code int) bool {
	return StatusCode(err) == code && code != http.StatusInternalServerError
}
