package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-io/gatehouse/invitations"
	"github.com/gatehouse-io/gatehouse/models"
)

const (
	statusInvitationQueuedMessage  = "Invitation queued for delivery"
	statusInvitationRevokedMessage = "Invitation has been revoked"
	statusInvitationDeletedMessage = "Invitation has been deleted"
	statusNoPendingInviteMessage   = "No pending invitation was found for that email"
	statusMissingTokenMessage      = "Required invitation token is missing"
)

type (
	//Invite details for generating a new invite
	inviteBody struct {
		Email     string        `json:"email" validate:"required,email"`
		Role      string        `json:"role" validate:"required"`
		InvitedBy string        `json:"invitedBy"`
		Method    models.Method `json:"inviteMethod" validate:"omitempty,oneof=email sms both"`
		Phone     string        `json:"phoneNumber"`
	}

	resendBody struct {
		Email string `json:"email" validate:"required,email"`
	}

	acceptBody struct {
		FullName string `json:"fullName"`
		Password string `json:"password" validate:"required"`
	}

	sweepResult struct {
		Processed int `json:"processed"`
	}
)

func (a *Api) decodeAndValidate(res http.ResponseWriter, req *http.Request, body interface{}) bool {
	ctx := req.Context()
	if err := json.NewDecoder(req.Body).Decode(body); err != nil {
		a.sendError(ctx, res, http.StatusBadRequest, STATUS_ERR_DECODING_INVITATION, err)
		return false
	}
	if err := a.validate.Struct(body); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			a.sendError(ctx, res, http.StatusBadRequest,
				"Invalid field "+strings.ToLower(invalid[0].Field()), err)
			return false
		}
		a.sendError(ctx, res, http.StatusBadRequest, STATUS_ERR_DECODING_INVITATION, err)
		return false
	}
	return true
}

// SendInvitation creates a pending invitation for the email, or re-delivers
// the existing pending one with a fresh token.
//
// status: 200 the (re)delivered invitation
// status: 400 missing or invalid fields
func (a *Api) SendInvitation(res http.ResponseWriter, req *http.Request, vars map[string]string) {
	if !a.authorized(res, req) {
		return
	}
	ctx := req.Context()

	var body inviteBody
	if !a.decodeAndValidate(res, req, &body) {
		return
	}

	invitation, err := a.manager.CreateInvitation(ctx, invitations.CreateParams{
		Email:     body.Email,
		Role:      body.Role,
		InvitedBy: body.InvitedBy,
		Method:    body.Method,
		Phone:     body.Phone,
	})
	if err != nil {
		a.sendManagerError(ctx, res, err, STATUS_ERR_CREATING_INVITATION)
		return
	}
	a.sendModelAsResWithStatus(ctx, res, invitation, http.StatusOK)
}

// GetAllInvitations lists invitations, newest first. Supports ?page and
// ?pageSize query parameters.
//
// status: 200 a JSON array of invitations
func (a *Api) GetAllInvitations(res http.ResponseWriter, req *http.Request, vars map[string]string) {
	if !a.authorized(res, req) {
		return
	}
	ctx := req.Context()

	page := queryInt(req, "page", 0)
	pageSize := queryInt(req, "pageSize", 50)

	results, err := a.manager.GetAllInvitations(ctx, page, pageSize)
	if err != nil {
		a.sendError(ctx, res, http.StatusInternalServerError, STATUS_ERR_LISTING_INVITATIONS, err)
		return
	}
	a.sendModelAsResWithStatus(ctx, res, results, http.StatusOK)
}

// GetInvitation returns a single invitation looked up by its token.
//
// status: 200 the invitation
// status: 404 statusInviteNotFoundMessage
func (a *Api) GetInvitation(res http.ResponseWriter, req *http.Request, vars map[string]string) {
	ctx := req.Context()
	token := vars["token"]
	if token == "" {
		a.sendError(ctx, res, http.StatusBadRequest, statusMissingTokenMessage)
		return
	}

	invitation, err := a.manager.GetByToken(ctx, token)
	if err != nil {
		a.sendManagerError(ctx, res, err, STATUS_ERR_FINDING_INVITATION)
		return
	}
	a.sendModelAsResWithStatus(ctx, res, invitation, http.StatusOK)
}

// AcceptInvite accepts a pending invitation and creates the invited user.
//
// status: 200 the created user
// status: 400 weak password
// status: 403 too many failed attempts, invitation revoked
// status: 409 invitation not pending, or a user already exists for the email
func (a *Api) AcceptInvite(res http.ResponseWriter, req *http.Request, vars map[string]string) {
	ctx := req.Context()
	token := vars["token"]
	if token == "" {
		a.sendError(ctx, res, http.StatusBadRequest, statusMissingTokenMessage)
		return
	}

	var body acceptBody
	if !a.decodeAndValidate(res, req, &body) {
		return
	}

	invitation, err := a.manager.GetByToken(ctx, token)
	if err != nil {
		a.sendManagerError(ctx, res, err, STATUS_ERR_FINDING_INVITATION)
		return
	}

	meta := invitations.RequestMeta{
		IP:     clientIP(req),
		Device: req.Header.Get("User-Agent"),
	}
	user, err := a.manager.AcceptInvite(ctx, invitation, body.FullName, body.Password, meta)
	if err != nil {
		a.sendManagerError(ctx, res, err, STATUS_ERR_ACCEPTING_INVITATION)
		return
	}
	a.sendModelAsResWithStatus(ctx, res, user, http.StatusOK)
}

// ResendInvite rotates the pending invitation for the email and queues a
// fresh delivery.
//
// status: 200 the rotated invitation
// status: 404 no pending invitation for the email
func (a *Api) ResendInvite(res http.ResponseWriter, req *http.Request, vars map[string]string) {
	if !a.authorized(res, req) {
		return
	}
	ctx := req.Context()

	var body resendBody
	if !a.decodeAndValidate(res, req, &body) {
		return
	}

	invitation, err := a.manager.ResendInvitation(ctx, body.Email)
	if err != nil {
		a.sendManagerError(ctx, res, err, STATUS_ERR_RESENDING_INVITATION)
		return
	}
	if invitation == nil {
		a.sendError(ctx, res, http.StatusNotFound, statusNoPendingInviteMessage)
		return
	}
	a.sendModelAsResWithStatus(ctx, res, invitation, http.StatusOK)
}

// RevokeInvite transitions the invitation to revoked. Revoking an unknown or
// already-resolved invitation succeeds without effect.
//
// status: 200 statusInvitationRevokedMessage
func (a *Api) RevokeInvite(res http.ResponseWriter, req *http.Request, vars map[string]string) {
	if !a.authorized(res, req) {
		return
	}
	ctx := req.Context()
	token := vars["token"]
	if token == "" {
		a.sendError(ctx, res, http.StatusBadRequest, statusMissingTokenMessage)
		return
	}

	if err := a.manager.RevokeInvitation(ctx, token); err != nil {
		a.sendManagerError(ctx, res, err, STATUS_ERR_REVOKING_INVITATION)
		return
	}
	a.sendOK(ctx, res, statusInvitationRevokedMessage)
}

// DeleteInvitation permanently removes an invitation.
//
// status: 200 statusInvitationDeletedMessage
func (a *Api) DeleteInvitation(res http.ResponseWriter, req *http.Request, vars map[string]string) {
	if !a.authorized(res, req) {
		return
	}
	ctx := req.Context()
	token := vars["token"]
	if token == "" {
		a.sendError(ctx, res, http.StatusBadRequest, statusMissingTokenMessage)
		return
	}

	if err := a.manager.DeleteInvitation(ctx, token); err != nil {
		a.sendError(ctx, res, http.StatusInternalServerError, STATUS_ERR_DELETING_INVITATION, err)
		return
	}
	a.sendOK(ctx, res, statusInvitationDeletedMessage)
}

// RunExpirySweep transitions every pending invitation past its expiry to
// expired.
//
// status: 200 the number of invitations expired
func (a *Api) RunExpirySweep(res http.ResponseWriter, req *http.Request, vars map[string]string) {
	if !a.authorized(res, req) {
		return
	}
	ctx := req.Context()

	count, err := a.manager.ExpireInvitations(ctx)
	if err != nil {
		a.sendError(ctx, res, http.StatusInternalServerError, STATUS_ERR_RUNNING_SWEEP, err)
		return
	}
	a.sendModelAsResWithStatus(ctx, res, sweepResult{Processed: count}, http.StatusOK)
}

// RunReminderSweep queues a one-time reminder for every pending invitation
// nearing expiry.
//
// status: 200 the number of reminders queued
func (a *Api) RunReminderSweep(res http.ResponseWriter, req *http.Request, vars map[string]string) {
	if !a.authorized(res, req) {
		return
	}
	ctx := req.Context()

	count, err := a.manager.SendRemindersForExpiringInvitations(ctx)
	if err != nil {
		a.sendError(ctx, res, http.StatusInternalServerError, STATUS_ERR_RUNNING_SWEEP, err)
		return
	}
	a.sendModelAsResWithStatus(ctx, res, sweepResult{Processed: count}, http.StatusOK)
}

// GetDashboard reports aggregate invitation statistics.
//
// status: 200 the dashboard stats
func (a *Api) GetDashboard(res http.ResponseWriter, req *http.Request, vars map[string]string) {
	if !a.authorized(res, req) {
		return
	}
	ctx := req.Context()

	stats, err := a.manager.Dashboard(ctx)
	if err != nil {
		a.sendError(ctx, res, http.StatusInternalServerError, STATUS_ERR_LISTING_INVITATIONS, err)
		return
	}
	a.sendModelAsResWithStatus(ctx, res, stats, http.StatusOK)
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the socket
// peer address.
func clientIP(req *http.Request) string {
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host := req.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

func queryInt(req *http.Request, name string, fallback int64) int64 {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
