package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gatehouse-io/gatehouse/clients"
	"github.com/gatehouse-io/gatehouse/invitations"
)

type (
	Api struct {
		Store      clients.StoreClient
		manager    *invitations.Manager
		validate   *validator.Validate
		baseLogger *zap.SugaredLogger
		Config     Config
	}
	Config struct {
		ServerSecret string `envconfig:"GATEHOUSE_SERVER_SECRET"`
	}

	// this just makes it easier to bind a handler for the Handle function
	varsHandler func(http.ResponseWriter, *http.Request, map[string]string)
)

const (
	GH_SERVICE_SECRET = "x-gatehouse-service-secret"

	STATUS_ERR_ACCEPTING_INVITATION = "Error accepting invitation"
	STATUS_ERR_CREATING_INVITATION  = "Error creating an invitation"
	STATUS_ERR_DECODING_INVITATION  = "Error decoding the invitation"
	STATUS_ERR_DELETING_INVITATION  = "Error deleting an invitation"
	STATUS_ERR_FINDING_INVITATION   = "Error finding the invitation"
	STATUS_ERR_LISTING_INVITATIONS  = "Error listing invitations"
	STATUS_ERR_RESENDING_INVITATION = "Error resending the invitation"
	STATUS_ERR_REVOKING_INVITATION  = "Error revoking the invitation"
	STATUS_ERR_RUNNING_SWEEP        = "Error running the sweep"

	STATUS_OK           = "OK"
	STATUS_UNAUTHORIZED = "Not authorized for requested operation"
)

func NewApi(
	cfg Config,
	store clients.StoreClient,
	manager *invitations.Manager,
	logger *zap.SugaredLogger,
) *Api {
	return &Api{
		Store:      store,
		manager:    manager,
		validate:   validator.New(),
		Config:     cfg,
		baseLogger: logger,
	}
}

func apiConfigProvider() (Config, error) {
	var config Config
	err := envconfig.Process("gatehouse", &config)
	if err != nil {
		return Config{}, err
	}
	return config, nil
}

func routerProvider(api *Api) *mux.Router {
	rtr := mux.NewRouter()
	api.SetHandlers("", rtr)
	return rtr
}

// RouterModule build a router
var RouterModule = fx.Options(fx.Provide(routerProvider, apiConfigProvider))

// addPathVarToLogger adds a request's path variable to the logging context.
//
// It uses the first case-insensitive match of name it finds, additional occurrences of name are
// ignored.
func (a *Api) addPathVarToLogger(name string) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, orig *http.Request) {
			vars := mux.Vars(orig)
			next := orig
			for key := range vars {
				if !strings.EqualFold(key, name) {
					continue
				}
				ctxLog := a.logger(orig.Context()).With(zap.String(key, vars[key]))
				ctxWithLog := context.WithValue(orig.Context(), ctxLoggerKey{}, ctxLog)
				next = orig.WithContext(ctxWithLog)
				break
			}
			h.ServeHTTP(w, next)
		})
	}
}

type ctxLoggerKey struct{}

func (a *Api) logger(ctx context.Context) *zap.SugaredLogger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*zap.SugaredLogger); ok {
		return logger
	}
	return a.cloneLogger()
}

func (a *Api) cloneLogger() *zap.SugaredLogger {
	return a.baseLogger.WithOptions()
}

func (a *Api) ctxLoggerHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origCtx := r.Context()
		ctxLog := a.cloneLogger()
		ctxWithLog := context.WithValue(origCtx, ctxLoggerKey{}, ctxLog)
		rWithLog := r.WithContext(ctxWithLog)
		h.ServeHTTP(w, rWithLog)
	})
}

func (a *Api) SetHandlers(prefix string, rtr *mux.Router) {
	rtr.Use(mux.MiddlewareFunc(a.ctxLoggerHandler))
	rtr.Use(a.addPathVarToLogger("token"))

	rtr.HandleFunc("/status", a.IsReady).Methods("GET")
	rtr.HandleFunc("/ready", a.IsReady).Methods("GET")
	rtr.HandleFunc("/live", a.IsAlive).Methods("GET")

	// vars is a shorthand for applying the varsHandler to an handler.
	type vars = varsHandler

	inv := rtr.PathPrefix("/invitations").Subrouter()

	// POST /invitations
	// GET  /invitations
	inv.Handle("", vars(a.SendInvitation)).Methods("POST")
	inv.Handle("", vars(a.GetAllInvitations)).Methods("GET")

	// GET  /invitations/dashboard
	inv.Handle("/dashboard", vars(a.GetDashboard)).Methods("GET")

	// POST /invitations/resend
	inv.Handle("/resend", vars(a.ResendInvite)).Methods("POST")

	// POST /invitations/sweep/expire
	// POST /invitations/sweep/remind
	inv.Handle("/sweep/expire", vars(a.RunExpirySweep)).Methods("POST")
	inv.Handle("/sweep/remind", vars(a.RunReminderSweep)).Methods("POST")

	// GET    /invitations/:token
	// PUT    /invitations/:token/accept
	// PUT    /invitations/:token/revoke
	// DELETE /invitations/:token
	inv.Handle("/{token}", vars(a.GetInvitation)).Methods("GET")
	inv.Handle("/{token}/accept", vars(a.AcceptInvite)).Methods("PUT")
	inv.Handle("/{token}/revoke", vars(a.RevokeInvite)).Methods("PUT")
	inv.Handle("/{token}", vars(a.DeleteInvitation)).Methods("DELETE")
}

func (h varsHandler) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	h(res, req, vars)
}

func (a *Api) IsReady(res http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if err := a.Store.Ping(ctx); err != nil {
		a.sendError(ctx, res, http.StatusInternalServerError, "store connectivity failure", err)
		return
	}
	res.WriteHeader(http.StatusOK)
	res.Write([]byte(STATUS_OK))
}

func (a *Api) IsAlive(res http.ResponseWriter, req *http.Request) {
	res.WriteHeader(http.StatusOK)
	res.Write([]byte(STATUS_OK))
}

// authorized guards the administrative routes. When no secret is configured
// the check is a no-op, suitable for deployments behind a trusted gateway.
func (a *Api) authorized(res http.ResponseWriter, req *http.Request) bool {
	if a.Config.ServerSecret == "" {
		return true
	}
	if req.Header.Get(GH_SERVICE_SECRET) == a.Config.ServerSecret {
		return true
	}
	a.sendError(req.Context(), res, http.StatusUnauthorized, STATUS_UNAUTHORIZED)
	return false
}

type serviceStatus struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func newServiceStatus(code int, reason string) serviceStatus {
	return serviceStatus{Code: code, Reason: reason}
}

// sendManagerError translates the typed lifecycle errors into their HTTP
// responses; anything untyped becomes a 500 with the given reason.
func (a *Api) sendManagerError(ctx context.Context, res http.ResponseWriter, err error, reason string) {
	var typed *invitations.Error
	if errors.As(err, &typed) {
		a.sendErrorLog(ctx, typed.Code, typed.Reason, err)
		a.sendModelAsResWithStatus(ctx, res, typed, typed.Code)
		return
	}
	a.sendError(ctx, res, http.StatusInternalServerError, reason, err)
}

func (a *Api) sendModelAsResWithStatus(ctx context.Context, res http.ResponseWriter, model interface{}, statusCode int) {
	if jsonDetails, err := json.Marshal(model); err != nil {
		a.logger(ctx).With("model", model, zap.Error(err)).Errorf("trying to send model")
		http.Error(res, "Error marshaling data for response", http.StatusInternalServerError)
	} else {
		res.Header().Set("content-type", "application/json")
		res.WriteHeader(statusCode)
		res.Write(jsonDetails)
	}
}

func (a *Api) sendError(ctx context.Context, res http.ResponseWriter, statusCode int, reason string, extras ...interface{}) {
	a.sendErrorLog(ctx, statusCode, reason, extras...)
	a.sendModelAsResWithStatus(ctx, res, newServiceStatus(statusCode, reason), statusCode)
}

func (a *Api) sendErrorLog(ctx context.Context, code int, reason string, extras ...interface{}) {
	details := splitExtrasAndErrorsAndFields(extras)
	log := a.logger(ctx).WithOptions(zap.AddCallerSkip(2)).
		Desugar().With(details.Fields...).Sugar().
		With(zap.Int("code", code))
	if len(details.NonErrors) > 0 {
		log = log.With(zap.Array("extras", zapArrayAny(details.NonErrors)))
	}
	if len(details.Errors) == 1 {
		log = log.With(zap.Error(details.Errors[0]))
	} else if len(details.Errors) > 1 {
		log = log.With(zap.Errors("errors", details.Errors))
	}
	if code < http.StatusInternalServerError || len(details.Errors) == 0 {
		// if there are no errors, use info to skip the stack trace, as it's
		// probably not useful
		log.Info(reason)
	} else {
		log.Error(reason)
	}
}

// sendOK helps send a 200 response with a standard form and optional message.
func (a *Api) sendOK(ctx context.Context, res http.ResponseWriter, reason string) {
	a.sendModelAsResWithStatus(ctx, res, newServiceStatus(http.StatusOK, reason), http.StatusOK)
}

type extrasDetails struct {
	Errors    []error
	NonErrors []interface{}
	Fields    []zap.Field
}

func splitExtrasAndErrorsAndFields(extras []interface{}) extrasDetails {
	details := extrasDetails{
		Errors:    []error{},
		NonErrors: []interface{}{},
		Fields:    []zap.Field{},
	}
	for _, extra := range extras {
		if err, ok := extra.(error); ok {
			if err != nil {
				details.Errors = append(details.Errors, err)
			}
		} else if field, ok := extra.(zap.Field); ok {
			details.Fields = append(details.Fields, field)
		} else if extraErrs, ok := extra.([]error); ok {
			if len(extraErrs) > 0 {
				details.Errors = append(details.Errors, extraErrs...)
			}
		} else {
			details.NonErrors = append(details.NonErrors, extra)
		}
	}
	return details
}

// zapArrayAny helps convert extras to strings for inclusion in a structured
// log message.
func zapArrayAny(extras []interface{}) zapcore.ArrayMarshalerFunc {
	return zapcore.ArrayMarshalerFunc(func(enc zapcore.ArrayEncoder) error {
		for _, extra := range extras {
			enc.AppendString(fmt.Sprintf("%v", extra))
		}
		return nil
	})
}
