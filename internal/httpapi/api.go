package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"paddock.org/internal/auth"
	"paddock.org/internal/obs"
	"paddock.org/internal/ratelimit"
	"paddock.org/internal/riders"
)

const maxBodyBytes = 1 << 20

// API exposes the auth core and the riders resource over HTTP.
type API struct {
	auth    *auth.Service
	riders  *riders.Service
	limiter ratelimit.Limiter

	validate      *validator.Validate
	secureCookies bool
	corsOrigins   []string
	throttle      *throttle
	readyTimeout  time.Duration
}

// Option configures an API.
type Option func(*API)

// WithLimiter sets the limiter guarding login and registration.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(a *API) {
		if l != nil {
			a.limiter = l
		}
	}
}

// WithSecureCookies marks session cookies Secure.
func WithSecureCookies(secure bool) Option {
	return func(a *API) { a.secureCookies = secure }
}

// WithCORSOrigins lists the browser origins allowed to call the API with
// credentials.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithThrottle sets the per-IP request rate applied to every route. A
// non-positive rate disables it.
func WithThrottle(perSecond float64, burst int) Option {
	return func(a *API) { a.throttle = newThrottle(perSecond, burst) }
}

// New builds an API. Login and registration default to five attempts per
// minute per client.
func New(authSvc *auth.Service, riderSvc *riders.Service, opts ...Option) *API {
	a := &API{
		auth:         authSvc,
		riders:       riderSvc,
		limiter:      ratelimit.NewMemory(5, time.Minute),
		validate:     newValidator(),
		throttle:     newThrottle(0, 0),
		readyTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler returns the routed handler with the middleware chain applied.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		RequestID,
		obs.Instrument,
		AccessLog,
		SecurityHeaders,
		CORS(a.corsOrigins),
		a.throttle.Middleware,
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(MaxBodyBytes(maxBodyBytes))

		r.Route("/auth", func(r chi.Router) {
			r.With(limitRoute(a.limiter, "register")).Post("/register", a.handleRegister)
			r.With(limitRoute(a.limiter, "login")).Post("/login", a.handleLogin)
			r.Post("/refresh", a.handleRefresh)
			r.Post("/logout", a.handleLogout)

			r.Group(func(r chi.Router) {
				r.Use(a.authenticate)
				r.Post("/logout-all", a.handleLogoutAll)
				r.Get("/me", a.handleMe)
				r.Post("/switch", a.handleSwitch)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)

			r.Post("/organizations", a.handleCreateOrganization)
			r.Post("/organizations/members", a.handleAddMember)
			r.Delete("/organizations/members/{userID}", a.handleRemoveMember)
			r.Put("/organizations/overrides", a.handleSetOverride)
			r.Delete("/organizations/overrides", a.handleClearOverride)

			r.Post("/riders", a.handleCreateRider)
			r.Get("/riders", a.handleListRiders)
			r.Get("/riders/{id}", a.handleGetRider)
			r.Delete("/riders/{id}", a.handleDeleteRider)
			r.Post("/riders/{id}/restore", a.handleRestoreRider)
		})
	})
	return r
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": obs.Version,
		"commit":  obs.Commit,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.readyTimeout)
	defer cancel()
	if err := a.auth.Ready(ctx); err != nil {
		obs.FromContext(r.Context()).Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error      string            `json:"error"`
	Permission string            `json:"permission,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

// fail maps a service error onto a status code. Authentication failures
// share one body so callers cannot tell the causes apart. The request id
// travels in the X-Request-ID header.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	var perr *auth.PermissionError
	switch {
	case auth.IsUnauthenticated(err):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "not authenticated"})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Permission: perr.Permission})
	case errors.Is(err, auth.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case errors.Is(err, auth.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, auth.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict"})
	case errors.Is(err, auth.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: strings.TrimPrefix(err.Error(), "auth: ")})
	case errors.Is(err, auth.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests"})
	default:
		obs.FromContext(r.Context()).Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// decode reads a JSON body into dst and validates it.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, r, http.StatusBadRequest, "request body required")
		default:
			writeError(w, r, http.StatusBadRequest, "invalid json")
		}
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		body := errorBody{Error: "validation failed"}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			body.Fields = make(map[string]string, len(verrs))
			for _, fe := range verrs {
				body.Fields[fe.Field()] = fe.Tag()
			}
		}
		writeJSON(w, http.StatusBadRequest, body)
		return false
	}
	return true
}

// caller returns the request context stored by authenticate.
func caller(r *http.Request) *auth.RequestContext {
	rc, _ := auth.RequestFromContext(r.Context())
	return rc
}
