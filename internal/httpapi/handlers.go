package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"ums.dev/internal/auth"
	"ums.dev/internal/obs"
)

const serviceName = "ums-api"

// ReadyProbe reports whether the backing store answers.
type ReadyProbe interface {
	Ready(ctx context.Context) error
}

// Options tunes the HTTP layer.
type Options struct {
	Version      string
	MaxBodyBytes int64
	RateBurst    int
	RatePerSec   float64

	// TrustedProxies may set X-Forwarded-For for rate limiting.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer over auth.Service.
type API struct {
	mux     *http.ServeMux
	svc     *auth.Service
	authz   auth.Authorizer
	ready   ReadyProbe
	limiter *RateLimiter
	opts    Options
}

// New wires every route onto a fresh mux.
func New(svc *auth.Service, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	a := &API{
		mux:     http.NewServeMux(),
		svc:     svc,
		authz:   svc.Authorizer(),
		ready:   svc,
		limiter: NewRateLimiter(opts.RatePerSec, opts.RateBurst),
		opts:    opts,
	}
	a.limiter.TrustProxies(opts.TrustedProxies...)
	a.routes()
	return a
}

func (a *API) routes() {
	// health/ready/metrics
	a.mux.HandleFunc("GET /healthcheck", a.Healthz)
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	// credentials
	a.mux.Handle("POST /users/v1/register", a.limiter.Middleware(http.HandlerFunc(a.handleRegister)))
	a.mux.Handle("POST /users/v1/login", a.limiter.Middleware(http.HandlerFunc(a.handleLogin)))

	// administration
	admin := func(h http.HandlerFunc) http.Handler { return RequireRole(a.authz, auth.RoleAdmin)(h) }
	a.mux.Handle("POST /users/create", admin(a.handleCreateUser))
	a.mux.Handle("GET /users/{id}", admin(a.handleGetUser))
	a.mux.Handle("PUT /users/{id}", admin(a.handleUpdateUser))
	a.mux.Handle("DELETE /users/{id}", admin(a.handleDeleteUser))
	a.mux.Handle("GET /users/{id}/permissions", admin(a.handleUserPermissions))
	a.mux.Handle("POST /assign_role", admin(a.handleAssignRole))
	a.mux.Handle("GET /roles", admin(a.handleListRoles))
	a.mux.Handle("POST /roles", admin(a.handleCreateRole))
	a.mux.Handle("PUT /roles/{id}/permissions", admin(a.handleGrantPermissions))
	a.mux.Handle("POST /permissions", admin(a.handleCreatePermission))

	// assets
	a.mux.Handle("GET /assets/v1/business", admin(a.handleBusinessAsset))
	a.mux.Handle("GET /assets/v1/marketing", RequireRole(a.authz, auth.RoleStaff)(http.HandlerFunc(a.handleMarketingAsset)))
}

// Handler returns the mux wrapped in the standard middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = obs.Instrument(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Ready(ctx); err != nil {
		obs.SetReady(false)
		obs.Warn("readiness probe failed", map[string]any{"error": err.Error()})
		writeError(w, r, http.StatusServiceUnavailable, "not ready")
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// handleServiceError maps service sentinels to status codes. Messages of
// infrastructure and unknown errors never reach the client.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrInfrastructure):
		obs.Error("store unavailable", map[string]any{"request_id": RequestIDFromContext(r.Context()), "error": err.Error()})
		writeError(w, r, http.StatusServiceUnavailable, "service unavailable")
	default:
		obs.Error("request failed", map[string]any{"request_id": RequestIDFromContext(r.Context()), "error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
