package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/admission"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/tier"
)

// Headers read and written by the admission middleware.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
	HeaderAPIKey    = "X-API-Key"
	HeaderRequestID = "X-Request-ID"
)

// Route maps a path prefix to a limiter scope.
type Route struct {
	Prefix string
	Scope  string
}

// DefaultRoutes sends login and payment traffic to their dedicated scopes.
// Anything unmatched uses the default scope.
func DefaultRoutes() []Route {
	return []Route{
		{Prefix: "/auth", Scope: limiter.ScopeAuth},
		{Prefix: "/login", Scope: limiter.ScopeAuth},
		{Prefix: "/payment", Scope: limiter.ScopePayment},
		{Prefix: "/checkout", Scope: limiter.ScopePayment},
		{Prefix: "/search", Scope: limiter.ScopeSearch},
		{Prefix: "/api", Scope: limiter.ScopeAPI},
	}
}

// ScopeFor returns the scope of the longest matching prefix, or "".
func ScopeFor(routes []Route, path string) string {
	best, scope := -1, ""
	for _, rt := range routes {
		if strings.HasPrefix(path, rt.Prefix) && len(rt.Prefix) > best {
			best, scope = len(rt.Prefix), rt.Scope
		}
	}
	return scope
}

// IdentityFromRequest attributes r to the connecting client IP. Client
// supplied identity headers are ignored: anyone can send them.
func IdentityFromRequest(r *http.Request) tier.Identity {
	return tier.Identity{Key: "ip:" + remoteIP(r)}
}

// TrustedIdentityFromRequest attributes r to an authenticated user, an API
// key or, failing both, the forwarded client IP. Use it only behind a
// gateway that authenticates callers and overwrites these headers.
func TrustedIdentityFromRequest(r *http.Request) tier.Identity {
	if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); id != "" {
		return tier.Identity{Key: "user:" + id, Role: strings.TrimSpace(r.Header.Get(HeaderUserRole))}
	}
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return tier.Identity{Key: "apikey:" + key}
	}
	return tier.Identity{Key: "ip:" + clientIP(r)}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// MiddlewareOptions configures AdmissionMiddleware. Nil Routes means
// DefaultRoutes. A nil Identity means IdentityFromRequest, or
// TrustedIdentityFromRequest when TrustIdentityHeaders is set.
type MiddlewareOptions struct {
	Routes               []Route
	Identity             func(*http.Request) tier.Identity
	TrustIdentityHeaders bool
	Clock                clock.Clock
	Logger               *zap.Logger
}

type denial struct {
	Error     string    `json:"error"`
	RequestID string    `json:"request_id"`
	Scope     string    `json:"scope"`
	Tier      string    `json:"tier,omitempty"`
	ResetAt   time.Time `json:"reset_at"`
}

// AdmissionMiddleware decides every request before next sees it. Quota
// denials get 429 with Retry-After, blacklisted identities get 403. The
// downstream status is fed back to the behavior tracker: 4xx and 5xx count
// as failures.
func AdmissionMiddleware(ctl *admission.Controller, opts MiddlewareOptions) func(http.Handler) http.Handler {
	routes := opts.Routes
	if routes == nil {
		routes = DefaultRoutes()
	}
	identify := opts.Identity
	if identify == nil {
		identify = IdentityFromRequest
		if opts.TrustIdentityHeaders {
			identify = TrustedIdentityFromRequest
		}
	}
	clk := clock.OrReal(opts.Clock)
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(HeaderRequestID)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, reqID)

			req := admission.Request{
				Scope:    ScopeFor(routes, r.URL.Path),
				Identity: identify(r),
				Endpoint: r.Method + " " + r.URL.Path,
			}
			d := ctl.Decide(r.Context(), req)
			writeLimitHeaders(w, d)

			if !d.Allowed {
				status := http.StatusTooManyRequests
				if d.Reason == admission.ReasonBlacklisted {
					status = http.StatusForbidden
				}
				if ra := d.RetryAfter(clk.Now()); ra > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(ra.Seconds())))
				}
				logger.Debug("request denied",
					zap.String("request_id", reqID),
					zap.String("key", req.Identity.Key),
					zap.String("scope", d.Scope),
					zap.String("reason", string(d.Reason)))
				writeJSON(w, status, denial{
					Error:     string(d.Reason),
					RequestID: reqID,
					Scope:     d.Scope,
					Tier:      d.Tier,
					ResetAt:   d.ResetAt,
				})
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			ctl.Complete(req, sw.status < http.StatusBadRequest)
		})
	}
}

func writeLimitHeaders(w http.ResponseWriter, d admission.Decision) {
	h := w.Header()
	if d.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if d.Tier != "" {
		h.Set("X-RateLimit-Tier", d.Tier)
	}
	if d.Degraded {
		h.Set("X-RateLimit-Degraded", "true")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
