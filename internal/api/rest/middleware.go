package rest

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/mssola/useragent"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

// Authenticator verifies the Authorization header.
type Authenticator interface {
	FromAuthorizationHeader(header string) (principal.Identity, error)
}

// requestLogger logs every request once it completes.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if id, ok := principal.IdentityFrom(r.Context()); ok {
				fields = append(fields, zap.String("principal_id", id.PrincipalID.String()))
			}
			switch {
			case ww.Status() >= 500:
				logger.Error("http request", fields...)
			case ww.Status() >= 400:
				logger.Info("http request", fields...)
			default:
				logger.Debug("http request", fields...)
			}
		})
	}
}

// recoverer turns a panic into a 500 envelope.
func (h *BaseHandler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				h.writeError(w, r, errors.NewInternalError("panic while handling request"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// ipLimiter is a token bucket per client IP.
type ipLimiter struct {
	rps     rate.Limit
	burst   int
	idleTTL time.Duration

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	lastGC   time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps, burst int) *ipLimiter {
	return &ipLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		limiters: make(map[string]*limiterEntry),
		lastGC:   time.Now(),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > l.idleTTL {
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) > l.idleTTL {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}
	e, ok := l.limiters[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

func (h *BaseHandler) rateLimit(l *ipLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(clientIP(r)) {
				h.writeError(w, r, errors.NewRateLimitError("too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// endpointLimit bounds an expensive endpoint per caller, falling back to the
// client IP for anonymous requests.
func (h *BaseHandler) endpointLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(requests, window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if id, ok := principal.IdentityFrom(r.Context()); ok {
				return "principal:" + id.PrincipalID.String(), nil
			}
			return "ip:" + clientIP(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			h.writeError(w, r, errors.NewRateLimitError("rate limit for this endpoint exceeded"))
		}),
	)
}

// requestMeta attaches the client address and user agent to the context so
// audit events recorded for the request carry them.
func requestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := audit.RequestMeta{
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
			Client:    describeClient(r.UserAgent()),
		}
		next.ServeHTTP(w, r.WithContext(audit.WithRequestMeta(r.Context(), meta)))
	})
}

func describeClient(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	ua := useragent.New(raw)
	browser, version := ua.Browser()
	client := map[string]string{
		"browser":         browser,
		"browser_version": version,
		"os":              ua.OS(),
	}
	switch {
	case ua.Bot():
		client["device"] = "bot"
	case ua.Mobile():
		client["device"] = "mobile"
	default:
		client["device"] = "desktop"
	}
	return client
}

// realIP applies chi's RealIP rewrite only to requests whose peer is a
// trusted proxy. Any other peer keeps its socket address, so forwarding
// headers sent by clients are ignored.
func realIP(trusted []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		forwarded := middleware.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fromTrustedProxy(r, trusted) {
				forwarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func fromTrustedProxy(r *http.Request, trusted []*net.IPNet) bool {
	if len(trusted) == 0 {
		return false
	}
	ip := net.ParseIP(clientIP(r))
	if ip == nil {
		return false
	}
	for _, n := range trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP returns the request's remote address without the port. realIP has
// already applied forwarding headers for trusted proxies.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate requires a valid bearer token.
func (h *BaseHandler) authenticate(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := auth.FromAuthorizationHeader(r.Header.Get("Authorization"))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="dpdp"`)
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(principal.WithIdentity(r.Context(), id)))
		})
	}
}

// optionalAuth attaches an identity when a bearer token is presented. An
// invalid token is still rejected.
func (h *BaseHandler) optionalAuth(auth Authenticator) func(http.Handler) http.Handler {
	required := h.authenticate(auth)
	return func(next http.Handler) http.Handler {
		withAuth := required(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
				next.ServeHTTP(w, r)
				return
			}
			withAuth.ServeHTTP(w, r)
		})
	}
}
