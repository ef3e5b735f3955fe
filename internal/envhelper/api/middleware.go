package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/envhelper/envhelper/common/trace"
	"github.com/envhelper/envhelper/internal/envhelper/audit"
	"github.com/envhelper/envhelper/internal/envhelper/observability"
)

// ActorHeader names the caller for the audit log. There is no
// authentication; the value is recorded as given.
const ActorHeader = "X-Envhelper-Actor"

// TraceHeader carries the trace ID of the request back to the caller.
const TraceHeader = "X-Trace-ID"

// traceRequest attaches a trace ID and the audit actor to the request
// context. chi's request ID is reused when present.
func traceRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TraceHeader)
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		if id == "" {
			id = trace.GenerateID()
		}
		actor := r.Header.Get(ActorHeader)
		if actor == "" {
			actor = "api"
		}
		ctx := trace.WithTraceID(r.Context(), id)
		ctx = audit.WithActor(ctx, actor)
		w.Header().Set(TraceHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logRequest logs one line per request through slog.
func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		observability.WithTrace(r.Context()).Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// instrument records request counts and durations by route pattern.
func instrument(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// rateLimiter provides per-client token bucket limiting keyed by remote IP.
type rateLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = int(perSecond * 2)
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{rate: rate.Limit(perSecond), burst: burst}
}

func (rl *rateLimiter) getLimiter(key string) *rate.Limiter {
	if l, ok := rl.limiters.Load(key); ok {
		return l.(*rate.Limiter)
	}
	l, _ := rl.limiters.LoadOrStore(key, rate.NewLimiter(rl.rate, rl.burst))
	return l.(*rate.Limiter)
}

// Handler returns the rate limiting middleware.
func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !rl.getLimiter(key).Allow() {
			observability.WithTrace(r.Context()).Warn("rate limit exceeded", "key", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			respondJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests", Kind: "RateLimited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey is the remote IP; RealIP has already applied forwarding headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
