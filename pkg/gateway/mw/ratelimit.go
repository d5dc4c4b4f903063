package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-interview/pkg/gateway/apierror"
	"github.com/vango-go/vai-interview/pkg/gateway/ratelimit"
)

// RateLimit applies per-client request limits. Health probes, preflight
// requests and the live WebSocket (bounded by the session tracker) pass
// through.
func RateLimit(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
			next.ServeHTTP(w, r)
			return
		case r.Method == http.MethodOptions || isWebSocketUpgrade(r):
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.AcquireRequest(ClientKey(r), time.Now())
		if !dec.Allowed {
			writeRateLimited(w, r, dec.RetryAfter, "rate limit exceeded")
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}

// StreamLimit reserves a per-client stream slot around a long-lived
// response such as the transcript event stream.
func StreamLimit(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec := limiter.AcquireStream(ClientKey(r), time.Now())
		if !dec.Allowed {
			writeRateLimited(w, r, dec.RetryAfter, "too many concurrent streams")
			return
		}
		defer dec.Permit.Release()
		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter int, msg string) {
	reqID, _ := RequestIDFrom(r.Context())
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	apierror.Write(w, http.StatusTooManyRequests, &apierror.Error{
		Type:      apierror.ErrRateLimit,
		Message:   msg,
		RequestID: reqID,
	})
}
