package request

import (
	"context"
	"net/http"
	"strings"

	"github.com/benvon/dermin/internal/gate"
)

type contextKey string

const decisionContextKey contextKey = "gate_decision"

// ClientIP extracts the client IP from the request, respecting X-Forwarded-For and X-Real-IP.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return r.RemoteAddr
}

// WithDecision returns a context carrying the gate decision that admitted the request.
func WithDecision(ctx context.Context, d gate.Decision) context.Context {
	return context.WithValue(ctx, decisionContextKey, d)
}

// DecisionFromContext returns the gate decision of the request, if any.
func DecisionFromContext(r *http.Request) (gate.Decision, bool) {
	d, ok := r.Context().Value(decisionContextKey).(gate.Decision)
	return d, ok
}
