package middleware

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/gate"
	logpkg "github.com/benvon/dermin/internal/logger"
	"github.com/benvon/dermin/internal/models"
	"github.com/benvon/dermin/internal/request"
)

// Navigator resolves a requested step to the step the user must see
type Navigator interface {
	Navigate(ctx context.Context, requested models.Step) (gate.Decision, error)
}

// Guard admits the request only when the gate grants step. Otherwise it
// answers 409 with the redirect target before the handler runs.
func Guard(nav Navigator, step models.Step, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := nav.Navigate(r.Context(), step)
			if err != nil {
				logger.Warn("gate_evaluation_failed",
					zap.String("step", string(step)),
					zap.String("error", logpkg.SanitizeError(err)),
				)
			}
			if !d.Granted {
				msg := fmt.Sprintf("%s requires %s first", step, d.Target)
				if err != nil {
					msg = apperr.UserMessage(err)
				}
				respondErrorJSON(w, r, ErrorResponse{
					Error:    "redirect",
					Message:  msg,
					Redirect: string(d.Target),
				}, http.StatusConflict, logger)
				return
			}
			next.ServeHTTP(w, r.WithContext(request.WithDecision(r.Context(), d)))
		})
	}
}
