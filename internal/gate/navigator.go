package gate

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/benvon/dermin/internal/models"
)

// Event invalidates cached gate decisions
type Event string

const (
	EventLogin           Event = "login"
	EventLogout          Event = "logout"
	EventConsentAccepted Event = "consent_accepted"
	EventConsentReset    Event = "consent_reset"
	EventSurveyCompleted Event = "survey_completed"
)

// FactSource produces the current facts. It may perform I/O.
type FactSource interface {
	Facts(ctx context.Context) (Facts, error)
}

// FactSourceFunc adapts a function to FactSource
type FactSourceFunc func(ctx context.Context) (Facts, error)

func (f FactSourceFunc) Facts(ctx context.Context) (Facts, error) { return f(ctx) }

// Navigator resolves navigation requests, caching the facts until an
// invalidation event arrives.
type Navigator struct {
	source FactSource
	logger *zap.Logger

	mu    sync.Mutex
	facts *Facts
	gen   uint64
}

// NewNavigator creates a Navigator over source
func NewNavigator(source FactSource, logger *zap.Logger) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Navigator{source: source, logger: logger}
}

// Decision is the outcome of one navigation request
type Decision struct {
	Requested models.Step `json:"requested"`
	Target    models.Step `json:"target"`
	Granted   bool        `json:"granted"`
	Facts     Facts       `json:"facts"`
}

// Navigate resolves requested. When the facts cannot be gathered the user is
// sent to Login and the error is returned alongside.
func (n *Navigator) Navigate(ctx context.Context, requested models.Step) (Decision, error) {
	facts, err := n.Facts(ctx)
	if err != nil {
		n.logger.Warn("gate_facts_failed", zap.String("requested", string(requested)), zap.Error(err))
		return Decision{Requested: requested, Target: models.StepLogin}, err
	}
	target := Resolve(requested, facts)
	n.logger.Debug("gate_resolved",
		zap.String("requested", string(requested)),
		zap.String("target", string(target)),
	)
	return Decision{Requested: requested, Target: target, Granted: target == requested, Facts: facts}, nil
}

// Facts returns the cached facts, loading them on first use or after an
// invalidation. Provisional facts are reloaded on every call.
func (n *Navigator) Facts(ctx context.Context) (Facts, error) {
	n.mu.Lock()
	if n.facts != nil {
		f := *n.facts
		n.mu.Unlock()
		return f, nil
	}
	gen := n.gen
	n.mu.Unlock()

	f, err := n.source.Facts(ctx)
	if err != nil {
		return Facts{}, err
	}

	n.mu.Lock()
	// An invalidation during the load makes the result stale; return it but do not cache.
	if n.gen == gen && !f.Provisional {
		n.facts = &f
	}
	n.mu.Unlock()
	return f, nil
}

// Invalidate drops the cached facts
func (n *Navigator) Invalidate(ev Event) {
	n.mu.Lock()
	n.facts = nil
	n.gen++
	n.mu.Unlock()
	n.logger.Debug("gate_invalidated", zap.String("event", string(ev)))
}
