// Package events publishes analysis lifecycle notifications to in-process
// listeners and, when configured, to RabbitMQ.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// AnalysisCompleted is published once per successfully completed analysis job
type AnalysisCompleted struct {
	EventID     uuid.UUID `json:"event_id"`
	AnalysisID  string    `json:"analysis_id"`
	Instance    uuid.UUID `json:"instance"`
	UserID      string    `json:"user_id,omitempty"`
	SourceName  string    `json:"source_name,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewAnalysisCompleted builds an event with a fresh id
func NewAnalysisCompleted(analysisID string, instance uuid.UUID, userID, sourceName string, at time.Time) AnalysisCompleted {
	return AnalysisCompleted{
		EventID:     uuid.New(),
		AnalysisID:  analysisID,
		Instance:    instance,
		UserID:      userID,
		SourceName:  sourceName,
		CompletedAt: at.UTC(),
	}
}

// Publisher delivers events
type Publisher interface {
	Publish(ctx context.Context, ev AnalysisCompleted) error
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, AnalysisCompleted) error { return nil }

// Multi publishes to every publisher and joins their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev AnalysisCompleted) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
