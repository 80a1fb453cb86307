// Package chat binds conversations to analysis results and routes messages
// to the matching backend conversation.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/logger"
	"github.com/benvon/dermin/internal/models"
)

// Backend is the slice of the API client used by the binder
type Backend interface {
	ChatAnalysis(ctx context.Context, id, content string, analysisData map[string]any) (string, error)
	ChatGeneral(ctx context.Context, content string) (string, error)
	ChatHistory(ctx context.Context, id string) ([]models.ChatMessage, error)
}

// Results resolves analysis results by id
type Results interface {
	Result(ctx context.Context, id string) (*models.AnalysisResult, error)
}

// ContextID maps a requested context to a thread key. Empty values and the
// placeholder sentinels resolve to the general thread.
func ContextID(requested string) string {
	switch id := strings.TrimSpace(requested); strings.ToLower(id) {
	case "", models.GeneralContext, "temp", "null", "undefined":
		return models.GeneralContext
	default:
		return id
	}
}

type thread struct {
	mu       sync.Mutex
	data     models.ChatThread
	result   *models.AnalysisResult
	lastTime time.Time
	// tail is closed when the most recently queued send has finished
	tail chan struct{}
}

func (t *thread) snapshot() models.ChatThread {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.data
	out.Messages = append([]models.ChatMessage(nil), t.data.Messages...)
	return out
}

// Binder owns every open chat thread
type Binder struct {
	api     Backend
	results Results
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	threads map[string]*thread
}

// NewBinder creates a Binder
func NewBinder(api Backend, results Results, log *zap.Logger) *Binder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Binder{
		api:     api,
		results: results,
		logger:  log,
		now:     time.Now,
		threads: make(map[string]*thread),
	}
}

// Open returns the thread for contextID, creating it on first use. An
// analysis thread loads the stored transcript and is seeded with a welcome
// message summarizing the result when the transcript is empty.
func (b *Binder) Open(ctx context.Context, contextID string) (models.ChatThread, error) {
	id := ContextID(contextID)

	b.mu.Lock()
	if t, ok := b.threads[id]; ok {
		b.mu.Unlock()
		return t.snapshot(), nil
	}
	b.mu.Unlock()

	t := &thread{data: models.ChatThread{ContextID: id}}
	if id == models.GeneralContext {
		t.append(models.SenderAI, GeneralWelcome, b.now())
	} else if err := b.load(ctx, t); err != nil {
		return models.ChatThread{}, err
	}

	b.mu.Lock()
	if existing, ok := b.threads[id]; ok {
		t = existing
	} else {
		b.threads[id] = t
	}
	b.mu.Unlock()

	b.logger.Debug("chat_thread_opened",
		zap.String("context_id", logger.SanitizeString(id, logger.MaxUserIDLength)),
		zap.Int("messages", len(t.snapshot().Messages)),
	)
	return t.snapshot(), nil
}

func (b *Binder) load(ctx context.Context, t *thread) error {
	id := t.data.ContextID
	var (
		res     *models.AnalysisResult
		history []models.ChatMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := b.results.Result(gctx, id)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	g.Go(func() error {
		h, err := b.api.ChatHistory(gctx, id)
		if err != nil {
			if apperr.IsAuth(err) {
				return err
			}
			historyFailuresTotal.Inc()
			b.logger.Warn("chat_history_unavailable",
				zap.String("analysis_id", logger.SanitizeString(id, logger.MaxUserIDLength)),
				zap.String("error", logger.SanitizeError(err)),
			)
			return nil
		}
		history = h
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	t.result = res
	t.data.Messages = append(t.data.Messages, history...)
	if n := len(history); n > 0 {
		t.lastTime = history[n-1].Timestamp
		return nil
	}
	t.append(models.SenderAI, AnalysisWelcome(res), b.now())
	return nil
}

// append adds a message with a timestamp strictly after the previous one.
// Callers hold t.mu or own t exclusively.
func (t *thread) append(sender models.Sender, content string, at time.Time) models.ChatMessage {
	at = at.UTC()
	if !at.After(t.lastTime) {
		at = t.lastTime.Add(time.Microsecond)
	}
	t.lastTime = at
	msg := models.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    sender,
		Content:   content,
		Timestamp: at,
	}
	t.data.Messages = append(t.data.Messages, msg)
	return msg
}

// Send appends the user message, waits for the assistant and appends its
// reply, or the fixed fallback when the request fails. Sends to one thread
// run in arrival order; a send queued behind another appends its user
// message only after the earlier reply.
func (b *Binder) Send(ctx context.Context, contextID, content string) (models.ChatMessage, error) {
	const op = "chat_send"
	content = strings.TrimSpace(content)
	if content == "" {
		return models.ChatMessage{}, apperr.Validation(op, "message cannot be empty")
	}

	if _, err := b.Open(ctx, contextID); err != nil {
		return models.ChatMessage{}, err
	}
	b.mu.Lock()
	t := b.threads[ContextID(contextID)]
	b.mu.Unlock()
	if t == nil {
		return models.ChatMessage{}, apperr.New(apperr.KindNotFound, op, "chat was closed")
	}

	t.mu.Lock()
	prev := t.tail
	done := make(chan struct{})
	t.tail = done
	t.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				close(done)
			}()
			return models.ChatMessage{}, ctx.Err()
		}
	}
	defer close(done)

	t.mu.Lock()
	t.append(models.SenderUser, content, b.now())
	t.data.AwaitingReply = true
	kind := "analysis"
	if t.data.IsGeneral() {
		kind = "general"
	}
	id, res := t.data.ContextID, t.result
	t.mu.Unlock()

	start := time.Now()
	reqCtx := context.WithoutCancel(ctx)
	var (
		reply string
		err   error
	)
	if kind == "general" {
		reply, err = b.api.ChatGeneral(reqCtx, content)
	} else {
		reply, err = b.api.ChatAnalysis(reqCtx, id, content, analysisData(res))
	}
	replyDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	outcome := "replied"
	if err != nil {
		outcome = "fallback"
		reply = FallbackReply
		b.logger.Warn("chat_send_failed",
			zap.String("context", kind),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.String("error", logger.SanitizeError(err)),
		)
	}
	messagesTotal.WithLabelValues(kind, outcome).Inc()

	t.mu.Lock()
	msg := t.append(models.SenderAI, reply, b.now())
	t.data.AwaitingReply = false
	t.mu.Unlock()
	return msg, nil
}

// Snapshot returns a copy of an open thread
func (b *Binder) Snapshot(contextID string) (models.ChatThread, bool) {
	b.mu.Lock()
	t, ok := b.threads[ContextID(contextID)]
	b.mu.Unlock()
	if !ok {
		return models.ChatThread{}, false
	}
	return t.snapshot(), true
}

// Close forgets a thread; the next Open reloads it
func (b *Binder) Close(contextID string) {
	b.mu.Lock()
	delete(b.threads, ContextID(contextID))
	b.mu.Unlock()
}

// Clear forgets every thread
func (b *Binder) Clear() {
	b.mu.Lock()
	b.threads = make(map[string]*thread)
	b.mu.Unlock()
}
