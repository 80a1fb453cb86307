// Package analysis drives one analysis job from upload to a consumable result.
package analysis

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/benvon/dermin/internal/api"
	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/events"
	"github.com/benvon/dermin/internal/logger"
	"github.com/benvon/dermin/internal/models"
)

// ErrBusy is returned when a job is already uploading or processing
var ErrBusy = errors.New("an analysis is already in progress")

// ErrAbandoned is returned by Submit when the job was abandoned before the backend answered
var ErrAbandoned = errors.New("analysis abandoned")

// AbandonedMessage is the job message after Abandon
const AbandonedMessage = "Analysis was cancelled before it finished."

// DefaultHistoryLimit is the History page size when no limit is given
const DefaultHistoryLimit = 20

// Backend is the slice of the API client used by the orchestrator
type Backend interface {
	AnalyzeSkin(ctx context.Context, up api.Upload, onSent func()) (string, *models.AnalysisResult, error)
	Analysis(ctx context.Context, id string) (*models.AnalysisResult, error)
	Analyses(ctx context.Context, limit int) ([]models.AnalysisSummary, error)
}

// Pointer persists the current-analysis id
type Pointer interface {
	CurrentAnalysis(ctx context.Context) (string, error)
	SetCurrentAnalysis(ctx context.Context, id string) error
}

// Options tune the orchestrator. Zero values take the defaults.
type Options struct {
	MaxUploadBytes int64
	Timeout        time.Duration
	ProgressTick   time.Duration
	ProgressStep   int
	ProgressCap    int
	SettleDelay    time.Duration
	Publisher      events.Publisher
	Logger         *zap.Logger
	// UserID identifies the submitting user in published events
	UserID func() string
}

func (o Options) withDefaults() Options {
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = 10 << 20
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.ProgressTick <= 0 {
		o.ProgressTick = 200 * time.Millisecond
	}
	if o.ProgressStep <= 0 {
		o.ProgressStep = 10
	}
	if o.ProgressCap <= 0 || o.ProgressCap >= 100 {
		o.ProgressCap = 90
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.Publisher == nil {
		o.Publisher = events.Nop{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.UserID == nil {
		o.UserID = func() string { return "" }
	}
	return o
}

// Orchestrator owns the lifecycle of one analysis job at a time. Progress is
// published to subscribers; only one job may be in flight.
type Orchestrator struct {
	api     Backend
	pointer Pointer
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	mu           sync.Mutex
	job          models.AnalysisJob
	abandoned    bool
	stopProgress func()
	subs         map[int]chan models.AnalysisJob
	nextSub      int

	cacheMu  sync.RWMutex
	cache    map[string]*models.AnalysisResult
	cacheGen uint64
	flight   singleflight.Group
}

// New creates an Orchestrator with an Idle job
func New(backend Backend, pointer Pointer, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	o := &Orchestrator{
		api:     backend,
		pointer: pointer,
		opts:    opts,
		logger:  opts.Logger,
		now:     time.Now,
		subs:    make(map[int]chan models.AnalysisJob),
		cache:   make(map[string]*models.AnalysisResult),
	}
	o.job = o.idleJob()
	return o
}

func (o *Orchestrator) idleJob() models.AnalysisJob {
	now := o.now().UTC()
	return models.AnalysisJob{
		Instance:  uuid.New(),
		Status:    models.JobStatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Current returns a snapshot of the job
func (o *Orchestrator) Current() models.AnalysisJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job
}

// Subscribe returns a channel that receives every job change, starting with
// the current snapshot. When the buffer is full the oldest pending update is
// dropped so the newest state is always delivered.
func (o *Orchestrator) Subscribe(buffer int) (<-chan models.AnalysisJob, func()) {
	if buffer < 2 {
		buffer = 2
	}
	ch := make(chan models.AnalysisJob, buffer)

	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	ch <- o.job
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			if _, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(ch)
			}
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) publishLocked() {
	o.job.UpdatedAt = o.now().UTC()
	snap := o.job
	for _, ch := range o.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Submit validates and uploads an image and blocks until the job is terminal.
// Invalid input leaves the job untouched. When ctx is cancelled first, the
// job is abandoned and the in-flight request is left to finish on its own.
func (o *Orchestrator) Submit(ctx context.Context, name string, data []byte) (models.AnalysisJob, error) {
	job, done, err := o.start(ctx, name, data)
	if err != nil {
		return job, err
	}

	select {
	case out := <-done:
		if out.err == nil && o.opts.SettleDelay > 0 {
			t := time.NewTimer(o.opts.SettleDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
		return out.job, out.err
	case <-ctx.Done():
		return o.abandon(job.Instance), ctx.Err()
	}
}

// Start validates the image and moves a fresh job to Uploading before it
// returns; the upload continues in the background and is followed through
// Subscribe. It returns ErrBusy while another job is in flight.
func (o *Orchestrator) Start(name string, data []byte) (models.AnalysisJob, error) {
	job, _, err := o.start(context.Background(), name, data)
	return job, err
}

func (o *Orchestrator) start(ctx context.Context, name string, data []byte) (models.AnalysisJob, <-chan outcome, error) {
	contentType, err := DetectImage(data, o.opts.MaxUploadBytes)
	if err != nil {
		submissionsTotal.WithLabelValues(outcomeRejected).Inc()
		return o.Current(), nil, err
	}

	o.mu.Lock()
	if o.job.Status.InFlight() {
		o.mu.Unlock()
		return o.Current(), nil, ErrBusy
	}
	job := o.idleJob()
	job.SourceName = logger.SanitizeFilename(sourceName(name))
	job.ContentType = contentType
	job.Size = int64(len(data))
	o.job = job
	o.abandoned = false
	o.publishLocked()

	o.job.Status = models.JobStatusUploading
	o.publishLocked()
	inst := o.job.Instance
	uploading := o.job
	o.startProgressLocked(inst)
	o.mu.Unlock()

	o.logger.Info("analysis_upload_started",
		zap.String("instance", inst.String()),
		zap.String("source", job.SourceName),
		zap.String("content_type", contentType),
		zap.Int64("size", job.Size),
	)

	upload := api.Upload{Filename: job.SourceName, ContentType: contentType, Data: data}
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.Timeout)
	start := time.Now()
	gen := o.cacheGeneration()
	done := make(chan outcome, 1)
	go func() {
		defer cancel()
		id, embedded, err := o.api.AnalyzeSkin(reqCtx, upload, func() { o.markProcessing(inst) })
		done <- o.finish(inst, gen, id, embedded, err, time.Since(start))
	}()
	return uploading, done, nil
}

type outcome struct {
	job models.AnalysisJob
	err error
}

func (o *Orchestrator) startProgressLocked(inst uuid.UUID) {
	stop := make(chan struct{})
	var once sync.Once
	o.stopProgress = func() { once.Do(func() { close(stop) }) }

	go func() {
		ticker := time.NewTicker(o.opts.ProgressTick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.advance(inst)
			}
		}
	}()
}

func (o *Orchestrator) stopProgressLocked() {
	if o.stopProgress != nil {
		o.stopProgress()
		o.stopProgress = nil
	}
}

// advance moves simulated progress forward by one step, never past the cap
func (o *Orchestrator) advance(inst uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job.Instance != inst || o.abandoned || !o.job.Status.InFlight() {
		return
	}
	next := o.job.Progress + o.opts.ProgressStep
	if next > o.opts.ProgressCap {
		next = o.opts.ProgressCap
	}
	if next > o.job.Progress {
		o.job.Progress = next
		o.publishLocked()
	}
}

func (o *Orchestrator) markProcessing(inst uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job.Instance != inst || o.abandoned || o.job.Status != models.JobStatusUploading {
		return
	}
	o.job.Status = models.JobStatusProcessing
	o.publishLocked()
}

// finish applies the backend answer unless the job instance is stale
func (o *Orchestrator) finish(inst uuid.UUID, gen uint64, id string, embedded *models.AnalysisResult, err error, elapsed time.Duration) outcome {
	o.mu.Lock()
	if o.job.Instance != inst || o.abandoned {
		o.mu.Unlock()
		submissionsTotal.WithLabelValues(outcomeLate).Inc()
		o.logger.Info("analysis_late_result_ignored",
			zap.String("instance", inst.String()),
			zap.Bool("succeeded", err == nil),
		)
		return outcome{job: o.Current(), err: ErrAbandoned}
	}
	o.stopProgressLocked()

	if err != nil {
		o.job.Status = models.JobStatusFailed
		o.job.Message = apperr.UserMessage(err)
		o.publishLocked()
		job := o.job
		o.mu.Unlock()

		submissionsTotal.WithLabelValues(outcomeFailed).Inc()
		uploadDuration.WithLabelValues(outcomeFailed).Observe(elapsed.Seconds())
		o.logger.Warn("analysis_failed",
			zap.String("instance", inst.String()),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.String("error", logger.SanitizeError(err)),
		)
		return outcome{job: job, err: err}
	}

	if o.job.Status == models.JobStatusUploading {
		o.job.Status = models.JobStatusProcessing
		o.publishLocked()
	}
	o.job.ID = id
	o.job.Status = models.JobStatusCompleted
	o.job.Progress = 100
	o.job.Message = ""
	o.publishLocked()
	job := o.job
	o.mu.Unlock()

	pointerCtx, cancelPointer := context.WithTimeout(context.Background(), 5*time.Second)
	if perr := o.pointer.SetCurrentAnalysis(pointerCtx, id); perr != nil {
		o.logger.Warn("analysis_pointer_persist_failed", zap.String("error", logger.SanitizeError(perr)))
	}
	cancelPointer()

	if embedded != nil {
		o.storeResult(gen, id, embedded)
	}
	submissionsTotal.WithLabelValues(outcomeCompleted).Inc()
	uploadDuration.WithLabelValues(outcomeCompleted).Observe(elapsed.Seconds())
	o.logger.Info("analysis_completed",
		zap.String("instance", inst.String()),
		zap.String("analysis_id", id),
		zap.Duration("elapsed", elapsed),
	)

	ev := events.NewAnalysisCompleted(id, inst, o.opts.UserID(), job.SourceName, o.now())
	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if perr := o.opts.Publisher.Publish(pubCtx, ev); perr != nil {
		o.logger.Warn("analysis_event_publish_failed", zap.String("error", logger.SanitizeError(perr)))
	}
	return outcome{job: job, err: nil}
}

// Abandon detaches the in-flight job. The request is not aborted; its
// eventual answer is ignored.
func (o *Orchestrator) Abandon() models.AnalysisJob {
	o.mu.Lock()
	inst := o.job.Instance
	o.mu.Unlock()
	return o.abandon(inst)
}

func (o *Orchestrator) abandon(inst uuid.UUID) models.AnalysisJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job.Instance != inst || !o.job.Status.InFlight() {
		return o.job
	}
	o.abandoned = true
	o.stopProgressLocked()
	o.job.Status = models.JobStatusFailed
	o.job.Message = AbandonedMessage
	o.publishLocked()
	submissionsTotal.WithLabelValues(outcomeAbandoned).Inc()
	o.logger.Info("analysis_abandoned", zap.String("instance", inst.String()))
	return o.job
}

// Reset replaces a terminal or idle job with a fresh Idle job
func (o *Orchestrator) Reset() (models.AnalysisJob, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job.Status.InFlight() {
		return o.job, ErrBusy
	}
	o.job = o.idleJob()
	o.abandoned = false
	o.publishLocked()
	return o.job, nil
}

func (o *Orchestrator) cacheGeneration() uint64 {
	o.cacheMu.RLock()
	defer o.cacheMu.RUnlock()
	return o.cacheGen
}

// storeResult caches res unless the cache was cleared after gen was read
func (o *Orchestrator) storeResult(gen uint64, id string, res *models.AnalysisResult) {
	o.cacheMu.Lock()
	if gen == o.cacheGen {
		o.cache[id] = res
	}
	o.cacheMu.Unlock()
}

// ClearResults drops every cached result. Fetches already in flight do not
// repopulate the cache.
func (o *Orchestrator) ClearResults() {
	o.cacheMu.Lock()
	o.cache = make(map[string]*models.AnalysisResult)
	o.cacheGen++
	o.cacheMu.Unlock()
}

// Result returns the analysis with the given id. Results are immutable and
// cached; concurrent lookups of one id share a single request.
func (o *Orchestrator) Result(ctx context.Context, id string) (*models.AnalysisResult, error) {
	if id == "" {
		return nil, apperr.Validation("get_analysis", "analysis id is required")
	}
	o.cacheMu.RLock()
	res, ok := o.cache[id]
	gen := o.cacheGen
	o.cacheMu.RUnlock()
	if ok {
		resultCacheTotal.WithLabelValues("hit").Inc()
		return res, nil
	}
	resultCacheTotal.WithLabelValues("miss").Inc()

	// lookups after ClearResults never join a flight started before it
	v, err, _ := o.flight.Do(strconv.FormatUint(gen, 10)+":"+id, func() (any, error) {
		r, err := o.api.Analysis(ctx, id)
		if err != nil {
			return nil, err
		}
		o.storeResult(gen, id, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.AnalysisResult), nil
}

// CurrentID returns the persisted current-analysis pointer
func (o *Orchestrator) CurrentID(ctx context.Context) (string, error) {
	return o.pointer.CurrentAnalysis(ctx)
}

// History lists recent analyses of the user
func (o *Orchestrator) History(ctx context.Context, limit int) ([]models.AnalysisSummary, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return o.api.Analyses(ctx, limit)
}

// Close stops the progress timer and closes all subscriptions
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopProgressLocked()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
}

// sourceName is used when the caller supplies no file name
func sourceName(path string) string {
	if path == "" {
		return "image"
	}
	return filepath.Base(path)
}
