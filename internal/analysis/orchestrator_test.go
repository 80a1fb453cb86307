package analysis

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/benvon/dermin/internal/api"
	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/events"
	"github.com/benvon/dermin/internal/models"
	"github.com/benvon/dermin/internal/storage"
	"github.com/benvon/dermin/internal/testutil"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type recorder struct {
	mu  sync.Mutex
	evs []events.AnalysisCompleted
}

func (r *recorder) Publish(_ context.Context, ev events.AnalysisCompleted) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *recorder) all() []events.AnalysisCompleted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.AnalysisCompleted(nil), r.evs...)
}

type fixture struct {
	fake  *testutil.FakeBackend
	prefs *storage.Preferences
	pub   *recorder
	orch  *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := testutil.NewFakeBackend(t)
	anon := api.New(api.Options{BaseURL: fake.URL()})
	token, err := anon.Register(context.Background(), "a@x.com", "secret1", "Ayse")
	require.NoError(t, err)
	client := api.New(api.Options{
		BaseURL: fake.URL(),
		Tokens:  oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
	})
	prefs := storage.NewPreferences(storage.NewMemoryBackend())
	pub := &recorder{}
	orch := New(client, prefs, Options{
		Timeout:      5 * time.Second,
		ProgressTick: 2 * time.Millisecond,
		ProgressStep: 10,
		ProgressCap:  90,
		Publisher:    pub,
		UserID:       func() string { return "user-1" },
	})
	t.Cleanup(orch.Close)
	return &fixture{fake: fake, prefs: prefs, pub: pub, orch: orch}
}

func drain(ch <-chan models.AnalysisJob) []models.AnalysisJob {
	var out []models.AnalysisJob
	for {
		select {
		case j, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, j)
		default:
			return out
		}
	}
}

func TestDetectImage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    []byte
		max     int64
		want    string
		wantErr bool
	}{
		{name: "png", data: pngBytes, want: "image/png"},
		{name: "jpeg", data: []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), want: "image/jpeg"},
		{name: "gif", data: []byte("GIF89a\x01\x00\x01\x00"), want: "image/gif"},
		{name: "empty", data: nil, wantErr: true},
		{name: "text", data: []byte("hello world"), wantErr: true},
		{name: "too large", data: pngBytes, max: 8, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DetectImage(tt.data, tt.max)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHumanBytes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "10MB", humanBytes(10<<20))
	assert.Equal(t, "512KB", humanBytes(512<<10))
	assert.Equal(t, "1000 bytes", humanBytes(1000))
}

func TestSubmit_Completes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.NextAnalysisID("42")
	f.fake.DelayAnalyze(60 * time.Millisecond)
	ch, cancel := f.orch.Subscribe(512)
	defer cancel()

	job, err := f.orch.Submit(context.Background(), "/tmp/face.png", pngBytes)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "42", job.ID)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "face.png", job.SourceName)
	assert.Equal(t, "image/png", job.ContentType)

	id, err := f.prefs.CurrentAnalysis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	evs := f.pub.all()
	require.Len(t, evs, 1)
	assert.Equal(t, "42", evs[0].AnalysisID)
	assert.Equal(t, "user-1", evs[0].UserID)
	assert.Equal(t, job.Instance, evs[0].Instance)

	updates := drain(ch)
	require.NotEmpty(t, updates)
	rank := map[models.JobStatus]int{
		models.JobStatusIdle:       0,
		models.JobStatusUploading:  1,
		models.JobStatusProcessing: 2,
		models.JobStatusCompleted:  3,
	}
	var seenProcessing bool
	last := models.AnalysisJob{}
	for _, u := range updates {
		if u.Instance != job.Instance {
			continue
		}
		assert.GreaterOrEqual(t, u.Progress, last.Progress, "progress went backwards")
		assert.GreaterOrEqual(t, rank[u.Status], rank[last.Status], "status went backwards")
		if u.Status != models.JobStatusCompleted {
			assert.LessOrEqual(t, u.Progress, 90)
		}
		if u.Status == models.JobStatusProcessing {
			seenProcessing = true
		}
		last = u
	}
	assert.True(t, seenProcessing)
	assert.Equal(t, models.JobStatusCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
}

func TestSubmit_FailureAllowsRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.FailAnalyze(http.StatusInternalServerError)

	job, err := f.orch.Submit(context.Background(), "face.png", pngBytes)
	require.Error(t, err)
	assert.Equal(t, apperr.KindServer, apperr.KindOf(err))
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.NotEmpty(t, job.Message)
	assert.Empty(t, f.pub.all())

	f.fake.FailAnalyze(0)
	job, err = f.orch.Submit(context.Background(), "face.png", pngBytes)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestSubmit_InvalidInputLeavesJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	before := f.orch.Current()

	_, err := f.orch.Submit(context.Background(), "notes.txt", []byte("not an image"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	assert.Equal(t, before, f.orch.Current())
	assert.Zero(t, f.fake.Hits("analyze"))
}

func TestSubmit_BusyWhileInFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.HoldAnalyze()

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Submit(context.Background(), "face.png", pngBytes)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.orch.Current().Status.InFlight() }, 2*time.Second, 5*time.Millisecond)

	_, err := f.orch.Submit(context.Background(), "other.png", pngBytes)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = f.orch.Reset()
	assert.ErrorIs(t, err, ErrBusy)

	f.fake.ReleaseAnalyze()
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.fake.Hits("analyze"))
}

func TestSubmit_AbandonIgnoresLateResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.HoldAnalyze()
	lateBefore := promtest.ToFloat64(submissionsTotal.WithLabelValues(outcomeLate))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Submit(ctx, "face.png", pngBytes)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.orch.Current().Status.InFlight() }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	abandoned := f.orch.Current()
	assert.Equal(t, models.JobStatusFailed, abandoned.Status)
	assert.Equal(t, AbandonedMessage, abandoned.Message)

	f.fake.ReleaseAnalyze()
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(submissionsTotal.WithLabelValues(outcomeLate)) > lateBefore
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, abandoned, f.orch.Current())
	id, err := f.prefs.CurrentAnalysis(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, f.pub.all())
}

func TestAbandon_Idle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	before := f.orch.Current()
	assert.Equal(t, before, f.orch.Abandon())
}

func TestReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	done, err := f.orch.Submit(context.Background(), "face.png", pngBytes)
	require.NoError(t, err)

	fresh, err := f.orch.Reset()
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusIdle, fresh.Status)
	assert.NotEqual(t, done.Instance, fresh.Instance)
	assert.Zero(t, fresh.Progress)
	assert.Empty(t, fresh.ID)
}

func TestResult_Cached(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.NextAnalysisID("42")
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, "face.png", pngBytes)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := f.orch.Result(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, "42", res.ID)
		require.Len(t, res.Predictions, 2)
		assert.Equal(t, "acne", res.Predictions[0].ClassName)
	}
	assert.Equal(t, 1, f.fake.Hits("get_analysis"))

	_, err = f.orch.Result(ctx, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.orch.Result(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))
}

func TestHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.fake.PutAnalysis("7", testutil.SampleAnalysis("7"))

	list, err := f.orch.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "7", list[0].ID)
}

func TestSubscribe_CancelAfterClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, cancel := f.orch.Subscribe(1)
	first := <-ch
	assert.Equal(t, models.JobStatusIdle, first.Status)

	f.orch.Close()
	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, cancel)
}

type failingPointer struct{}

func (failingPointer) CurrentAnalysis(context.Context) (string, error) { return "", nil }
func (failingPointer) SetCurrentAnalysis(context.Context, string) error {
	return errors.New("disk full")
}

func TestSubmit_PointerFailureStillCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	client := f.orch.api
	orch := New(client, failingPointer{}, Options{ProgressTick: time.Millisecond})
	t.Cleanup(orch.Close)

	job, err := orch.Submit(context.Background(), "face.png", pngBytes)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestResult_ClearResultsRefetches(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.PutAnalysis("7", testutil.SampleAnalysis("7"))
	ctx := context.Background()

	_, err := f.orch.Result(ctx, "7")
	require.NoError(t, err)
	_, err = f.orch.Result(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, 1, f.fake.Hits("get_analysis"))

	f.orch.ClearResults()

	res, err := f.orch.Result(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "7", res.ID)
	assert.Equal(t, 2, f.fake.Hits("get_analysis"))
}

func TestResult_StaleGenerationNotStored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	gen := f.orch.cacheGeneration()
	f.orch.ClearResults()
	f.orch.storeResult(gen, "9", &models.AnalysisResult{ID: "9"})

	f.orch.cacheMu.RLock()
	_, cached := f.orch.cache["9"]
	f.orch.cacheMu.RUnlock()
	assert.False(t, cached)
}

func TestSubmit_TimeoutFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	orch := New(f.orch.api, f.prefs, Options{
		Timeout:      50 * time.Millisecond,
		ProgressTick: 2 * time.Millisecond,
	})
	t.Cleanup(orch.Close)
	f.fake.HoldAnalyze()
	t.Cleanup(f.fake.ReleaseAnalyze)

	job, err := orch.Submit(context.Background(), "face.png", pngBytes)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNetwork, apperr.KindOf(err))
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, apperr.UserMessage(err), job.Message)

	_, err = orch.Reset()
	assert.NoError(t, err)
}

func TestStart_ReturnsUploadingJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.HoldAnalyze()

	job, err := f.orch.Start("face.png", pngBytes)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusUploading, job.Status)
	assert.Equal(t, "image/png", job.ContentType)

	_, err = f.orch.Start("other.png", pngBytes)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = f.orch.Start("notes.txt", []byte("plain text"))
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	f.fake.ReleaseAnalyze()
	require.Eventually(t, func() bool {
		cur := f.orch.Current()
		return cur.Instance == job.Instance && cur.Status == models.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

type blockingPointer struct {
	entered chan struct{}
	release chan struct{}
}

func (blockingPointer) CurrentAnalysis(context.Context) (string, error) { return "", nil }
func (p blockingPointer) SetCurrentAnalysis(ctx context.Context, _ string) error {
	close(p.entered)
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return nil
}

func TestSubmit_PointerPersistDoesNotBlockReads(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ptr := blockingPointer{entered: make(chan struct{}), release: make(chan struct{})}
	orch := New(f.orch.api, ptr, Options{ProgressTick: time.Millisecond})
	t.Cleanup(orch.Close)

	done := make(chan error, 1)
	go func() {
		_, err := orch.Submit(context.Background(), "face.png", pngBytes)
		done <- err
	}()

	select {
	case <-ptr.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("pointer was never persisted")
	}

	current := make(chan models.AnalysisJob, 1)
	go func() { current <- orch.Current() }()
	select {
	case job := <-current:
		assert.Equal(t, models.JobStatusCompleted, job.Status)
	case <-time.After(time.Second):
		t.Fatal("Current blocked while the pointer was being persisted")
	}

	close(ptr.release)
	require.NoError(t, <-done)
}
