package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/benvon/dermin/internal/analysis"
	"github.com/benvon/dermin/internal/app"
	"github.com/benvon/dermin/internal/models"
)

const (
	// DefaultHistoryLimit is the page size of GET /v1/analyses without ?limit
	DefaultHistoryLimit = analysis.DefaultHistoryLimit
	// MaxHistoryLimit caps ?limit
	MaxHistoryLimit = 100
	// keepAliveInterval spaces comment frames on idle progress streams
	keepAliveInterval = 15 * time.Second
)

type analysisHandler struct {
	app    *app.App
	logger *zap.Logger
}

type guardFunc func(step models.Step, h http.HandlerFunc) http.Handler

// RegisterRoutes registers every analysis route except the upload
func (h *analysisHandler) RegisterRoutes(r *mux.Router, guard guardFunc) {
	r.Handle("/analysis/job", guard(models.StepAnalyze, h.Job)).Methods(http.MethodGet)
	r.Handle("/analysis/job", guard(models.StepAnalyze, h.Abandon)).Methods(http.MethodDelete)
	r.Handle("/analysis/reset", guard(models.StepAnalyze, h.Reset)).Methods(http.MethodPost)
	r.Handle("/analysis/progress", guard(models.StepAnalyze, h.Progress)).Methods(http.MethodGet)
	r.Handle("/analyses", guard(models.StepAnalyses, h.List)).Methods(http.MethodGet)
	r.Handle("/analyses/{id}", guard(models.StepResults, h.Get)).Methods(http.MethodGet)
}

// Submit accepts a multipart "file" and runs the analysis. With ?async=true
// it answers 202 right away and progress is followed on the event stream.
func (h *analysisHandler) Submit(w http.ResponseWriter, r *http.Request) {
	limit := h.app.Config.MaxUploadBytes
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respondJSONError(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large", fmt.Sprintf("The image exceeds the maximum size of %d bytes", limit))
			return
		}
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "Expected a multipart form with a file field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "Could not read the uploaded file")
		return
	}

	if r.URL.Query().Get("async") == "true" {
		job, err := h.app.Analysis.Start(header.Filename, data)
		switch {
		case errors.Is(err, analysis.ErrBusy):
			respondJSONError(w, http.StatusConflict, "busy", err.Error())
		case err != nil:
			respondError(w, err)
		default:
			h.logger.Debug("analysis_started_async", zap.String("instance", job.Instance.String()))
			respondJSON(w, http.StatusAccepted, job)
		}
		return
	}

	job, err := h.app.Analysis.Submit(r.Context(), header.Filename, data)
	switch {
	case errors.Is(err, analysis.ErrBusy):
		respondJSONError(w, http.StatusConflict, "busy", err.Error())
	case err != nil:
		respondError(w, err)
	default:
		respondJSON(w, http.StatusOK, job)
	}
}

// Job returns the current job snapshot
func (h *analysisHandler) Job(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.app.Analysis.Current())
}

// Abandon detaches the in-flight job
func (h *analysisHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.app.Analysis.Abandon())
}

// Reset starts over with an Idle job
func (h *analysisHandler) Reset(w http.ResponseWriter, r *http.Request) {
	job, err := h.app.Analysis.Reset()
	if err != nil {
		respondJSONError(w, http.StatusConflict, "busy", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// Progress streams job snapshots and completion events as server-sent events
func (h *analysisHandler) Progress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSONError(w, http.StatusNotAcceptable, "Not Acceptable", "Request the stream with Accept: text/event-stream")
		return
	}

	jobs, cancelJobs := h.app.Analysis.Subscribe(32)
	defer cancelJobs()
	completed, cancelEvents := h.app.Events.Subscribe(8)
	defer cancelEvents()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			if err := writeEvent(w, "job", job); err != nil {
				return
			}
		case ev, ok := <-completed:
			if !ok {
				return
			}
			if err := writeEvent(w, "analysis_completed", ev); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// List returns recent analyses
func (h *analysisHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondJSONError(w, http.StatusBadRequest, "Bad Request", "limit must be a positive integer")
			return
		}
		limit = min(n, MaxHistoryLimit)
	}
	list, err := h.app.Analysis.History(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// Get returns one analysis result
func (h *analysisHandler) Get(w http.ResponseWriter, r *http.Request) {
	res, err := h.app.Analysis.Result(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
