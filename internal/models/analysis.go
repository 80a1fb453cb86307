package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an AnalysisJob
type JobStatus string

const (
	JobStatusIdle       JobStatus = "idle"
	JobStatusUploading  JobStatus = "uploading"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// InFlight reports whether a request for the job is outstanding.
func (s JobStatus) InFlight() bool {
	return s == JobStatusUploading || s == JobStatusProcessing
}

// Terminal reports whether s is Completed or Failed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// AnalysisJob is the client-side lifecycle of one submitted image.
// ID is empty until the backend has accepted the upload and returned an analysis id.
type AnalysisJob struct {
	ID          string    `json:"id,omitempty"`
	Instance    uuid.UUID `json:"instance"`
	SourceName  string    `json:"source_name,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BBox is a detection bounding box in image pixels
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Prediction is one detected skin condition
type Prediction struct {
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       *BBox   `json:"bbox,omitempty"`
}

// Explanation is the assistant-written interpretation of the predictions
type Explanation struct {
	Success            bool     `json:"success"`
	FullExplanation    string   `json:"full_explanation,omitempty"`
	GeneralCondition   string   `json:"general_condition,omitempty"`
	DetectedIssues     []string `json:"detected_issues,omitempty"`
	Recommendations    []string `json:"recommendations,omitempty"`
	DoctorConsultation string   `json:"doctor_consultation,omitempty"`
	LifestyleAdvice    []string `json:"lifestyle_advice,omitempty"`
}

// AnalysisResult is the immutable outcome of a completed analysis
type AnalysisResult struct {
	ID             string       `json:"id"`
	Predictions    []Prediction `json:"predictions"`
	AIExplanation  Explanation  `json:"ai_explanation"`
	ImageURL       string       `json:"image_url,omitempty"`
	ProcessingTime float64      `json:"processing_time"`
	CreatedAt      *time.Time   `json:"created_at,omitempty"`
}

// MaxConfidence returns the highest prediction confidence, or 0 with no predictions.
func (r *AnalysisResult) MaxConfidence() float64 {
	var best float64
	for _, p := range r.Predictions {
		if p.Confidence > best {
			best = p.Confidence
		}
	}
	return best
}

// DoctorFlagged reports whether the explanation recommends a doctor consultation.
func (r *AnalysisResult) DoctorFlagged() bool {
	return r.AIExplanation.DoctorConsultation != ""
}

// AnalysisSummary is one row of GET /api/analyses
type AnalysisSummary struct {
	ID         string     `json:"id"`
	ImageURL   string     `json:"image_url,omitempty"`
	Status     string     `json:"status,omitempty"`
	Conditions []string   `json:"conditions,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}
