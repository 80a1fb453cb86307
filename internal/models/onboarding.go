package models

import "time"

// ConsentRecord is the privacy (KVKK) acknowledgment for one user
type ConsentRecord struct {
	Accepted   bool      `json:"accepted"`
	AcceptedAt time.Time `json:"accepted_at,omitempty"`
}

// SurveyStatus mirrors the server-side survey completion flag
type SurveyStatus struct {
	Completed bool           `json:"completed"`
	SurveyID  string         `json:"survey_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	// Reconciled is true once the value has been confirmed by the backend in this session.
	Reconciled bool `json:"reconciled"`
}

// SurveyAnswers is the onboarding questionnaire submitted to POST /api/surveys
type SurveyAnswers struct {
	Name                string   `json:"name,omitempty" validate:"omitempty,max=100"`
	Age                 int      `json:"age" validate:"required,gte=13,lte=120"`
	Gender              string   `json:"gender,omitempty" validate:"omitempty,oneof=female male other unspecified"`
	SkinType            string   `json:"skin_type" validate:"required,skin_type"`
	FacialConditions    []string `json:"facial_conditions,omitempty" validate:"omitempty,dive,min=1,max=64"`
	SunSensitivity      string   `json:"sun_sensitivity,omitempty" validate:"omitempty,level"`
	PhysicalSensitivity string   `json:"physical_sensitivity,omitempty" validate:"omitempty,level"`
	Itching             string   `json:"itching,omitempty" validate:"omitempty,level"`
	Allergies           string   `json:"allergies,omitempty" validate:"omitempty,max=500"`
	HairType            string   `json:"hair_type,omitempty" validate:"omitempty,max=64"`
	HairIssues          []string `json:"hair_issues,omitempty" validate:"omitempty,dive,min=1,max=64"`
	DietType            string   `json:"diet_type,omitempty" validate:"omitempty,max=64"`
	WaterIntake         string   `json:"water_intake,omitempty" validate:"omitempty,max=64"`
	ExerciseFrequency   string   `json:"exercise_frequency,omitempty" validate:"omitempty,max=64"`
	AlcoholConsumption  *int     `json:"alcohol_consumption,omitempty" validate:"omitempty,gte=0,lte=5"`
	SmokingHabits       *int     `json:"smoking_habits,omitempty" validate:"omitempty,gte=0,lte=5"`
	ChronicIllness      string   `json:"chronic_illness,omitempty" validate:"omitempty,max=500"`
	RegularMedications  string   `json:"regular_medications,omitempty" validate:"omitempty,max=500"`
	DermatologistVisit  string   `json:"dermatologist_visit,omitempty" validate:"omitempty,max=64"`
	Version             string   `json:"version,omitempty"`
}

// SurveyRecord is a stored survey as returned by the backend
type SurveyRecord struct {
	ID          string         `json:"id"`
	UserEmail   string         `json:"user_email,omitempty"`
	Responses   map[string]any `json:"responses,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Version     string         `json:"version,omitempty"`
}
