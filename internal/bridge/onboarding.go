package bridge

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/benvon/dermin/internal/app"
	"github.com/benvon/dermin/internal/models"
)

type onboardingHandler struct {
	app *app.App
}

// RegisterRoutes registers the gate and onboarding routes
func (h *onboardingHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/gate", h.Gate).Methods(http.MethodGet)
	r.HandleFunc("/onboarding/consent", h.Consent).Methods(http.MethodGet)
	r.HandleFunc("/onboarding/consent", h.AcceptConsent).Methods(http.MethodPost)
	r.HandleFunc("/onboarding/consent", h.ResetConsent).Methods(http.MethodDelete)
	r.HandleFunc("/onboarding/survey", h.SurveyStatus).Methods(http.MethodGet)
	r.HandleFunc("/onboarding/survey", h.SubmitSurvey).Methods(http.MethodPost)
}

// Gate resolves ?step= to the step the presentation layer must show
func (h *onboardingHandler) Gate(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("step")
	step, err := models.ParseStep(raw)
	if err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	// on error the decision already points at login
	d, _ := h.app.Navigator.Navigate(r.Context(), step)
	respondJSON(w, http.StatusOK, d)
}

func (h *onboardingHandler) Consent(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Onboarding.Consent(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *onboardingHandler) AcceptConsent(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Onboarding.AcceptConsent(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *onboardingHandler) ResetConsent(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Onboarding.ResetConsent(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.ConsentRecord{})
}

func (h *onboardingHandler) SurveyStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.app.Onboarding.SurveyStatus(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (h *onboardingHandler) SubmitSurvey(w http.ResponseWriter, r *http.Request) {
	var answers models.SurveyAnswers
	if !decodeJSON(w, r, &answers) {
		return
	}
	rec, err := h.app.Onboarding.SubmitSurvey(r.Context(), answers)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}
