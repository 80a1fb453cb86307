// Package gate decides which step a user may see given their onboarding facts.
package gate

import "github.com/benvon/dermin/internal/models"

// Facts are the inputs of the onboarding decision. Provisional facts hold a
// fail-closed guess for an input the backend could not confirm; Resolve
// treats them like any other facts but a Navigator never caches them.
type Facts struct {
	Authenticated   bool `json:"authenticated"`
	ConsentAccepted bool `json:"consent_accepted"`
	SurveyCompleted bool `json:"survey_completed"`
	Provisional     bool `json:"provisional,omitempty"`
}

// Resolve maps a requested step to the step the user must be shown. Rules
// apply in order and the first match wins:
//
//  1. no session: Login (a public step is returned as requested)
//  2. consent missing and requested != Consent: Consent
//  3. survey missing and requested not in {Consent, Survey}: Survey
//  4. requested == Consent with consent accepted: resolve Survey instead
//  5. requested == Survey with survey completed: Dashboard
//  6. otherwise the requested step
//
// A public step requested with a live session is treated as a Dashboard
// request. Resolve is total and Resolve(Resolve(s, f), f) == Resolve(s, f).
func Resolve(requested models.Step, f Facts) models.Step {
	if !f.Authenticated {
		if requested.Public() {
			return requested
		}
		return models.StepLogin
	}
	if requested.Public() {
		requested = models.StepDashboard
	}
	if !f.ConsentAccepted && requested != models.StepConsent {
		return models.StepConsent
	}
	if !f.SurveyCompleted && requested != models.StepConsent && requested != models.StepSurvey {
		return models.StepSurvey
	}
	if requested == models.StepConsent && f.ConsentAccepted {
		return Resolve(models.StepSurvey, f)
	}
	if requested == models.StepSurvey && f.SurveyCompleted {
		return models.StepDashboard
	}
	return requested
}

// Granted reports whether requested is admitted as-is
func Granted(requested models.Step, f Facts) bool {
	return Resolve(requested, f) == requested
}
