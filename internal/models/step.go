package models

import (
	"fmt"
	"strings"
)

// Step is a navigation target of the client
type Step string

const (
	StepLogin     Step = "login"
	StepRegister  Step = "register"
	StepConsent   Step = "consent"
	StepSurvey    Step = "survey"
	StepDashboard Step = "dashboard"
	StepAnalyze   Step = "analyze"
	StepResults   Step = "results"
	StepChat      Step = "chat"
	StepAnalyses  Step = "analyses"
	StepSettings  Step = "settings"
)

// AllSteps lists every known step.
var AllSteps = []Step{
	StepLogin, StepRegister, StepConsent, StepSurvey, StepDashboard,
	StepAnalyze, StepResults, StepChat, StepAnalyses, StepSettings,
}

// Public reports whether the step is reachable without a session.
func (s Step) Public() bool {
	return s == StepLogin || s == StepRegister
}

// ParseStep parses a step name. "kvkk" is accepted as an alias of consent.
func ParseStep(v string) (Step, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "kvkk" {
		return StepConsent, nil
	}
	for _, s := range AllSteps {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown step: %q", v)
}
