package chat

import (
	"fmt"
	"math"
	"strings"

	"github.com/benvon/dermin/internal/models"
)

// GeneralWelcome greets the user in a thread not bound to an analysis
const GeneralWelcome = "Hello! I'm the Dermin AI assistant. I can answer questions about your skin health. How can I help you today?"

// FallbackReply is appended when the assistant could not answer
const FallbackReply = "Sorry, I couldn't process your message right now. Please try again."

// AnalysisWelcome summarizes res as the opening message of its thread.
// The text depends only on res.
func AnalysisWelcome(res *models.AnalysisResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I've reviewed your skin analysis (%s). ", res.ID)

	if len(res.Predictions) == 0 {
		b.WriteString("No specific skin condition was detected. ")
	} else {
		parts := make([]string, 0, len(res.Predictions))
		for _, p := range res.Predictions {
			parts = append(parts, fmt.Sprintf("%s (%s)", p.ClassName, percent(p.Confidence)))
		}
		fmt.Fprintf(&b, "Detected: %s. Highest confidence: %s. ", strings.Join(parts, ", "), percent(res.MaxConfidence()))
	}

	exp := res.AIExplanation
	if exp.Success {
		if exp.GeneralCondition != "" {
			fmt.Fprintf(&b, "Overall condition: %s. ", exp.GeneralCondition)
		}
		if n := len(exp.Recommendations); n > 0 {
			fmt.Fprintf(&b, "I have %d %s for you. ", n, plural(n, "recommendation", "recommendations"))
		}
	}

	if res.DoctorFlagged() {
		fmt.Fprintf(&b, "A doctor consultation is flagged: %s. ", strings.TrimSuffix(exp.DoctorConsultation, "."))
	} else {
		b.WriteString("No doctor consultation is flagged. ")
	}
	b.WriteString("What would you like to know about your results?")
	return b.String()
}

func percent(c float64) string {
	if c <= 1 {
		c *= 100
	}
	return fmt.Sprintf("%d%%", int(math.Round(c)))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// analysisData is the context sent alongside analysis-scoped messages
func analysisData(res *models.AnalysisResult) map[string]any {
	if res == nil {
		return nil
	}
	preds := make([]map[string]any, 0, len(res.Predictions))
	for _, p := range res.Predictions {
		preds = append(preds, map[string]any{
			"class_name": p.ClassName,
			"confidence": p.Confidence,
		})
	}
	exp := res.AIExplanation
	return map[string]any{
		"analysis_id": res.ID,
		"predictions": preds,
		"ai_explanation": map[string]any{
			"success":             exp.Success,
			"general_condition":   exp.GeneralCondition,
			"detected_issues":     exp.DetectedIssues,
			"recommendations":     exp.Recommendations,
			"doctor_consultation": exp.DoctorConsultation,
		},
	}
}
