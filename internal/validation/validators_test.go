package validation

import (
	"strings"
	"testing"

	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/models"
)

func TestValidateCredentials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  string
	}{
		{name: "valid", email: "ayse@example.com", password: "secret1"},
		{name: "missing email", email: "", password: "secret1", wantErr: "email is required"},
		{name: "bad email", email: "not-an-email", password: "secret1", wantErr: "email must be a valid email address"},
		{name: "short password", email: "ayse@example.com", password: "abc", wantErr: "password must be at least 6 characters"},
		{name: "trimmed email", email: "  ayse@example.com ", password: "secret1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateCredentials("login", tt.email, tt.password)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Expected error but got nil")
			}
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("Expected validation kind, got %s", apperr.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestValidateStruct_SurveyAnswers(t *testing.T) {
	t.Parallel()

	valid := models.SurveyAnswers{Age: 30, SkinType: "oily", SunSensitivity: "high"}
	if err := ValidateStruct("survey", valid); err != nil {
		t.Fatalf("Expected valid survey, got %v", err)
	}

	invalid := models.SurveyAnswers{Age: 8, SkinType: "scaly", Itching: "extreme"}
	err := ValidateStruct("survey", invalid)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"age must be at least 13", "skin_type must be one of", "itching must be one of"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %q", want, msg)
		}
	}
}

func TestSanitizeText(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"  hello  ":      "hello",
		"a\x00b":         "ab",
		"line1\nline2":   "line1\nline2",
		"tab\tseparated": "tab\tseparated",
		"\x1b[31mred":    "[31mred",
	}
	for in, want := range tests {
		if got := SanitizeText(in); got != want {
			t.Errorf("SanitizeText(%q) = %q, want %q", in, got, want)
		}
	}
}
