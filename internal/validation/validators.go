package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/benvon/dermin/internal/apperr"
	"github.com/go-playground/validator/v10"
)

var (
	// Validate is a shared validator instance
	Validate *validator.Validate
)

// Skin types accepted by the survey
var skinTypes = map[string]struct{}{
	"normal":      {},
	"dry":         {},
	"oily":        {},
	"combination": {},
	"sensitive":   {},
}

// Intensity levels used by the sensitivity questions
var levels = map[string]struct{}{
	"none":     {},
	"low":      {},
	"moderate": {},
	"high":     {},
}

func init() {
	Validate = validator.New(validator.WithRequiredStructEnabled())

	if err := Validate.RegisterValidation("skin_type", validateSkinType); err != nil {
		panic(fmt.Sprintf("failed to register skin_type validator: %v", err))
	}
	if err := Validate.RegisterValidation("level", validateLevel); err != nil {
		panic(fmt.Sprintf("failed to register level validator: %v", err))
	}
}

func validateSkinType(fl validator.FieldLevel) bool {
	_, ok := skinTypes[strings.ToLower(fl.Field().String())]
	return ok
}

func validateLevel(fl validator.FieldLevel) bool {
	_, ok := levels[strings.ToLower(fl.Field().String())]
	return ok
}

// Credentials is the input shared by login and registration
type Credentials struct {
	Email    string `validate:"required,email,max=254"`
	Password string `validate:"required,min=6,max=128"`
}

// ValidateCredentials checks email and password shape before any network call
func ValidateCredentials(op, email, password string) error {
	return ValidateStruct(op, Credentials{Email: strings.TrimSpace(email), Password: password})
}

// ValidateStruct runs struct tags and converts failures into a validation error
// whose message names every offending field.
func ValidateStruct(op string, v any) error {
	err := Validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.KindValidation, op, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperr.Validation(op, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := toSnake(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "skin_type":
		return field + " must be one of: normal, dry, oily, combination, sensitive"
	case "level":
		return field + " must be one of: none, low, moderate, high"
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SanitizeText sanitizes text input by trimming whitespace and removing control characters
func SanitizeText(text string) string {
	text = strings.TrimSpace(text)

	var sanitized strings.Builder
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		sanitized.WriteRune(r)
	}

	return sanitized.String()
}
