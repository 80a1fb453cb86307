// Package onboarding runs the consent and survey steps that precede product use.
package onboarding

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/gate"
	"github.com/benvon/dermin/internal/logger"
	"github.com/benvon/dermin/internal/models"
	"github.com/benvon/dermin/internal/storage"
	"github.com/benvon/dermin/internal/validation"
)

// SurveyVersion is sent with every submitted survey
const SurveyVersion = "1.0"

// SurveyAPI is the slice of the backend client used for surveys
type SurveyAPI interface {
	SubmitSurvey(ctx context.Context, answers models.SurveyAnswers) (*models.SurveyRecord, error)
	SurveyStatus(ctx context.Context) (bool, error)
	MySurvey(ctx context.Context) (*models.SurveyRecord, error)
}

// Sessions exposes the logged-in identity
type Sessions interface {
	CurrentUser(ctx context.Context) (*models.Session, error)
	Ensure(ctx context.Context) (*models.Session, error)
}

// Service owns consent and survey state for the logged-in user
type Service struct {
	sessions Sessions
	api      SurveyAPI
	prefs    *storage.Preferences
	logger   *zap.Logger
	now      func() time.Time

	flight singleflight.Group

	mu         sync.Mutex
	reconciled string

	subMu       sync.RWMutex
	subscribers []func(gate.Event)
}

// NewService creates a Service
func NewService(sessions Sessions, api SurveyAPI, prefs *storage.Preferences, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{sessions: sessions, api: api, prefs: prefs, logger: log, now: time.Now}
}

// Subscribe registers fn for consent and survey events
func (s *Service) Subscribe(fn func(gate.Event)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Service) emit(ev gate.Event) {
	s.subMu.RLock()
	subs := slices.Clone(s.subscribers)
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Consent returns the consent record of the logged-in user
func (s *Service) Consent(ctx context.Context) (models.ConsentRecord, error) {
	sess, err := s.sessions.Ensure(ctx)
	if err != nil {
		return models.ConsentRecord{}, err
	}
	return s.prefs.Consent(ctx, sess.UserID)
}

// AcceptConsent records the privacy acknowledgment. An existing record is
// returned unchanged.
func (s *Service) AcceptConsent(ctx context.Context) (models.ConsentRecord, error) {
	sess, err := s.sessions.Ensure(ctx)
	if err != nil {
		return models.ConsentRecord{}, err
	}
	existing, err := s.prefs.Consent(ctx, sess.UserID)
	if err != nil {
		return models.ConsentRecord{}, err
	}
	if existing.Accepted {
		return existing, nil
	}
	at := s.now().UTC()
	if err := s.prefs.SetConsent(ctx, sess.UserID, at); err != nil {
		return models.ConsentRecord{}, err
	}
	s.logger.Info("consent_accepted", zap.String("user_id", logger.SanitizeUserID(sess.UserID)))
	s.emit(gate.EventConsentAccepted)
	return models.ConsentRecord{Accepted: true, AcceptedAt: at}, nil
}

// ResetConsent withdraws the privacy acknowledgment
func (s *Service) ResetConsent(ctx context.Context) error {
	sess, err := s.sessions.Ensure(ctx)
	if err != nil {
		return err
	}
	if err := s.prefs.ResetConsent(ctx, sess.UserID); err != nil {
		return err
	}
	s.logger.Info("consent_reset", zap.String("user_id", logger.SanitizeUserID(sess.UserID)))
	s.emit(gate.EventConsentReset)
	return nil
}

// SubmitSurvey validates and stores the questionnaire. Consent must be accepted first.
func (s *Service) SubmitSurvey(ctx context.Context, answers models.SurveyAnswers) (*models.SurveyRecord, error) {
	const op = "submit_survey"
	sess, err := s.sessions.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	consent, err := s.prefs.Consent(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if !consent.Accepted {
		return nil, apperr.Validation(op, "privacy consent must be accepted before the survey")
	}

	answers = normalize(answers)
	if err := validation.ValidateStruct(op, answers); err != nil {
		return nil, err
	}

	rec, err := s.api.SubmitSurvey(ctx, answers)
	if err != nil {
		s.logger.Warn("survey_submit_failed", zap.String("error", logger.SanitizeError(err)))
		return nil, err
	}
	if err := s.prefs.SetSurveyCompleted(ctx, sess.UserID, true); err != nil {
		s.logger.Warn("survey_cache_write_failed", zap.String("error", logger.SanitizeError(err)))
	}
	s.mu.Lock()
	s.reconciled = sess.AuthToken
	s.mu.Unlock()

	s.logger.Info("survey_completed", zap.String("user_id", logger.SanitizeUserID(sess.UserID)))
	s.emit(gate.EventSurveyCompleted)
	return rec, nil
}

func normalize(a models.SurveyAnswers) models.SurveyAnswers {
	a.Name = validation.SanitizeText(a.Name)
	a.Gender = strings.ToLower(validation.SanitizeText(a.Gender))
	a.SkinType = strings.ToLower(validation.SanitizeText(a.SkinType))
	a.SunSensitivity = strings.ToLower(validation.SanitizeText(a.SunSensitivity))
	a.PhysicalSensitivity = strings.ToLower(validation.SanitizeText(a.PhysicalSensitivity))
	a.Itching = strings.ToLower(validation.SanitizeText(a.Itching))
	a.Allergies = validation.SanitizeText(a.Allergies)
	a.ChronicIllness = validation.SanitizeText(a.ChronicIllness)
	a.RegularMedications = validation.SanitizeText(a.RegularMedications)
	if a.Version == "" {
		a.Version = SurveyVersion
	}
	return a
}

// SurveyStatus returns whether the survey is complete. The backend is asked
// once per session; later calls read the local cache. When the backend
// cannot be reached the survey is reported incomplete.
func (s *Service) SurveyStatus(ctx context.Context) (models.SurveyStatus, error) {
	sess, err := s.sessions.Ensure(ctx)
	if err != nil {
		return models.SurveyStatus{}, err
	}

	s.mu.Lock()
	done := s.reconciled == sess.AuthToken
	s.mu.Unlock()
	if done {
		completed, err := s.prefs.SurveyCompleted(ctx, sess.UserID)
		if err != nil {
			return models.SurveyStatus{}, err
		}
		return models.SurveyStatus{Completed: completed, Reconciled: true}, nil
	}

	v, err, _ := s.flight.Do(sess.AuthToken, func() (any, error) {
		return s.api.SurveyStatus(ctx)
	})
	if apperr.IsAuth(err) {
		return models.SurveyStatus{}, err
	}
	if err != nil {
		s.logger.Warn("survey_reconcile_failed", zap.String("error", logger.SanitizeError(err)))
		return models.SurveyStatus{Completed: false}, nil
	}

	completed := v.(bool)
	if err := s.prefs.SetSurveyCompleted(ctx, sess.UserID, completed); err != nil {
		s.logger.Warn("survey_cache_write_failed", zap.String("error", logger.SanitizeError(err)))
	}
	s.mu.Lock()
	s.reconciled = sess.AuthToken
	s.mu.Unlock()
	return models.SurveyStatus{Completed: completed, Reconciled: true}, nil
}

// MySurvey returns the stored survey, or nil when the user has none
func (s *Service) MySurvey(ctx context.Context) (*models.SurveyRecord, error) {
	if _, err := s.sessions.Ensure(ctx); err != nil {
		return nil, err
	}
	return s.api.MySurvey(ctx)
}

// Facts gathers the gate inputs for the current user. A survey state that
// could not be reconciled yields provisional facts.
func (s *Service) Facts(ctx context.Context) (gate.Facts, error) {
	sess, err := s.sessions.CurrentUser(ctx)
	if err != nil {
		return gate.Facts{}, err
	}
	if sess == nil {
		return gate.Facts{}, nil
	}
	consent, err := s.prefs.Consent(ctx, sess.UserID)
	if err != nil {
		return gate.Facts{}, err
	}
	survey, err := s.SurveyStatus(ctx)
	if err != nil {
		return gate.Facts{}, err
	}
	return gate.Facts{
		Authenticated:   true,
		ConsentAccepted: consent.Accepted,
		SurveyCompleted: survey.Completed,
		Provisional:     !survey.Reconciled,
	}, nil
}
