package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benvon/dermin/internal/models"
)

// Namespace prefixes every key written by Preferences
const Namespace = "dermin:"

const (
	keyAuthToken       = Namespace + "auth_token"
	keySession         = Namespace + "session"
	keyCurrentAnalysis = Namespace + "current_analysis_id"

	fieldDisplayName     = "display_name"
	fieldConsent         = "consent"
	fieldConsentAt       = "consent_at"
	fieldSurveyCompleted = "survey_completed"
)

// Preferences is the typed view over a Backend. It is the only component that
// knows the key layout; callers never touch raw keys.
type Preferences struct {
	backend Backend
}

// NewPreferences wraps backend
func NewPreferences(backend Backend) *Preferences {
	return &Preferences{backend: backend}
}

// Backend returns the underlying store
func (p *Preferences) Backend() Backend { return p.backend }

func userKey(userID, field string) string {
	return Namespace + "user:" + userID + ":" + field
}

func (p *Preferences) getString(ctx context.Context, key string) (string, error) {
	v, err := p.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (p *Preferences) getBool(ctx context.Context, key string) (bool, error) {
	v, err := p.getString(ctx, key)
	if err != nil || v == "" {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean at %s: %w", key, err)
	}
	return b, nil
}

// Token returns the persisted auth token, or "" when absent
func (p *Preferences) Token(ctx context.Context) (string, error) {
	return p.getString(ctx, keyAuthToken)
}

// SetToken persists the auth token
func (p *Preferences) SetToken(ctx context.Context, token string) error {
	return p.backend.Set(ctx, keyAuthToken, token)
}

type storedSession struct {
	UserID      string     `json:"user_id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name,omitempty"`
	Expiry      *time.Time `json:"expiry,omitempty"`
}

// Session returns the persisted session with its token, or nil when no token is stored
func (p *Preferences) Session(ctx context.Context) (*models.Session, error) {
	token, err := p.Token(ctx)
	if err != nil || token == "" {
		return nil, err
	}
	raw, err := p.getString(ctx, keySession)
	if err != nil {
		return nil, err
	}
	sess := &models.Session{AuthToken: token}
	if raw != "" {
		var s storedSession
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("invalid stored session: %w", err)
		}
		sess.UserID = s.UserID
		sess.Email = s.Email
		sess.DisplayName = s.DisplayName
		sess.Expiry = s.Expiry
	}
	return sess, nil
}

// SetSession persists the token and identity of s
func (p *Preferences) SetSession(ctx context.Context, s *models.Session) error {
	data, err := json.Marshal(storedSession{
		UserID:      s.UserID,
		Email:       s.Email,
		DisplayName: s.DisplayName,
		Expiry:      s.Expiry,
	})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := p.backend.Set(ctx, keySession, string(data)); err != nil {
		return err
	}
	if err := p.SetToken(ctx, s.AuthToken); err != nil {
		return err
	}
	if s.UserID != "" && s.DisplayName != "" {
		return p.SetDisplayName(ctx, s.UserID, s.DisplayName)
	}
	return nil
}

// DisplayName returns the cached display name for userID
func (p *Preferences) DisplayName(ctx context.Context, userID string) (string, error) {
	return p.getString(ctx, userKey(userID, fieldDisplayName))
}

// SetDisplayName caches the display name for userID
func (p *Preferences) SetDisplayName(ctx context.Context, userID, name string) error {
	return p.backend.Set(ctx, userKey(userID, fieldDisplayName), name)
}

// Consent returns the consent record for userID; a missing record is not accepted
func (p *Preferences) Consent(ctx context.Context, userID string) (models.ConsentRecord, error) {
	accepted, err := p.getBool(ctx, userKey(userID, fieldConsent))
	if err != nil || !accepted {
		return models.ConsentRecord{}, err
	}
	rec := models.ConsentRecord{Accepted: true}
	at, err := p.getString(ctx, userKey(userID, fieldConsentAt))
	if err != nil {
		return models.ConsentRecord{}, err
	}
	if at != "" {
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			rec.AcceptedAt = t
		}
	}
	return rec, nil
}

// SetConsent records consent for userID at the given time
func (p *Preferences) SetConsent(ctx context.Context, userID string, at time.Time) error {
	if err := p.backend.Set(ctx, userKey(userID, fieldConsentAt), at.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return p.backend.Set(ctx, userKey(userID, fieldConsent), "true")
}

// ResetConsent removes the consent record for userID
func (p *Preferences) ResetConsent(ctx context.Context, userID string) error {
	return p.backend.Delete(ctx, userKey(userID, fieldConsent), userKey(userID, fieldConsentAt))
}

// SurveyCompleted returns the cached survey flag for userID. The server is
// authoritative; this value is only a hint.
func (p *Preferences) SurveyCompleted(ctx context.Context, userID string) (bool, error) {
	return p.getBool(ctx, userKey(userID, fieldSurveyCompleted))
}

// SetSurveyCompleted caches the survey flag for userID
func (p *Preferences) SetSurveyCompleted(ctx context.Context, userID string, completed bool) error {
	return p.backend.Set(ctx, userKey(userID, fieldSurveyCompleted), strconv.FormatBool(completed))
}

// ResetOnboarding drops the consent and survey caches of userID
func (p *Preferences) ResetOnboarding(ctx context.Context, userID string) error {
	return p.backend.Delete(ctx,
		userKey(userID, fieldConsent),
		userKey(userID, fieldConsentAt),
		userKey(userID, fieldSurveyCompleted),
	)
}

// CurrentAnalysis returns the current-analysis pointer, or "" when unset
func (p *Preferences) CurrentAnalysis(ctx context.Context) (string, error) {
	return p.getString(ctx, keyCurrentAnalysis)
}

// SetCurrentAnalysis stores the current-analysis pointer
func (p *Preferences) SetCurrentAnalysis(ctx context.Context, id string) error {
	return p.backend.Set(ctx, keyCurrentAnalysis, id)
}

// ClearUser removes every key in the namespace of userID
func (p *Preferences) ClearUser(ctx context.Context, userID string) error {
	return p.deletePrefix(ctx, Namespace+"user:"+userID+":")
}

// ClearAll removes every key written by Preferences
func (p *Preferences) ClearAll(ctx context.Context) error {
	return p.deletePrefix(ctx, Namespace)
}

func (p *Preferences) deletePrefix(ctx context.Context, prefix string) error {
	keys, err := p.backend.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return p.backend.Delete(ctx, keys...)
}
