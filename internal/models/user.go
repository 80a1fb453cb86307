package models

import (
	"time"
)

// UserProfile is the account record returned by GET /api/users/me
type UserProfile struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	DisplayName     string     `json:"display_name,omitempty"`
	SurveyCompleted *bool      `json:"survey_completed,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
}

// Session is the authenticated identity held by the session store
type Session struct {
	UserID      string     `json:"user_id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name,omitempty"`
	AuthToken   string     `json:"-"`
	Expiry      *time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the token expiry, when known, is at or before now.
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.Expiry == nil {
		return false
	}
	return !now.Before(*s.Expiry)
}

// Clone returns a copy that shares no pointers with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Expiry != nil {
		exp := *s.Expiry
		c.Expiry = &exp
	}
	return &c
}

// TokenClaims are the unverified claims read from an access token
type TokenClaims struct {
	Subject string
	Email   string
	Expiry  *time.Time
}
