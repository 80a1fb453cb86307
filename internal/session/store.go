// Package session owns the authenticated identity of the client.
package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/gate"
	"github.com/benvon/dermin/internal/logger"
	"github.com/benvon/dermin/internal/models"
	"github.com/benvon/dermin/internal/storage"
	"github.com/benvon/dermin/internal/validation"
)

// AuthAPI is the slice of the backend client used by the Store
type AuthAPI interface {
	CheckUser(ctx context.Context, email string) (bool, error)
	Login(ctx context.Context, email, password string) (string, error)
	Register(ctx context.Context, email, password, displayName string) (string, error)
	Me(ctx context.Context) (*models.UserProfile, error)
	UpdateMe(ctx context.Context, displayName string) (*models.UserProfile, error)
}

// Store is the single source of truth for who is logged in
type Store struct {
	api    AuthAPI
	creds  *Credentials
	prefs  *storage.Preferences
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	current  *models.Session
	restored bool

	subMu       sync.RWMutex
	subscribers []func(gate.Event)
}

// NewStore creates a Store. creds must be the same holder the API client reads from.
func NewStore(api AuthAPI, creds *Credentials, prefs *storage.Preferences, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{api: api, creds: creds, prefs: prefs, logger: log, now: time.Now}
}

// Subscribe registers fn for login and logout events
func (s *Store) Subscribe(fn func(gate.Event)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) emit(ev gate.Event) {
	s.subMu.RLock()
	subs := slices.Clone(s.subscribers)
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Snapshot returns a copy of the current session, or nil
func (s *Store) Snapshot() *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// UserID returns the id of the logged-in user, or ""
func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.UserID
}

// Token returns the current auth token, or ""
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.AuthToken
}

// CheckUser asks the backend whether an account exists for email
func (s *Store) CheckUser(ctx context.Context, email string) (bool, error) {
	email = strings.TrimSpace(email)
	if err := validation.Validate.Var(email, "required,email"); err != nil {
		return false, apperr.Validation("check_user", "email must be a valid email address")
	}
	return s.api.CheckUser(ctx, email)
}

// Login authenticates and returns the new session
func (s *Store) Login(ctx context.Context, email, password string) (*models.Session, error) {
	email = strings.TrimSpace(email)
	if err := validation.ValidateCredentials("login", email, password); err != nil {
		return nil, err
	}
	token, err := s.api.Login(ctx, email, password)
	if err != nil {
		s.logger.Info("login_failed", zap.String("email", logger.MaskEmail(email)), zap.String("error", logger.SanitizeError(err)))
		return nil, err
	}
	sess, err := s.establish(ctx, "login", token)
	if err != nil {
		return nil, err
	}
	s.logger.Info("login_succeeded", zap.String("user_id", logger.SanitizeUserID(sess.UserID)))
	s.emit(gate.EventLogin)
	return sess, nil
}

// Register creates an account, logs in and clears any onboarding cache left
// in that user's namespace.
func (s *Store) Register(ctx context.Context, email, password, displayName string) (*models.Session, error) {
	email = strings.TrimSpace(email)
	displayName = validation.SanitizeText(displayName)
	if err := validation.ValidateCredentials("register", email, password); err != nil {
		return nil, err
	}
	if len(displayName) > 100 {
		return nil, apperr.Validation("register", "display_name must be at most 100 characters")
	}
	token, err := s.api.Register(ctx, email, password, displayName)
	if err != nil {
		s.logger.Info("register_failed", zap.String("email", logger.MaskEmail(email)), zap.String("error", logger.SanitizeError(err)))
		return nil, err
	}
	sess, err := s.establish(ctx, "register", token)
	if err != nil {
		return nil, err
	}
	if err := s.prefs.ResetOnboarding(ctx, sess.UserID); err != nil {
		s.logger.Warn("onboarding_cache_reset_failed", zap.String("error", logger.SanitizeError(err)))
	}
	s.logger.Info("register_succeeded", zap.String("user_id", logger.SanitizeUserID(sess.UserID)))
	s.emit(gate.EventLogin)
	return sess, nil
}

// establish installs token, fetches the profile and persists the session.
// On any failure the previous credentials are dropped.
func (s *Store) establish(ctx context.Context, op, token string) (*models.Session, error) {
	claims := ParseClaims(token)
	s.creds.set(token, claims.Expiry)

	profile, err := s.api.Me(ctx)
	if err != nil {
		s.creds.clear()
		s.setCurrent(nil)
		return nil, err
	}

	sess := &models.Session{
		UserID:      profile.ID,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		AuthToken:   token,
		Expiry:      claims.Expiry,
	}
	if sess.UserID == "" {
		sess.UserID = claims.Subject
	}
	if sess.Email == "" {
		sess.Email = claims.Email
	}
	if sess.UserID == "" {
		sess.UserID = sess.Email
	}
	if sess.DisplayName == "" {
		if cached, cerr := s.prefs.DisplayName(ctx, sess.UserID); cerr == nil {
			sess.DisplayName = cached
		}
	}

	if err := s.prefs.SetSession(ctx, sess); err != nil {
		s.creds.clear()
		s.setCurrent(nil)
		return nil, apperr.Wrap(apperr.KindServer, op, err)
	}
	s.setCurrent(sess)
	return sess.Clone(), nil
}

func (s *Store) setCurrent(sess *models.Session) {
	s.mu.Lock()
	s.current = sess
	s.restored = true
	s.mu.Unlock()
}

// restore loads the persisted session once per process
func (s *Store) restore(ctx context.Context) error {
	s.mu.RLock()
	done := s.restored
	s.mu.RUnlock()
	if done {
		return nil
	}

	sess, err := s.prefs.Session(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restored {
		return nil
	}
	s.restored = true
	if sess != nil {
		if sess.Expiry == nil {
			sess.Expiry = ParseClaims(sess.AuthToken).Expiry
		}
		s.current = sess
		s.creds.set(sess.AuthToken, sess.Expiry)
	}
	return nil
}

// CurrentUser returns the session after confirming it with a profile fetch.
// An auth failure clears every persisted key and returns nil without error;
// other failures keep the session and return the error.
func (s *Store) CurrentUser(ctx context.Context) (*models.Session, error) {
	if err := s.restore(ctx); err != nil {
		return nil, err
	}
	cur := s.Snapshot()
	if cur == nil {
		return nil, nil
	}
	if cur.Expired(s.now()) {
		s.logger.Info("session_expired", zap.String("user_id", logger.SanitizeUserID(cur.UserID)))
		return nil, s.forceLogout(ctx)
	}

	profile, err := s.api.Me(ctx)
	if apperr.IsAuth(err) {
		s.logger.Info("session_rejected", zap.String("user_id", logger.SanitizeUserID(cur.UserID)))
		return nil, s.forceLogout(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.current == nil || s.current.AuthToken != cur.AuthToken {
		// Logged out or replaced while the profile was in flight.
		latest := s.current.Clone()
		s.mu.Unlock()
		return latest, nil
	}
	if profile.Email != "" {
		s.current.Email = profile.Email
	}
	if profile.DisplayName != "" {
		s.current.DisplayName = profile.DisplayName
	}
	updated := s.current.Clone()
	s.mu.Unlock()

	if err := s.prefs.SetSession(ctx, updated); err != nil {
		s.logger.Warn("session_persist_failed", zap.String("error", logger.SanitizeError(err)))
	}
	return updated, nil
}

// Ensure is CurrentUser that treats a missing session as an auth error
func (s *Store) Ensure(ctx context.Context) (*models.Session, error) {
	sess, err := s.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.Auth("session", "not logged in")
	}
	return sess, nil
}

// UpdateProfile changes the display name on the backend and in the user namespace
func (s *Store) UpdateProfile(ctx context.Context, displayName string) (*models.Session, error) {
	displayName = validation.SanitizeText(displayName)
	if displayName == "" {
		return nil, apperr.Validation("update_profile", "display_name is required")
	}
	if len(displayName) > 100 {
		return nil, apperr.Validation("update_profile", "display_name must be at most 100 characters")
	}
	if _, err := s.Ensure(ctx); err != nil {
		return nil, err
	}
	profile, err := s.api.UpdateMe(ctx, displayName)
	if apperr.IsAuth(err) {
		return nil, errors.Join(err, s.forceLogout(ctx))
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil, apperr.Auth("update_profile", "not logged in")
	}
	s.current.DisplayName = profile.DisplayName
	if s.current.DisplayName == "" {
		s.current.DisplayName = displayName
	}
	updated := s.current.Clone()
	s.mu.Unlock()

	if err := s.prefs.SetSession(ctx, updated); err != nil {
		return nil, apperr.Wrap(apperr.KindServer, "update_profile", err)
	}
	return updated, nil
}

// Logout clears the token and every persisted key. It is idempotent.
func (s *Store) Logout(ctx context.Context) error {
	prev := s.Snapshot()
	s.creds.clear()
	s.setCurrent(nil)
	err := s.prefs.ClearAll(ctx)
	if prev != nil {
		s.logger.Info("logout", zap.String("user_id", logger.SanitizeUserID(prev.UserID)))
	}
	s.emit(gate.EventLogout)
	return err
}

func (s *Store) forceLogout(ctx context.Context) error {
	// The caller gets a nil session either way; a failed purge is still reported.
	if err := s.Logout(ctx); err != nil {
		s.logger.Error("logout_purge_failed", zap.String("error", logger.SanitizeError(err)))
		return err
	}
	return nil
}
