// Package testutil provides shared test helpers for the dermin packages.
// FakeBackend is an in-process stand-in for the dermin REST backend.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenTTL is the lifetime of tokens issued by FakeBackend
const TokenTTL = time.Hour

var signingKey = []byte("dermin-test-signing-key")

type fakeUser struct {
	ID              string
	Email           string
	Password        string
	DisplayName     string
	SurveyCompleted bool
	Survey          map[string]any
}

// FakeBackend serves the backend REST surface from memory
type FakeBackend struct {
	Server *httptest.Server

	mu            sync.Mutex
	users         map[string]*fakeUser
	tokens        map[string]string
	analyses      map[string]map[string]any
	history       map[string][]map[string]any
	hits          map[string]int
	nextID        int
	analyzeStatus int
	analyzeDelay  time.Duration
	analyzeHold   chan struct{}
	chatStatus    int
	historyStatus int
	nextAnalysis  string
}

// NewFakeBackend starts a FakeBackend that is shut down when the test ends
func NewFakeBackend(t testing.TB) *FakeBackend {
	t.Helper()
	f := &FakeBackend{
		users:    make(map[string]*fakeUser),
		tokens:   make(map[string]string),
		analyses: make(map[string]map[string]any),
		history:  make(map[string][]map[string]any),
		hits:     make(map[string]int),
		nextID:   1,
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/check-user", f.checkUser).Methods(http.MethodPost)
	api.HandleFunc("/auth/register", f.register).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", f.login).Methods(http.MethodPost)
	api.HandleFunc("/users/me", f.authed(f.me)).Methods(http.MethodGet)
	api.HandleFunc("/users/me", f.authed(f.updateMe)).Methods(http.MethodPut)
	api.HandleFunc("/surveys", f.authed(f.submitSurvey)).Methods(http.MethodPost)
	api.HandleFunc("/surveys/status", f.authed(f.surveyStatus)).Methods(http.MethodGet)
	api.HandleFunc("/surveys/me", f.authed(f.mySurvey)).Methods(http.MethodGet)
	api.HandleFunc("/analyze-skin", f.authed(f.analyze)).Methods(http.MethodPost)
	api.HandleFunc("/analyses", f.authed(f.listAnalyses)).Methods(http.MethodGet)
	api.HandleFunc("/analyses/{id}", f.authed(f.getAnalysis)).Methods(http.MethodGet)
	api.HandleFunc("/chat/general", f.authed(f.chatGeneral)).Methods(http.MethodPost)
	api.HandleFunc("/chat/analysis/{id}", f.authed(f.chatAnalysis)).Methods(http.MethodPost)
	api.HandleFunc("/chat/analysis/{id}/history", f.authed(f.chatHistory)).Methods(http.MethodGet)

	f.Server = httptest.NewServer(r)
	t.Cleanup(func() {
		f.ReleaseAnalyze()
		f.Server.Close()
	})
	return f
}

// URL returns the API root of the fake, including the /api prefix
func (f *FakeBackend) URL() string {
	return f.Server.URL + "/api"
}

// Hits returns how many requests reached the named handler
func (f *FakeBackend) Hits(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[name]
}

// AddUser registers an account directly
func (f *FakeBackend) AddUser(email, password, displayName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addUserLocked(email, password, displayName).ID
}

func (f *FakeBackend) addUserLocked(email, password, displayName string) *fakeUser {
	u := &fakeUser{
		ID:          fmt.Sprintf("user-%d", len(f.users)+1),
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	}
	f.users[email] = u
	return u
}

// SetSurveyCompleted flips the server-side survey flag of a user
func (f *FakeBackend) SetSurveyCompleted(email string, completed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[email]; ok {
		u.SurveyCompleted = completed
		if !completed {
			u.Survey = nil
		}
	}
}

// RevokeTokens makes every issued token answer 401
func (f *FakeBackend) RevokeTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = make(map[string]string)
}

// FailAnalyze makes the next uploads answer with status (0 restores success)
func (f *FakeBackend) FailAnalyze(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeStatus = status
}

// DelayAnalyze slows every upload response
func (f *FakeBackend) DelayAnalyze(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeDelay = d
}

// HoldAnalyze blocks upload responses until ReleaseAnalyze is called
func (f *FakeBackend) HoldAnalyze() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeHold = make(chan struct{})
}

// ReleaseAnalyze unblocks uploads held by HoldAnalyze
func (f *FakeBackend) ReleaseAnalyze() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.analyzeHold != nil {
		close(f.analyzeHold)
		f.analyzeHold = nil
	}
}

// NextAnalysisID forces the id returned by the next upload
func (f *FakeBackend) NextAnalysisID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextAnalysis = id
}

// FailChat makes chat sends answer with status (0 restores success)
func (f *FakeBackend) FailChat(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatStatus = status
}

// FailHistory makes history reads answer with status (0 restores success)
func (f *FakeBackend) FailHistory(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyStatus = status
}

// AddHistory appends a raw transcript message for analysis id
func (f *FakeBackend) AddHistory(id string, msg map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[id] = append(f.history[id], msg)
}

// PutAnalysis stores an analysis document as the backend would return it
func (f *FakeBackend) PutAnalysis(id string, doc map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyses[id] = doc
}

// IssueToken signs a token for userID the way the backend does
func IssueToken(userID, email string, ttl time.Duration) (string, error) {
	tok, err := jwt.NewBuilder().
		Subject(userID).
		Claim("email", email).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(ttl)).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, signingKey))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func (f *FakeBackend) hit(name string) {
	f.mu.Lock()
	f.hits[name]++
	f.mu.Unlock()
}

func (f *FakeBackend) issueLocked(u *fakeUser) (string, error) {
	token, err := IssueToken(u.ID, u.Email, TokenTTL)
	if err != nil {
		return "", err
	}
	f.tokens[token] = u.Email
	return token, nil
}

type userHandler func(w http.ResponseWriter, r *http.Request, u *fakeUser)

func (f *FakeBackend) authed(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		email, ok := f.tokens[token]
		u := f.users[email]
		f.mu.Unlock()
		if !ok || u == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Could not validate credentials"})
			return
		}
		next(w, r, u)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (f *FakeBackend) checkUser(w http.ResponseWriter, r *http.Request) {
	f.hit("check_user")
	var body struct {
		Email string `json:"email"`
	}
	if err := decode(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid body"})
		return
	}
	f.mu.Lock()
	_, exists := f.users[body.Email]
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"exists": exists})
}

func (f *FakeBackend) register(w http.ResponseWriter, r *http.Request) {
	f.hit("register")
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := decode(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid body"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.users[body.Email]; exists {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Email already registered"})
		return
	}
	u := f.addUserLocked(body.Email, body.Password, body.DisplayName)
	token, err := f.issueLocked(u)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_token": token, "token_type": "bearer"})
}

func (f *FakeBackend) login(w http.ResponseWriter, r *http.Request) {
	f.hit("login")
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid body"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[body.Email]
	if !ok || u.Password != body.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Incorrect email or password"})
		return
	}
	token, err := f.issueLocked(u)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_token": token, "token_type": "bearer"})
}

func profileOf(u *fakeUser) map[string]any {
	return map[string]any{
		"id":               u.ID,
		"email":            u.Email,
		"display_name":     u.DisplayName,
		"survey_completed": u.SurveyCompleted,
		"created_at":       "2026-01-02T03:04:05Z",
	}
}

func (f *FakeBackend) me(w http.ResponseWriter, _ *http.Request, u *fakeUser) {
	f.hit("me")
	f.mu.Lock()
	p := profileOf(u)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, p)
}

func (f *FakeBackend) updateMe(w http.ResponseWriter, r *http.Request, u *fakeUser) {
	f.hit("update_me")
	var body struct {
		DisplayName string `json:"display_name"`
	}
	if err := decode(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid body"})
		return
	}
	f.mu.Lock()
	u.DisplayName = body.DisplayName
	p := profileOf(u)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, p)
}

func (f *FakeBackend) submitSurvey(w http.ResponseWriter, r *http.Request, u *fakeUser) {
	f.hit("submit_survey")
	var body map[string]any
	if err := decode(r, &body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []map[string]any{{"msg": "invalid survey"}}})
		return
	}
	f.mu.Lock()
	u.SurveyCompleted = true
	u.Survey = body
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           "survey-" + u.ID,
		"user_email":   u.Email,
		"responses":    body,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
		"version":      "1.0",
	})
}

func (f *FakeBackend) surveyStatus(w http.ResponseWriter, _ *http.Request, u *fakeUser) {
	f.hit("survey_status")
	f.mu.Lock()
	done := u.SurveyCompleted
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"survey_completed": done})
}

func (f *FakeBackend) mySurvey(w http.ResponseWriter, _ *http.Request, u *fakeUser) {
	f.hit("my_survey")
	f.mu.Lock()
	survey := u.Survey
	f.mu.Unlock()
	if survey == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Survey not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"_id": "survey-" + u.ID, "user_email": u.Email, "responses": survey})
}

// SampleAnalysis builds an analysis document shaped like the backend's
func SampleAnalysis(id string) map[string]any {
	return map[string]any{
		"_id":       id,
		"image_url": "https://cdn.example/" + id + ".jpg",
		"status":    "completed",
		"result": map[string]any{
			"success": true,
			"predictions": []map[string]any{
				{"class_name": "acne", "confidence": 0.85, "bbox": map[string]any{"x": 100, "y": 150, "width": 50, "height": 60}},
				{"class_name": "blackheads", "confidence": 0.72, "bbox": map[string]any{"x": 200, "y": 80, "width": 30, "height": 40}},
			},
			"ai_explanation": map[string]any{
				"success": true,
				"explanation": map[string]any{
					"full_explanation":    "Mild acne and blackheads detected.",
					"general_condition":   "Treatable",
					"detected_issues":     []string{"acne", "blackheads"},
					"recommendations":     []string{"Gentle cleanser", "Oil-free moisturizer", "SPF 30+"},
					"doctor_consultation": "Routine dermatologist check recommended",
				},
			},
			"processing_time": 2.3,
		},
		"created_at": "2026-08-03T12:00:00Z",
	}
}

func (f *FakeBackend) analyze(w http.ResponseWriter, r *http.Request, _ *fakeUser) {
	f.hit("analyze")
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "File must be an image"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "file is required"})
		return
	}
	_, _ = io.Copy(io.Discard, file)
	_ = file.Close()
	if !strings.HasPrefix(header.Header.Get("Content-Type"), "image/") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "File must be an image"})
		return
	}

	f.mu.Lock()
	status, delay, hold := f.analyzeStatus, f.analyzeDelay, f.analyzeHold
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeJSON(w, status, map[string]any{"detail": "Analysis failed"})
		return
	}

	f.mu.Lock()
	id := f.nextAnalysis
	f.nextAnalysis = ""
	if id == "" {
		id = strconv.Itoa(f.nextID)
		f.nextID++
	}
	f.analyses[id] = SampleAnalysis(id)
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"analysis_id": id})
}

func (f *FakeBackend) getAnalysis(w http.ResponseWriter, r *http.Request, _ *fakeUser) {
	f.hit("get_analysis")
	id := mux.Vars(r)["id"]
	f.mu.Lock()
	doc, ok := f.analyses[id]
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Analysis not found"})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (f *FakeBackend) listAnalyses(w http.ResponseWriter, r *http.Request, _ *fakeUser) {
	f.hit("list_analyses")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	f.mu.Lock()
	list := make([]map[string]any, 0, len(f.analyses))
	for _, doc := range f.analyses {
		list = append(list, doc)
	}
	f.mu.Unlock()
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": list})
}

func (f *FakeBackend) chatFailure(w http.ResponseWriter) bool {
	f.mu.Lock()
	status := f.chatStatus
	f.mu.Unlock()
	if status == 0 {
		return false
	}
	writeJSON(w, status, map[string]any{"detail": "assistant unavailable"})
	return true
}

func (f *FakeBackend) chatGeneral(w http.ResponseWriter, r *http.Request, _ *fakeUser) {
	f.hit("chat_general")
	if f.chatFailure(w) {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := decode(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid body"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"response": "general: " + body.Content})
}

func (f *FakeBackend) chatAnalysis(w http.ResponseWriter, r *http.Request, _ *fakeUser) {
	f.hit("chat_analysis")
	if f.chatFailure(w) {
		return
	}
	id := mux.Vars(r)["id"]
	var body struct {
		Content      string         `json:"content"`
		AnalysisData map[string]any `json:"analysis_data"`
	}
	if err := decode(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid body"})
		return
	}
	reply := fmt.Sprintf("analysis %s: %s", id, body.Content)
	if body.AnalysisData != nil {
		reply += " (with analysis data)"
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	f.mu.Lock()
	f.history[id] = append(f.history[id],
		map[string]any{"role": "user", "content": body.Content, "timestamp": now},
		map[string]any{"role": "assistant", "content": reply, "timestamp": now},
	)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"response": reply})
}

func (f *FakeBackend) chatHistory(w http.ResponseWriter, r *http.Request, _ *fakeUser) {
	f.hit("chat_history")
	f.mu.Lock()
	status := f.historyStatus
	msgs := append([]map[string]any(nil), f.history[mux.Vars(r)["id"]]...)
	f.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]any{"detail": "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, []map[string]any{{"messages": msgs}})
}
