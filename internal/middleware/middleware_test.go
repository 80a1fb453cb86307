package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/benvon/dermin/internal/gate"
	"github.com/benvon/dermin/internal/models"
	"github.com/benvon/dermin/internal/request"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

type navigatorFunc func(ctx context.Context, step models.Step) (gate.Decision, error)

func (f navigatorFunc) Navigate(ctx context.Context, step models.Step) (gate.Decision, error) {
	return f(ctx, step)
}

func factsNavigator(f gate.Facts) navigatorFunc {
	return func(_ context.Context, step models.Step) (gate.Decision, error) {
		target := gate.Resolve(step, f)
		return gate.Decision{Requested: step, Target: target, Granted: target == step, Facts: f}, nil
	}
}

func TestGuard(t *testing.T) {
	t.Parallel()

	done := gate.Facts{Authenticated: true, ConsentAccepted: true, SurveyCompleted: true}
	tests := []struct {
		name         string
		nav          navigatorFunc
		wantStatus   int
		wantRedirect string
	}{
		{name: "granted", nav: factsNavigator(done), wantStatus: http.StatusOK},
		{name: "anonymous", nav: factsNavigator(gate.Facts{}), wantStatus: http.StatusConflict, wantRedirect: "login"},
		{name: "consent pending", nav: factsNavigator(gate.Facts{Authenticated: true}), wantStatus: http.StatusConflict, wantRedirect: "consent"},
		{name: "survey pending", nav: factsNavigator(gate.Facts{Authenticated: true, ConsentAccepted: true}), wantStatus: http.StatusConflict, wantRedirect: "survey"},
		{
			name: "facts unavailable",
			nav: func(_ context.Context, step models.Step) (gate.Decision, error) {
				return gate.Decision{Requested: step, Target: models.StepLogin}, errors.New("backend down")
			},
			wantStatus:   http.StatusConflict,
			wantRedirect: "login",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			called := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				d, ok := request.DecisionFromContext(r)
				if !ok || !d.Granted {
					t.Error("handler ran without a granted decision in context")
				}
				w.WriteHeader(http.StatusOK)
			})

			w := httptest.NewRecorder()
			Guard(tt.nav, models.StepAnalyze, zap.NewNop())(handler).ServeHTTP(w, httptest.NewRequest("POST", "/v1/analysis", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantRedirect == "" {
				if !called {
					t.Error("Expected handler to run")
				}
				return
			}
			if called {
				t.Error("handler ran for a redirected request")
			}
			var body ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if body.Redirect != tt.wantRedirect {
				t.Errorf("Expected redirect %q, got %q", tt.wantRedirect, body.Redirect)
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: []string{defaultFrontendOrigin}},
		{in: "http://a.test", want: []string{"http://a.test"}},
		{in: " http://a.test/ , http://b.test,http://a.test,, ", want: []string{"http://a.test", "http://b.test"}},
	}
	for _, tt := range tests {
		if got := AllowedOrigins(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("AllowedOrigins(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()
	h := CORS("http://localhost:5173")(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/v1/session", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Expected allowed origin header, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("Origin", "http://evil.test")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no allow-origin for foreign origin, got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	if _, err := RateLimit("nonsense"); err == nil {
		t.Fatal("Expected an error for an invalid rate")
	}

	mw, err := RateLimit("2-M")
	if err != nil {
		t.Fatalf("RateLimit() error = %v", err)
	}
	h := mw(okHandler)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/v1/gate", nil)
		req.Header.Set("X-Forwarded-For", "7.7.7.7")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	if !reflect.DeepEqual(codes, want) {
		t.Errorf("status codes = %v, want %v", codes, want)
	}

	req := httptest.NewRequest("GET", "/v1/gate", nil)
	req.Header.Set("X-Forwarded-For", "8.8.8.8")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected a different client to pass, got %d", w.Code)
	}
}

func TestContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		method      string
		body        string
		contentType string
		want        int
	}{
		{name: "json", method: "POST", body: "{}", contentType: "application/json; charset=utf-8", want: http.StatusOK},
		{name: "multipart", method: "POST", body: "--x--", contentType: "multipart/form-data; boundary=x", want: http.StatusOK},
		{name: "missing", method: "POST", body: "{}", want: http.StatusBadRequest},
		{name: "text", method: "PUT", body: "hi", contentType: "text/plain", want: http.StatusUnsupportedMediaType},
		{name: "empty post", method: "POST", want: http.StatusOK},
		{name: "get", method: "GET", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, "/v1/session/login", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			ContentType(okHandler).ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestMaxRequestSize(t *testing.T) {
	t.Parallel()
	h := MaxRequestSize(4)(okHandler)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader("too long")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader("ok")))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(200 * time.Millisecond):
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
		}
	})
	h := Timeout(20 * time.Millisecond)(slow)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/v1/analysis/job", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 on timeout, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/v1/analysis/progress", nil)
	req.Header.Set("Accept", "text/event-stream")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected event streams to bypass the timeout, got %d", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	SecurityHeaders(true)(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("Expected no HSTS over plain HTTP, got %q", got)
	}
}
