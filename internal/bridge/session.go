package bridge

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/benvon/dermin/internal/app"
	"github.com/benvon/dermin/internal/validation"
)

type sessionHandler struct {
	app *app.App
}

// RegisterRoutes registers the session routes
func (h *sessionHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/session", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/session/check-user", h.CheckUser).Methods(http.MethodPost)
	r.HandleFunc("/session/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/session/register", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/session/logout", h.Logout).Methods(http.MethodPost)
	r.HandleFunc("/session/profile", h.UpdateProfile).Methods(http.MethodPut)
}

// CheckUserRequest asks whether an email is registered
type CheckUserRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// LoginRequest carries credentials
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RegisterRequest creates an account
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=6"`
	DisplayName string `json:"display_name" validate:"omitempty,max=100"`
}

// ProfileRequest changes the display name
type ProfileRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=100"`
}

// Get returns the confirmed session, or null when logged out
func (h *sessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.app.Session.CurrentUser(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *sessionHandler) CheckUser(w http.ResponseWriter, r *http.Request) {
	var req CheckUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validation.ValidateStruct("check_user", req); err != nil {
		respondError(w, err)
		return
	}
	exists, err := h.app.Session.CheckUser(r.Context(), req.Email)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (h *sessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validation.ValidateStruct("login", req); err != nil {
		respondError(w, err)
		return
	}
	sess, err := h.app.Session.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *sessionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validation.ValidateStruct("register", req); err != nil {
		respondError(w, err)
		return
	}
	sess, err := h.app.Session.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (h *sessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Session.Logout(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (h *sessionHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validation.ValidateStruct("update_profile", req); err != nil {
		respondError(w, err)
		return
	}
	sess, err := h.app.Session.UpdateProfile(r.Context(), req.DisplayName)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}
