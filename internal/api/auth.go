package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/models"
)

type credentialsPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

// CheckUser reports whether an account exists for email
func (c *Client) CheckUser(ctx context.Context, email string) (bool, error) {
	r, err := jsonRequest("check_user", http.MethodPost, "/auth/check-user", false, map[string]string{"email": email})
	if err != nil {
		return false, err
	}
	body, err := c.do(ctx, r)
	if err != nil {
		return false, err
	}
	return gjson.GetBytes(body, "exists").Bool(), nil
}

// Register creates an account and returns its access token
func (c *Client) Register(ctx context.Context, email, password, displayName string) (string, error) {
	r, err := jsonRequest("register", http.MethodPost, "/auth/register", false, credentialsPayload{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		return "", err
	}
	body, err := c.do(ctx, r)
	if err != nil {
		return "", err
	}
	return accessToken("register", body)
}

// Login exchanges credentials for an access token. A 400 from the backend
// means bad credentials and is reported as an auth error.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	r, err := jsonRequest("login", http.MethodPost, "/auth/login", false, credentialsPayload{
		Email:    email,
		Password: password,
	})
	if err != nil {
		return "", err
	}
	body, err := c.do(ctx, r)
	if err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			return "", apperr.Auth("login", apperr.UserMessage(err))
		}
		return "", err
	}
	return accessToken("login", body)
}

func accessToken(op string, body []byte) (string, error) {
	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		return "", apperr.New(apperr.KindServer, op, "response did not include an access token")
	}
	return token, nil
}

// Me returns the profile of the authenticated user
func (c *Client) Me(ctx context.Context) (*models.UserProfile, error) {
	body, err := c.do(ctx, request{op: "get_profile", method: http.MethodGet, path: "/users/me", authed: true})
	if err != nil {
		return nil, err
	}
	return decodeProfile("get_profile", body)
}

// UpdateMe changes the display name of the authenticated user
func (c *Client) UpdateMe(ctx context.Context, displayName string) (*models.UserProfile, error) {
	r, err := jsonRequest("update_profile", http.MethodPut, "/users/me", true, map[string]string{"display_name": displayName})
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	return decodeProfile("update_profile", body)
}

func decodeProfile(op string, body []byte) (*models.UserProfile, error) {
	var p models.UserProfile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, apperr.Wrap(apperr.KindServer, op, fmt.Errorf("invalid profile: %w", err))
	}
	if p.ID == "" {
		p.ID = gjson.GetBytes(body, "_id").String()
	}
	if p.ID == "" && p.Email == "" {
		return nil, apperr.New(apperr.KindServer, op, "profile has neither id nor email")
	}
	return &p, nil
}
