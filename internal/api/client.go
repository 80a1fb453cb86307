// Package api is the client for the dermin backend REST surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/logger"
	"github.com/benvon/dermin/internal/telemetry"
)

// DefaultTimeout bounds every backend request when Options.Timeout is zero
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read
const maxResponseBytes = 8 << 20

// Options configures a Client
type Options struct {
	// BaseURL is the backend root including the API prefix, e.g. http://localhost:8000/api
	BaseURL string
	Timeout time.Duration
	// Tokens supplies the bearer token for authenticated endpoints
	Tokens    oauth2.TokenSource
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// Client talks to the backend. Anonymous endpoints use a plain client,
// authenticated ones go through an oauth2 transport fed by Options.Tokens.
type Client struct {
	baseURL string
	timeout time.Duration
	anon    *http.Client
	authed  *http.Client
	logger  *zap.Logger
}

// New creates a Client
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	base := telemetry.Transport(opts.Transport)

	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		timeout: timeout,
		anon:    &http.Client{Transport: base},
		logger:  log,
	}
	if opts.Tokens != nil {
		c.authed = &http.Client{Transport: &oauth2.Transport{Source: opts.Tokens, Base: base}}
	}
	return c
}

// BaseURL returns the configured API root
func (c *Client) BaseURL() string { return c.baseURL }

type request struct {
	op          string
	method      string
	path        string
	authed      bool
	body        io.Reader
	contentType string
}

func jsonRequest(op, method, path string, authed bool, payload any) (request, error) {
	r := request{op: op, method: method, path: path, authed: authed}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return r, apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("failed to encode request: %w", err))
		}
		r.body = bytes.NewReader(data)
		r.contentType = "application/json"
	}
	return r, nil
}

// do sends r with a bounded deadline and returns the body of a 2xx response.
// Every failure is translated into the apperr taxonomy.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	client := c.anon
	if r.authed {
		if c.authed == nil {
			return nil, apperr.Auth(r.op, "not logged in")
		}
		client = c.authed
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, r.body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindServer, r.op, fmt.Errorf("failed to create request: %w", err))
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(r.op, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("backend_response_close_failed", zap.String("error", logger.SanitizeError(cerr)))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(r.op, err)
	}

	c.logger.Debug("backend_request",
		zap.String("op", r.op),
		zap.String("method", r.method),
		zap.String("path", logger.SanitizePath(r.path)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(r.op, resp.StatusCode, body)
	}
	return body, nil
}

func (c *Client) doJSON(ctx context.Context, r request, out any) error {
	body, err := c.do(ctx, r)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.KindServer, r.op, fmt.Errorf("invalid response body: %w", err))
	}
	return nil
}

// transportError maps client.Do failures. Token source failures surface
// as auth errors; everything else is a network error.
func transportError(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return &apperr.Error{Kind: ae.Kind, Op: op, Message: ae.Message, Err: ae.Err}
	}
	return apperr.Network(op, err)
}

// statusError maps a non-2xx response onto the error taxonomy
func statusError(op string, status int, body []byte) error {
	detail := Detail(body)
	e := &apperr.Error{Op: op, StatusCode: status, Message: detail}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = apperr.KindAuth
	case status == http.StatusConflict:
		e.Kind = apperr.KindConflict
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if strings.Contains(strings.ToLower(detail), "already") {
			e.Kind = apperr.KindConflict
		} else {
			e.Kind = apperr.KindValidation
		}
	case status == http.StatusNotFound:
		e.Kind = apperr.KindNotFound
	default:
		e.Kind = apperr.KindServer
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// Detail extracts the human-readable message of an error body. The backend
// uses {"detail": "..."} or a validation list {"detail": [{"msg": "..."}]}.
func Detail(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	d := gjson.GetBytes(body, "detail")
	switch {
	case d.IsArray():
		if msg := d.Get("0.msg"); msg.Exists() {
			return msg.String()
		}
	case d.Type == gjson.String:
		return d.String()
	}
	if m := gjson.GetBytes(body, "message"); m.Type == gjson.String {
		return m.String()
	}
	return ""
}

// firstString returns the first non-empty string among paths
func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() && r.String() != "" {
			return r.String()
		}
	}
	return ""
}
