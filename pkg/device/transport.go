// Package device provides the client for talking to one remote network
// device over a request/response protocol. It owns retry, backoff, rate
// limiting, and the read-modify-write diffing pattern; it has no knowledge
// of plans or jobs.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/planforge/planforge/pkg/engine"
)

// Transport is the wire-level channel to device management APIs. All
// returned errors are classified engine errors so the client's retry loop
// can distinguish transient failures from rejections.
type Transport interface {
	// ReadResource fetches the current configuration of a device resource.
	ReadResource(ctx context.Context, deviceID, resource string) (engine.FieldMap, error)

	// PatchResource submits a partial-field update and returns the
	// resulting resource state. Implementations must never replace the
	// whole object.
	PatchResource(ctx context.Context, deviceID, resource string, delta engine.FieldMap) (engine.FieldMap, error)

	// ExecCommand runs a resolved command on the device and returns its
	// raw output.
	ExecCommand(ctx context.Context, deviceID, command string) (string, error)

	// Ping probes basic device reachability.
	Ping(ctx context.Context, deviceID string) error
}

// HTTPTransportConfig configures the HTTP device transport.
type HTTPTransportConfig struct {
	// BaseURL is the device management API root, e.g.
	// "https://nms.internal/api/v1".
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// AuthToken is sent as a bearer token on every request.
	AuthToken string `yaml:"auth_token"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// HTTPTransport talks to devices through an HTTP management API that
// supports partial-field updates and machine-readable error classes.
type HTTPTransport struct {
	cfg    HTTPTransportConfig
	client *http.Client
}

// NewHTTPTransport creates an HTTP device transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	return &HTTPTransport{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
			},
		},
	}, nil
}

// ReadResource implements Transport.
func (t *HTTPTransport) ReadResource(ctx context.Context, deviceID, resource string) (engine.FieldMap, error) {
	var state engine.FieldMap
	err := t.roundTrip(ctx, http.MethodGet, t.resourceURL(deviceID, resource), nil, &state)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// PatchResource implements Transport.
func (t *HTTPTransport) PatchResource(ctx context.Context, deviceID, resource string, delta engine.FieldMap) (engine.FieldMap, error) {
	var state engine.FieldMap
	err := t.roundTrip(ctx, http.MethodPatch, t.resourceURL(deviceID, resource), delta, &state)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ExecCommand implements Transport.
func (t *HTTPTransport) ExecCommand(ctx context.Context, deviceID, command string) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	body := map[string]string{"command": command}
	u := fmt.Sprintf("%s/devices/%s/exec", t.cfg.BaseURL, url.PathEscape(deviceID))
	if err := t.roundTrip(ctx, http.MethodPost, u, body, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

// Ping implements Transport.
func (t *HTTPTransport) Ping(ctx context.Context, deviceID string) error {
	u := fmt.Sprintf("%s/devices/%s/health", t.cfg.BaseURL, url.PathEscape(deviceID))
	return t.roundTrip(ctx, http.MethodGet, u, nil, nil)
}

func (t *HTTPTransport) resourceURL(deviceID, resource string) string {
	return fmt.Sprintf("%s/devices/%s/resources/%s",
		t.cfg.BaseURL, url.PathEscape(deviceID), url.PathEscape(resource))
}

func (t *HTTPTransport) roundTrip(ctx context.Context, method, u string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return engine.NewValidationError("failed to encode request body", err).
				WithCode(engine.ErrCodeValidation)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return engine.NewValidationError("failed to build request", err).
			WithCode(engine.ErrCodeValidation)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.AuthToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return classifyNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classifyHTTPStatus(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return engine.NewTransientError("malformed device response", err).
				WithCode(engine.ErrCodeUnreachable)
		}
	}
	return nil
}

// classifyNetworkError maps connection-level failures onto the engine
// error taxonomy. Timeouts and resets are transient; everything else at
// this layer is treated as the device being unreachable.
func classifyNetworkError(err error) *engine.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("device call timed out", err).
			WithCode(engine.ErrCodeTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return engine.NewTransientError("device call timed out", err).
			WithCode(engine.ErrCodeTimeout)
	}
	return engine.NewTransientError("device unreachable", err).
		WithCode(engine.ErrCodeUnreachable)
}

// classifyHTTPStatus maps API status codes onto the engine error taxonomy.
func classifyHTTPStatus(resp *http.Response) *engine.Error {
	detail := readErrorDetail(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return engine.NewDeviceRejectedError("device rejected credentials: "+detail, nil).
			WithCode(engine.ErrCodeDeviceRejected)
	case resp.StatusCode == http.StatusNotFound:
		return engine.NewValidationError("device resource not found: "+detail, nil).
			WithCode(engine.ErrCodeNotFound)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return engine.NewDeviceRejectedError("device rejected change: "+detail, nil).
			WithCode(engine.ErrCodeDeviceRejected)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return engine.NewTransientError("device busy: "+detail, nil).
			WithCode(engine.ErrCodeTimeout)
	case resp.StatusCode >= 500:
		return engine.NewTransientError(
			fmt.Sprintf("device API error (%d): %s", resp.StatusCode, detail), nil).
			WithCode(engine.ErrCodeUnreachable)
	default:
		return engine.NewValidationError(
			fmt.Sprintf("device API rejected request (%d): %s", resp.StatusCode, detail), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

func readErrorDetail(resp *http.Response) string {
	var apiErr struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(raw) == 0 {
		return resp.Status
	}
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
		return apiErr.Message
	}
	return string(raw)
}
