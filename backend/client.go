package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"burrow/protocol"
	"burrow/utils"
)

const (
	retryAttempts = 3
	retryDelay    = 300 * time.Millisecond
)

// Client is the HTTP binding of ValidationOracle and UsageReporter. With no
// base URL it runs disabled: validation always allows and reporting is a
// no-op with synthetic session ids.
type Client struct {
	http    *http.Client
	retry   *retryablehttp.Client
	baseURL string
	apiKey  string
	Enabled bool
}

func New(baseURL, apiKey string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		Enabled: baseURL != "",
		http:    &http.Client{Timeout: protocol.BackendValidationTimeout},
	}

	// 上报通道用 retryablehttp：最多 3 次，300ms 线性退避
	r := retryablehttp.NewClient()
	r.HTTPClient = &http.Client{Timeout: protocol.BackendValidationTimeout}
	r.RetryMax = retryAttempts - 1
	r.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return retryDelay * time.Duration(attemptNum+1)
	}
	r.Logger = nil
	c.retry = r

	utils.Logger.Info("backend api client initialized",
		zap.Bool("enabled", c.Enabled),
		zap.String("baseURL", c.baseURL),
		zap.Bool("apiKeyConfigured", apiKey != ""))
	return c
}

// Validate asks the backend to resolve an opaque key. A non-2xx answer maps
// to an invalid result rather than an error, so it never reads as "backend
// unreachable" to the caller.
func (c *Client) Validate(ctx context.Context, apiKey string) (*ValidationResult, error) {
	if !c.Enabled {
		utils.Logger.Debug("backend disabled, allowing connection without validation")
		return allowAll(), nil
	}

	body, err := json.Marshal(map[string]string{"api_key": apiKey})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/internal/validate-key", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-internal-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to backend api")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		utils.Logger.Error("backend api returned error",
			zap.String("status", resp.Status),
			zap.ByteString("body", raw))
		msg := "Backend error: " + resp.Status
		return &ValidationResult{Valid: false, Message: &msg}, nil
	}

	var out ValidationResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "failed to parse backend response")
	}
	utils.Logger.Info("api key validation completed",
		zap.Bool("valid", out.Valid),
		zap.Any("userID", out.UserID),
		zap.Any("planType", out.PlanType))
	return &out, nil
}

// SessionStart registers a tunnel session and returns its id.
func (c *Client) SessionStart(ctx context.Context, userID string, publicPort, localPort uint16, serverID string) (string, error) {
	if !c.Enabled {
		return "session-" + uuid.NewString(), nil
	}
	payload := map[string]any{
		"user_id":     userID,
		"public_port": publicPort,
		"local_port":  localPort,
		"server_id":   serverID,
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.postRetry(ctx, "/api/internal/tunnel/start", payload, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// SessionEnd closes out a tunnel session.
func (c *Client) SessionEnd(ctx context.Context, sessionID string, bytesTransferred uint64) error {
	if !c.Enabled {
		return nil
	}
	return c.postRetry(ctx, "/api/internal/tunnel/end", map[string]any{
		"session_id":        sessionID,
		"bytes_transferred": bytesTransferred,
	}, nil)
}

// LogUsage records bandwidth for a session.
func (c *Client) LogUsage(ctx context.Context, userID, sessionID string, bytesIn, bytesOut uint64) error {
	if !c.Enabled {
		return nil
	}
	return c.postRetry(ctx, "/api/internal/tunnel/usage", map[string]any{
		"user_id":    userID,
		"session_id": sessionID,
		"bytes_in":   bytesIn,
		"bytes_out":  bytesOut,
	}, nil)
}

// TunnelConnected notifies the backend that an instance's tunnel is up.
func (c *Client) TunnelConnected(ctx context.Context, instanceID string, remotePort *uint16, publicURL *string) error {
	if !c.Enabled {
		return nil
	}
	payload := map[string]any{}
	if remotePort != nil {
		payload["remotePort"] = *remotePort
	}
	if publicURL != nil {
		payload["publicUrl"] = *publicURL
	}
	var body any
	if len(payload) > 0 {
		body = payload
	}
	path := fmt.Sprintf("/api/internal/instances/%s/tunnel-connected", instanceID)
	return c.postRetry(ctx, path, body, nil)
}

// TunnelDisconnected notifies the backend that an instance's tunnel is down.
func (c *Client) TunnelDisconnected(ctx context.Context, instanceID string) error {
	if !c.Enabled {
		return nil
	}
	path := fmt.Sprintf("/api/internal/instances/%s/tunnel-disconnected", instanceID)
	return c.postRetry(ctx, path, nil, nil)
}

func (c *Client) postRetry(ctx context.Context, path string, payload any, out any) error {
	var raw []byte
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, raw)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-internal-api-key", c.apiKey)
	}

	resp, err := c.retry.Do(req)
	if err != nil {
		return errors.Wrapf(err, "backend POST %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(resp.Body)
		return errors.Errorf("backend responded with status %s: %s", resp.Status, text)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func allowAll() *ValidationResult {
	userID := "local-user"
	plan := "unlimited"
	maxTunnels := uint32(999)
	maxBandwidth := uint64(999999)
	message := "Backend validation disabled"
	return &ValidationResult{
		Valid:                true,
		UserID:               &userID,
		PlanType:             &plan,
		MaxConcurrentTunnels: &maxTunnels,
		MaxBandwidthGB:       &maxBandwidth,
		UsageAllowed:         true,
		Message:              &message,
	}
}
