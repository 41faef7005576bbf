package deviceflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPClient is the production Client, talking to the activation
// service over plain net/http. No third-party HTTP client library
// appears anywhere in the retrieved corpus; net/http's client is used
// directly here, as it is throughout every example repo that makes
// outbound HTTP calls.
type HTTPClient struct {
	BaseURL string
	Secret  string
	HTTP    *http.Client
}

// NewHTTPClient returns an HTTPClient with a bounded per-request
// timeout, independent of the overall poll budget.
func NewHTTPClient(baseURL, secret string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Secret:  secret,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type generateCodeRequest struct {
	Code      string    `json:"code"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (c *HTTPClient) RegisterCode(ctx context.Context, code, sessionID string) error {
	body, err := json.Marshal(generateCodeRequest{
		Code:      code,
		SessionID: sessionID,
		ExpiresAt: time.Now().Add(time.Duration(maxPollAttempt) * pollInterval),
	})
	if err != nil {
		return fmt.Errorf("deviceflow: marshal register-code body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/internal/generate-code", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("deviceflow: build register-code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.Secret)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("deviceflow: register-code request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("deviceflow: register-code: unexpected status %d", resp.StatusCode)
	}
	return nil
}

type checkCodeResponse struct {
	Status      string `json:"status"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Error       string `json:"error"`
}

// PollUntilVerified loops at pollInterval, up to maxPollAttempt times.
// Transient request errors are logged and retried; "pending" continues;
// "verified" resolves; "expired"/"not_found" fail fast; any other
// status is treated as unknown and logged, then retried.
func (c *HTTPClient) PollUntilVerified(ctx context.Context, code string) (VerifiedUser, error) {
	for attempt := 0; attempt < maxPollAttempt; attempt++ {
		select {
		case <-ctx.Done():
			return VerifiedUser{}, ctx.Err()
		case <-time.After(pollInterval):
		}

		status, err := c.checkCode(ctx, code)
		if err != nil {
			log.Warn().Err(err).Str("code", code).Msg("device-flow poll request failed, retrying")
			continue
		}

		switch status.Status {
		case "verified":
			return VerifiedUser{UserID: status.UserID, DisplayName: status.DisplayName}, nil
		case "expired", "not_found":
			return VerifiedUser{}, ErrExpired
		case "pending":
			continue
		default:
			log.Warn().Str("status", status.Status).Str("code", code).Msg("device-flow poll returned unknown status")
		}
	}
	return VerifiedUser{}, ErrTimeout
}

func (c *HTTPClient) checkCode(ctx context.Context, code string) (checkCodeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/internal/check-code?code="+code, nil)
	if err != nil {
		return checkCodeResponse{}, err
	}
	req.Header.Set("X-Internal-Secret", c.Secret)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return checkCodeResponse{}, err
	}
	defer resp.Body.Close()

	var out checkCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return checkCodeResponse{}, fmt.Errorf("decode check-code response: %w", err)
	}
	return out, nil
}

func (c *HTTPClient) GetActivationURL(code string) string {
	return fmt.Sprintf("%s/activate?code=%s", c.BaseURL, code)
}

func (c *HTTPClient) RegisterTunnel(ctx context.Context, req RegisterTunnelRequest) {
	body, err := json.Marshal(req)
	if err != nil {
		log.Warn().Err(err).Msg("register-tunnel: marshal failed")
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/internal/tunnels", bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Msg("register-tunnel: build request failed")
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Internal-Secret", c.Secret)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		log.Warn().Err(err).Str("subdomain", req.Subdomain).Msg("register-tunnel: request failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("subdomain", req.Subdomain).Msg("register-tunnel: unexpected status")
	}
}

func (c *HTTPClient) UnregisterTunnel(ctx context.Context, subdomain string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/api/internal/tunnels/"+subdomain, nil)
	if err != nil {
		log.Warn().Err(err).Msg("unregister-tunnel: build request failed")
		return
	}
	req.Header.Set("X-Internal-Secret", c.Secret)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("subdomain", subdomain).Msg("unregister-tunnel: request failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		log.Warn().Int("status", resp.StatusCode).Str("subdomain", subdomain).Msg("unregister-tunnel: unexpected status")
	}
}
