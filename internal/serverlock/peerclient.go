package serverlock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// PeerClient mirrors acquire/release calls onto a peer's control plane
// (spec section 4.6: "a destination's web_client mirrors acquire/release
// onto a peer's HTTP control plane"). It is the Go rewrite's equivalent of
// the original implementation's WebClient, built on a bounded-retry HTTP
// client so that a flaky peer surfaces as a clear, bounded failure instead
// of hanging the destination worker indefinitely.
type PeerClient struct {
	BaseURL string // http://host:port
	Secret  string
	client  *retryablehttp.Client
}

// NewPeerClient constructs a PeerClient for host:port, authenticated with
// secret via the "secret" header (spec section 4.8).
func NewPeerClient(host string, port int, secret string, log *zap.SugaredLogger) *PeerClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = peerHTTPTimeout
	if log != nil {
		rc.Logger = retryableLogAdapter{log}
	} else {
		rc.Logger = nil
	}
	return &PeerClient{
		BaseURL: fmt.Sprintf("http://%s:%d", host, port),
		Secret:  secret,
		client:  rc,
	}
}

const peerHTTPTimeout = 120 * time.Second

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (p *PeerClient) post(ctx context.Context, path string, payload any) (statusResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return statusResponse{}, fmt.Errorf("marshal peer request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return statusResponse{}, fmt.Errorf("build peer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("secret", p.Secret)

	resp, err := p.client.Do(req)
	if err != nil {
		return statusResponse{}, fmt.Errorf("peer request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return statusResponse{}, fmt.Errorf("read peer response: %w", err)
	}
	var sr statusResponse
	if err := json.Unmarshal(b, &sr); err != nil {
		return statusResponse{}, fmt.Errorf("decode peer response: %w", err)
	}
	if resp.StatusCode >= 400 || sr.Status == "error" {
		return sr, fmt.Errorf("peer returned error: %s", sr.Message)
	}
	return sr, nil
}

// AddToGlobalServerLock mirrors Acquire onto the peer.
func (p *PeerClient) AddToGlobalServerLock(ctx context.Context, server string) error {
	_, err := p.post(ctx, "/add_to_global_server_lock", map[string]string{"server": server})
	return err
}

// RemoveFromGlobalServerLock mirrors Release onto the peer.
func (p *PeerClient) RemoveFromGlobalServerLock(ctx context.Context, server string) error {
	_, err := p.post(ctx, "/remove_from_global_server_lock", map[string]string{"server": server})
	return err
}

// CheckIfServerLocked queries whether the peer considers server locked.
func (p *PeerClient) CheckIfServerLocked(ctx context.Context, server string) (bool, error) {
	body, err := json.Marshal(map[string]string{"server": server})
	if err != nil {
		return false, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/check_if_server_locked", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("secret", p.Secret)

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("peer request failed: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Status bool `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode peer response: %w", err)
	}
	return out.Status, nil
}

// retryableLogAdapter satisfies retryablehttp.LeveledLogger with a
// zap.SugaredLogger, so library-level retry diagnostics flow into the same
// structured log as everything else.
type retryableLogAdapter struct{ log *zap.SugaredLogger }

func (a retryableLogAdapter) Error(msg string, kv ...any) { a.log.Errorw(msg, kv...) }
func (a retryableLogAdapter) Info(msg string, kv ...any)  { a.log.Debugw(msg, kv...) }
func (a retryableLogAdapter) Debug(msg string, kv ...any) { a.log.Debugw(msg, kv...) }
func (a retryableLogAdapter) Warn(msg string, kv ...any)  { a.log.Warnw(msg, kv...) }
