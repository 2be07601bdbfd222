package authsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Token is an OAuth access/refresh pair for one account. Acquisition and
// refresh are owned by the external auth service; the sync core only
// consumes the result.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Client fetches per-account OAuth tokens from the auth service. The
// service handles storage, refresh, everything.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a token client for the given auth service URL.
func NewClient(authServerURL string) *Client {
	return &Client{
		baseURL: authServerURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches a fresh token for an account. A 404 means the
// account's provider link was revoked; callers treat that as an auth
// failure.
func (c *Client) GetToken(ctx context.Context, accountID string) (*Token, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, accountID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no provider link for account %s", accountID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}
