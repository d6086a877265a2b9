// Package totp is a client for the external TOTP verification service. The
// engine never stores TOTP secrets; it only asks the service whether a code
// is currently valid for a user and purpose.
package totp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PurposeSignature scopes a code to a signing action.
const PurposeSignature = "signature"

// Verifier checks a one-time code for a user.
type Verifier interface {
	Verify(ctx context.Context, userID, code, purpose string) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, userID, code, purpose string) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, userID, code, purpose string) (bool, error) {
	return f(ctx, userID, code, purpose)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New builds a client. A non-positive timeout uses 10 seconds.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Verify reports whether code is valid. A rejected code is (false, nil);
// transport failures and unexpected statuses are errors.
func (c *Client) Verify(ctx context.Context, userID, code, purpose string) (bool, error) {
	body, err := json.Marshal(map[string]any{
		"user_id": userID,
		"code":    code,
		"purpose": purpose,
	})
	if err != nil {
		return false, fmt.Errorf("totp: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/totp/verify", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("totp: build request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, fmt.Errorf("totp: verify: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusUnauthorized:
		return false, nil
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("totp: service returned %d", resp.StatusCode)
	}

	var out struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("totp: decode response: %w", err)
	}
	return out.Valid, nil
}
