// Package facilitatorclient is the gateway-side HTTP client for the
// external x402 facilitator collaborator: it only ever calls /verify
// and /settle and never touches a chain directly.
package facilitatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/x402-rs/x402-gateway/pkg/types"
)

// Client calls a facilitator's /verify and /settle endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL, trimming any trailing slash.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Verify asks the facilitator whether req's payment payload satisfies
// its requirements.
func (c *Client) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	var resp types.VerifyResponse
	if err := c.post(ctx, "/verify", req, &resp); err != nil {
		return nil, fmt.Errorf("facilitatorclient: verify: %w", err)
	}
	return &resp, nil
}

// Settle asks the facilitator to execute the on-chain transfer
// authorized by req's payment payload.
func (c *Client) Settle(ctx context.Context, req *types.SettleRequest) (*types.SettleResponse, error) {
	var resp types.SettleResponse
	if err := c.post(ctx, "/settle", req, &resp); err != nil {
		return nil, fmt.Errorf("facilitatorclient: settle: %w", err)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
