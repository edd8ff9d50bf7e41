// Package semaphore is the REST client for the external identity-proof
// verifier. The verifier checks a zero-knowledge group-membership proof and
// guarantees each identity yields at most one nullifier per (scope, signal)
// pair; this client only relays the proof and maps the verdict.
package semaphore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wafflebay/marketd/internal/domain"
)

// Client is the HTTP client for the verifier service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a verifier client. baseURL is the service root, e.g.
// "https://verifier.internal:8443". apiKey may be empty when the verifier
// does not require authentication.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type verifyRequest struct {
	Root                  string `json:"root"`
	GroupID               uint64 `json:"group_id"`
	SignalHash            string `json:"signal_hash"`
	NullifierHash         string `json:"nullifier_hash"`
	ExternalNullifierHash string `json:"external_nullifier_hash"`
	Proof                 string `json:"proof"` // hex-encoded
}

type verifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Verify submits the proof and returns nil only if the verifier accepts it.
// A rejection maps to domain.ErrVerificationFailed; transport errors are
// returned as-is so callers can distinguish an invalid proof from an
// unreachable verifier.
func (c *Client) Verify(ctx context.Context, proof domain.IdentityProof) error {
	reqBody := verifyRequest{
		Root:                  proof.Root.Hex(),
		GroupID:               proof.GroupID,
		SignalHash:            proof.SignalHash.Hex(),
		NullifierHash:         proof.NullifierHash.Hex(),
		ExternalNullifierHash: proof.ExternalNullifierHash.Hex(),
		Proof:                 fmt.Sprintf("0x%x", proof.Proof),
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("semaphore: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/verify", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("semaphore: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("semaphore: verify request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("semaphore: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("semaphore: verifier returned %d: %s: %w",
			resp.StatusCode, bytes.TrimSpace(body), domain.ErrVerificationFailed)
	}

	var out verifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("semaphore: decode response: %w", err)
	}
	if !out.Valid {
		if out.Error != "" {
			return fmt.Errorf("semaphore: %s: %w", out.Error, domain.ErrVerificationFailed)
		}
		return fmt.Errorf("semaphore: proof rejected: %w", domain.ErrVerificationFailed)
	}
	return nil
}

// Compile-time interface check.
var _ domain.IdentityVerifier = (*Client)(nil)
