package certify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Anchor job states reported by providers.
const (
	AnchorStatePending   = "pending"
	AnchorStateConfirmed = "confirmed"
	AnchorStateFailed    = "failed"
)

// Provider submits witness hashes to one blockchain network and reports on
// submitted jobs. Implementations talk to external anchoring gateways; the
// pipeline never speaks a chain protocol directly.
type Provider interface {
	Network() string
	Submit(ctx context.Context, witnessHash string, metadata map[string]string) (jobID string, err error)
	Status(ctx context.Context, jobID string) (AnchorStatus, error)
}

// AnchorStatus is a provider's view of one submitted job.
type AnchorStatus struct {
	State  string `json:"state"`
	TxID   string `json:"tx_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// HTTPProvider anchors through a gateway exposing POST /anchors and
// GET /anchors/{id}. Both the polygon and bitcoin gateways share this shape.
type HTTPProvider struct {
	network    string
	baseURL    string
	httpClient *http.Client
}

func NewHTTPProvider(network, baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		network:    network,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Network() string { return p.network }

func (p *HTTPProvider) Submit(ctx context.Context, witnessHash string, metadata map[string]string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"hash":     witnessHash,
		"network":  p.network,
		"metadata": metadata,
	})
	if err != nil {
		return "", fmt.Errorf("encode anchor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/anchors", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit anchor to %s: %w", p.network, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("anchor gateway %s returned status %d", p.network, resp.StatusCode)
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode anchor response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("anchor gateway %s returned no job id", p.network)
	}
	return out.JobID, nil
}

func (p *HTTPProvider) Status(ctx context.Context, jobID string) (AnchorStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/anchors/"+jobID, nil)
	if err != nil {
		return AnchorStatus{}, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return AnchorStatus{}, fmt.Errorf("poll anchor %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AnchorStatus{}, fmt.Errorf("anchor gateway %s returned status %d", p.network, resp.StatusCode)
	}

	var status AnchorStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return AnchorStatus{}, fmt.Errorf("decode anchor status: %w", err)
	}
	return status, nil
}
