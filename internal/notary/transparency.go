package notary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TransparencyOutcome classifies the publication attempt. The caller always
// proceeds; a transparency failure is advisory evidence, never a blocking
// error.
type TransparencyOutcome string

const (
	TransparencyConfirmed TransparencyOutcome = "confirmed"
	TransparencyFailed    TransparencyOutcome = "failed"
	TransparencyTimeout   TransparencyOutcome = "timeout"
	TransparencyDisabled  TransparencyOutcome = "disabled"
)

// Statement is the minimal, privacy-preserving record published to the log.
// It deliberately carries nothing linkable to the document's content.
type Statement struct {
	ContentHash string    `json:"content_hash"`
	WorkflowID  string    `json:"workflow_id"`
	SignerID    string    `json:"signer_id"`
	IssuedAt    time.Time `json:"issued_at"`
}

// TransparencyResult reports the outcome, with the log's reference id when
// confirmed.
type TransparencyResult struct {
	Outcome TransparencyOutcome `json:"outcome"`
	EntryID string              `json:"entry_id,omitempty"`
	Reason  string              `json:"reason,omitempty"`
}

// Transparency publishes proof statements to an external append-only log
// with a hard deadline.
type Transparency struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTransparency builds the client. An empty URL disables publication.
func NewTransparency(url string, timeout time.Duration, logger *slog.Logger) *Transparency {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Transparency{
		url:        url,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type publishRequest struct {
	Statement Statement `json:"statement"`
	Signature string    `json:"signature,omitempty"`
	PublicKey string    `json:"public_key,omitempty"`
}

type publishResponse struct {
	EntryID string `json:"entry_id"`
}

// Publish sends the statement with its signature to the log. The call aborts
// at the deadline rather than hanging; every outcome is returned as a value.
func (t *Transparency) Publish(ctx context.Context, statement Statement, signature, publicKey string) TransparencyResult {
	if t == nil || t.url == "" {
		return TransparencyResult{Outcome: TransparencyDisabled, Reason: "no transparency log configured"}
	}

	body, err := json.Marshal(publishRequest{
		Statement: statement,
		Signature: signature,
		PublicKey: publicKey,
	})
	if err != nil {
		return TransparencyResult{Outcome: TransparencyFailed, Reason: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return TransparencyResult{Outcome: TransparencyFailed, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		outcome := TransparencyFailed
		if errors.Is(err, context.DeadlineExceeded) || isTimeoutErr(err) {
			outcome = TransparencyTimeout
		}
		t.logger.WarnContext(ctx, "transparency publish degraded",
			"outcome", string(outcome),
			"error", err,
		)
		return TransparencyResult{Outcome: outcome, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TransparencyResult{Outcome: TransparencyFailed, Reason: resp.Status}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return TransparencyResult{Outcome: TransparencyFailed, Reason: err.Error()}
	}
	var parsed publishResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.EntryID == "" {
		return TransparencyResult{Outcome: TransparencyFailed, Reason: "log returned no entry id"}
	}
	return TransparencyResult{Outcome: TransparencyConfirmed, EntryID: parsed.EntryID}
}

func isTimeoutErr(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
