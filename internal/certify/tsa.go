package certify

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TSAOutcome is the typed result of a timestamp request. Failures are
// expected and handled; callers branch on the outcome, never on log strings.
type TSAOutcome string

const (
	TSAConfirmed TSAOutcome = "confirmed"
	TSAFailed    TSAOutcome = "failed"
	TSATimeout   TSAOutcome = "timeout"
	TSADisabled  TSAOutcome = "disabled"
)

// TSAResult carries the token on success and a typed reason otherwise.
type TSAResult struct {
	Outcome   TSAOutcome
	Token     string // base64 DER TimeStampResp
	TSAURL    string
	Algorithm string
	// ServerTime is the authority's HTTP Date header, used to bound clock
	// skew. Zero when unavailable.
	ServerTime time.Time
	Reason     string
}

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	CertReq        bool           `asn1:"optional"`
}

// TSAClient requests RFC 3161 timestamp tokens over HTTP.
type TSAClient struct {
	url        string
	httpClient *http.Client
}

// NewTSAClient builds a client with a bounded per-request timeout. An empty
// URL disables the authority; Request then reports TSADisabled.
func NewTSAClient(url string, timeout time.Duration) *TSAClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &TSAClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Request asks the authority to witness hashHex. It never returns an error:
// degradation is an observable outcome, and the caller falls back to the
// local clock.
func (c *TSAClient) Request(ctx context.Context, hashHex string) TSAResult {
	if c == nil || c.url == "" {
		return TSAResult{Outcome: TSADisabled, Reason: "no timestamp authority configured"}
	}

	reqDER, err := buildTimeStampRequest(hashHex)
	if err != nil {
		return TSAResult{Outcome: TSAFailed, TSAURL: c.url, Reason: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqDER))
	if err != nil {
		return TSAResult{Outcome: TSAFailed, TSAURL: c.url, Reason: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		outcome := TSAFailed
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			outcome = TSATimeout
		}
		return TSAResult{Outcome: outcome, TSAURL: c.url, Reason: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TSAResult{Outcome: TSAFailed, TSAURL: c.url, Reason: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return TSAResult{Outcome: TSAFailed, TSAURL: c.url, Reason: fmt.Sprintf("tsa_http_status_%d", resp.StatusCode)}
	}
	if len(body) == 0 {
		return TSAResult{Outcome: TSAFailed, TSAURL: c.url, Reason: "tsa_empty_response"}
	}

	result := TSAResult{
		Outcome:   TSAConfirmed,
		Token:     base64.StdEncoding.EncodeToString(body),
		TSAURL:    c.url,
		Algorithm: "SHA-256",
	}
	if date := resp.Header.Get("Date"); date != "" {
		if serverTime, err := http.ParseTime(date); err == nil {
			result.ServerTime = serverTime
		}
	}
	return result
}

func buildTimeStampRequest(hashHex string) ([]byte, error) {
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, fmt.Errorf("invalid target hash: %w", err)
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("invalid target hash length: %d", len(digest))
	}
	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm: oidSHA256,
				Parameters: asn1.RawValue{
					Class: asn1.ClassUniversal,
					Tag:   asn1.TagNull,
				},
			},
			HashedMessage: digest,
		},
		CertReq: true,
	}
	return asn1.Marshal(req)
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
