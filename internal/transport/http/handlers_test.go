package httptransport

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"veridoc/internal/certify"
	"veridoc/internal/ledger"
	"veridoc/internal/notary"
	"veridoc/internal/platform/middleware"
	"veridoc/internal/presence"
	"veridoc/internal/storage"
)

type stubValidator struct{}

func (stubValidator) ValidateToken(tokenString string) (*middleware.JWTClaims, error) {
	if tokenString != "valid-token" {
		return nil, fmt.Errorf("invalid token")
	}
	return &middleware.JWTClaims{
		UserID:    "user-1",
		SessionID: "auth-session",
		Email:     "alice@example.com",
	}, nil
}

type HandlersSuite struct {
	suite.Suite
	server  *httptest.Server
	ledger  *ledger.Service
	objects *storage.InMemoryStore
}

func TestHandlersSuite(t *testing.T) {
	suite.Run(t, new(HandlersSuite))
}

func (s *HandlersSuite) SetupTest() {
	var err error
	s.ledger, err = ledger.NewService(ledger.NewInMemoryStore())
	s.Require().NoError(err)
	s.objects = storage.NewInMemoryStore()

	keypair, err := notary.GenerateKeypair()
	s.Require().NoError(err)

	certifySvc, err := certify.NewService(s.ledger,
		certify.WithKeypair(keypair),
		certify.WithObjectStore(s.objects),
	)
	s.Require().NoError(err)

	signer := notary.NewSigner(keypair, "veridoc-test", false)
	presenceSvc, err := presence.NewService(
		presence.NewInMemorySessionStore(),
		presence.NewInMemoryOTPStore(),
		s.ledger,
		signer,
	)
	s.Require().NoError(err)

	logger := slog.New(slog.DiscardHandler)
	router := NewRouter(RouterDeps{
		Documents: NewDocumentsHandler(certifySvc, s.ledger, s.objects, 15*time.Minute, logger),
		Sessions:  NewSessionsHandler(presenceSvc, logger),
		Validator: stubValidator{},
		Logger:    logger,
	})
	s.server = httptest.NewServer(router)
	s.T().Cleanup(s.server.Close)
}

func (s *HandlersSuite) do(method, path, token string, body any) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	s.Require().NoError(err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *HandlersSuite) decode(resp *http.Response, v any) {
	defer resp.Body.Close()
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(v))
}

func (s *HandlersSuite) certifyDocument() string {
	resp := s.do(http.MethodPost, "/documents", "valid-token", map[string]any{
		"file_name":      "deed.pdf",
		"content_base64": base64.StdEncoding.EncodeToString([]byte("hello")),
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)

	var out struct {
		DocumentID string `json:"document_id"`
		Success    bool   `json:"success"`
		Buffer     string `json:"certificate_base64"`
	}
	s.decode(resp, &out)
	s.True(out.Success)
	s.NotEmpty(out.Buffer)
	return out.DocumentID
}

func (s *HandlersSuite) TestCertifyAndFetchDocument() {
	id := s.certifyDocument()

	resp := s.do(http.MethodGet, "/documents/"+id, "valid-token", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var out struct {
		Document struct {
			ID      string `json:"id"`
			OwnerID string `json:"owner_id"`
		} `json:"document"`
		State struct {
			Status string `json:"lifecycle_status"`
			Tier   string `json:"protection_tier"`
		} `json:"state"`
	}
	s.decode(resp, &out)
	s.Equal(id, out.Document.ID)
	s.Equal("user-1", out.Document.OwnerID)
	s.Equal("certified", out.State.Status)
	s.Equal("ACTIVE", out.State.Tier)
}

func (s *HandlersSuite) TestDocumentsRequireAuth() {
	resp := s.do(http.MethodPost, "/documents", "", map[string]any{"file_name": "x"})
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *HandlersSuite) TestProtectionPolicyViolationMapsTo400() {
	id := s.certifyDocument()

	resp := s.do(http.MethodPost, "/documents/"+id+"/protection", "valid-token", map[string]any{
		"required_evidence": []string{},
		"anchor_stage":      "initial",
	})
	s.Require().Equal(http.StatusBadRequest, resp.StatusCode)

	var out struct {
		Error string `json:"error"`
	}
	s.decode(resp, &out)
	s.Equal("B1", out.Error)
}

func (s *HandlersSuite) TestAnchorPreconditionMapsTo412() {
	id := s.certifyDocument()

	resp := s.do(http.MethodPost, "/documents/"+id+"/anchors", "valid-token", map[string]any{
		"network":      "polygon",
		"anchor_stage": "initial",
		"step_index":   0,
	})
	defer resp.Body.Close()
	// No anchor provider is wired in this suite, so the network is unknown;
	// wire a provider-level test in the certify package instead. Here we only
	// assert the transport maps the coded error.
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *HandlersSuite) TestCertificateSignedURL() {
	id := s.certifyDocument()

	resp := s.do(http.MethodGet, "/documents/"+id+"/certificate", "valid-token", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var out struct {
		URL       string `json:"url"`
		ExpiresIn int    `json:"expires_in"`
	}
	s.decode(resp, &out)
	s.NotEmpty(out.URL)
	s.Equal(int((15 * time.Minute).Seconds()), out.ExpiresIn)
}

func (s *HandlersSuite) TestSessionLifecycleOverHTTP() {
	id := s.certifyDocument()

	resp := s.do(http.MethodPost, "/sessions", "valid-token", map[string]any{
		"entity_ids": []string{id},
		"participants": []map[string]string{
			{"id": "alice", "email": "alice@example.com", "role": "signer"},
		},
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)

	var opened struct {
		Session struct {
			ID           string `json:"id"`
			SnapshotHash string `json:"snapshot_hash"`
		} `json:"session"`
		Credentials map[string]struct {
			Code  string `json:"code"`
			Token string `json:"token"`
		} `json:"credentials"`
	}
	s.decode(resp, &opened)
	s.Require().NotEmpty(opened.Credentials["alice"].Code)

	// Confirm as a bearer-token participant, no account involved.
	resp = s.do(http.MethodPost, "/sessions/"+opened.Session.ID+"/confirm", "", map[string]any{
		"snapshot_hash":     opened.Session.SnapshotHash,
		"participant":       "alice",
		"participant_token": opened.Credentials["alice"].Token,
		"code":              opened.Credentials["alice"].Code,
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var confirmed struct {
		Attestation struct {
			Method string `json:"method"`
			Hash   string `json:"hash"`
		} `json:"attestation"`
	}
	s.decode(resp, &confirmed)
	s.Equal("participant_token", confirmed.Attestation.Method)
	s.NotEmpty(confirmed.Attestation.Hash)

	resp = s.do(http.MethodPost, "/sessions/"+opened.Session.ID+"/close", "valid-token", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var closed struct {
		Close struct {
			Grade    string `json:"grade"`
			ActaHash string `json:"acta_hash"`
		} `json:"close"`
	}
	s.decode(resp, &closed)
	s.Equal("strong", closed.Close.Grade)
	s.NotEmpty(closed.Close.ActaHash)
}

func (s *HandlersSuite) TestConfirmSnapshotMismatchMapsTo409() {
	id := s.certifyDocument()

	resp := s.do(http.MethodPost, "/sessions", "valid-token", map[string]any{
		"entity_ids": []string{id},
		"participants": []map[string]string{
			{"id": "alice", "email": "alice@example.com", "role": "signer"},
		},
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var opened struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
		Credentials map[string]struct {
			Code string `json:"code"`
		} `json:"credentials"`
	}
	s.decode(resp, &opened)

	resp = s.do(http.MethodPost, "/sessions/"+opened.Session.ID+"/confirm", "valid-token", map[string]any{
		"snapshot_hash": "stale",
		"participant":   "alice",
		"code":          opened.Credentials["alice"].Code,
	})
	defer resp.Body.Close()
	s.Equal(http.StatusConflict, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	ledgerSvc, err := ledger.NewService(ledger.NewInMemoryStore())
	require.NoError(t, err)
	certifySvc, err := certify.NewService(ledgerSvc)
	require.NoError(t, err)
	presenceSvc, err := presence.NewService(
		presence.NewInMemorySessionStore(), presence.NewInMemoryOTPStore(),
		ledgerSvc, notary.NewSigner(nil, "veridoc", false),
	)
	require.NoError(t, err)

	router := NewRouter(RouterDeps{
		Documents: NewDocumentsHandler(certifySvc, ledgerSvc, nil, 0, logger),
		Sessions:  NewSessionsHandler(presenceSvc, logger),
		Validator: stubValidator{},
		Logger:    logger,
	})
	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
