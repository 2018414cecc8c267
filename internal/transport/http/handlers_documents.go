package httptransport

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"veridoc/internal/certify"
	"veridoc/internal/ledger"
	"veridoc/internal/ledger/event"
	"veridoc/internal/platform/middleware"
	"veridoc/internal/storage"
	"veridoc/internal/transport/http/shared"
	dErrors "veridoc/pkg/domain-errors"
	strutil "veridoc/pkg/platform/strings"
)

// DocumentsHandler serves the certification and ledger endpoints.
type DocumentsHandler struct {
	certify      *certify.Service
	ledger       *ledger.Service
	objects      storage.ObjectStore
	signedURLTTL time.Duration
	logger       *slog.Logger
}

func NewDocumentsHandler(certifySvc *certify.Service, ledgerSvc *ledger.Service, objects storage.ObjectStore, signedURLTTL time.Duration, logger *slog.Logger) *DocumentsHandler {
	if signedURLTTL <= 0 {
		signedURLTTL = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DocumentsHandler{
		certify:      certifySvc,
		ledger:       ledgerSvc,
		objects:      objects,
		signedURLTTL: signedURLTTL,
		logger:       logger,
	}
}

// Register mounts the document routes.
func (h *DocumentsHandler) Register(r chi.Router) {
	r.Post("/documents", h.certifyDocument)
	r.Get("/documents/{id}", h.getDocument)
	r.Get("/documents/{id}/events", h.listEvents)
	r.Get("/documents/{id}/certificate", h.certificateURL)
	r.Post("/documents/{id}/protection", h.requestProtection)
	r.Post("/documents/{id}/anchors", h.submitAnchor)
}

type certifyRequestBody struct {
	FileName      string            `json:"file_name"`
	ContentType   string            `json:"content_type,omitempty"`
	ContentBase64 string            `json:"content_base64"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type certifyResponse struct {
	DocumentID  string              `json:"document_id"`
	Success     bool                `json:"success"`
	Certificate certify.Certificate `json:"certificate"`
	Buffer      string              `json:"certificate_base64"`
	StoragePath string              `json:"storage_path,omitempty"`
}

func (h *DocumentsHandler) certifyDocument(w http.ResponseWriter, r *http.Request) {
	var body certifyRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	content, err := base64.StdEncoding.DecodeString(body.ContentBase64)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "content_base64 is not valid base64"))
		return
	}

	result, err := h.certify.Certify(r.Context(), certify.CertifyRequest{
		OwnerID:     middleware.GetUserID(r.Context()),
		FileName:    body.FileName,
		ContentType: body.ContentType,
		Bytes:       content,
		Metadata:    body.Metadata,
	})
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusCreated, certifyResponse{
		DocumentID:  result.Document.ID,
		Success:     true,
		Certificate: result.Certificate,
		Buffer:      base64.StdEncoding.EncodeToString(result.Buffer),
		StoragePath: result.StoragePath,
	})
}

type documentResponse struct {
	Document *ledger.DocumentEntity `json:"document"`
	State    ledger.DerivedState    `json:"state"`
}

func (h *DocumentsHandler) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, state, _, err := h.ledger.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, documentResponse{Document: doc, State: state})
}

func (h *DocumentsHandler) listEvents(w http.ResponseWriter, r *http.Request) {
	_, _, events, err := h.ledger.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *DocumentsHandler) certificateURL(w http.ResponseWriter, r *http.Request) {
	doc, _, _, err := h.ledger.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	path := doc.Metadata["artifact_path"]
	if path == "" || h.objects == nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no stored certificate for document"))
		return
	}
	url, err := h.objects.SignedURL(r.Context(), path, h.signedURLTTL)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": int(h.signedURLTTL.Seconds()),
	})
}

type protectionRequestBody struct {
	RequiredEvidence []string `json:"required_evidence"`
	AnchorStage      string   `json:"anchor_stage"`
	PolicyOverride   string   `json:"policy_override,omitempty"`
}

func (h *DocumentsHandler) requestProtection(w http.ResponseWriter, r *http.Request) {
	var body protectionRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	appended, err := h.ledger.Append(r.Context(), chi.URLParam(r, "id"), event.Event{
		Kind:  event.KindProtectionRequested,
		Actor: middleware.GetUserID(r.Context()),
		Payload: event.ProtectionRequest{
			RequiredEvidence: strutil.DedupeAndTrim(body.RequiredEvidence),
			AnchorStage:      event.Stage(body.AnchorStage),
			PolicyOverride:   body.PolicyOverride,
		},
	}, "api")
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusCreated, map[string]any{"event": appended})
}

type anchorRequestBody struct {
	Network   string `json:"network"`
	Stage     string `json:"anchor_stage"`
	StepIndex int    `json:"step_index"`
}

func (h *DocumentsHandler) submitAnchor(w http.ResponseWriter, r *http.Request) {
	var body anchorRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	err := h.certify.SubmitAnchor(r.Context(), chi.URLParam(r, "id"), body.Network, event.Stage(body.Stage), body.StepIndex)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "submitted"})
}
