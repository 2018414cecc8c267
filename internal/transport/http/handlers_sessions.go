package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"veridoc/internal/platform/middleware"
	"veridoc/internal/presence"
	"veridoc/internal/transport/http/shared"
	dErrors "veridoc/pkg/domain-errors"
)

// SessionsHandler serves the presence attestation endpoints.
type SessionsHandler struct {
	presence *presence.Service
	logger   *slog.Logger
}

func NewSessionsHandler(presenceSvc *presence.Service, logger *slog.Logger) *SessionsHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SessionsHandler{presence: presenceSvc, logger: logger}
}

// Register mounts the session routes.
func (h *SessionsHandler) Register(r chi.Router) {
	r.Post("/sessions", h.openSession)
	r.Get("/sessions/{id}", h.getSession)
	r.Post("/sessions/{id}/confirm", h.confirm)
	r.Post("/sessions/{id}/close", h.closeSession)
	r.Delete("/sessions/{id}/participants/{participant}/token", h.revokeToken)
}

type openSessionBody struct {
	EntityIDs    []string               `json:"entity_ids"`
	Participants []presence.Participant `json:"participants"`
}

type openSessionResponse struct {
	Session *presence.Session `json:"session"`
	// Credentials are returned exactly once for out-of-band delivery.
	Credentials map[string]presence.Credentials `json:"credentials"`
}

func (h *SessionsHandler) openSession(w http.ResponseWriter, r *http.Request) {
	if middleware.GetUserID(r.Context()) == "" {
		shared.WriteError(w, dErrors.New(dErrors.CodeForbidden, "authentication required to open a session"))
		return
	}

	var body openSessionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	opened, err := h.presence.Open(r.Context(), presence.OpenRequest{
		EntityIDs:    body.EntityIDs,
		Participants: body.Participants,
	})
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusCreated, openSessionResponse{
		Session:     opened.Session,
		Credentials: opened.Credentials,
	})
}

func (h *SessionsHandler) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.presence.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"session": session})
}

type confirmBody struct {
	SnapshotHash string `json:"snapshot_hash"`
	Participant  string `json:"participant"`
	Token        string `json:"participant_token,omitempty"`
	Code         string `json:"code"`
}

func (h *SessionsHandler) confirm(w http.ResponseWriter, r *http.Request) {
	var body confirmBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	device := middleware.GetDevice(r.Context())
	att, err := h.presence.Confirm(r.Context(), presence.ConfirmRequest{
		SessionID:    chi.URLParam(r, "id"),
		SnapshotHash: body.SnapshotHash,
		Participant:  body.Participant,
		Email:        middleware.GetEmail(r.Context()),
		Token:        body.Token,
		Code:         body.Code,
		Device: &presence.Device{
			Browser:  device.Browser,
			OS:       device.OS,
			Mobile:   device.Mobile,
			RemoteIP: device.RemoteIP,
		},
	})
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"attestation": att})
}

func (h *SessionsHandler) closeSession(w http.ResponseWriter, r *http.Request) {
	if middleware.GetUserID(r.Context()) == "" {
		shared.WriteError(w, dErrors.New(dErrors.CodeForbidden, "authentication required to close a session"))
		return
	}

	result, err := h.presence.CloseSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"close": result})
}

func (h *SessionsHandler) revokeToken(w http.ResponseWriter, r *http.Request) {
	if middleware.GetUserID(r.Context()) == "" {
		shared.WriteError(w, dErrors.New(dErrors.CodeForbidden, "authentication required to revoke a token"))
		return
	}

	err := h.presence.RevokeToken(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "participant"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
