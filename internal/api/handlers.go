package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/session"
	"chatbridge/internal/transport"

	"github.com/google/uuid"
)

// flexString accepts a JSON string or number. Telegram api ids are often
// sent as numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type createSessionRequest struct {
	SessionID   string     `json:"sessionId"`
	AccountID   string     `json:"accountId"`
	AuthMethod  string     `json:"authMethod"`
	PhoneNumber string     `json:"phoneNumber"`
	APIID       flexString `json:"apiId"`
	APIHash     string     `json:"apiHash"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, reg *session.Registry) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": reg.List()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, reg *session.Registry) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := reg.Create(r.Context(), session.CreateRequest{
		SessionID: strings.TrimSpace(req.SessionID),
		AccountID: strings.TrimSpace(req.AccountID),
		Auth: transport.AuthParams{
			Method:      domain.AuthMethod(req.AuthMethod),
			PhoneNumber: req.PhoneNumber,
			APIID:       string(req.APIID),
			APIHash:     req.APIHash,
		},
	})
	if err != nil {
		s.fail(w, "create session", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":              true,
		"sessionId":            res.SessionID,
		"requiresVerification": res.RequiresVerification,
		"challenge":            res.Challenge,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, reg *session.Registry) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if err := reg.Verify(r.Context(), r.PathValue("id"), strings.TrimSpace(req.Code)); err != nil {
		s.fail(w, "verify session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, reg *session.Registry) {
	var req struct {
		ChatID  string `json:"chatId"`
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ChatID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "chatId and message are required")
		return
	}
	h, err := reg.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, "send message", err)
		return
	}
	msgID, err := h.Send(r.Context(), req.ChatID, req.Message)
	if err != nil {
		s.fail(w, "send message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messageId": msgID})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, reg *session.Registry) {
	writeJSON(w, http.StatusOK, reg.Delete(r.Context(), r.PathValue("id")))
}

// --- accounts and credentials ---

// account writes a 404 and returns false when the path account is unknown.
func (s *Server) account(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("accountId")
	if _, err := s.accounts.GetAccount(r.Context(), id); err != nil {
		s.fail(w, "get account", err)
		return "", false
	}
	return id, true
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := s.account(w, r)
	if !ok {
		return
	}
	rec, err := s.accounts.GetCredential(r.Context(), id)
	if err != nil {
		s.fail(w, "get credential", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"accountId": id,
		"apiKey":    rec.APIKey,
		"createdAt": rec.CreatedAt,
	})
}

func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"apiKey"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "apiKey is required")
		return
	}
	id, ok := s.account(w, r)
	if !ok {
		return
	}
	if err := s.accounts.PutCredential(r.Context(), domain.CredentialRecord{
		AccountID: id, APIKey: strings.TrimSpace(req.APIKey),
	}); err != nil {
		s.fail(w, "put credential", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "accountId": id})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := s.account(w, r)
	if !ok {
		return
	}
	if err := s.accounts.DeleteCredential(r.Context(), id); err != nil {
		s.fail(w, "delete credential", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "accountId": id})
}

func (s *Server) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.account(w, r)
	if !ok {
		return
	}
	resp := map[string]any{"success": true, "accountId": id, "hasCredential": false, "createdAt": nil}
	rec, err := s.accounts.GetCredential(r.Context(), id)
	switch {
	case err == nil:
		resp["hasCredential"] = true
		resp["createdAt"] = rec.CreatedAt
	case !errors.Is(err, domain.ErrNotFound):
		s.fail(w, "credential status", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier string `json:"tier"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	acc := domain.Account{ID: uuid.NewString(), Tier: req.Tier, CreatedAt: time.Now().UTC()}
	if err := s.accounts.CreateAccount(r.Context(), acc); err != nil {
		s.fail(w, "create account", err)
		return
	}
	s.logger.Info("account created", "account_id", acc.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "accountId": acc.ID})
}

// --- processing ---

type processRequest struct {
	AccountID string `json:"accountId"`
	// Prefix is an optional rendered conversation context.
	Prefix string `json:"contextPrompt"`
	domain.Bundle
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "accountId is required")
		return
	}
	if req.Bundle.Empty() {
		writeError(w, http.StatusBadRequest, "at least one of texts, images, audios, videos, stickers or documents is required")
		return
	}
	res := s.processor.Process(r.Context(), req.AccountID, req.Bundle, req.Prefix)
	status := http.StatusOK
	if !res.Succeeded() {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}
