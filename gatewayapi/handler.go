// Package gatewayapi exposes the inbound control operations of the
// fan-out core as an http.Handler: connect, subscribe, disconnect, and
// publish. The gateway layer in front of it owns the transport handshake
// and framing; this surface only manages registry state and triggers
// fan-outs.
package gatewayapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/fanout"
	"github.com/sessioncast/sessioncast/internal/jwtauth"
	"github.com/sessioncast/sessioncast/internal/logctx"
	"github.com/sessioncast/sessioncast/registry"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

const maxBodyBytes = 1 << 20

// Handler implements the gateway control surface.
type Handler struct {
	mux  *http.ServeMux
	log  *slog.Logger
	reg  *registry.Registry
	pub  *fanout.Publisher
	auth jwtauth.Authenticator
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger used by the handler. If not provided,
// logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithAuthenticator enables bearer-token identity extraction. When set,
// a request carrying an Authorization header must present a valid token,
// and the token subject becomes the user id for subscribe and publish.
func WithAuthenticator(a jwtauth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// New creates the control surface for reg and pub.
func New(reg *registry.Registry, pub *fanout.Publisher, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	h := &Handler{
		reg: reg,
		pub: pub,
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /connections", h.handleConnect)
	mux.HandleFunc("POST /connections/{id}/subscription", h.handleSubscribe)
	mux.HandleFunc("DELETE /connections/{id}", h.handleDisconnect)
	mux.HandleFunc("POST /messages", h.handlePublish)
	h.mux = mux

	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

type connectRequest struct {
	ConnectionID string `json:"connectionId"`
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.ConnectionID == "" {
		h.writeError(w, http.StatusBadRequest, "connectionId is required")
		return
	}

	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{ConnectionID: req.ConnectionID})
	rec, err := h.reg.Connect(ctx, req.ConnectionID)
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "connected",
		"connectionId": rec.ConnectionID,
	})
}

type subscribeRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	connectionID := r.PathValue("id")

	var req subscribeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	userID, ok := h.resolveUserID(w, r, req.UserID)
	if !ok {
		return
	}

	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{ConnectionID: connectionID})
	rec, err := h.reg.Subscribe(ctx, connectionID, req.SessionID, userID)
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "subscribed",
		"sessionId": rec.SessionID,
	})
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	connectionID := r.PathValue("id")

	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{ConnectionID: connectionID})
	if err := h.reg.Disconnect(ctx, connectionID); err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"status": "disconnected"})
}

type publishRequest struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	userID, ok := h.resolveUserID(w, r, req.UserID)
	if !ok {
		return
	}

	report, err := h.pub.Publish(r.Context(), sessioncast.Message{
		SessionID: req.SessionID,
		UserID:    userID,
		Payload:   req.Payload,
	})
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// resolveUserID determines the effective user id for an operation. When
// an authenticator is configured and the request carries a bearer token,
// the validated subject wins over any client-supplied user id.
func (h *Handler) resolveUserID(w http.ResponseWriter, r *http.Request, bodyUserID string) (string, bool) {
	authz := r.Header.Get("Authorization")
	if h.auth == nil || authz == "" {
		return bodyUserID, true
	}

	tok, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "malformed authorization header")
		return "", false
	}

	ui, err := h.auth.CheckAuthentication(r.Context(), strings.TrimSpace(tok))
	if err != nil {
		h.log.WarnContext(r.Context(), "token rejected", slog.String("error", err.Error()))
		h.writeError(w, http.StatusUnauthorized, "invalid access token")
		return "", false
	}
	return ui.UserID(), true
}

// decodeJSON enforces an application/json body and decodes it into dst.
// It writes the error response and returns false on failure.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.EqualsMIME(jsonMediaType) {
		h.writeError(w, http.StatusUnsupportedMediaType, "request body must be application/json")
		return false
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// writeDomainError maps the core error taxonomy onto HTTP statuses.
// Client-input rejections map to 4xx; infrastructure failures map to
// 503 so callers know a retry may succeed.
func (h *Handler) writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	h.log.DebugContext(ctx, "request rejected", slog.String("error", err.Error()))
	switch {
	case errors.Is(err, sessioncast.ErrInvalidSessionID):
		h.writeError(w, http.StatusBadRequest, "sessionId must be 10-50 lowercase letters, digits or hyphens")
	case errors.Is(err, sessioncast.ErrMissingSessionID):
		h.writeError(w, http.StatusBadRequest, "sessionId is required")
	case errors.Is(err, sessioncast.ErrUnknownConnection):
		h.writeError(w, http.StatusNotFound, "unknown connection")
	case errors.Is(err, sessioncast.ErrDuplicateConnection):
		h.writeError(w, http.StatusConflict, "connection already registered with an active session")
	case errors.Is(err, sessioncast.ErrStoreUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "connection store unavailable, retry later")
	default:
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Compile-time interface check
var _ http.Handler = (*Handler)(nil)
