package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-collab-sync/auth"
	"github.com/alimasry/go-collab-sync/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const joinTimeout = 10 * time.Second

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	// Verifier guards /ws. Nil accepts anonymous connections.
	Verifier *auth.Verifier
	// Issuer enables the development token endpoint when set.
	Issuer *auth.Issuer
	Logger *slog.Logger
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(hub *Hub, opts HandlerOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &handler{hub: hub, opts: opts, logger: opts.Logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/ws/{name}", h.serveWS).Methods(http.MethodGet)
	if opts.Issuer != nil {
		r.HandleFunc("/token", h.token).Methods(http.MethodPost)
	}
	return r
}

type handler struct {
	hub    *Hub
	opts   HandlerOptions
	logger *slog.Logger
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var subject string
	if h.opts.Verifier != nil {
		claims, err := h.opts.Verifier.Verify(bearerToken(r))
		if err != nil {
			h.logger.Info("handler: rejected connection", "doc", name, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		subject = claims.Subject
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("handler: websocket upgrade error", "error", err)
		return
	}
	client := newClient(conn, subject, h.logger)

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := h.hub.Join(ctx, client, name); err != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, protocol.Message{
			Type:    protocol.MsgError,
			Message: "failed to load document",
		}.Encode())
		conn.Close()
		return
	}
	go client.WritePump()
	go client.ReadPump()
}

type tokenRequest struct {
	Subject string `json:"subject"`
}

func (h *handler) token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tok, err := h.opts.Issuer.Issue(req.Subject)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tok)
}

func bearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}
