// Package uibridge exposes a running session to a local UI over HTTP and a
// WebSocket notification stream.
package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mcdev12/pizzaday/go/internal/bill"
	"github.com/mcdev12/pizzaday/go/internal/ledger"
	"github.com/mcdev12/pizzaday/go/internal/models"
	"github.com/mcdev12/pizzaday/go/internal/session"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Session is the part of session.Coordinator the bridge drives.
type Session interface {
	View(ctx context.Context) (session.View, error)
	Bill(ctx context.Context) (bill.Bill, error)
	AddUnit(ctx context.Context, item int) error
	RemoveUnit(ctx context.Context, item int) error
	RemoveUnitFor(ctx context.Context, item int, identity string) error
	RequestRefresh(ctx context.Context) error
	SetVisibility(ctx context.Context, visible bool) error
	Leave(ctx context.Context) error
	AdjustUnits(ctx context.Context, item int, identity string, delta int) error
	RemoveItem(ctx context.Context, i int) error
	SetDivision(ctx context.Context, policy models.DivisionPolicy) error
	TransferHost(ctx context.Context, identity string) error
	EndSession(ctx context.Context) error
	Subscribe() (<-chan session.Notification, func())
}

// Config holds the bridge settings.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
}

// DefaultConfig returns the default bridge settings.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      64,
	}
}

func (c Config) origins() []string {
	if len(c.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return c.AllowedOrigins
}

func (c Config) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// UnitsRequest is the body of POST /api/session/units.
type UnitsRequest struct {
	Item int    `json:"item"`
	Op   string `json:"op"` // add or remove
	// Identity selects whose unit to remove; empty means the local participant.
	Identity string `json:"identity,omitempty"`
}

// VisibilityRequest is the body of POST /api/session/visibility.
type VisibilityRequest struct {
	Visible bool `json:"visible"`
}

// AdjustRequest is the body of POST /api/session/adjust.
type AdjustRequest struct {
	Item     int    `json:"item"`
	Identity string `json:"identity"`
	Delta    int    `json:"delta"`
}

// ItemRequest is the body of POST /api/session/items/remove.
type ItemRequest struct {
	Item int `json:"item"`
}

// DivisionRequest is the body of POST /api/session/division.
type DivisionRequest struct {
	Division models.DivisionPolicy `json:"division"`
}

// HostRequest is the body of POST /api/session/host.
type HostRequest struct {
	Identity string `json:"identity"`
}

// Handler serves the session API.
type Handler struct {
	session Session
	hub     *Hub
}

// NewHandler creates a handler over s whose WebSocket clients are served by
// hub.
func NewHandler(s Session, hub *Hub) *Handler {
	return &Handler{session: s, hub: hub}
}

// RegisterRoutes registers the session routes with mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/session", h.HandleGetSession)
	mux.HandleFunc("POST /api/session/units", h.HandleUnits)
	mux.HandleFunc("POST /api/session/refresh", h.HandleRefresh)
	mux.HandleFunc("POST /api/session/visibility", h.HandleVisibility)
	mux.HandleFunc("POST /api/session/leave", h.HandleLeave)
	mux.HandleFunc("GET /api/session/bill", h.HandleBill)

	// Host only; the session answers ErrPermissionDenied for guests.
	mux.HandleFunc("POST /api/session/adjust", h.HandleAdjust)
	mux.HandleFunc("POST /api/session/items/remove", h.HandleRemoveItem)
	mux.HandleFunc("POST /api/session/division", h.HandleDivision)
	mux.HandleFunc("POST /api/session/host", h.HandleTransferHost)
	mux.HandleFunc("POST /api/session/end", h.HandleEnd)

	mux.HandleFunc("GET /ws/session", h.hub.ServeWS)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

// HandleGetSession handles GET /api/session.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.session.View(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleUnits handles POST /api/session/units.
func (h *Handler) HandleUnits(w http.ResponseWriter, r *http.Request) {
	var req UnitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Op {
	case "add":
		err = h.session.AddUnit(r.Context(), req.Item)
	case "remove":
		if req.Identity == "" {
			err = h.session.RemoveUnit(r.Context(), req.Item)
		} else {
			err = h.session.RemoveUnitFor(r.Context(), req.Item, req.Identity)
		}
	default:
		http.Error(w, "op must be add or remove", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	h.HandleGetSession(w, r)
}

// HandleRefresh handles POST /api/session/refresh.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.session.RequestRefresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleVisibility handles POST /api/session/visibility.
func (h *Handler) HandleVisibility(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.session.SetVisibility(r.Context(), req.Visible); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleLeave handles POST /api/session/leave.
func (h *Handler) HandleLeave(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Leave(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBill handles GET /api/session/bill.
func (h *Handler) HandleBill(w http.ResponseWriter, r *http.Request) {
	b, err := h.session.Bill(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// HandleAdjust handles POST /api/session/adjust.
func (h *Handler) HandleAdjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == "" || req.Delta == 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.session.AdjustUnits(r.Context(), req.Item, req.Identity, req.Delta); err != nil {
		writeError(w, err)
		return
	}
	h.HandleGetSession(w, r)
}

// HandleRemoveItem handles POST /api/session/items/remove.
func (h *Handler) HandleRemoveItem(w http.ResponseWriter, r *http.Request) {
	var req ItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.session.RemoveItem(r.Context(), req.Item); err != nil {
		writeError(w, err)
		return
	}
	h.HandleGetSession(w, r)
}

// HandleDivision handles POST /api/session/division.
func (h *Handler) HandleDivision(w http.ResponseWriter, r *http.Request) {
	var req DivisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.session.SetDivision(r.Context(), req.Division); err != nil {
		writeError(w, err)
		return
	}
	h.HandleGetSession(w, r)
}

// HandleTransferHost handles POST /api/session/host.
func (h *Handler) HandleTransferHost(w http.ResponseWriter, r *http.Request) {
	var req HostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.session.TransferHost(r.Context(), req.Identity); err != nil {
		writeError(w, err)
		return
	}
	h.HandleGetSession(w, r)
}

// HandleEnd handles POST /api/session/end.
func (h *Handler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	if err := h.session.EndSession(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NewServer builds the bridge HTTP server: CORS around the routes, served
// over h2c so the UI may use HTTP/2 without TLS.
func NewServer(addr string, s Session, hub *Hub, config Config) *http.Server {
	mux := http.NewServeMux()
	NewHandler(s, hub).RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedOrigins: config.origins(),
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps session errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrExhausted), errors.Is(err, ledger.ErrNothingToRemove):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrUnknownItem), errors.Is(err, session.ErrUnknownParticipant),
		errors.Is(err, models.ErrInvalidSettings), errors.Is(err, ledger.ErrOverallocated):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrSessionEnded), errors.Is(err, session.ErrRoomInactive),
		errors.Is(err, session.ErrLeft), errors.Is(err, session.ErrJoinRejected),
		errors.Is(err, session.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("session request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
