// Package api exposes the session status, pairing QR and document delivery
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"invoicewa/internal/delivery"
	"invoicewa/internal/journal"
	"invoicewa/internal/logging"
	"invoicewa/internal/session"
)

// StatusProvider renders session status for callers.
type StatusProvider interface {
	Status() session.StatusView
	QR(format session.QRFormat) (session.QRView, error)
}

// Controller is the supervisor surface the API drives.
type Controller interface {
	Restart(ctx context.Context) error
	Subscribe() (<-chan session.State, func())
}

// DocumentSender delivers documents.
type DocumentSender interface {
	SendDocument(ctx context.Context, req delivery.Request) (delivery.Receipt, error)
}

// DeliveryLister lists journaled deliveries.
type DeliveryLister interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SendDocumentRequest is the send-document body. Content is base64 in JSON.
type SendDocumentRequest struct {
	Destination string `json:"destination"`
	FilePath    string `json:"filePath,omitempty"`
	Content     []byte `json:"content,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	Caption     string `json:"caption,omitempty"`
	Temporary   bool   `json:"temporary,omitempty"`
}

// Deps wires the handler. Deliveries and Metrics are optional.
type Deps struct {
	Status         StatusProvider
	Control        Controller
	Sender         DocumentSender
	Deliveries     DeliveryLister
	Metrics        http.Handler
	MaxInlineBytes int64
}

// Handler routes REST API requests to the session components.
type Handler struct {
	deps   Deps
	logger *zap.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps:    deps,
		logger:  logging.Get(logging.CategoryAPI),
		closing: make(chan struct{}),
	}
}

// NewRouter returns a router with the standard middleware and all routes.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	h.Mount(r)
	return r
}

// Mount registers all API routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.healthz)
	if h.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.deps.Metrics)
	}
	r.Route("/api/whatsapp", func(r chi.Router) {
		r.Get("/status", h.getStatus)
		r.Get("/qr", h.getQR)
		r.Post("/restart", h.restart)
		r.Post("/send-document", h.sendDocument)
		r.Get("/deliveries", h.listDeliveries)
		r.Get("/deliveries/summary", h.deliverySummary)
		r.Get("/events", h.statusEvents)
	})
}

// Close ends open event streams.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"phase":  h.deps.Status.Status().Phase,
	})
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Status.Status())
}

func (h *Handler) getQR(w http.ResponseWriter, r *http.Request) {
	view, err := h.deps.Status.QR(session.ParseQRFormat(r.URL.Query().Get("format")))
	if err != nil {
		h.logger.Error("QR rendering failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to render QR code", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) restart(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Control.Restart(r.Context()); err != nil {
		if errors.Is(err, session.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, "session supervisor stopped", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "restart failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (h *Handler) sendDocument(w http.ResponseWriter, r *http.Request) {
	if limit := h.bodyLimit(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	var req SendDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Destination == "" {
		writeError(w, http.StatusBadRequest, "destination is required", "")
		return
	}

	receipt, err := h.deps.Sender.SendDocument(r.Context(), delivery.Request{
		Destination: req.Destination,
		FilePath:    req.FilePath,
		Content:     req.Content,
		FileName:    req.FileName,
		Caption:     req.Caption,
		Temporary:   req.Temporary,
	})
	if err != nil {
		code, message := sendErrorStatus(err)
		writeError(w, code, message, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000", "")
			return
		}
		limit = n
	}

	entries := []journal.Entry{}
	if h.deps.Deliveries != nil {
		recent, err := h.deps.Deliveries.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list deliveries", err.Error())
			return
		}
		if recent != nil {
			entries = recent
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": entries})
}

func (h *Handler) deliverySummary(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	if h.deps.Deliveries != nil {
		got, err := h.deps.Deliveries.CountByStatus(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to summarize deliveries", err.Error())
			return
		}
		for status, n := range got {
			counts[status] = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

// bodyLimit leaves room for base64 expansion of the inline limit.
func (h *Handler) bodyLimit() int64 {
	if h.deps.MaxInlineBytes <= 0 {
		return 0
	}
	return h.deps.MaxInlineBytes*4/3 + 64<<10
}

func sendErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotReady):
		return http.StatusServiceUnavailable, "WhatsApp session is not ready"
	case errors.Is(err, session.ErrInvalidDestination):
		return http.StatusBadRequest, "invalid destination"
	case errors.Is(err, delivery.ErrNoDocument):
		return http.StatusBadRequest, "no document supplied"
	case errors.Is(err, delivery.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "document too large"
	case errors.Is(err, session.ErrFileNotFound):
		return http.StatusNotFound, "document file not found"
	case errors.Is(err, session.ErrTransport):
		return http.StatusBadGateway, "WhatsApp delivery failed"
	}
	return http.StatusInternalServerError, "delivery failed"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	_ = json.NewEncoder(w).Encode(resp)
}
