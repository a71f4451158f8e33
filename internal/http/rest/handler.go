package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/phototransfer/internal/connection"
	"github.com/italolelis/phototransfer/internal/logctx"
	"github.com/italolelis/phototransfer/internal/media"
	"github.com/italolelis/phototransfer/internal/storage"
	"github.com/italolelis/phototransfer/internal/transfer"
	"github.com/italolelis/phototransfer/internal/transport"
)

// Connections is the connection coordinator as seen by the API.
type Connections interface {
	State() connection.State
	Devices() []connection.Device
	ConnectedEndpoints() []string
	StartAdvertising(ctx context.Context, localName string) (<-chan connection.LifecycleEvent, error)
	StopAdvertising()
	StartDiscovery(ctx context.Context) (<-chan connection.DiscoveryEvent, error)
	StopDiscovery()
	RequestConnection(ctx context.Context, endpointID, localName string) (<-chan connection.LifecycleEvent, error)
	AcceptConnection(ctx context.Context, endpointID string) error
	RejectConnection(ctx context.Context, endpointID string) error
	Disconnect(ctx context.Context)
}

// Transfers is the transfer orchestrator as seen by the API.
type Transfers interface {
	Send(ctx context.Context, sourceRef, fileName, remoteName string) error
	Resend(ctx context.Context, recordID int64) error
	Current() transfer.Progress
	Subscribe(ctx context.Context) <-chan transfer.Progress
	ResetProgress()
}

type Config struct {
	DeviceName string
	Username   string
	Password   string
}

type Handler struct {
	// ctx outlives requests; advertising and discovery started over the API run on it
	ctx         context.Context
	cfg         Config
	connections Connections
	transfers   Transfers
	history     storage.HistoryRepository
}

// NewHandler creates the API handler. Activities started through it stop when ctx is done.
func NewHandler(ctx context.Context, cfg Config, connections Connections, transfers Transfers, history storage.HistoryRepository) *Handler {
	return &Handler{
		ctx:         ctx,
		cfg:         cfg,
		connections: connections,
		transfers:   transfers,
		history:     history,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Route("/connection", func(r chi.Router) {
		r.Get("/", h.HandleConnectionState)
		r.Post("/advertise", h.HandleStartAdvertising)
		r.Delete("/advertise", h.HandleStopAdvertising)
		r.Post("/discover", h.HandleStartDiscovery)
		r.Delete("/discover", h.HandleStopDiscovery)
		r.Post("/connect", h.HandleConnect)
		r.Post("/accept", h.HandleAccept)
		r.Post("/reject", h.HandleReject)
		r.Post("/disconnect", h.HandleDisconnect)
	})

	r.Get("/devices", h.HandleDevices)

	r.Post("/transfers", h.HandleSend)

	r.Get("/progress", h.HandleProgress)
	r.Get("/progress/stream", h.HandleProgressStream)
	r.Delete("/progress", h.HandleResetProgress)

	r.Route("/history", func(r chi.Router) {
		r.Get("/", h.HandleHistory)
		r.Delete("/", h.HandleClearHistory)
		r.Get("/stream", h.HandleHistoryStream)
		r.Get("/{id}", h.HandleHistoryRecord)
		r.Delete("/{id}", h.HandleDeleteHistoryRecord)
		r.Post("/{id}/retry", h.HandleRetry)
	})

	return r
}

func (h *Handler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.Username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.cfg.Username || password != h.cfg.Password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// background returns the handler lifetime context carrying the request logger.
func (h *Handler) background(r *http.Request) context.Context {
	return logctx.WithLogger(h.ctx, logctx.LoggerFromContext(r.Context()))
}

func (h *Handler) HandleConnectionState(w http.ResponseWriter, r *http.Request) {
	view := newStateView(h.connections.State())
	view.ConnectedEndpoints = h.connections.ConnectedEndpoints()

	writeJSON(w, r, http.StatusOK, view)
}

type advertiseRequest struct {
	Name string `json:"name"`
}

func (h *Handler) HandleStartAdvertising(w http.ResponseWriter, r *http.Request) {
	var req advertiseRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	if req.Name == "" {
		req.Name = h.cfg.DeviceName
	}

	ctx := h.background(r)

	events, err := h.connections.StartAdvertising(ctx, req.Name)
	if err != nil {
		writeError(w, r, err)

		return
	}

	go drain(ctx, "advertising", events)

	writeJSON(w, r, http.StatusAccepted, newStateView(h.connections.State()))
}

func (h *Handler) HandleStopAdvertising(w http.ResponseWriter, r *http.Request) {
	h.connections.StopAdvertising()

	writeJSON(w, r, http.StatusOK, newStateView(h.connections.State()))
}

func (h *Handler) HandleStartDiscovery(w http.ResponseWriter, r *http.Request) {
	ctx := h.background(r)

	events, err := h.connections.StartDiscovery(ctx)
	if err != nil {
		writeError(w, r, err)

		return
	}

	go drain(ctx, "discovery", events)

	writeJSON(w, r, http.StatusAccepted, newStateView(h.connections.State()))
}

func (h *Handler) HandleStopDiscovery(w http.ResponseWriter, r *http.Request) {
	h.connections.StopDiscovery()

	writeJSON(w, r, http.StatusOK, newStateView(h.connections.State()))
}

type endpointRequest struct {
	EndpointID string `json:"endpointId"`
	Name       string `json:"name,omitempty"`
}

func (h *Handler) decodeEndpoint(w http.ResponseWriter, r *http.Request) (endpointRequest, bool) {
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return req, false
	}

	if req.EndpointID == "" {
		http.Error(w, "endpointId is required", http.StatusBadRequest)

		return req, false
	}

	return req, true
}

func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeEndpoint(w, r)
	if !ok {
		return
	}

	if req.Name == "" {
		req.Name = h.cfg.DeviceName
	}

	ctx := h.background(r)

	events, err := h.connections.RequestConnection(ctx, req.EndpointID, req.Name)
	if err != nil {
		writeError(w, r, err)

		return
	}

	go drain(ctx, "connection", events)

	writeJSON(w, r, http.StatusAccepted, newStateView(h.connections.State()))
}

func (h *Handler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeEndpoint(w, r)
	if !ok {
		return
	}

	if err := h.connections.AcceptConnection(r.Context(), req.EndpointID); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeEndpoint(w, r)
	if !ok {
		return
	}

	if err := h.connections.RejectConnection(r.Context(), req.EndpointID); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.connections.Disconnect(r.Context())

	writeJSON(w, r, http.StatusOK, newStateView(h.connections.State()))
}

func (h *Handler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.connections.Devices())
}

type sendRequest struct {
	Source     string `json:"source"`
	FileName   string `json:"fileName"`
	RemoteName string `json:"remoteName,omitempty"`
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.Source == "" || req.FileName == "" {
		http.Error(w, "source and fileName are required", http.StatusBadRequest)

		return
	}

	if err := h.transfers.Send(h.background(r), req.Source, req.FileName, req.RemoteName); err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusAccepted, newProgressView(h.transfers.Current()))
}

func (h *Handler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, newProgressView(h.transfers.Current()))
}

func (h *Handler) HandleResetProgress(w http.ResponseWriter, r *http.Request) {
	h.transfers.ResetProgress()

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleProgressStream(w http.ResponseWriter, r *http.Request) {
	stream(w, r, h.transfers.Subscribe(r.Context()), newProgressView)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.history.RecentRecords(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, records)
}

func (h *Handler) HandleHistoryStream(w http.ResponseWriter, r *http.Request) {
	stream(w, r, h.history.WatchRecent(r.Context()), func(records []storage.TransferRecord) []storage.TransferRecord {
		return records
	})
}

func (h *Handler) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.history.ClearAll(r.Context()); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func recordID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (h *Handler) loadRecord(w http.ResponseWriter, r *http.Request) (storage.TransferRecord, bool) {
	id, err := recordID(r)
	if err != nil {
		http.Error(w, "invalid record id", http.StatusBadRequest)

		return storage.TransferRecord{}, false
	}

	rec, err := h.history.RecordByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)

		return storage.TransferRecord{}, false
	}

	return rec, true
}

func (h *Handler) HandleHistoryRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRecord(w, r)
	if !ok {
		return
	}

	writeJSON(w, r, http.StatusOK, rec)
}

func (h *Handler) HandleDeleteHistoryRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRecord(w, r)
	if !ok {
		return
	}

	if err := h.history.DeleteRecord(r.Context(), rec); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		http.Error(w, "invalid record id", http.StatusBadRequest)

		return
	}

	if err := h.transfers.Resend(h.background(r), id); err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusAccepted, newProgressView(h.transfers.Current()))
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	var (
		connErr *connection.ConnectionError
		matErr  *transfer.MaterializationError
	)

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrNoDeviceConnected):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrNotResendable):
		return http.StatusUnprocessableEntity
	case errors.As(err, &matErr):
		if errors.Is(err, media.ErrNotFound) {
			return http.StatusNotFound
		}

		return http.StatusUnprocessableEntity
	case errors.Is(err, transport.ErrEndpointUnknown):
		return http.StatusNotFound
	case errors.Is(err, transport.ErrAlreadyActive):
		return http.StatusConflict
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// formatError converts internal errors to messages safe to show to API clients.
func formatError(err error) string {
	var matErr *transfer.MaterializationError
	if errors.As(err, &matErr) {
		return fmt.Sprintf("failed to read file %s", matErr.Reference)
	}

	var connErr *connection.ConnectionError
	if errors.As(err, &connErr) {
		return fmt.Sprintf("%s failed: %v", connErr.Op, connErr.Err)
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "transfer record not found"
	case errors.Is(err, transfer.ErrNoDeviceConnected), errors.Is(err, transfer.ErrNotResendable):
		return err.Error()
	}

	return "internal error"
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	logger := logctx.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "err", err)
	} else {
		logger.Debug("request rejected", "status", status, "err", err)
	}

	writeJSON(w, r, status, errorResponse{Error: formatError(err)})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return false
	}

	return true
}

// drain consumes an activity stream so its producer never blocks, logging each event.
func drain[T fmt.Stringer](ctx context.Context, activity string, events <-chan T) {
	logger := logctx.LoggerFromContext(ctx)

	for ev := range events {
		logger.Debug("connection event", "activity", activity, "event", ev.String())
	}
}
