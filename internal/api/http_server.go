package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"fluentsync/internal/config"
	"fluentsync/internal/domain"
	"fluentsync/internal/events"
	"fluentsync/internal/lifecycle"
	"fluentsync/internal/models"
	"fluentsync/internal/queue"

	"github.com/rs/zerolog"
)

// Status is the body of GET /api/v1/status.
type Status struct {
	Version  string `json:"version"`
	State    string `json:"state"`
	Online   bool   `json:"online"`
	Syncing  bool   `json:"syncing"`
	Pending  int    `json:"pending"`
	Failed   int    `json:"failed"`
	Sessions int    `json:"sessions"`

	LastSync *models.SyncResult `json:"last_sync"`
}

// Deps are the collaborators behind the HTTP API. Version, Online, Syncing
// and LastSync may be nil.
type Deps struct {
	Store    domain.QueueStore
	Hub      *events.Hub
	Version  func() (version string, state string)
	Online   func() bool
	Syncing  func() bool
	LastSync func() (models.SyncResult, bool)
}

// HTTPServer exposes the queue, status and messaging endpoints.
type HTTPServer struct {
	cfg     config.APIConfig
	deps    Deps
	server  *http.Server
	auth    *HTTPAuth
	logger  *zerolog.Logger
	baseCtx context.Context
}

// NewHTTPServer wires routes. baseCtx outlives individual requests and bounds
// work started by them, such as a SYNC_NOW drain.
func NewHTTPServer(baseCtx context.Context, cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{cfg: cfg, deps: deps, logger: logger, baseCtx: baseCtx}
	srv.auth = NewHTTPAuth(&srv.cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("GET /api/v1/status", srv.handleStatus)
	mux.HandleFunc("GET /api/v1/queue", srv.handleListQueue)
	mux.HandleFunc("POST /api/v1/queue", srv.handleEnqueue)
	mux.HandleFunc("DELETE /api/v1/queue/{id}", srv.handleDeleteQueued)
	mux.HandleFunc("GET /api/v1/failed", srv.handleListFailed)
	mux.HandleFunc("DELETE /api/v1/failed", srv.handleClearFailed)
	mux.HandleFunc("POST /api/v1/messages", srv.handleMessage)
	mux.HandleFunc("GET /api/v1/ws", srv.handleWebsocket)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           loggingMiddleware(logger, srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Handler returns the root handler, middleware included.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{Online: true}
	if s.deps.Version != nil {
		st.Version, st.State = s.deps.Version()
	}
	if s.deps.Online != nil {
		st.Online = s.deps.Online()
	}
	if s.deps.Syncing != nil {
		st.Syncing = s.deps.Syncing()
	}
	if s.deps.Hub != nil {
		st.Sessions = s.deps.Hub.Len()
	}
	if s.deps.LastSync != nil {
		if last, ok := s.deps.LastSync(); ok {
			st.LastSync = &last
		}
	}

	pending, err := s.deps.Store.GetAll(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue storage unavailable")
		return
	}
	failed, err := s.deps.Store.ListFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue storage unavailable")
		return
	}
	st.Pending = len(pending)
	st.Failed = len(failed)

	writeJSON(w, http.StatusOK, st)
}

func (s *HTTPServer) handleListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Store.GetAll(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list queue")
		writeError(w, http.StatusServiceUnavailable, "queue storage unavailable")
		return
	}
	queue.Sort(items)
	if items == nil {
		items = []*models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type enqueueRequest struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	Priority       string            `json:"priority"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	priority, ok := models.ParsePriority(body.Priority)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown priority %q", body.Priority))
		return
	}

	item, err := queue.NewItem(body.URL, body.Method,
		queue.WithPriority(priority),
		queue.WithHeaders(body.Headers),
		queue.WithBody(body.Body),
		queue.WithIdempotencyKey(body.IdempotencyKey),
	)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Store.Put(r.Context(), item); err != nil {
		s.logger.Error().Err(err).Str("item_id", item.ID).Msg("enqueue")
		writeError(w, http.StatusServiceUnavailable, "queue storage unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *HTTPServer) handleDeleteQueued(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.deps.Store.Delete(r.Context(), id); err != nil {
		s.logger.Error().Err(err).Str("item_id", id).Msg("delete queued item")
		writeError(w, http.StatusServiceUnavailable, "queue storage unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListFailed(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Store.ListFailed(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list failed")
		writeError(w, http.StatusServiceUnavailable, "queue storage unavailable")
		return
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].FailedAt.After(items[j].FailedAt) })
	if items == nil {
		items = []*models.FailedItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ClearFailed(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("clear failed")
		writeError(w, http.StatusServiceUnavailable, "queue storage unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.ClientMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid message")
		return
	}

	// a drain can take minutes of backoff; acknowledge and run it detached
	if msg.Type == models.MessageSyncNow {
		go s.deliver(s.baseCtx, msg)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync started"})
		return
	}

	if err := s.deliver(r.Context(), msg); err != nil {
		writeError(w, messageErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) deliver(ctx context.Context, msg models.ClientMessage) error {
	if s.deps.Hub == nil {
		return events.ErrNoHandler
	}
	err := s.deps.Hub.Deliver(ctx, msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", msg.Type).Msg("message not handled")
	}
	return err
}

func messageErrorStatus(err error) int {
	switch {
	case errors.Is(err, events.ErrNoHandler), errors.Is(err, lifecycle.ErrUnknownMessage):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNotWaiting):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
