package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/promptsync/internal/actions"
	"github.com/ent0n29/promptsync/internal/chime"
	"github.com/ent0n29/promptsync/internal/config"
	"github.com/ent0n29/promptsync/internal/observability"
	"github.com/ent0n29/promptsync/internal/protocol"
	"github.com/ent0n29/promptsync/internal/resolve"
	"github.com/ent0n29/promptsync/internal/resource"
	"github.com/ent0n29/promptsync/internal/session"
)

// PromptRuntime serves prompt connections and out-of-band resolutions.
type PromptRuntime interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
	Resolve(ctx context.Context, req resolve.Request) (resolve.Result, error)
}

type Options struct {
	StoreMode string
	Chime     *resource.Shared[chime.Sound]
	Logger    *zap.Logger
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	runtime   PromptRuntime
	store     actions.Store
	storeMode string
	chime     *resource.Shared[chime.Sound]
	metrics   *observability.Metrics
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, runtime PromptRuntime, store actions.Store, metrics *observability.Metrics, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	storeMode := strings.TrimSpace(opts.StoreMode)
	if storeMode == "" {
		storeMode = "memory"
	}
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		runtime:   runtime,
		store:     store,
		storeMode: storeMode,
		chime:     opts.Chime,
		metrics:   metrics,
		logger:    logger.Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Native apps omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)

	r.Post("/v1/actions", s.handleCreateAction)
	r.Get("/v1/actions", s.handleListActions)
	r.Get("/v1/actions/{id}", s.handleGetAction)
	r.Post("/v1/actions/{id}/resolve", s.handleResolveAction)

	r.Put("/v1/subjects/{id}", s.handlePutSubject)
	r.Get("/v1/subjects/{id}", s.handleGetSubject)
	r.Delete("/v1/subjects/{id}", s.handleDeleteSubject)
	r.Get("/v1/subjects/{id}/outcomes", s.handleListOutcomes)

	r.Get("/v1/perf/resolution", s.handlePerfResolution)
	r.Get("/v1/assets/prompt-chime.wav", s.handleChime)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.runtime == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "store or prompt runtime not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StoreOpTimeout)
	defer cancel()
	if _, err := s.store.ListActive(ctx, "readyz-probe"); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"store_mode":      s.storeMode,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.Create(req.OwnerID, req.DeviceID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		OwnerID:         sess.OwnerID,
		DeviceID:        sess.DeviceID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.runtime == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "prompt runtime not configured")
		return
	}

	sess, err := s.sessions.GetActive(sessionID)
	if err != nil {
		// The client treats this as "sign in again".
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")
	logger := s.logger.With(zap.String("session_id", sess.ID), zap.String("owner_id", sess.OwnerID))
	logger.Info("prompt connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, 64)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		// Returning ends the connection, e.g. when the session expires.
		defer cancel()
		if err := s.runtime.RunConnection(ctx, sess, inbound, outbound); err != nil {
			logger.Warn("prompt connection failed", zap.Error(err))
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				<-runDone
				// Flush what the runtime queued before it returned, e.g. session_ended.
				for flushing := true; flushing; {
					select {
					case msg := <-outbound:
						_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
						if conn.WriteJSON(msg) != nil {
							flushing = false
						}
					default:
						flushing = false
					}
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.ObserveSessionEvent("ws_write_error")
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				s.metrics.ObserveSessionEvent("outbound_drop")
			}
			continue
		}

		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.ObserveMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
	logger.Info("prompt connection closed")
}

func (s *Server) handlePerfResolution(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.ResolutionReport())
}

func (s *Server) handleChime(w http.ResponseWriter, r *http.Request) {
	if s.chime == nil {
		respondError(w, http.StatusNotFound, "asset_not_found", "chime not configured")
		return
	}
	sound, release, err := s.chime.Acquire(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "asset_unavailable", err.Error())
		return
	}
	defer release()
	w.Header().Set("Content-Type", chime.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sound.WAV)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondDomainError maps store and resolver errors to HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, actions.ErrNotFound):
		respondError(w, http.StatusNotFound, "record_not_found", err.Error())
	case errors.Is(err, actions.ErrSubjectNotFound):
		respondError(w, http.StatusNotFound, "subject_not_found", err.Error())
	case errors.Is(err, resolve.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, resolve.ErrAlreadyResolved), errors.Is(err, actions.ErrStaleTransition):
		respondError(w, http.StatusConflict, "already_resolved", err.Error())
	case errors.Is(err, resolve.ErrRetryable):
		respondError(w, http.StatusServiceUnavailable, "retryable", err.Error())
	case errors.Is(err, resolve.ErrInvalidRequest), errors.Is(err, actions.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
