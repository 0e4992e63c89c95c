package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/bus"
	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/sessions"
	"github.com/joescharf/flock/internal/store"
)

// Sessions is the session manager as seen by the API.
type Sessions interface {
	Create(ctx context.Context, opts sessions.Options) (string, error)
	Send(ctx context.Context, id, text string) error
	Retry(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	List() []models.SessionSummary
	Get(id string) (models.SessionSummary, error)
	History(id string) ([]models.Message, error)
	Diff(ctx context.Context, id string) (string, error)
	Handle(ctx context.Context, cmd bus.Command) error
	Bus() *bus.Bus
}

// Server provides the REST API handlers.
type Server struct {
	sessions Sessions
	store    store.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// PingInterval is how often idle event streams are pinged.
	PingInterval time.Duration
}

// NewServer creates a new API server. The journal may be nil.
func NewServer(m Sessions, journal store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: m,
		store:    journal,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API only listens on localhost and already allows any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		PingInterval: 30 * time.Second,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.removeSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", s.listMessages)
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", s.sendMessage)
	mux.HandleFunc("POST /api/v1/sessions/{id}/retry", s.retrySession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stop", s.stopSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/diff", s.sessionDiff)

	mux.HandleFunc("GET /api/v1/journal", s.listJournal)
	mux.HandleFunc("GET /api/v1/journal/{id}", s.getJournal)

	mux.HandleFunc("GET /api/v1/events", s.events)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON error payload.
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	info := sessions.ErrorInfo(err)
	writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Kind: info.Kind, Reason: info.Reason})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sessions.ErrUnknownSession), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessions.ErrSessionBusy), errors.Is(err, sessions.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, sessions.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, sessions.ErrShutdown):
		return http.StatusServiceUnavailable
	case apperr.Is(err, apperr.KindValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("api.decode", apperr.ReasonInvalidArguments, "invalid JSON: %v", err)
	}
	return nil
}

// --- Sessions ---

type createSessionRequest struct {
	Title string `json:"title"`
	Task  string `json:"task"`
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title == "" && req.Task == "" {
		writeError(w, apperr.Validation("api.create_session", apperr.ReasonInvalidArguments, "title or task is required"))
		return
	}
	// The session outlives the request.
	id, err := s.sessions.Create(context.WithoutCancel(r.Context()), sessions.Options{Title: req.Title, Task: req.Task})
	if err != nil && id == "" {
		writeError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("first message not accepted", "session_id", id, "error", err)
	}
	sum, gerr := s.sessions.Get(id)
	if gerr != nil {
		writeError(w, gerr)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sum, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) removeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.sessions.History(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.sessions.Send(r.Context(), id, req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "session_id": id})
}

func (s *Server) retrySession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Retry(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "session_id": id})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Stop(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	sum, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) sessionDiff(w http.ResponseWriter, r *http.Request) {
	diff, err := s.sessions.Diff(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-diff; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(diff))
}

// --- Journal ---

type journalEntry struct {
	Session    *models.SessionRecord     `json:"session"`
	Messages   []models.Message          `json:"messages"`
	Automation []models.AutomationResult `json:"automation"`
}

func (s *Server) listJournal(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []*models.SessionRecord{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*models.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getJournal(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, store.ErrNotFound)
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")
	rec, err := s.store.GetSession(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	autos, err := s.store.ListAutomation(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, journalEntry{Session: rec, Messages: msgs, Automation: autos})
}

// --- Events ---

const writeWait = 10 * time.Second

// events streams bus events over a websocket, optionally for one session.
// Text frames sent by the client are decoded as commands; their failures
// come back on the stream as error events.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	var opts []bus.SubscribeOption
	sessionID := r.URL.Query().Get("session")
	if sessionID != "" {
		if _, err := s.sessions.Get(sessionID); err != nil {
			writeError(w, err)
			return
		}
		opts = append(opts, bus.ForSession(sessionID))
	}

	// Subscribe first so no event published after the handshake is missed.
	sub := s.sessions.Bus().Subscribe(opts...)
	defer sub.Unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		s.readCommands(r.Context(), conn, sessionID)
	}()

	ping := time.NewTicker(s.PingInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readCommands handles client frames until the connection fails.
func (s *Server) readCommands(ctx context.Context, conn *websocket.Conn, sessionID string) {
	ctx = context.WithoutCancel(ctx)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd bus.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.logger.Debug("ignoring malformed command", "error", err)
			continue
		}
		if cmd.SessionID == "" && cmd.Kind != bus.CommandNewSession {
			cmd.SessionID = sessionID
		}
		_ = s.sessions.Handle(ctx, cmd)
	}
}
