package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coedit/auth"
	"coedit/awareness"
	"coedit/common"
	"coedit/docstore"
)

// Options configures the server front.
type Options struct {
	// MaxSessionsPerDoc is a soft cap on concurrent sessions per
	// document. Zero means no cap.
	MaxSessionsPerDoc int

	// CheckOrigin overrides the websocket origin check. Nil accepts any
	// origin, matching a deployment behind the platform's proxy.
	CheckOrigin func(r *http.Request) bool
}

// Server accepts collaboration connections and drives authorization,
// admission, sync and presence for each one.
type Server struct {
	store    *docstore.Store
	gate     *auth.Gate
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader

	// mutex guards the registry map and the closed flag only.
	mutex      sync.Mutex
	registries map[string]*registry
	closed     bool
}

// New creates a server over the given document store and authorization
// gate.
func New(store *docstore.Store, gate *auth.Gate, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		store:  store,
		gate:   gate,
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		registries: make(map[string]*registry),
	}
}

// Router returns the HTTP routes the server exposes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{key}", s.ServeWS)
	return r
}

// ServeWS handles one collaboration connection. The handshake carries the
// document key in the path and the credential in the token query parameter
// or Authorization header. The authorization decision precedes any document
// byte transfer: a refused connection sees only a close frame with a
// machine-readable reason.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	credential := extractCredential(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	decision, err := s.gate.Authorize(r.Context(), key, credential)
	if err != nil {
		s.refuse(conn, key, err)
		return
	}

	sess, reg, err := s.admit(r.Context(), key, decision, conn)
	if err != nil {
		s.refuse(conn, key, err)
		return
	}

	s.logger.Info("session admitted",
		zap.String("session", sess.ID),
		zap.String("document", key),
		zap.String("identity", decision.Identity.ID),
		zap.String("capability", string(decision.Capability)))

	go sess.writePump()
	sess.readPump(s, reg)
}

// admit registers a new session on the document, opening the document on
// first admission. Admissions and removals for one key are serialized;
// different keys proceed independently.
func (s *Server) admit(ctx context.Context, key string, decision auth.Decision, conn *websocket.Conn) (*Session, *registry, error) {
	for {
		s.mutex.Lock()
		if s.closed {
			s.mutex.Unlock()
			return nil, nil, errors.New("server is shutting down")
		}
		reg, ok := s.registries[key]
		if !ok {
			reg = newRegistry(key)
			s.registries[key] = reg
		}
		s.mutex.Unlock()

		reg.mutex.Lock()
		if reg.evicted {
			// Lost a race with the removal of the last session;
			// grab a fresh registry.
			reg.mutex.Unlock()
			continue
		}

		if s.opts.MaxSessionsPerDoc > 0 && len(reg.sessions) >= s.opts.MaxSessionsPerDoc {
			reg.mutex.Unlock()
			return nil, nil, common.ErrTooManySessions{Key: key, Cap: s.opts.MaxSessionsPerDoc}
		}

		handle, err := s.store.Open(ctx, key)
		if err != nil {
			reg.mutex.Unlock()
			return nil, nil, err
		}
		reg.handle = handle

		sess := &Session{
			ID:         uuid.NewString(),
			Key:        key,
			Identity:   decision.Identity,
			Capability: decision.Capability,
			CreatedAt:  time.Now(),
			conn:       conn,
			send:       make(chan []byte, sendBuffer),
			logger:     s.logger,
		}
		reg.sessions[sess.ID] = sess

		// Queue the catch-up frames before subscribing to awareness so
		// the snapshot is the first thing the client reads. Removals
		// hold the registry lock, so no retraction can slip between the
		// presence view and the subscription.
		if err := s.sendCatchUp(sess, reg); err != nil {
			delete(reg.sessions, sess.ID)
			if len(reg.sessions) == 0 {
				reg.evicted = true
				s.mutex.Lock()
				delete(s.registries, key)
				s.mutex.Unlock()
			}
			reg.mutex.Unlock()
			s.store.Release(handle)
			return nil, nil, err
		}

		reg.hub.Subscribe(sess.ID, func(u awareness.Update) {
			msg, err := encodeEnvelope(MessageAwareness, u)
			if err != nil {
				return
			}
			sess.enqueue(msg)
		})

		reg.mutex.Unlock()
		return sess, reg, nil
	}
}

// remove unregisters the session, retracts its presence, and releases its
// document reference. The registry is evicted with the last session, which
// triggers the document's final flush.
func (s *Server) remove(reg *registry, sess *Session) {
	reg.mutex.Lock()
	if _, ok := reg.sessions[sess.ID]; !ok {
		reg.mutex.Unlock()
		return
	}
	delete(reg.sessions, sess.ID)
	reg.hub.Retract(sess.ID)
	close(sess.send)

	empty := len(reg.sessions) == 0
	if empty {
		reg.evicted = true
		s.mutex.Lock()
		delete(s.registries, reg.key)
		s.mutex.Unlock()
	}
	reg.mutex.Unlock()

	// Release outside the registry lock: the final flush may touch the
	// persistence backend and must not stall admissions on other keys.
	s.store.Release(reg.handle)

	s.logger.Info("session removed",
		zap.String("session", sess.ID), zap.String("document", sess.Key))
}

// sendCatchUp queues the current document snapshot and presence view on the
// session. It runs during admission, under the registry lock, ahead of the
// awareness subscription, so the snapshot is always the session's first
// frame.
func (s *Server) sendCatchUp(sess *Session, reg *registry) error {
	data, version, err := reg.handle.Snapshot()
	if err != nil {
		s.logger.Error("catch-up snapshot failed",
			zap.String("document", sess.Key), zap.Error(err))
		return err
	}

	payload := SnapshotPayload{
		SessionID:  sess.ID,
		Capability: sess.Capability,
		Version:    version,
		Document:   data,
	}
	if msg, err := encodeEnvelope(MessageSnapshot, payload); err == nil {
		sess.enqueue(msg)
	}

	if msg, err := encodeEnvelope(MessagePresence, reg.hub.Snapshot()); err == nil {
		sess.enqueue(msg)
	}
	return nil
}

// refuse closes a connection with a machine-readable reason code before any
// document state is created or transferred.
func (s *Server) refuse(conn *websocket.Conn, key string, err error) {
	code := websocket.CloseInternalServerErr
	reason := "internal_error"

	var invalidCred common.ErrInvalidCredential
	var notFound common.ErrDocumentNotFound
	var denied common.ErrAccessDenied
	var capacity common.ErrTooManySessions
	switch {
	case errors.As(err, &invalidCred):
		code, reason = CloseInvalidToken, reasonInvalidToken
	case errors.As(err, &notFound):
		code, reason = CloseNotFound, reasonNotFound
	case errors.As(err, &denied):
		code, reason = CloseUnauthorized, reasonUnauthorized
	case errors.As(err, &capacity):
		code, reason = CloseCapacity, reasonCapacity
	}

	s.logger.Info("connection refused",
		zap.String("document", key), zap.String("reason", reason), zap.Error(err))

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()
}

// Shutdown closes every live session. The HTTP listener has already stopped
// accepting by the time this runs; the document store flush follows once
// sessions are gone.
func (s *Server) Shutdown(ctx context.Context) {
	s.mutex.Lock()
	s.closed = true
	regs := make([]*registry, 0, len(s.registries))
	for _, reg := range s.registries {
		regs = append(regs, reg)
	}
	s.mutex.Unlock()

	// Registry locks are taken after the server mutex is released; a
	// concurrent removal locks them in the other order.
	var sessions []*Session
	for _, reg := range regs {
		reg.mutex.RLock()
		for _, sess := range reg.sessions {
			sessions = append(sessions, sess)
		}
		reg.mutex.RUnlock()
	}

	for _, sess := range sessions {
		// WriteControl is safe alongside the session's write pump.
		sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		sess.conn.Close()
	}

	// Give removals a moment to drain before the store flush walks the
	// remaining handles.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mutex.Lock()
		n := len(s.registries)
		s.mutex.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func extractCredential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
