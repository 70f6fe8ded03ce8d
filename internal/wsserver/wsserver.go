// Package wsserver implements the protocol server (C8): the HTTP
// listener that accepts inbound WebSocket upgrades at the configured
// handshake path, gates each one through the admission limiter (C7)
// before the upgrade completes, and hands the resulting stream to the
// handshake engine (C6) for the life of the connection.
//
// Grounded on the prior cmd/helm/main.go server-wiring idiom (a
// goroutine running a *http.Server, a signal-driven shutdown) pulled
// out into an explicit Server type with its own graceful Stop, since
// this listener's stop must additionally broadcast a close(1001) to
// every open stream before returning — something the prior health
// server never needed to do. net/http is the right tool for the
// listener itself: gorilla/websocket's Upgrader sits directly on top
// of http.ResponseWriter/*http.Request, and no pack repo reaches for a
// separate WS+HTTP framework.
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careagent/neuron/internal/admission"
	"github.com/careagent/neuron/internal/handshake"
)

// Config holds the protocol server's tunables, drawn from the
// websocket.* configuration block.
type Config struct {
	ListenAddr   string
	Path         string
	QueueTimeout time.Duration
}

// Server owns the HTTP listener that upgrades inbound connections at
// Path and drives each one through the handshake engine.
type Server struct {
	cfg      Config
	http     *http.Server
	upgrader websocket.Upgrader
	limiter  *admission.Limiter
	engine   *handshake.Engine
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[int64]handshake.Conn
	nextID   int64

	stopping atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a protocol server. engine drives each admitted stream;
// limiter gates admission ahead of the upgrade.
func New(cfg Config, limiter *admission.Limiter, engine *handshake.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		limiter:  limiter,
		engine:   engine,
		logger:   logger.With("component", "wsserver"),
		sessions: make(map[int64]handshake.Conn),
		upgrader: websocket.Upgrader{
			// Origin policy belongs to whatever sits in front of this
			// listener in a real deployment; the broker itself does
			// not gate on it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleUpgrade)
	s.http = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	return s
}

// Handler exposes the upgrade route so it can be mounted onto a mux
// shared with the administrative HTTP API, per the wire protocol's
// "one listening socket" note — callers that want a standalone
// listener can use ListenAndServe/Stop instead.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	return mux
}

// ListenAndServe blocks, serving upgrade requests until Stop shuts the
// listener down.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ActiveSessions reports the number of streams currently being driven
// by the handshake engine.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop is a graceful barrier: it refuses new admissions, closes every
// open stream with code 1001, waits for every in-flight handler to
// return, and only then shuts the HTTP listener down. Safe to call
// more than once; only the first call does anything.
func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.stopping.Store(true)

		s.mu.Lock()
		conns := make([]handshake.Conn, 0, len(s.sessions))
		for _, c := range s.sessions {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		for _, c := range conns {
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(1001, "server shutting down"))
			_ = c.Close()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}

		stopErr = s.http.Shutdown(ctx)
	})
	return stopErr
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	acquireCtx := r.Context()
	if s.cfg.QueueTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(acquireCtx, s.cfg.QueueTimeout)
		defer cancel()
	}

	release, err := s.limiter.Acquire(acquireCtx)
	if err != nil {
		http.Error(w, "too many concurrent handshakes", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := atomic.AddInt64(&s.nextID, 1)
	s.mu.Lock()
	s.sessions[id] = conn
	s.mu.Unlock()

	s.wg.Add(1)
	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		release()
		s.wg.Done()
	}()

	s.engine.Run(r.Context(), fmt.Sprintf("sess-%d", id), conn)
}
