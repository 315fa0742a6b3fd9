// Package proxy is the host side of the window stream: it accepts
// guest agent connections, validates the identity handshake, applies
// each session's events to a per-generation registry, and feeds the
// render adapter. Guests are untrusted; every protocol violation costs
// the guest its connection and nothing else.
package proxy

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appvm/seamless/internal/metrics"
	"github.com/appvm/seamless/internal/registry"
	"github.com/appvm/seamless/internal/render"
	"github.com/appvm/seamless/internal/wire"
)

const defaultHandshakeTimeout = 5 * time.Second

// Config holds proxy server settings.
type Config struct {
	Addr             string
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// Status summarizes the proxy for the operator surface.
type Status struct {
	UptimeSeconds int64
	SessionCount  int
	WindowCount   int
}

// Server accepts and supervises guest sessions. One live session per
// VM identity: a reconnecting guest displaces its predecessor.
type Server struct {
	addr             string
	handshakeTimeout time.Duration
	logger           *zap.Logger
	adapter          render.Adapter
	metrics          *metrics.Metrics
	startTime        time.Time

	listener net.Listener
	wg       sync.WaitGroup

	mu          sync.Mutex
	sessions    map[string]*Session
	generations map[string]uint64

	shuttingDown bool
	shutdownMu   sync.Mutex
}

// NewServer creates a proxy serving the given render adapter.
func NewServer(cfg Config, adapter render.Adapter) *Server {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		addr:             cfg.Addr,
		handshakeTimeout: timeout,
		logger:           logger,
		adapter:          adapter,
		metrics:          cfg.Metrics,
		startTime:        time.Now(),
		sessions:         make(map[string]*Session),
		generations:      make(map[string]uint64),
	}
}

// Start begins listening for guest connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.logger.Info("proxy listening", zap.String("addr", listener.Addr().String()))

	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address. Only valid after Start.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.shutdownMu.Lock()
			if s.shuttingDown {
				s.shutdownMu.Unlock()
				return
			}
			s.shutdownMu.Unlock()
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection runs the handshake and, on success, the session's
// decode loop. It owns the connection's whole lifetime.
func (s *Server) handleConnection(conn net.Conn) {
	identity, dec, err := s.handshake(conn)
	if err != nil {
		s.logger.Warn("handshake failed",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		conn.Close()
		return
	}

	sess := s.register(identity, conn)
	s.logger.Info("session started",
		zap.String("vm", identity),
		zap.String("session_id", sess.ID.String()),
		zap.Uint64("generation", sess.Generation),
		zap.String("remote", conn.RemoteAddr().String()))

	cause := sess.run(dec)

	s.unregister(sess, cause)
	sess.close()
}

func (s *Server) handshake(conn net.Conn) (string, *wire.Decoder, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return "", nil, err
	}

	dec := wire.NewDecoder(conn)
	m, err := dec.Next()
	if err != nil {
		return "", nil, fmt.Errorf("reading hello: %w", err)
	}
	if m.Kind != wire.KindHello {
		return "", nil, fmt.Errorf("first frame is %s, want hello", m.Kind)
	}
	if m.Identity == "" {
		return "", nil, fmt.Errorf("empty identity in hello")
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", nil, err
	}
	return m.Identity, dec, nil
}

// register installs a new session for identity, displacing any live
// predecessor. Last writer wins: the newest connection is always the
// authoritative one.
func (s *Server) register(identity string, conn net.Conn) *Session {
	s.mu.Lock()
	prev := s.sessions[identity]
	s.generations[identity]++
	gen := s.generations[identity]

	reg := registry.New(s.logger.Named("registry").With(zap.String("vm", identity)))
	sess := newSession(identity, gen, conn, reg, s.logger.With(zap.String("vm", identity)), s.metrics)
	s.sessions[identity] = sess
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("displacing previous session",
			zap.String("vm", identity),
			zap.String("session_id", prev.ID.String()))
		prev.close()
	}

	reg.Subscribe(func(tr registry.Transition) {
		s.onTransition(sess, tr)
	})

	s.adapter.SessionStarted(identity)
	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
		s.metrics.SessionsTotal.WithLabelValues(identity).Inc()
	}
	return sess
}

// unregister removes sess if it is still the registered session for
// its identity. A displaced session finds its successor in the map and
// leaves it alone.
func (s *Server) unregister(sess *Session, cause string) {
	s.mu.Lock()
	current := s.sessions[sess.Identity] == sess
	if current {
		delete(s.sessions, sess.Identity)
	}
	s.mu.Unlock()

	s.logger.Info("session ended",
		zap.String("vm", sess.Identity),
		zap.String("session_id", sess.ID.String()),
		zap.String("cause", cause))

	// The adapter is keyed by identity. A displaced session's successor
	// already owns the identity, so only the current session's end is
	// surfaced; a late SessionEnded must not tear down the successor.
	if current {
		s.adapter.SessionEnded(sess.Identity)
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Dec()
		s.metrics.SessionsEnded.WithLabelValues(sess.Identity, cause).Inc()
		if cause == "protocol-violation" || cause == "truncated" {
			s.metrics.DecodeErrors.WithLabelValues(sess.Identity).Inc()
		}
		if current {
			s.metrics.WindowsTracked.WithLabelValues(sess.Identity).Set(0)
		}
	}
}

func (s *Server) onTransition(sess *Session, tr registry.Transition) {
	switch tr.Kind {
	case registry.TransitionCreated:
		s.adapter.WindowCreated(sess.Identity, tr.Record)
	case registry.TransitionUpdated:
		s.adapter.WindowUpdated(sess.Identity, tr.Record)
	case registry.TransitionDestroyed:
		s.adapter.WindowDestroyed(sess.Identity, tr.Record)
	}
	if s.metrics != nil {
		s.metrics.WindowsTracked.WithLabelValues(sess.Identity).Set(float64(sess.registry.WindowCount()))
	}
}

// Sessions returns a snapshot of all live sessions sorted by identity.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Status returns aggregate proxy state.
func (s *Server) Status() Status {
	infos := s.Sessions()
	windows := 0
	for _, info := range infos {
		windows += info.WindowCount
	}
	return Status{
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		SessionCount:  len(infos),
		WindowCount:   windows,
	}
}

// Windows returns the live windows of one session, or nil if the
// identity has no session.
func (s *Server) Windows(identity string) []registry.WindowRecord {
	s.mu.Lock()
	sess := s.sessions[identity]
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.registry.Snapshot()
}

// Stop closes the listener and tears down every session, waiting for
// their goroutines to drain.
func (s *Server) Stop() {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}
