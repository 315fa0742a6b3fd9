package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/appvm/seamless/internal/metrics"
	"github.com/appvm/seamless/internal/registry"
	"github.com/appvm/seamless/internal/wire"
)

// Session is one authenticated guest connection: the connection, the
// per-generation registry it feeds, and its decode statistics. A
// session lives exactly as long as its TCP connection.
type Session struct {
	ID          uuid.UUID
	Identity    string
	Generation  uint64
	ConnectedAt time.Time

	conn     net.Conn
	registry *registry.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics

	closeOnce sync.Once

	mu       sync.Mutex
	applied  uint64
	rejected uint64
}

// SessionInfo is an immutable snapshot of one session for the operator
// surface.
type SessionInfo struct {
	ID             uuid.UUID
	Identity       string
	Generation     uint64
	ConnectedAt    time.Time
	WindowCount    int
	LastHeartbeat  time.Time
	LastAppliedSeq uint64
	EventsApplied  uint64
	EventsRejected uint64
}

func newSession(identity string, generation uint64, conn net.Conn, reg *registry.Registry, logger *zap.Logger, m *metrics.Metrics) *Session {
	return &Session{
		ID:          uuid.New(),
		Identity:    identity,
		Generation:  generation,
		ConnectedAt: time.Now(),
		conn:        conn,
		registry:    reg,
		logger:      logger,
		metrics:     m,
	}
}

// close terminates the connection. Safe to call from the takeover path
// while the decode loop is still running; the loop exits on read error.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}

// run drives the decode loop until the connection fails or the guest
// violates the protocol. The returned cause labels the session-ended
// metric.
func (s *Session) run(dec *wire.Decoder) (cause string) {
	for {
		m, err := dec.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return "closed"
			case errors.Is(err, io.ErrUnexpectedEOF):
				return "truncated"
			case errors.Is(err, wire.ErrFrameTooLarge),
				errors.Is(err, wire.ErrStringTooLong),
				errors.Is(err, wire.ErrUnknownKind),
				errors.Is(err, wire.ErrMalformed):
				s.logger.Warn("protocol violation", zap.Error(err))
				return "protocol-violation"
			default:
				return "read-error"
			}
		}

		// A second hello mid-stream is a protocol violation, not a
		// registry rejection.
		if m.Kind == wire.KindHello {
			s.logger.Warn("unexpected hello mid-session")
			return "protocol-violation"
		}

		res := s.registry.Apply(m)
		s.mu.Lock()
		if res.Applied {
			s.applied++
		} else {
			s.rejected++
		}
		s.mu.Unlock()

		if s.metrics != nil {
			if res.Applied {
				s.metrics.EventsApplied.WithLabelValues(s.Identity, m.Kind.String()).Inc()
				if m.Kind == wire.KindHeartbeat {
					s.metrics.LastHeartbeat.WithLabelValues(s.Identity).SetToCurrentTime()
				}
			} else {
				s.metrics.EventsRejected.WithLabelValues(s.Identity, string(res.Reason)).Inc()
			}
		}
	}
}

func (s *Session) counters() (applied, rejected uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied, s.rejected
}

func (s *Session) info() SessionInfo {
	applied, rejected := s.counters()
	return SessionInfo{
		ID:             s.ID,
		Identity:       s.Identity,
		Generation:     s.Generation,
		ConnectedAt:    s.ConnectedAt,
		WindowCount:    s.registry.WindowCount(),
		LastHeartbeat:  s.registry.LastHeartbeat(),
		LastAppliedSeq: s.registry.LastAppliedSeq(),
		EventsApplied:  applied,
		EventsRejected: rejected,
	}
}
