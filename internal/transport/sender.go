// Package transport carries the agent's event stream to the host proxy
// over TCP, reconnecting with backoff whenever the link drops. Each
// successful dial starts a fresh generation: identity hello, a full
// state re-announce, and sequence numbers restarting at 1.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/appvm/seamless/internal/wire"
)

const (
	defaultQueueSize = 1024
	dialTimeout      = 5 * time.Second
	writeTimeout     = 10 * time.Second
)

// Announcer replays the current window state into the sender's queue.
// The observer implements it.
type Announcer interface {
	Announce()
}

// Config holds sender tuning.
type Config struct {
	Addr           string
	Identity       string
	QueueSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *zap.Logger
}

// Sender buffers observer events and streams them to the proxy. It is
// the observer's Sink; Send never blocks the polling loop.
type Sender struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	queue   []wire.Message
	dropped uint64
	wake    chan struct{}

	announcer Announcer
}

// New creates a sender for the given proxy address and VM identity.
func New(cfg Config) *Sender {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// SetAnnouncer wires the observer in. Must be called before Run; it is
// a separate step because the observer also needs the sender as its
// sink at construction time.
func (s *Sender) SetAnnouncer(a Announcer) {
	s.announcer = a
}

// Send enqueues one message for delivery. When the queue is full the
// oldest message is dropped; the eventual re-announce repairs any gap
// that matters.
func (s *Sender) Send(m wire.Message) {
	s.mu.Lock()
	if len(s.queue) >= s.cfg.QueueSize {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run dials, streams, and reconnects until the context is cancelled.
func (s *Sender) Run(ctx context.Context) {
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			// Only context cancellation gets the retry loop to give up.
			return
		}

		s.logger.Info("connected to proxy",
			zap.String("addr", s.cfg.Addr),
			zap.String("identity", s.cfg.Identity))

		err = s.runGeneration(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("connection lost", zap.Error(err))
	}
}

func (s *Sender) dial(ctx context.Context) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	return backoff.RetryNotifyWithData(func() (net.Conn, error) {
		conn, err := net.DialTimeout("tcp", s.cfg.Addr, dialTimeout)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		s.logger.Debug("dial failed",
			zap.String("addr", s.cfg.Addr),
			zap.Error(err),
			zap.Duration("retry_in", next))
	})
}

// runGeneration owns one connection from hello to failure. Queued
// diffs from before the dial are discarded: they predate the announce
// and would race it into the host's fresh registry.
func (s *Sender) runGeneration(ctx context.Context, conn net.Conn) error {
	dropped := s.resetQueue()
	if dropped > 0 {
		s.logger.Warn("events dropped while disconnected", zap.Uint64("dropped", dropped))
	}

	if err := s.write(conn, wire.Hello(s.cfg.Identity)); err != nil {
		return err
	}

	if s.announcer != nil {
		s.announcer.Announce()
	}

	var seq uint64
	for {
		m, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}

		seq++
		m.Seq = seq
		if err := s.write(conn, m); err != nil {
			return err
		}
	}
}

func (s *Sender) write(conn net.Conn, m wire.Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return wire.WriteMessage(conn, m)
}

func (s *Sender) pop() (wire.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return wire.Message{}, false
	}
	m := s.queue[0]
	s.queue = s.queue[1:]
	return m, true
}

func (s *Sender) resetQueue() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	d := s.dropped
	s.dropped = 0
	return d
}

// QueueLen reports the number of messages waiting for delivery.
func (s *Sender) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
