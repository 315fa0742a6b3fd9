// Package observer samples the guest's window system and turns the
// differences between consecutive samples into protocol events. It owns
// the protocol-level window identifiers; native handles never leave
// this package.
package observer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appvm/seamless/internal/wire"
)

// Window is one sampled window as reported by a WindowSource. Handle is
// the native window system identifier and is only meaningful within a
// single source.
type Window struct {
	Handle  uint32
	Title   string
	X       int32
	Y       int32
	Width   int32
	Height  int32
	Focused bool
	Visible bool
}

// WindowSource enumerates the windows currently present on the guest
// display. Implementations return the full set each call; the observer
// does its own diffing.
type WindowSource interface {
	ListWindows() ([]Window, error)
}

// Sink receives the event stream. Messages are emitted without a
// sequence number; the transport stamps one per connection generation.
type Sink interface {
	Send(m wire.Message)
}

// Config holds observer tuning.
type Config struct {
	Interval time.Duration
	Logger   *zap.Logger
}

// Observer polls a WindowSource and emits lifecycle events for every
// observed change. One observer tracks one display.
type Observer struct {
	interval time.Duration
	source   WindowSource
	sink     Sink
	logger   *zap.Logger

	// mu serializes polling against Announce, which the transport
	// calls from its own goroutine on reconnect.
	mu      sync.Mutex
	nextID  uint32
	tracked map[uint32]*trackedWindow
}

type trackedWindow struct {
	id   uint32
	last Window
}

// New creates an observer that reports changes from source to sink.
func New(cfg Config, source WindowSource, sink Sink) *Observer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		interval: interval,
		source:   source,
		sink:     sink,
		logger:   logger,
		nextID:   1,
		tracked:  make(map[uint32]*trackedWindow),
	}
}

// Run starts the polling loop. Blocks until the context is cancelled.
func (o *Observer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.logger.Info("observer started", zap.Duration("interval", o.interval))

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("observer stopped")
			return
		case <-ticker.C:
			o.PollNow()
		}
	}
}

// PollNow performs a single sample-and-diff pass.
func (o *Observer) PollNow() {
	defer func() {
		if err := recover(); err != nil {
			o.logger.Error("observer panic recovered", zap.Any("error", err))
		}
	}()

	sample, err := o.source.ListWindows()
	if err != nil {
		o.logger.Warn("window enumeration failed", zap.Error(err))
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	current := make(map[uint32]Window, len(sample))
	for _, w := range sample {
		current[w.Handle] = w
	}

	// New windows first, in handle order so ties are deterministic.
	var fresh []Window
	for handle, w := range current {
		if _, ok := o.tracked[handle]; !ok {
			fresh = append(fresh, w)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Handle < fresh[j].Handle })
	for _, w := range fresh {
		tw := &trackedWindow{id: o.nextID, last: w}
		o.nextID++
		o.tracked[w.Handle] = tw
		o.sink.Send(createdMessage(tw.id, w))
		o.logger.Debug("window created",
			zap.Uint32("window_id", tw.id),
			zap.Uint32("handle", w.Handle),
			zap.String("title", w.Title))
	}

	// Then per-window updates for survivors, in assigned-id order.
	for _, tw := range o.sortedTracked() {
		w, ok := current[tw.last.Handle]
		if !ok {
			continue
		}
		o.emitUpdates(tw, w)
		tw.last = w
	}

	// Departed windows. No focus-lost first: destruction subsumes it.
	var gone []*trackedWindow
	for handle, tw := range o.tracked {
		if _, ok := current[handle]; !ok {
			gone = append(gone, tw)
			delete(o.tracked, handle)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].id < gone[j].id })
	for _, tw := range gone {
		o.sink.Send(wire.Message{Kind: wire.KindDestroyed, WindowID: tw.id})
		o.logger.Debug("window destroyed", zap.Uint32("window_id", tw.id))
	}

	o.sink.Send(wire.Heartbeat())
}

func (o *Observer) emitUpdates(tw *trackedWindow, w Window) {
	prev := tw.last
	if w.Width != prev.Width || w.Height != prev.Height {
		o.sink.Send(wire.Message{
			Kind: wire.KindResized, WindowID: tw.id,
			Width: w.Width, Height: w.Height,
		})
	}
	if w.X != prev.X || w.Y != prev.Y {
		o.sink.Send(wire.Message{
			Kind: wire.KindMoved, WindowID: tw.id,
			X: w.X, Y: w.Y,
		})
	}
	if w.Title != prev.Title {
		o.sink.Send(wire.Message{
			Kind: wire.KindTitleChanged, WindowID: tw.id,
			Title: clipTitle(w.Title),
		})
	}
	if w.Focused != prev.Focused {
		kind := wire.KindFocusLost
		if w.Focused {
			kind = wire.KindFocusGained
		}
		o.sink.Send(wire.Message{Kind: kind, WindowID: tw.id})
	}
}

// Announce re-emits a Created event for every tracked window followed
// by a heartbeat. The transport calls it at the start of each
// connection generation so the host can rebuild state from scratch.
func (o *Observer) Announce() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, tw := range o.sortedTracked() {
		o.sink.Send(createdMessage(tw.id, tw.last))
	}
	o.sink.Send(wire.Heartbeat())
}

func (o *Observer) sortedTracked() []*trackedWindow {
	out := make([]*trackedWindow, 0, len(o.tracked))
	for _, tw := range o.tracked {
		out = append(out, tw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func createdMessage(id uint32, w Window) wire.Message {
	return wire.Message{
		Kind:     wire.KindCreated,
		WindowID: id,
		Title:    clipTitle(w.Title),
		X:        w.X,
		Y:        w.Y,
		Width:    w.Width,
		Height:   w.Height,
		Focused:  w.Focused,
		Visible:  w.Visible,
	}
}

// clipTitle bounds a guest title to the protocol string limit, cutting
// on a rune boundary.
func clipTitle(s string) string {
	if len(s) <= wire.MaxStringLen {
		return s
	}
	cut := wire.MaxStringLen
	for cut > 0 && s[cut]&0xc0 == 0x80 {
		cut--
	}
	return s[:cut]
}
