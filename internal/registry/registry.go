// Package registry holds the host-side authoritative model of the
// windows a guest has announced. It is the single writer of window
// state: decoded guest events are applied as state transitions, invalid
// transitions are recorded as no-ops, and the rendering layer only ever
// sees immutable copies.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appvm/seamless/internal/wire"
)

// MaxDimension bounds window width/height accepted from the guest.
// Values beyond it (or non-positive) are guest input errors, not host
// state.
const MaxDimension = 32768

// Geometry is a window's position and size in guest coordinates.
type Geometry struct {
	X      int32
	Y      int32
	Width  int32
	Height int32
}

// WindowRecord is the unit of state tracked per guest window.
type WindowRecord struct {
	ID       uint32
	Title    string
	Geometry Geometry
	Focused  bool
	Visible  bool
	LastSeq  uint64
}

// Reason classifies the outcome of applying a message.
type Reason string

const (
	ReasonApplied           Reason = "applied"
	ReasonDuplicateSeq      Reason = "duplicate-seq"
	ReasonUnknownID         Reason = "unknown-id"
	ReasonTerminalID        Reason = "terminal-id"
	ReasonInvalidTransition Reason = "invalid-transition"
	ReasonMalformedField    Reason = "malformed-field"
)

// Result reports whether a message mutated state and why not if it
// didn't. Rejections are recorded outcomes, not errors: a lagging or
// buggy guest must never take the session down from this layer.
type Result struct {
	Applied bool
	Reason  Reason
}

func applied() Result {
	return Result{Applied: true, Reason: ReasonApplied}
}

func rejected(r Reason) Result {
	return Result{Reason: r}
}

// TransitionKind tags the feed of applied transitions.
type TransitionKind string

const (
	TransitionCreated   TransitionKind = "created"
	TransitionUpdated   TransitionKind = "updated"
	TransitionDestroyed TransitionKind = "destroyed"
)

// Transition is delivered to subscribers after each applied state
// change. Record is a copy; subscribers cannot mutate registry state.
type Transition struct {
	Kind   TransitionKind
	Record WindowRecord
}

// Registry applies window events for one session. Message application
// is sequential (one decode loop per session), but snapshots and counts
// are queried from the operator surface concurrently, so access is
// locked.
type Registry struct {
	logger *zap.Logger

	mu             sync.Mutex
	windows        map[uint32]*WindowRecord
	destroyed      map[uint32]struct{}
	lastAppliedSeq uint64
	lastHeartbeat  time.Time
	subs           []func(Transition)
}

// New creates an empty registry. Every connection generation gets a
// fresh one; registries are never reused across reconnects.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:    logger,
		windows:   make(map[uint32]*WindowRecord),
		destroyed: make(map[uint32]struct{}),
	}
}

// Subscribe registers fn for the applied-transition feed. Callbacks run
// synchronously on the applying goroutine, in application order.
func (r *Registry) Subscribe(fn func(Transition)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Apply runs one message through the state machine. The transition, if
// any, is delivered after the lock is released so subscribers may query
// the registry.
func (r *Registry) Apply(m wire.Message) Result {
	r.mu.Lock()
	res, tr := r.apply(m)
	if res.Applied {
		r.lastAppliedSeq = m.Seq
	}
	subs := r.subs
	r.mu.Unlock()

	if !res.Applied {
		r.logger.Debug("event rejected",
			zap.String("kind", m.Kind.String()),
			zap.Uint64("seq", m.Seq),
			zap.Uint32("window_id", m.WindowID),
			zap.String("reason", string(res.Reason)))
	}
	if tr != nil {
		for _, fn := range subs {
			fn(*tr)
		}
	}
	return res
}

func (r *Registry) apply(m wire.Message) (Result, *Transition) {
	if m.Kind == wire.KindHello || !validEventKind(m.Kind) {
		return rejected(ReasonInvalidTransition), nil
	}

	// Duplicate drop makes at-least-once redelivery idempotent. The
	// high-water mark moves only for applied messages, so a rejected
	// event never inflates the reported sequence.
	if m.Seq <= r.lastAppliedSeq {
		return rejected(ReasonDuplicateSeq), nil
	}

	if m.Kind == wire.KindHeartbeat {
		r.lastHeartbeat = time.Now()
		return applied(), nil
	}

	if _, gone := r.destroyed[m.WindowID]; gone {
		return rejected(ReasonTerminalID), nil
	}

	rec, known := r.windows[m.WindowID]

	if m.Kind == wire.KindCreated {
		if known {
			return rejected(ReasonInvalidTransition), nil
		}
		if !validDimensions(m.Width, m.Height) || len(m.Title) > wire.MaxStringLen {
			return rejected(ReasonMalformedField), nil
		}
		rec = &WindowRecord{
			ID:       m.WindowID,
			Title:    m.Title,
			Geometry: Geometry{X: m.X, Y: m.Y, Width: m.Width, Height: m.Height},
			Focused:  m.Focused,
			Visible:  m.Visible,
			LastSeq:  m.Seq,
		}
		r.windows[m.WindowID] = rec
		return applied(), &Transition{Kind: TransitionCreated, Record: *rec}
	}

	// Everything past here requires an existing Created window.
	if !known {
		return rejected(ReasonUnknownID), nil
	}

	switch m.Kind {
	case wire.KindDestroyed:
		delete(r.windows, m.WindowID)
		r.destroyed[m.WindowID] = struct{}{}
		rec.LastSeq = m.Seq
		return applied(), &Transition{Kind: TransitionDestroyed, Record: *rec}
	case wire.KindMoved:
		rec.Geometry.X = m.X
		rec.Geometry.Y = m.Y
	case wire.KindResized:
		if !validDimensions(m.Width, m.Height) {
			return rejected(ReasonMalformedField), nil
		}
		rec.Geometry.Width = m.Width
		rec.Geometry.Height = m.Height
	case wire.KindTitleChanged:
		if len(m.Title) > wire.MaxStringLen {
			return rejected(ReasonMalformedField), nil
		}
		rec.Title = m.Title
	case wire.KindFocusGained:
		rec.Focused = true
	case wire.KindFocusLost:
		rec.Focused = false
	}

	rec.LastSeq = m.Seq
	return applied(), &Transition{Kind: TransitionUpdated, Record: *rec}
}

// Snapshot returns a copy of all live windows sorted by WindowID.
func (r *Registry) Snapshot() []WindowRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]WindowRecord, 0, len(r.windows))
	for _, rec := range r.windows {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WindowCount returns the number of live windows.
func (r *Registry) WindowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// LastHeartbeat returns the receive time of the most recent heartbeat,
// zero if none has arrived yet.
func (r *Registry) LastHeartbeat() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHeartbeat
}

// LastAppliedSeq returns the highest sequence number accepted so far.
func (r *Registry) LastAppliedSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAppliedSeq
}

func validEventKind(k wire.Kind) bool {
	return k >= wire.KindCreated && k <= wire.KindHeartbeat
}

func validDimensions(w, h int32) bool {
	return w > 0 && h > 0 && w <= MaxDimension && h <= MaxDimension
}
