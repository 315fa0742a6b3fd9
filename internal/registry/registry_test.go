package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appvm/seamless/internal/wire"
)

func created(seq uint64, id uint32, title string, w, h int32) wire.Message {
	return wire.Message{
		Kind: wire.KindCreated, Seq: seq, WindowID: id,
		Title: title, Width: w, Height: h, Visible: true,
	}
}

func TestApply_CreateDestroyTracksLiveSet(t *testing.T) {
	r := New(nil)

	require.True(t, r.Apply(created(1, 1, "a", 100, 100)).Applied)
	require.True(t, r.Apply(created(2, 2, "b", 100, 100)).Applied)
	require.True(t, r.Apply(created(3, 3, "c", 100, 100)).Applied)
	require.True(t, r.Apply(wire.Message{Kind: wire.KindDestroyed, Seq: 4, WindowID: 2}).Applied)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint32(1), snap[0].ID)
	assert.Equal(t, uint32(3), snap[1].ID)
	assert.Equal(t, 2, r.WindowCount())
}

func TestApply_DuplicateSeqIsNoOp(t *testing.T) {
	r := New(nil)

	require.True(t, r.Apply(created(1, 1, "a", 800, 600)).Applied)
	require.True(t, r.Apply(wire.Message{Kind: wire.KindMoved, Seq: 2, WindowID: 1, X: 50, Y: 60}).Applied)

	before := r.Snapshot()

	// Replay of an already-applied message must not mutate anything.
	res := r.Apply(wire.Message{Kind: wire.KindMoved, Seq: 2, WindowID: 1, X: 999, Y: 999})
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonDuplicateSeq, res.Reason)
	assert.Equal(t, before, r.Snapshot())

	// Same for anything at or below the high-water mark.
	res = r.Apply(created(1, 9, "late", 100, 100))
	assert.Equal(t, ReasonDuplicateSeq, res.Reason)
	assert.Equal(t, before, r.Snapshot())
}

func TestApply_UnknownIDIsNoOp(t *testing.T) {
	r := New(nil)

	res := r.Apply(wire.Message{Kind: wire.KindMoved, Seq: 1, WindowID: 42, X: 1, Y: 1})
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonUnknownID, res.Reason)
	assert.Empty(t, r.Snapshot())
}

func TestApply_TerminalIDIsNoOp(t *testing.T) {
	r := New(nil)

	require.True(t, r.Apply(created(1, 1, "a", 100, 100)).Applied)
	require.True(t, r.Apply(wire.Message{Kind: wire.KindDestroyed, Seq: 2, WindowID: 1}).Applied)

	tests := []wire.Message{
		{Kind: wire.KindMoved, Seq: 3, WindowID: 1, X: 10, Y: 10},
		{Kind: wire.KindResized, Seq: 4, WindowID: 1, Width: 5, Height: 5},
		{Kind: wire.KindFocusGained, Seq: 5, WindowID: 1},
		created(6, 1, "reborn", 100, 100),
	}
	for _, m := range tests {
		res := r.Apply(m)
		assert.False(t, res.Applied, "kind %s", m.Kind)
		assert.Equal(t, ReasonTerminalID, res.Reason, "kind %s", m.Kind)
	}
	assert.Empty(t, r.Snapshot())
}

func TestApply_LifecycleScenario(t *testing.T) {
	// Created → Resized → Destroyed → stray Moved: final snapshot empty,
	// the stray event is a recorded no-op.
	r := New(nil)

	require.True(t, r.Apply(created(1, 1, "Browser", 800, 600)).Applied)
	require.True(t, r.Apply(wire.Message{Kind: wire.KindResized, Seq: 2, WindowID: 1, Width: 1024, Height: 768}).Applied)
	require.True(t, r.Apply(wire.Message{Kind: wire.KindDestroyed, Seq: 3, WindowID: 1}).Applied)

	res := r.Apply(wire.Message{Kind: wire.KindMoved, Seq: 4, WindowID: 1, X: 10, Y: 10})
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonTerminalID, res.Reason)
	assert.Empty(t, r.Snapshot())
}

func TestApply_FieldUpdates(t *testing.T) {
	r := New(nil)
	require.True(t, r.Apply(created(1, 1, "Browser", 800, 600)).Applied)

	require.True(t, r.Apply(wire.Message{Kind: wire.KindResized, Seq: 2, WindowID: 1, Width: 1024, Height: 768}).Applied)
	require.True(t, r.Apply(wire.Message{Kind: wire.KindMoved, Seq: 3, WindowID: 1, X: 40, Y: 30}).Applied)
	require.True(t, r.Apply(wire.Message{Kind: wire.KindTitleChanged, Seq: 4, WindowID: 1, Title: "Browser — docs"}).Applied)
	require.True(t, r.Apply(wire.Message{Kind: wire.KindFocusGained, Seq: 5, WindowID: 1}).Applied)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	rec := snap[0]
	assert.Equal(t, Geometry{X: 40, Y: 30, Width: 1024, Height: 768}, rec.Geometry)
	assert.Equal(t, "Browser — docs", rec.Title)
	assert.True(t, rec.Focused)
	assert.Equal(t, uint64(5), rec.LastSeq)

	require.True(t, r.Apply(wire.Message{Kind: wire.KindFocusLost, Seq: 6, WindowID: 1}).Applied)
	assert.False(t, r.Snapshot()[0].Focused)
}

func TestApply_MalformedFieldsRejected(t *testing.T) {
	r := New(nil)

	tests := []struct {
		name string
		msg  wire.Message
	}{
		{"zero width", created(1, 1, "a", 0, 100)},
		{"negative height", created(1, 1, "a", 100, -1)},
		{"oversized width", created(1, 1, "a", MaxDimension+1, 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)
			res := r.Apply(tt.msg)
			assert.False(t, res.Applied)
			assert.Equal(t, ReasonMalformedField, res.Reason)
			assert.Empty(t, r.Snapshot())
		})
	}

	// A malformed resize leaves the existing record untouched.
	require.True(t, r.Apply(created(1, 1, "a", 800, 600)).Applied)
	res := r.Apply(wire.Message{Kind: wire.KindResized, Seq: 2, WindowID: 1, Width: -5, Height: 5})
	assert.Equal(t, ReasonMalformedField, res.Reason)
	assert.Equal(t, Geometry{Width: 800, Height: 600}, r.Snapshot()[0].Geometry)
}

func TestApply_CreateOnLiveIDRejected(t *testing.T) {
	r := New(nil)
	require.True(t, r.Apply(created(1, 1, "a", 100, 100)).Applied)

	res := r.Apply(created(2, 1, "imposter", 100, 100))
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonInvalidTransition, res.Reason)
	assert.Equal(t, "a", r.Snapshot()[0].Title)
}

func TestApply_HelloRejected(t *testing.T) {
	r := New(nil)
	res := r.Apply(wire.Hello("sneaky"))
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonInvalidTransition, res.Reason)
}

func TestApply_HeartbeatUpdatesLiveness(t *testing.T) {
	r := New(nil)
	assert.True(t, r.LastHeartbeat().IsZero())

	res := r.Apply(wire.Message{Kind: wire.KindHeartbeat, Seq: 1})
	assert.True(t, res.Applied)
	assert.False(t, r.LastHeartbeat().IsZero())
	assert.Equal(t, uint64(1), r.LastAppliedSeq())
	assert.Empty(t, r.Snapshot())
}

func TestApply_RejectedEventsDoNotAdvanceSeq(t *testing.T) {
	r := New(nil)
	require.True(t, r.Apply(created(1, 1, "a", 100, 100)).Applied)

	// An event for an id that was never created is a no-op and must not
	// move the applied high-water mark.
	res := r.Apply(wire.Message{Kind: wire.KindMoved, Seq: 5, WindowID: 42, X: 1, Y: 1})
	assert.Equal(t, ReasonUnknownID, res.Reason)
	assert.Equal(t, uint64(1), r.LastAppliedSeq())

	// A redelivery of the rejected event classifies the same way rather
	// than masquerading as a duplicate of something applied.
	res = r.Apply(wire.Message{Kind: wire.KindMoved, Seq: 5, WindowID: 42, X: 1, Y: 1})
	assert.Equal(t, ReasonUnknownID, res.Reason)

	require.True(t, r.Apply(wire.Message{Kind: wire.KindHeartbeat, Seq: 6}).Applied)
	assert.Equal(t, uint64(6), r.LastAppliedSeq())
}

func TestSubscribe_SeesAppliedTransitionsInOrder(t *testing.T) {
	r := New(nil)

	var got []Transition
	r.Subscribe(func(tr Transition) { got = append(got, tr) })

	require.True(t, r.Apply(created(1, 1, "a", 100, 100)).Applied)
	require.True(t, r.Apply(wire.Message{Kind: wire.KindMoved, Seq: 2, WindowID: 1, X: 5, Y: 5}).Applied)
	// Rejected and heartbeat messages produce no transitions.
	r.Apply(wire.Message{Kind: wire.KindMoved, Seq: 2, WindowID: 1, X: 9, Y: 9})
	r.Apply(wire.Message{Kind: wire.KindHeartbeat, Seq: 3})
	require.True(t, r.Apply(wire.Message{Kind: wire.KindDestroyed, Seq: 4, WindowID: 1}).Applied)

	require.Len(t, got, 3)
	assert.Equal(t, TransitionCreated, got[0].Kind)
	assert.Equal(t, TransitionUpdated, got[1].Kind)
	assert.Equal(t, Geometry{X: 5, Y: 5, Width: 100, Height: 100}, got[1].Record.Geometry)
	assert.Equal(t, TransitionDestroyed, got[2].Kind)
	assert.Equal(t, uint32(1), got[2].Record.ID)
}
