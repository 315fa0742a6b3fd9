package observer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appvm/seamless/internal/wire"
)

type fakeSource struct {
	windows []Window
	err     error
}

func (f *fakeSource) ListWindows() ([]Window, error) {
	return f.windows, f.err
}

type captureSink struct {
	msgs []wire.Message
}

func (c *captureSink) Send(m wire.Message) {
	c.msgs = append(c.msgs, m)
}

func (c *captureSink) reset() { c.msgs = nil }

func kinds(msgs []wire.Message) []wire.Kind {
	out := make([]wire.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func TestPollNow_NewWindowsEmitCreatedInHandleOrder(t *testing.T) {
	src := &fakeSource{windows: []Window{
		{Handle: 0x30, Title: "c", Width: 300, Height: 300},
		{Handle: 0x10, Title: "a", Width: 100, Height: 100, Focused: true, Visible: true},
		{Handle: 0x20, Title: "b", Width: 200, Height: 200, Visible: true},
	}}
	sink := &captureSink{}
	o := New(Config{}, src, sink)

	o.PollNow()

	require.Len(t, sink.msgs, 4)
	assert.Equal(t, []wire.Kind{
		wire.KindCreated, wire.KindCreated, wire.KindCreated, wire.KindHeartbeat,
	}, kinds(sink.msgs))

	// Identifiers are assigned in handle order starting at 1.
	assert.Equal(t, uint32(1), sink.msgs[0].WindowID)
	assert.Equal(t, "a", sink.msgs[0].Title)
	assert.True(t, sink.msgs[0].Focused)
	assert.Equal(t, uint32(2), sink.msgs[1].WindowID)
	assert.Equal(t, "b", sink.msgs[1].Title)
	assert.Equal(t, uint32(3), sink.msgs[2].WindowID)
	assert.Equal(t, "c", sink.msgs[2].Title)
}

func TestPollNow_StableWindowsEmitOnlyHeartbeat(t *testing.T) {
	src := &fakeSource{windows: []Window{
		{Handle: 1, Title: "a", Width: 100, Height: 100},
	}}
	sink := &captureSink{}
	o := New(Config{}, src, sink)

	o.PollNow()
	sink.reset()

	o.PollNow()
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, wire.KindHeartbeat, sink.msgs[0].Kind)
}

func TestPollNow_ChangesEmitPerWindowEvents(t *testing.T) {
	src := &fakeSource{windows: []Window{
		{Handle: 1, Title: "Browser", X: 0, Y: 0, Width: 800, Height: 600, Focused: true},
	}}
	sink := &captureSink{}
	o := New(Config{}, src, sink)
	o.PollNow()
	sink.reset()

	src.windows = []Window{
		{Handle: 1, Title: "Browser - docs", X: 40, Y: 30, Width: 1024, Height: 768, Focused: false},
	}
	o.PollNow()

	require.Equal(t, []wire.Kind{
		wire.KindResized, wire.KindMoved, wire.KindTitleChanged,
		wire.KindFocusLost, wire.KindHeartbeat,
	}, kinds(sink.msgs))

	assert.Equal(t, int32(1024), sink.msgs[0].Width)
	assert.Equal(t, int32(768), sink.msgs[0].Height)
	assert.Equal(t, int32(40), sink.msgs[1].X)
	assert.Equal(t, int32(30), sink.msgs[1].Y)
	assert.Equal(t, "Browser - docs", sink.msgs[2].Title)
	for _, m := range sink.msgs[:4] {
		assert.Equal(t, uint32(1), m.WindowID)
	}
}

func TestPollNow_DepartedWindowEmitsDestroyedOnly(t *testing.T) {
	src := &fakeSource{windows: []Window{
		{Handle: 1, Title: "a", Width: 100, Height: 100, Focused: true},
		{Handle: 2, Title: "b", Width: 100, Height: 100},
	}}
	sink := &captureSink{}
	o := New(Config{}, src, sink)
	o.PollNow()
	sink.reset()

	src.windows = src.windows[1:]
	o.PollNow()

	// The focused window vanished: destruction only, no focus-lost.
	require.Equal(t, []wire.Kind{wire.KindDestroyed, wire.KindHeartbeat}, kinds(sink.msgs))
	assert.Equal(t, uint32(1), sink.msgs[0].WindowID)
}

func TestPollNow_IdentifiersAreNeverReused(t *testing.T) {
	src := &fakeSource{windows: []Window{{Handle: 1, Title: "a", Width: 1, Height: 1}}}
	sink := &captureSink{}
	o := New(Config{}, src, sink)
	o.PollNow()

	src.windows = nil
	o.PollNow()

	// The native handle comes back; it must get a fresh identifier.
	src.windows = []Window{{Handle: 1, Title: "a again", Width: 1, Height: 1}}
	sink.reset()
	o.PollNow()

	require.Equal(t, wire.KindCreated, sink.msgs[0].Kind)
	assert.Equal(t, uint32(2), sink.msgs[0].WindowID)
}

func TestPollNow_SourceErrorEmitsNothing(t *testing.T) {
	src := &fakeSource{err: assert.AnError}
	sink := &captureSink{}
	o := New(Config{}, src, sink)

	o.PollNow()
	assert.Empty(t, sink.msgs)
}

func TestPollNow_OversizedTitleClipped(t *testing.T) {
	long := strings.Repeat("x", wire.MaxStringLen+100)
	src := &fakeSource{windows: []Window{{Handle: 1, Title: long, Width: 1, Height: 1}}}
	sink := &captureSink{}
	o := New(Config{}, src, sink)

	o.PollNow()
	require.Equal(t, wire.KindCreated, sink.msgs[0].Kind)
	assert.Len(t, sink.msgs[0].Title, wire.MaxStringLen)
}

func TestClipTitle_RuneBoundary(t *testing.T) {
	// Fill to just under the limit, then a multi-byte rune straddling it.
	s := strings.Repeat("a", wire.MaxStringLen-1) + "é"
	clipped := clipTitle(s)
	assert.LessOrEqual(t, len(clipped), wire.MaxStringLen)
	assert.Equal(t, strings.Repeat("a", wire.MaxStringLen-1), clipped)
}

func TestAnnounce_ReplaysTrackedWindows(t *testing.T) {
	src := &fakeSource{windows: []Window{
		{Handle: 1, Title: "a", X: 1, Y: 2, Width: 100, Height: 100, Visible: true},
		{Handle: 2, Title: "b", Width: 200, Height: 200, Focused: true, Visible: true},
	}}
	sink := &captureSink{}
	o := New(Config{}, src, sink)
	o.PollNow()
	sink.reset()

	o.Announce()

	require.Equal(t, []wire.Kind{
		wire.KindCreated, wire.KindCreated, wire.KindHeartbeat,
	}, kinds(sink.msgs))
	assert.Equal(t, uint32(1), sink.msgs[0].WindowID)
	assert.Equal(t, "a", sink.msgs[0].Title)
	assert.Equal(t, int32(1), sink.msgs[0].X)
	assert.Equal(t, uint32(2), sink.msgs[1].WindowID)
	assert.True(t, sink.msgs[1].Focused)
}

func TestAnnounce_EmptyStateStillHeartbeats(t *testing.T) {
	sink := &captureSink{}
	o := New(Config{}, &fakeSource{}, sink)

	o.Announce()
	require.Equal(t, []wire.Kind{wire.KindHeartbeat}, kinds(sink.msgs))
}
