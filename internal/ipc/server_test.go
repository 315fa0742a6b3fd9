package ipc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appvm/seamless/internal/proxy"
	"github.com/appvm/seamless/internal/render"
	"github.com/appvm/seamless/internal/vmctl"
	"github.com/appvm/seamless/internal/wire"
)

// staticDefs is a canned DefinitionSource.
type staticDefs []vmctl.Definition

func (d staticDefs) Definitions() ([]vmctl.Definition, error) { return d, nil }

func startStack(t *testing.T, vms DefinitionSource) (*proxy.Server, *Client) {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	p := proxy.NewServer(proxy.Config{Addr: "127.0.0.1:0"}, render.NewLogAdapter(nil))
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)

	srv, err := NewServer(p, vms, 750*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return p, NewClient()
}

func connectAgent(t *testing.T, p *proxy.Server, identity string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, wire.WriteMessage(conn, wire.Hello(identity)))
	return conn
}

func TestGetStatus_EmptyDaemon(t *testing.T) {
	_, client := startStack(t, nil)

	status, err := client.GetStatus()
	require.NoError(t, err)
	assert.True(t, status.DaemonRunning)
	assert.Equal(t, 0, status.SessionCount)
	assert.Equal(t, 0, status.WindowCount)
}

func TestListSessions_ReflectsConnectedGuests(t *testing.T) {
	p, client := startStack(t, nil)
	conn := connectAgent(t, p, "browser-vm")

	require.NoError(t, wire.WriteMessage(conn, wire.Message{
		Kind: wire.KindCreated, Seq: 1, WindowID: 1,
		Title: "Browser", Width: 800, Height: 600, Visible: true,
	}))
	require.NoError(t, wire.WriteMessage(conn, wire.Message{Kind: wire.KindHeartbeat, Seq: 2}))

	require.Eventually(t, func() bool {
		data, err := client.ListSessions()
		return err == nil && len(data.Sessions) == 1 && data.Sessions[0].WindowCount == 1
	}, 2*time.Second, 20*time.Millisecond)

	data, err := client.ListSessions()
	require.NoError(t, err)
	sess := data.Sessions[0]
	assert.Equal(t, "browser-vm", sess.Identity)
	assert.Equal(t, "live", sess.Liveness)
	assert.Equal(t, uint64(1), sess.Generation)
	assert.GreaterOrEqual(t, sess.HeartbeatAgeMS, int64(0))

	status, err := client.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, status.SessionCount)
	assert.Equal(t, 1, status.WindowCount)
}

func TestListSessions_StaleWithoutHeartbeat(t *testing.T) {
	p, client := startStack(t, nil)
	connectAgent(t, p, "browser-vm")

	require.Eventually(t, func() bool {
		data, err := client.ListSessions()
		return err == nil && len(data.Sessions) == 1
	}, 2*time.Second, 20*time.Millisecond)

	data, err := client.ListSessions()
	require.NoError(t, err)
	assert.Equal(t, "stale", data.Sessions[0].Liveness)
	assert.Equal(t, int64(-1), data.Sessions[0].HeartbeatAgeMS)
}

func TestListSessions_DefinedVMsWithoutSessionAreDisconnected(t *testing.T) {
	defs := staticDefs{
		{Name: "browser-vm", Identity: "browser-vm"},
		{Name: "office-vm", Identity: "office-vm"},
	}
	p, client := startStack(t, defs)
	conn := connectAgent(t, p, "browser-vm")

	require.Eventually(t, func() bool {
		data, err := client.ListSessions()
		return err == nil && len(data.Sessions) == 2 &&
			data.Sessions[0].Liveness != "disconnected"
	}, 2*time.Second, 20*time.Millisecond)

	data, err := client.ListSessions()
	require.NoError(t, err)
	require.Len(t, data.Sessions, 2)
	assert.Equal(t, "browser-vm", data.Sessions[0].Identity)
	assert.NotEqual(t, "disconnected", data.Sessions[0].Liveness)

	office := data.Sessions[1]
	assert.Equal(t, "office-vm", office.Identity)
	assert.Equal(t, "disconnected", office.Liveness)
	assert.Equal(t, 0, office.WindowCount)
	assert.Equal(t, int64(-1), office.HeartbeatAgeMS)

	// Drop the connected guest: its identity stays in the listing,
	// now reported disconnected instead of vanishing.
	conn.Close()
	require.Eventually(t, func() bool {
		data, err := client.ListSessions()
		return err == nil && len(data.Sessions) == 2 &&
			data.Sessions[0].Liveness == "disconnected"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestListWindows(t *testing.T) {
	p, client := startStack(t, nil)
	conn := connectAgent(t, p, "browser-vm")

	require.NoError(t, wire.WriteMessage(conn, wire.Message{
		Kind: wire.KindCreated, Seq: 1, WindowID: 1,
		Title: "Browser", X: 10, Y: 20, Width: 800, Height: 600,
		Focused: true, Visible: true,
	}))

	require.Eventually(t, func() bool {
		data, err := client.ListWindows("browser-vm")
		return err == nil && len(data.Windows) == 1
	}, 2*time.Second, 20*time.Millisecond)

	data, err := client.ListWindows("browser-vm")
	require.NoError(t, err)
	win := data.Windows[0]
	assert.Equal(t, uint32(1), win.ID)
	assert.Equal(t, "Browser", win.Title)
	assert.Equal(t, int32(10), win.X)
	assert.True(t, win.Focused)

	_, err = client.ListWindows("no-such-vm")
	require.Error(t, err)
}
