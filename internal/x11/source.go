package x11

import (
	"fmt"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/BurntSushi/xgbutil/xwindow"

	"github.com/appvm/seamless/internal/observer"
)

var _ observer.WindowSource = (*Connection)(nil)

// ListWindows enumerates the normal application windows from the EWMH
// client list. Windows that vanish between the list query and the
// per-window property reads are skipped; the next sample catches up.
func (c *Connection) ListWindows() ([]observer.Window, error) {
	clients, err := ewmh.ClientListGet(c.XUtil)
	if err != nil {
		return nil, fmt.Errorf("failed to get client list: %w", err)
	}

	active, err := ewmh.ActiveWindowGet(c.XUtil)
	if err != nil {
		active = 0
	}

	windows := make([]observer.Window, 0, len(clients))
	for _, win := range clients {
		if !c.isNormalWindow(win) {
			continue
		}

		rect, err := xwindow.New(c.XUtil, win).DecorGeometry()
		if err != nil {
			continue
		}

		windows = append(windows, observer.Window{
			Handle:  uint32(win),
			Title:   c.windowTitle(win),
			X:       int32(rect.X()),
			Y:       int32(rect.Y()),
			Width:   int32(rect.Width()),
			Height:  int32(rect.Height()),
			Focused: win == active && active != 0,
			Visible: c.isVisible(win),
		})
	}

	return windows, nil
}

// windowTitle prefers _NET_WM_NAME and falls back to the ICCCM
// WM_NAME property for clients that never set the EWMH one.
func (c *Connection) windowTitle(win xproto.Window) string {
	if name, err := ewmh.WmNameGet(c.XUtil, win); err == nil && name != "" {
		return name
	}
	if name, err := icccm.WmNameGet(c.XUtil, win); err == nil {
		return name
	}
	return ""
}

// isNormalWindow checks if a window is a normal application window.
func (c *Connection) isNormalWindow(win xproto.Window) bool {
	types, err := ewmh.WmWindowTypeGet(c.XUtil, win)
	if err != nil {
		// If we can't determine type, assume it's normal
		return true
	}

	for _, t := range types {
		if t == "_NET_WM_WINDOW_TYPE_NORMAL" {
			return true
		}
		// Reject desktop, dock, splash, etc.
		if t == "_NET_WM_WINDOW_TYPE_DESKTOP" ||
			t == "_NET_WM_WINDOW_TYPE_DOCK" ||
			t == "_NET_WM_WINDOW_TYPE_SPLASH" ||
			t == "_NET_WM_WINDOW_TYPE_NOTIFICATION" {
			return false
		}
	}

	// If no specific type is set, assume it's normal
	return len(types) == 0
}

// isVisible reports whether the window is currently shown. Minimized
// windows carry _NET_WM_STATE_HIDDEN.
func (c *Connection) isVisible(win xproto.Window) bool {
	states, err := ewmh.WmStateGet(c.XUtil, win)
	if err != nil {
		return true
	}
	for _, s := range states {
		if s == "_NET_WM_STATE_HIDDEN" {
			return false
		}
	}
	return true
}
