// Package render defines the host-side presentation boundary. The
// proxy drives an Adapter with session and window lifecycle callbacks;
// how windows are actually surfaced (compositor integration, a debug
// log, a future RDP bridge) is the adapter's business.
package render

import (
	"go.uber.org/zap"

	"github.com/appvm/seamless/internal/registry"
)

// Adapter receives ordered lifecycle notifications for one or more
// guest sessions. Calls for a given session arrive from a single
// goroutine in application order; implementations must not block for
// long or they stall that session's event loop.
type Adapter interface {
	SessionStarted(identity string)
	SessionEnded(identity string)
	WindowCreated(identity string, rec registry.WindowRecord)
	WindowUpdated(identity string, rec registry.WindowRecord)
	WindowDestroyed(identity string, rec registry.WindowRecord)
}

// LogAdapter renders the window stream into structured logs. It is the
// default adapter and doubles as the reference implementation.
type LogAdapter struct {
	logger *zap.Logger
}

// NewLogAdapter creates an adapter that logs every lifecycle event.
func NewLogAdapter(logger *zap.Logger) *LogAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAdapter{logger: logger}
}

var _ Adapter = (*LogAdapter)(nil)

func (a *LogAdapter) SessionStarted(identity string) {
	a.logger.Info("session started", zap.String("vm", identity))
}

func (a *LogAdapter) SessionEnded(identity string) {
	a.logger.Info("session ended", zap.String("vm", identity))
}

func (a *LogAdapter) WindowCreated(identity string, rec registry.WindowRecord) {
	a.logger.Info("window created",
		zap.String("vm", identity),
		zap.Uint32("window_id", rec.ID),
		zap.String("title", rec.Title),
		zap.Int32("x", rec.Geometry.X),
		zap.Int32("y", rec.Geometry.Y),
		zap.Int32("width", rec.Geometry.Width),
		zap.Int32("height", rec.Geometry.Height),
		zap.Bool("visible", rec.Visible))
}

func (a *LogAdapter) WindowUpdated(identity string, rec registry.WindowRecord) {
	a.logger.Debug("window updated",
		zap.String("vm", identity),
		zap.Uint32("window_id", rec.ID),
		zap.String("title", rec.Title),
		zap.Int32("x", rec.Geometry.X),
		zap.Int32("y", rec.Geometry.Y),
		zap.Int32("width", rec.Geometry.Width),
		zap.Int32("height", rec.Geometry.Height),
		zap.Bool("focused", rec.Focused))
}

func (a *LogAdapter) WindowDestroyed(identity string, rec registry.WindowRecord) {
	a.logger.Info("window destroyed",
		zap.String("vm", identity),
		zap.Uint32("window_id", rec.ID))
}
