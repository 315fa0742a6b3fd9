package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appvm/seamless/internal/proxy"
	"github.com/appvm/seamless/internal/runtimepath"
	"github.com/appvm/seamless/internal/vmctl"
)

// DefinitionSource lists the VMs the operator has defined, whether or
// not their agents are connected. vmctl.Manager implements it.
type DefinitionSource interface {
	Definitions() ([]vmctl.Definition, error)
}

// Server answers operator queries over the daemon's unix socket.
type Server struct {
	socketPath   string
	listener     net.Listener
	proxy        *proxy.Server
	vms          DefinitionSource
	staleAfter   time.Duration
	logger       *zap.Logger
	shuttingDown bool
	shutdownMu   sync.Mutex
}

// NewServer creates an IPC server exposing the given proxy. staleAfter
// is the heartbeat age past which a session is reported stale. vms may
// be nil; defined VMs with no live session then go unreported.
func NewServer(p *proxy.Server, vms DefinitionSource, staleAfter time.Duration, logger *zap.Logger) (*Server, error) {
	socketPath, err := runtimepath.SocketPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve IPC socket path: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Remove existing socket if present
	os.Remove(socketPath)

	return &Server{
		socketPath: socketPath,
		proxy:      p,
		vms:        vms,
		staleAfter: staleAfter,
		logger:     logger,
	}, nil
}

// Start begins listening for IPC connections
func (s *Server) Start() error {
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create IPC socket: %w", err)
	}
	s.listener = listener

	// Set socket permissions
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.logger.Info("IPC server listening", zap.String("socket", s.socketPath))

	go s.acceptLoop()

	return nil
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
			s.logger.Warn("IPC accept error", zap.Error(err))
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single IPC connection
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	// Read the request (expect JSON on a single line)
	data, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		s.logger.Warn("IPC read error", zap.Error(err))
		return
	}

	req, err := ParseRequest(data)
	if err != nil {
		s.sendError(conn, fmt.Sprintf("Invalid request: %v", err))
		return
	}

	resp := s.handleCommand(req)

	respData, err := resp.Marshal()
	if err != nil {
		s.logger.Warn("failed to marshal response", zap.Error(err))
		return
	}

	respData = append(respData, '\n')
	if _, err := conn.Write(respData); err != nil {
		s.logger.Warn("failed to send response", zap.Error(err))
	}
}

func (s *Server) handleCommand(req *Request) *Response {
	switch req.Command {
	case CommandGetStatus:
		return s.handleGetStatus()
	case CommandListSessions:
		return s.handleListSessions()
	case CommandListWindows:
		return s.handleListWindows(req.Payload)
	default:
		return NewErrorResponse(fmt.Sprintf("Unknown command: %s", req.Command))
	}
}

func (s *Server) handleGetStatus() *Response {
	st := s.proxy.Status()
	resp, _ := NewOKResponse(StatusData{
		DaemonRunning: true,
		UptimeSeconds: st.UptimeSeconds,
		SessionCount:  st.SessionCount,
		WindowCount:   st.WindowCount,
	})
	return resp
}

func (s *Server) handleListSessions() *Response {
	infos := s.proxy.Sessions()
	connected := make(map[string]struct{}, len(infos))
	sessions := make([]SessionInfo, 0, len(infos))
	for _, info := range infos {
		connected[info.Identity] = struct{}{}
		liveness := "live"
		ageMS := int64(-1)
		if info.LastHeartbeat.IsZero() {
			// Connected but no heartbeat yet: stale until proven alive.
			liveness = "stale"
		} else {
			age := time.Since(info.LastHeartbeat)
			ageMS = age.Milliseconds()
			if age > s.staleAfter {
				liveness = "stale"
			}
		}
		sessions = append(sessions, SessionInfo{
			Identity:       info.Identity,
			Liveness:       liveness,
			Generation:     info.Generation,
			WindowCount:    info.WindowCount,
			HeartbeatAgeMS: ageMS,
			EventsApplied:  info.EventsApplied,
			EventsRejected: info.EventsRejected,
		})
	}

	// Defined VMs with no live session are listed too: a crashed or
	// powered-off guest must not silently vanish from the output.
	if s.vms != nil {
		defs, err := s.vms.Definitions()
		if err != nil {
			s.logger.Warn("failed to read VM definitions", zap.Error(err))
		}
		for _, def := range defs {
			if _, ok := connected[def.Identity]; ok {
				continue
			}
			sessions = append(sessions, SessionInfo{
				Identity:       def.Identity,
				Liveness:       "disconnected",
				HeartbeatAgeMS: -1,
			})
		}
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].Identity < sessions[j].Identity })
	}

	resp, _ := NewOKResponse(SessionsData{Sessions: sessions})
	return resp
}

func (s *Server) handleListWindows(payload json.RawMessage) *Response {
	var req ListWindowsPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return NewErrorResponse(fmt.Sprintf("Invalid windows payload: %v", err))
	}
	if req.Identity == "" {
		return NewErrorResponse("identity is required")
	}

	records := s.proxy.Windows(req.Identity)
	if records == nil {
		return NewErrorResponse(fmt.Sprintf("No session for identity: %s", req.Identity))
	}

	windows := make([]WindowInfo, 0, len(records))
	for _, rec := range records {
		windows = append(windows, WindowInfo{
			ID:      rec.ID,
			Title:   rec.Title,
			X:       rec.Geometry.X,
			Y:       rec.Geometry.Y,
			Width:   rec.Geometry.Width,
			Height:  rec.Geometry.Height,
			Focused: rec.Focused,
			Visible: rec.Visible,
		})
	}

	resp, _ := NewOKResponse(WindowsData{Identity: req.Identity, Windows: windows})
	return resp
}

// sendError sends an error response
func (s *Server) sendError(conn net.Conn, errMsg string) {
	resp := NewErrorResponse(errMsg)
	data, _ := resp.Marshal()
	data = append(data, '\n')
	conn.Write(data)
}

// Stop gracefully shuts down the IPC server
func (s *Server) Stop() {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.socketPath)
}
