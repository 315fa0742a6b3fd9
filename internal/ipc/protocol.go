package ipc

import (
	"encoding/json"
	"fmt"
)

// CommandType represents different IPC command types
type CommandType string

const (
	CommandGetStatus    CommandType = "GET_STATUS"
	CommandListSessions CommandType = "LIST_SESSIONS"
	CommandListWindows  CommandType = "LIST_WINDOWS"
)

// Request represents an IPC request from client to server
type Request struct {
	Command CommandType     `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response represents an IPC response from server to client
type Response struct {
	Status string          `json:"status"` // "OK" or "ERROR"
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StatusData represents the data returned by GET_STATUS
type StatusData struct {
	DaemonRunning bool  `json:"daemon_running"`
	UptimeSeconds int64 `json:"uptime_seconds"`
	SessionCount  int   `json:"session_count"`
	WindowCount   int   `json:"window_count"`
}

// SessionInfo describes one connected VM session.
type SessionInfo struct {
	Identity       string `json:"identity"`
	Liveness       string `json:"liveness"` // "live", "stale" or "disconnected"
	Generation     uint64 `json:"generation"`
	WindowCount    int    `json:"window_count"`
	HeartbeatAgeMS int64  `json:"heartbeat_age_ms"` // -1 before the first heartbeat
	EventsApplied  uint64 `json:"events_applied"`
	EventsRejected uint64 `json:"events_rejected"`
}

// SessionsData represents the data returned by LIST_SESSIONS
type SessionsData struct {
	Sessions []SessionInfo `json:"sessions"`
}

// WindowInfo describes one live guest window.
type WindowInfo struct {
	ID      uint32 `json:"id"`
	Title   string `json:"title"`
	X       int32  `json:"x"`
	Y       int32  `json:"y"`
	Width   int32  `json:"width"`
	Height  int32  `json:"height"`
	Focused bool   `json:"focused"`
	Visible bool   `json:"visible"`
}

// ListWindowsPayload represents the payload for LIST_WINDOWS
type ListWindowsPayload struct {
	Identity string `json:"identity"`
}

// WindowsData represents the data returned by LIST_WINDOWS
type WindowsData struct {
	Identity string       `json:"identity"`
	Windows  []WindowInfo `json:"windows"`
}

// NewOKResponse creates a successful response with optional data
func NewOKResponse(data interface{}) (*Response, error) {
	var dataBytes json.RawMessage
	if data != nil {
		bytes, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal response data: %w", err)
		}
		dataBytes = bytes
	}

	return &Response{
		Status: "OK",
		Data:   dataBytes,
	}, nil
}

// NewErrorResponse creates an error response with a message
func NewErrorResponse(errMsg string) *Response {
	return &Response{
		Status: "ERROR",
		Error:  errMsg,
	}
}

// ParseRequest parses a request from JSON bytes
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	return &req, nil
}

// Marshal converts a response to JSON bytes
func (r *Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
