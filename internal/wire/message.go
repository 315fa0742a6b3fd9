package wire

import "fmt"

// Kind identifies a protocol message variant.
type Kind uint8

const (
	// KindHello announces the VM identity as the first frame on every
	// connection. It carries no sequence number.
	KindHello Kind = iota
	KindCreated
	KindDestroyed
	KindMoved
	KindResized
	KindFocusGained
	KindFocusLost
	KindTitleChanged
	KindHeartbeat
)

// String returns the lowercase name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindCreated:
		return "created"
	case KindDestroyed:
		return "destroyed"
	case KindMoved:
		return "moved"
	case KindResized:
		return "resized"
	case KindFocusGained:
		return "focus-gained"
	case KindFocusLost:
		return "focus-lost"
	case KindTitleChanged:
		return "title-changed"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// valid reports whether k is a known wire tag.
func (k Kind) valid() bool {
	return k <= KindHeartbeat
}

// Message is the tagged variant carried by every frame. Only the fields
// relevant to Kind are populated; the rest stay zero so that a decoded
// message compares equal to the one that was encoded.
//
// Field usage per kind:
//
//	Hello:        Identity
//	Created:      Seq, WindowID, Title, X, Y, Width, Height, Focused, Visible
//	Destroyed:    Seq, WindowID
//	Moved:        Seq, WindowID, X, Y
//	Resized:      Seq, WindowID, Width, Height
//	FocusGained:  Seq, WindowID
//	FocusLost:    Seq, WindowID
//	TitleChanged: Seq, WindowID, Title
//	Heartbeat:    Seq
type Message struct {
	Kind     Kind
	Seq      uint64
	WindowID uint32
	Identity string
	Title    string
	X        int32
	Y        int32
	Width    int32
	Height   int32
	Focused  bool
	Visible  bool
}

// Hello builds the session announcement frame payload.
func Hello(identity string) Message {
	return Message{Kind: KindHello, Identity: identity}
}

// Heartbeat builds a liveness message. Seq is stamped by the transport.
func Heartbeat() Message {
	return Message{Kind: KindHeartbeat}
}
