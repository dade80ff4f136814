package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
)

// Kind identifies the link type behind a relay URL.
type Kind int

const (
	KindUnknown Kind = iota
	KindWebSocket
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return "websocket"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// State is the connection state of one relay.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// SubHandler receives the frames of one subscription on one relay.
// Callbacks run on the relay's read goroutine; they must not block.
type SubHandler struct {
	OnEvent  func(ev *event.Event)
	OnEOSE   func()
	OnClosed func(reason string)
}

// Relay is one relay endpoint. Implementations keep their subscriptions
// across reconnects and re-issue them when the link comes back.
type Relay interface {
	URL() string
	Kind() Kind

	// Connect establishes the link. A relay that fails to connect keeps
	// retrying in the background until Close.
	Connect(ctx context.Context) error

	// Publish sends ev and waits for the relay's OK. A negative OK is
	// returned as *RejectedError.
	Publish(ctx context.Context, ev *event.Event) error

	// Subscribe registers filters under subID. It succeeds while
	// disconnected; the REQ is sent once the link is up.
	Subscribe(ctx context.Context, subID string, filters event.Filters, h SubHandler) error
	Unsubscribe(subID string) error

	State() State
	// SetStateListener installs the single state change callback.
	SetStateListener(fn func(url string, s State))
	Close() error
}

// Dialer builds a Relay for a URL without connecting it.
type Dialer func(url string) (Relay, error)

var (
	// ErrNotConnected is returned by Publish while the link is down.
	ErrNotConnected = errors.New("relay not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("relay closed")
	// ErrNoDialer reports a URL scheme nothing can dial.
	ErrNoDialer = errors.New("no dialer for relay url scheme")
)

// RejectedError is a negative OK from a relay.
type RejectedError struct {
	Relay   string
	EventID string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay %s rejected event %s: %s", e.Relay, e.EventID, e.Message)
}

// Duplicate reports whether the relay rejected because it already has the event.
func (e *RejectedError) Duplicate() bool {
	return strings.HasPrefix(e.Message, "duplicate:")
}
