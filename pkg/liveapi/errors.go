package liveapi

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by send methods after the channel has been
// closed locally.
var ErrSessionClosed = errors.New("liveapi: session closed")

// ErrNotSupported is returned by operations the provider's protocol does not
// offer (for example client-side interruption on Gemini Live).
var ErrNotSupported = errors.New("liveapi: operation not supported by provider")

// ChannelError wraps a transport, handshake, or protocol failure on the
// duplex channel. Channel errors are terminal for the session that owns the
// channel: the orchestrator collapses to its error state and tears down.
type ChannelError struct {
	// Provider names the backend that produced the failure.
	Provider string

	// Op is the operation that failed ("dial", "handshake", "read", "write").
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ChannelError) Error() string {
	return fmt.Sprintf("liveapi: %s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying cause for errors.Is/As matching.
func (e *ChannelError) Unwrap() error { return e.Err }
