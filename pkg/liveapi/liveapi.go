// Package liveapi defines the provider abstraction for hosted real-time
// conversational endpoints.
//
// A live provider wraps a duplex voice service: the client streams captured
// microphone audio (and optionally camera stills) up a single persistent
// channel and receives synthesised speech, transcript deltas, and control
// signals back down the same channel. Examples include the Gemini Live
// BidiGenerateContent protocol and the OpenAI Realtime API.
//
// The central abstraction is [Channel]: a bidirectional connection whose
// inbound traffic is decoded exactly once, at the channel boundary, into the
// closed [ServerEvent] variant set. Downstream code switches on that set and
// never probes raw protocol fields.
//
// All implementations must be safe for concurrent use.
package liveapi

import "context"

// VoiceProfile identifies a prebuilt synthesis voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier sent on the wire.
	ID string

	// Name is a human-readable label for pickers and logs.
	Name string

	// Provider names the backend this voice belongs to.
	Provider string
}

// SessionConfig is the initial configuration for a new live channel.
// All fields are opaque to the provider: the caller truncates and formats
// them before handing them over.
type SessionConfig struct {
	// Voice selects the synthesis voice for the remote endpoint's speech.
	Voice VoiceProfile

	// Instructions is the system-level prompt for the session.
	Instructions string

	// Context is optional reading context injected as an initial text turn
	// after the channel handshake. Empty means no injection.
	Context string
}

// Capabilities describes static properties of a live provider. The values
// are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// MaxSessionDuration is the provider-imposed session lifetime bound in
	// milliseconds. Zero means no documented limit.
	MaxSessionDurationMs int

	// SupportsInterrupt indicates whether the client may explicitly cancel
	// the remote endpoint's in-flight response via [Channel.Interrupt].
	// Endpoints without it still signal server-side barge-in via the
	// [Interrupted] event.
	SupportsInterrupt bool

	// SupportsVideo indicates whether the channel accepts still-image
	// payloads alongside audio.
	SupportsVideo bool

	// Voices lists the prebuilt voice profiles available for this provider.
	Voices []VoiceProfile
}

// Channel represents an open duplex connection to a live endpoint.
//
// The channel is the hot path of the session: every method must return
// quickly. Inbound traffic is delivered on the Events channel in arrival
// order; consumers must drain it promptly to keep the receive loop moving.
//
// Callers must call Close when the channel is no longer needed. Close is
// idempotent.
type Channel interface {
	// SendAudio delivers one PCM16 chunk (16 kHz, s16le, mono) to the remote
	// endpoint. Chunks are transmitted in call order. Returns
	// [ErrSessionClosed] after Close.
	SendAudio(pcm []byte) error

	// SendVideoFrame delivers one JPEG-encoded still image on the channel.
	// Frames carry no ordering guarantee relative to audio. Providers that
	// do not accept video return [ErrNotSupported].
	SendVideoFrame(jpeg []byte) error

	// InjectContext inserts a text turn into the session's rolling context.
	InjectContext(text string) error

	// Interrupt asks the remote endpoint to abandon its in-flight response.
	// Providers without client-side cancellation return [ErrNotSupported].
	Interrupt() error

	// Events returns the stream of decoded server events in arrival order.
	// The channel is closed when the session ends or on a channel-level
	// error; check [Channel.Err] afterwards to distinguish the two.
	Events() <-chan ServerEvent

	// Err returns the error that terminated the channel, or nil if it was
	// closed cleanly by Close or by the remote endpoint.
	Err() error

	// Close terminates the channel and releases the underlying connection.
	// Safe to call more than once; subsequent calls return nil.
	Close() error
}

// Provider is the abstraction over any live conversational backend.
//
// Implementations must be safe for concurrent use; a process may open
// multiple independent channels.
type Provider interface {
	// Connect establishes a new live channel with the given configuration.
	// The returned Channel is ready to accept audio once Connect returns.
	// The caller owns the Channel and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (Channel, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
