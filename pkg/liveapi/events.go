package liveapi

// Speaker tags transcript deltas by origin.
type Speaker int

const (
	// SpeakerUser marks text recognised from the local user's speech.
	SpeakerUser Speaker = iota

	// SpeakerRemote marks text generated by the remote endpoint.
	SpeakerRemote
)

// String returns the human-readable name of the speaker.
func (s Speaker) String() string {
	switch s {
	case SpeakerUser:
		return "user"
	case SpeakerRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ServerEvent is the closed set of inbound events a [Channel] can deliver.
// Raw protocol frames are decoded into exactly one of these variants at the
// channel boundary; downstream code pattern-matches with a type switch.
type ServerEvent interface {
	isServerEvent()
}

// AudioChunk carries one decoded buffer of synthesised PCM16 audio
// (24 kHz, s16le, mono) from the remote endpoint.
type AudioChunk struct {
	PCM []byte
}

// TranscriptDelta carries an incremental piece of transcript text.
// Deltas are append-only within a speaker turn: consecutive deltas from the
// same speaker extend the turn, a delta from the other speaker starts a new
// one.
type TranscriptDelta struct {
	Speaker Speaker
	Text    string
}

// Interrupted signals that the remote endpoint preempted its own in-flight
// response, typically because the user started speaking over it. Any locally
// buffered playback backlog is stale and must be discarded.
type Interrupted struct{}

// TurnComplete signals that the remote endpoint finished a response turn.
type TurnComplete struct{}

// ClosedByRemote signals an orderly close initiated by the remote endpoint.
// It is the last event on the stream before the Events channel closes.
type ClosedByRemote struct{}

func (AudioChunk) isServerEvent()      {}
func (TranscriptDelta) isServerEvent() {}
func (Interrupted) isServerEvent()     {}
func (TurnComplete) isServerEvent()    {}
func (ClosedByRemote) isServerEvent()  {}
