package audio

import "time"

// Fixed protocol parameters of the remote live endpoint. These are not
// tunable: the endpoint only accepts 16 kHz mono input and only produces
// 24 kHz mono output.
const (
	// CaptureRate is the microphone sample rate in Hz.
	CaptureRate = 16000

	// CaptureBlockSize is the number of samples per captured frame.
	CaptureBlockSize = 4096

	// PlaybackRate is the sample rate of synthesised audio from the
	// remote endpoint, in Hz.
	PlaybackRate = 24000

	// CaptureMIME is the MIME descriptor attached to outbound audio chunks.
	CaptureMIME = "audio/pcm;rate=16000"
)

// Frame is a single block of captured microphone audio flowing through the
// pipeline. Frames are the atomic unit of audio transport: captured from the
// input device, encoded by the codec, and sent to the live session in capture
// order. A Frame is immutable once captured and consumed exactly once.
type Frame struct {
	// Samples holds mono float32 samples in [-1, 1] at [CaptureRate] Hz.
	Samples []float32

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame at the capture rate.
func (f Frame) Duration() time.Duration {
	return time.Duration(len(f.Samples)) * time.Second / CaptureRate
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when you don't need the data from a
// streaming channel.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
