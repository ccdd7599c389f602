package capture

import (
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/lectary/live/pkg/audio"
)

// Compile-time assertion that MicSource satisfies Source.
var _ Source = (*MicSource)(nil)

// MicSource acquires the default system microphone through PortAudio and
// delivers fixed blocks of [audio.CaptureBlockSize] mono float32 samples at
// [audio.CaptureRate]. Echo cancellation and noise suppression are whatever
// the OS capture stack provides; PortAudio does not expose toggles for them.
//
// A MicSource is exclusively owned by one pipeline at a time.
type MicSource struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	inited bool
}

// NewMicSource creates an unopened microphone source.
func NewMicSource() *MicSource { return &MicSource{} }

// Start initialises PortAudio, opens the default input stream at the fixed
// capture rate and block size, and begins delivering blocks to onFrame on
// PortAudio's processing thread.
func (m *MicSource) Start(onFrame func(samples []float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		return &DeviceError{Op: "initialize", Err: err}
	}
	m.inited = true

	stream, err := portaudio.OpenDefaultStream(
		1, // input channels: mono
		0, // no output
		float64(audio.CaptureRate),
		audio.CaptureBlockSize,
		func(in []float32) { onFrame(in) },
	)
	if err != nil {
		_ = portaudio.Terminate()
		m.inited = false
		return &DeviceError{Op: "open", Err: err}
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		m.inited = false
		return &DeviceError{Op: "start", Err: err}
	}

	m.stream = stream
	return nil
}

// Stop stops and closes the stream and terminates PortAudio. Each release
// step is independent and best-effort; the first failure is reported after
// all steps have run.
func (m *MicSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.stream != nil {
		if err := m.stream.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := m.stream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.stream = nil
	}
	if m.inited {
		if err := portaudio.Terminate(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.inited = false
	}
	return firstErr
}
