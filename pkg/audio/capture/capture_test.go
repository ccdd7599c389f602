package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lectary/live/pkg/audio"
	"github.com/lectary/live/pkg/audio/capture"
)

// fakeSource is a scripted Source whose Push method stands in for the
// device's audio-thread callback.
type fakeSource struct {
	mu       sync.Mutex
	onFrame  func([]float32)
	startErr error
	stopErr  error
	started  bool
	stopped  bool
}

func (f *fakeSource) Start(onFrame func([]float32)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.onFrame = onFrame
	f.started = true
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.onFrame = nil
	return f.stopErr
}

// Push simulates one device callback invocation.
func (f *fakeSource) Push(samples []float32) {
	f.mu.Lock()
	cb := f.onFrame
	f.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

func block(value float32) []float32 {
	samples := make([]float32, audio.CaptureBlockSize)
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func TestStart_DeviceFailure_ReturnsDeviceError(t *testing.T) {
	t.Parallel()

	src := &fakeSource{startErr: errors.New("permission denied")}
	p := capture.NewPipeline(src)

	err := p.Start(context.Background())
	var devErr *capture.DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("got %v, want *DeviceError", err)
	}
}

func TestFrames_PreserveCaptureOrder(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	p := capture.NewPipeline(src)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	for i := range 3 {
		src.Push(block(float32(i+1) / 10))
	}

	for i := range 3 {
		select {
		case frame := <-p.Frames():
			want := float32(i+1) / 10
			if frame.Samples[0] != want {
				t.Fatalf("frame %d: first sample %v, want %v", i, frame.Samples[0], want)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
}

func TestFrames_TimestampsAdvanceByBlockDuration(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	p := capture.NewPipeline(src)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	src.Push(block(0))
	src.Push(block(0))

	first := <-p.Frames()
	second := <-p.Frames()
	if first.Timestamp != 0 {
		t.Fatalf("first timestamp: got %v, want 0", first.Timestamp)
	}
	wantStep := time.Duration(audio.CaptureBlockSize) * time.Second / audio.CaptureRate
	if second.Timestamp != wantStep {
		t.Fatalf("second timestamp: got %v, want %v", second.Timestamp, wantStep)
	}
}

func TestFrames_FullChannelDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	p := capture.NewPipeline(src, capture.WithBuffer(2))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	// Nobody consumes; pushes beyond capacity must return promptly.
	done := make(chan struct{})
	go func() {
		for range 10 {
			src.Push(block(0.5))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback blocked on a full frame channel")
	}

	if got := p.Drops(); got != 8 {
		t.Fatalf("Drops: got %d, want 8", got)
	}
}

func TestLevels_LatestWins(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	p := capture.NewPipeline(src, capture.WithSmoothing(0))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	// With smoothing 0 the level equals the frame RMS. Push silence then a
	// full-scale block without consuming; only the newest level survives.
	src.Push(block(0))
	src.Push(block(1))
	go audio.Drain(p.Frames())

	select {
	case level := <-p.Levels():
		if level < 0.99 {
			t.Fatalf("stale level survived: got %v, want ≈1", level)
		}
	case <-time.After(time.Second):
		t.Fatal("no level reading arrived")
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	p := capture.NewPipeline(src)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if !src.stopped {
		t.Fatal("source was not released")
	}
}

func TestStop_ClosesFrameAndLevelChannels(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	p := capture.NewPipeline(src)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	frames, levels := p.Frames(), p.Levels()
	_ = p.Stop()

	if _, ok := <-frames; ok {
		t.Fatal("frames channel still open after Stop")
	}
	if _, ok := <-levels; ok {
		t.Fatal("levels channel still open after Stop")
	}
}

func TestStop_ConcurrentWithCallback(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	p := capture.NewPipeline(src, capture.WithBuffer(1))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 100 {
			src.Push(block(0.25))
		}
	}()
	_ = p.Stop()
	wg.Wait() // must not panic on send-after-close
}

func TestContextCancel_ReleasesDevice(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	p := capture.NewPipeline(src)
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		src.mu.Lock()
		stopped := src.stopped
		src.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("context cancellation did not release the device")
}
