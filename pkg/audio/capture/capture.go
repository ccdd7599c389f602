// Package capture turns a live microphone device into an ordered stream of
// audio frames plus a smoothed volume signal.
//
// The platform device is abstracted behind [Source]: the real implementation
// ([MicSource]) wraps PortAudio, tests substitute a scripted fake. A
// [Pipeline] owns the source and bridges the device's audio-thread callback
// to the rest of the system through a bounded frame channel — the callback
// never blocks, and frames that arrive while the consumer is behind are
// dropped with a warning rather than queued without bound.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lectary/live/pkg/audio"
)

// DeviceError reports a failure to acquire or operate the microphone device
// (permission denied, no device, backend failure). Device errors are
// terminal for the session and always surface before it reaches Connected.
type DeviceError struct {
	// Op is the device operation that failed ("initialize", "open", "start").
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause for errors.Is/As matching.
func (e *DeviceError) Unwrap() error { return e.Err }

// Source is the platform microphone device. Start acquires the device and
// begins invoking onFrame with fixed-size blocks of mono float32 samples at
// [audio.CaptureRate]. The callback runs on an audio-thread-like scheduling
// domain concurrent with everything else and must not block.
//
// Stop releases the device. After Stop returns, no further callbacks fire.
type Source interface {
	Start(onFrame func(samples []float32)) error
	Stop() error
}

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithSmoothing overrides the level meter's smoothing factor.
func WithSmoothing(smoothing float64) Option {
	return func(p *Pipeline) { p.smoothing = smoothing }
}

// WithBuffer sets the frame channel capacity. The default is 8 blocks
// (about two seconds of audio at the fixed block size).
func WithBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.buf = n
		}
	}
}

// Pipeline owns a [Source] and republishes its callback-driven output as a
// bounded channel of [audio.Frame] values in capture order, alongside a
// latest-wins channel of smoothed level readings.
//
// Start and Stop may be called from any goroutine; the frame callback runs
// concurrently with both and is guarded accordingly.
type Pipeline struct {
	src       Source
	smoothing float64
	buf       int

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopRes  error
	stopDone chan struct{}
	frames   chan audio.Frame
	levels   chan float64
	meter    *audio.LevelMeter
	captured time.Duration
	drops    atomic.Int64
	dropWarn sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPipeline creates a pipeline around src. The device is not touched until
// [Pipeline.Start].
func NewPipeline(src Source, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:       src,
		smoothing: audio.DefaultSmoothing,
		buf:       8,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires the device and begins producing frames. The pipeline stops
// when ctx is cancelled or [Pipeline.Stop] is called, whichever comes first.
// Acquisition failures are returned as a [*DeviceError].
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("capture: pipeline already started")
	}
	p.started = true
	p.stopDone = make(chan struct{})
	p.frames = make(chan audio.Frame, p.buf)
	p.levels = make(chan float64, 1)
	p.meter = audio.NewLevelMeter(p.smoothing)
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	if err := p.src.Start(p.onFrame); err != nil {
		p.finish()
		if _, ok := err.(*DeviceError); ok {
			return err
		}
		return &DeviceError{Op: "open", Err: err}
	}

	// Release the device when the parent context dies without an explicit Stop.
	go func() {
		<-p.ctx.Done()
		_ = p.Stop()
	}()

	return nil
}

// onFrame is the device callback. It runs on the audio thread: it copies the
// block, folds it into the level meter, and performs only non-blocking sends.
func (p *Pipeline) onFrame(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.ctx.Err() != nil {
		return
	}

	cp := make([]float32, len(samples))
	copy(cp, samples)
	frame := audio.Frame{Samples: cp, Timestamp: p.captured}
	p.captured += frame.Duration()

	level := p.meter.Observe(cp)

	select {
	case p.frames <- frame:
	default:
		// Consumer is behind; dropping keeps the audio thread non-blocking.
		p.drops.Add(1)
		p.dropWarn.Do(func() {
			slog.Warn("capture: frame channel full, dropping frames",
				"capacity", cap(p.frames),
			)
		})
	}

	// Latest-wins level: evict the stale reading if nobody consumed it.
	select {
	case p.levels <- level:
	default:
		select {
		case <-p.levels:
		default:
		}
		select {
		case p.levels <- level:
		default:
		}
	}
}

// Frames returns the ordered frame stream. The channel is closed by Stop.
func (p *Pipeline) Frames() <-chan audio.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Levels returns the latest-wins smoothed level stream in [0, 1].
// The channel is closed by Stop.
func (p *Pipeline) Levels() <-chan float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.levels
}

// Drops reports how many captured blocks were discarded because the frame
// channel was full.
func (p *Pipeline) Drops() int64 { return p.drops.Load() }

// Stop releases the device and closes the frame and level channels. Safe to
// call concurrently with an in-flight callback. Concurrent and repeated
// calls wait for the first to complete and return its result.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	if p.stopped {
		done := p.stopDone
		p.mu.Unlock()
		<-done
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.stopRes
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	err := p.src.Stop()

	// The stopped flag is set, so no callback can be mid-send: closing under
	// the same lock the callback holds while sending is safe.
	p.mu.Lock()
	if err != nil {
		p.stopRes = &DeviceError{Op: "stop", Err: err}
	}
	close(p.frames)
	close(p.levels)
	close(p.stopDone)
	res := p.stopRes
	p.mu.Unlock()
	return res
}

// finish rolls back state after a failed Start.
func (p *Pipeline) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.cancel()
	close(p.frames)
	close(p.levels)
	close(p.stopDone)
}
