package video

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the sampling cadence. One frame per second keeps the
// remote endpoint's view of the visual context fresh without competing with
// audio for uplink bandwidth.
const DefaultInterval = time.Second

// SendFunc delivers one encoded JPEG frame to the remote endpoint.
type SendFunc func(ctx context.Context, jpeg []byte) error

// SamplerOption configures a [Sampler].
type SamplerOption func(*Sampler)

// WithInterval overrides the sampling cadence.
func WithInterval(d time.Duration) SamplerOption {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger used for per-frame failures.
func WithLogger(log *slog.Logger) SamplerOption {
	return func(s *Sampler) {
		if log != nil {
			s.log = log
		}
	}
}

// Sampler grabs frames from a [Source] on a fixed cadence, encodes them and
// hands them to a [SendFunc]. At most one frame is in flight at a time: if
// grabbing, encoding or sending has not finished by the next tick, that tick
// is skipped rather than queued, so a slow uplink degrades frame rate
// instead of building latency.
type Sampler struct {
	src      Source
	send     SendFunc
	interval time.Duration
	log      *slog.Logger

	inFlight atomic.Bool
	paused   atomic.Bool
	skipped  atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewSampler creates a sampler reading from src and delivering via send.
func NewSampler(src Source, send SendFunc, opts ...SamplerOption) *Sampler {
	s := &Sampler{
		src:      src,
		send:     send,
		interval: DefaultInterval,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins sampling until ctx is cancelled or [Sampler.Stop] is called.
func (s *Sampler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.wg.Add(1)
		go s.run(ctx)
	})
}

func (s *Sampler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sampler) tick(ctx context.Context) {
	if s.paused.Load() {
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Debug("video frame skipped, previous still in flight")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		if err := s.capture(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("video frame dropped", "error", err)
		}
	}()
}

func (s *Sampler) capture(ctx context.Context) error {
	img, err := s.src.Grab(ctx)
	if err != nil {
		return err
	}
	frame, err := Encode(img)
	if err != nil {
		return err
	}
	return s.send(ctx, frame)
}

// Pause freezes sampling: the remote endpoint keeps its last received frame.
func (s *Sampler) Pause() { s.paused.Store(true) }

// Resume restarts sampling after [Sampler.Pause].
func (s *Sampler) Resume() { s.paused.Store(false) }

// Skipped reports how many ticks were skipped because a frame was still in
// flight.
func (s *Sampler) Skipped() int64 { return s.skipped.Load() }

// Stop halts sampling, waits for any in-flight frame to finish and releases
// the source. Idempotent.
func (s *Sampler) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		err = s.src.Close()
	})
	return err
}
