// Package playback schedules remote audio chunks for gapless sequential
// output, independent of network arrival jitter.
//
// The core type is [Scheduler]: it owns the single playback cursor and, for
// every arriving chunk, computes the start time max(now, cursor) against a
// monotonic audio clock, hands the chunk to a [Sink] at that time, and
// advances the cursor by the chunk's duration. Chunks are processed strictly
// in arrival order; an interruption from the remote endpoint resets the
// cursor and flushes the sink's backlog.
//
// The real sink ([Speaker]) plays through the system output device via oto;
// tests substitute fakes for both the clock and the sink.
package playback

import (
	"fmt"
	"sync"

	"github.com/lectary/live/pkg/audio"
)

// Clock reports the current time of the monotonic audio clock, in seconds.
// The zero of the clock is arbitrary; only differences matter.
type Clock interface {
	Now() float64
}

// Sink accepts PCM16 buffers (24 kHz, s16le, mono) scheduled at absolute
// audio-clock times and plays them back to back.
type Sink interface {
	// ScheduleAt queues pcm to begin playing at audio-clock time start.
	// Calls arrive with non-decreasing start times except immediately after
	// Flush.
	ScheduleAt(start float64, pcm []byte) error

	// Flush discards all queued but not yet played audio.
	Flush()

	// Close releases the output device. Idempotent.
	Close() error
}

// Scheduler turns the remote endpoint's chunk stream into gapless playback.
// It is owned by a single session; Enqueue and Interrupt may be called from
// the session's receive path concurrently with Close.
type Scheduler struct {
	clock Clock
	sink  Sink

	mu        sync.Mutex
	nextStart float64
	closed    bool
}

// NewScheduler creates a scheduler playing through sink against clock.
func NewScheduler(clock Clock, sink Sink) *Scheduler {
	return &Scheduler{clock: clock, sink: sink}
}

// Enqueue schedules one PCM16 chunk. It returns the assigned start time.
// Odd-length buffers are rejected with [audio.ErrTruncatedBuffer]; the
// cursor is left untouched so the stream continues with the next chunk.
func (s *Scheduler) Enqueue(pcm []byte) (float64, error) {
	if len(pcm)%2 != 0 {
		return 0, fmt.Errorf("playback: %w: %d bytes", audio.ErrTruncatedBuffer, len(pcm))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("playback: scheduler closed")
	}

	start := s.clock.Now()
	if s.nextStart > start {
		start = s.nextStart
	}
	if err := s.sink.ScheduleAt(start, pcm); err != nil {
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}

	duration := float64(len(pcm)/2) / audio.PlaybackRate
	s.nextStart = start + duration
	return start, nil
}

// Interrupt discards the playback backlog after the remote endpoint preempts
// its own output. The cursor resets to zero so the next chunk plays
// immediately instead of queueing behind stale audio.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.nextStart = 0
	s.sink.Flush()
}

// NextStart returns the audio-clock time at which the next chunk would
// begin if it were already queued behind the current backlog.
func (s *Scheduler) NextStart() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Close releases the sink. Idempotent; Enqueue fails afterwards.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.sink.Close()
}
