package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/lectary/live/pkg/audio"
)

// Speaker plays scheduled PCM16 through the default output device via oto.
// It doubles as the session's audio [Clock]: time is derived from the number
// of samples the device has pulled, so the clock advances at exactly the
// playback rate regardless of wall-clock drift.
//
// oto pulls from an io.Reader on its own thread. When the queue runs dry the
// reader feeds silence and keeps counting, which is what keeps the clock
// monotonic between remote turns.
type Speaker struct {
	player *oto.Player

	mu       sync.Mutex
	queue    [][]byte
	head     int   // read offset into queue[0]
	consumed int64 // samples handed to the device, silence included
	closed   bool
}

var (
	_ Clock = (*Speaker)(nil)
	_ Sink  = (*Speaker)(nil)
)

// NewSpeaker opens the default output device at the remote endpoint's
// playback rate and starts pulling immediately.
func NewSpeaker() (*Speaker, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   audio.PlaybackRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("playback: open output device: %w", err)
	}
	<-ready

	s := &Speaker{}
	s.player = ctx.NewPlayer(&speakerReader{s: s})
	s.player.Play()
	return s, nil
}

// Now implements [Clock]: seconds of audio pulled by the device so far.
func (s *Speaker) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.consumed) / audio.PlaybackRate
}

// ScheduleAt queues pcm to begin at audio-clock time start, padding the
// queue with silence if start lies beyond the end of the current backlog.
func (s *Speaker) ScheduleAt(start float64, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("playback: speaker closed")
	}

	queued := int64(0)
	for i, b := range s.queue {
		queued += int64(len(b) / 2)
		if i == 0 {
			queued -= int64(s.head / 2)
		}
	}
	tail := float64(s.consumed+queued) / audio.PlaybackRate
	if gap := start - tail; gap > 0 {
		pad := int(gap*audio.PlaybackRate) * 2
		if pad > 0 {
			s.queue = append(s.queue, make([]byte, pad))
		}
	}

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.queue = append(s.queue, buf)
	return nil
}

// Flush drops the unplayed backlog. Audio already pulled by the device
// (up to its internal buffer, ~tens of milliseconds) still plays out.
func (s *Speaker) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.head = 0
}

// Close stops playback and releases the device. Idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.head = 0
	s.mu.Unlock()

	// Give the device a moment to drain its internal buffer so Close does
	// not clip the final chunk audibly.
	time.Sleep(20 * time.Millisecond)
	if err := s.player.Close(); err != nil {
		return fmt.Errorf("playback: close output device: %w", err)
	}
	return nil
}

// speakerReader is the pull side handed to oto. Read never returns an error
// and never returns zero bytes: a dry queue produces silence.
type speakerReader struct {
	s *Speaker
}

func (r *speakerReader) Read(p []byte) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(p) && len(s.queue) > 0 {
		c := copy(p[n:], s.queue[0][s.head:])
		n += c
		s.head += c
		if s.head == len(s.queue[0]) {
			s.queue = s.queue[1:]
			s.head = 0
		}
	}
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	s.consumed += int64(len(p) / 2)
	return len(p), nil
}
