package live

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lectary/live/pkg/liveapi"
)

// Entry is one finished utterance in the session transcript.
type Entry struct {
	Speaker liveapi.Speaker
	Text    string
	At      time.Time
}

// Transcript assembles the providers' incremental transcription deltas into
// per-speaker utterances. Deltas accumulate until the remote endpoint marks
// the turn complete; partial text from a preempted turn is kept and folded
// into the next completed turn. Safe for concurrent use.
type Transcript struct {
	mu      sync.Mutex
	pending map[liveapi.Speaker]*strings.Builder
	started map[liveapi.Speaker]time.Time
	history []Entry
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{
		pending: make(map[liveapi.Speaker]*strings.Builder),
		started: make(map[liveapi.Speaker]time.Time),
	}
}

// Append adds an incremental delta for speaker to the current turn.
func (t *Transcript) Append(speaker liveapi.Speaker, text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.pending[speaker]
	if !ok {
		b = &strings.Builder{}
		t.pending[speaker] = b
		t.started[speaker] = time.Now()
	}
	if needsSeparator(b.String(), text) {
		b.WriteByte(' ')
	}
	b.WriteString(text)
}

// needsSeparator reports whether a space must be inserted between accumulated
// text and the next delta. Providers usually carry the spacing inside the
// deltas themselves; the separator only covers the ones that do not.
func needsSeparator(prev, next string) bool {
	if prev == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(prev)
	if unicode.IsSpace(last) {
		return false
	}
	first, _ := utf8.DecodeRuneInString(next)
	return !unicode.IsSpace(first)
}

// FinishTurn seals the current turn and returns its entries, user speech
// before remote speech. Entries are also appended to the history. Returns
// nil when the turn carried no transcription.
func (t *Transcript) FinishTurn() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var entries []Entry
	for _, speaker := range []liveapi.Speaker{liveapi.SpeakerUser, liveapi.SpeakerRemote} {
		b, ok := t.pending[speaker]
		if !ok || b.Len() == 0 {
			continue
		}
		entries = append(entries, Entry{
			Speaker: speaker,
			Text:    strings.TrimSpace(b.String()),
			At:      t.started[speaker],
		})
		delete(t.pending, speaker)
		delete(t.started, speaker)
	}
	t.history = append(t.history, entries...)
	return entries
}

// History returns a copy of all finished entries in order.
func (t *Transcript) History() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.history))
	copy(out, t.history)
	return out
}
