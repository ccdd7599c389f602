// Package live orchestrates a single realtime voice session: microphone
// capture, gapless playback of remote audio, optional video frame sampling,
// and transcript assembly, all bound to one provider channel.
//
// A [Session] moves through a small state machine:
//
//	disconnected → connecting → connected → disconnected
//	                    ↘            ↘
//	                      error ───────→ disconnected
//
// Every transition out of connecting or connected releases all held
// resources (microphone, output device, websocket). A failed session passes
// through error (visible via OnStateChange and OnError) and settles in
// disconnected once cleanup is done; it never reconnects on its own, the
// caller decides whether to start a fresh one.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lectary/live/internal/observe"
	"github.com/lectary/live/pkg/audio"
	"github.com/lectary/live/pkg/audio/capture"
	"github.com/lectary/live/pkg/audio/playback"
	"github.com/lectary/live/pkg/liveapi"
	"github.com/lectary/live/pkg/video"
)

// State names the lifecycle phase of a [Session].
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrAlreadyStarted is returned by [Session.Start] when the session has left
// the disconnected state before. Sessions are single-use.
var ErrAlreadyStarted = errors.New("live: session already started")

// ErrStopped is returned by [Session.Start] when [Session.Stop] preempted
// establishment. The session ended cleanly; no channel is held.
var ErrStopped = errors.New("live: session stopped before connect completed")

// errRemoteClosed signals a clean end of stream initiated by the remote
// endpoint. It never escapes the session.
var errRemoteClosed = errors.New("live: remote closed stream")

// TeardownError reports resource-release failures during session teardown.
// Teardown is best effort: every resource is released regardless, and the
// individual failures are joined in Err.
type TeardownError struct {
	Err error
}

// Error implements the error interface.
func (e *TeardownError) Error() string {
	return fmt.Sprintf("live: teardown: %v", e.Err)
}

// Unwrap returns the joined release failures.
func (e *TeardownError) Unwrap() error { return e.Err }

// Callbacks receive session lifecycle and media notifications. All fields
// are optional. Callbacks are invoked from the session's own goroutines and
// must not block; they must not call back into [Session.Stop] directly
// (spawn a goroutine instead).
type Callbacks struct {
	// OnStateChange fires on every state transition.
	OnStateChange func(state State)

	// OnConnect fires once the provider channel is established.
	OnConnect func(sessionID string)

	// OnDisconnect fires after a clean teardown, once all resources are
	// released. It does not fire for an error teardown; OnError covers
	// those.
	OnDisconnect func(sessionID string)

	// OnError fires when the session enters the error state.
	OnError func(err error)

	// OnAudioLevel reports the smoothed microphone level in [0, 1], once
	// per captured block.
	OnAudioLevel func(level float64)

	// OnTranscriptDelta streams incremental transcription text as it
	// arrives, attributed to a speaker.
	OnTranscriptDelta func(speaker liveapi.Speaker, text string)

	// OnTurn fires when the remote endpoint completes a turn, with the
	// assembled entries of that turn.
	OnTurn func(entries []Entry)
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option configures a [Session].
type Option func(*Session)

// WithVoice selects the provider voice for this session by its wire
// identifier (e.g. "Aoede").
func WithVoice(voice string) Option {
	return func(s *Session) { s.cfg.Voice = liveapi.VoiceProfile{ID: voice} }
}

// WithInstructions sets the session's system instructions.
func WithInstructions(text string) Option {
	return func(s *Session) { s.cfg.Instructions = text }
}

// WithContext sets document context injected at session start.
func WithContext(text string) Option {
	return func(s *Session) { s.cfg.Context = text }
}

// WithConnectTimeout bounds session establishment. Zero keeps the default
// of 15 seconds.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithMicSource substitutes the microphone device. The default opens the
// system default input via portaudio.
func WithMicSource(src capture.Source) Option {
	return func(s *Session) { s.micSource = src }
}

// WithCaptureOptions passes extra options to the capture pipeline.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(s *Session) { s.captureOpts = append(s.captureOpts, opts...) }
}

// WithSpeaker substitutes the playback clock and sink. The default opens
// the system default output device.
func WithSpeaker(clock playback.Clock, sink playback.Sink) Option {
	return func(s *Session) {
		s.speakerClock = clock
		s.speakerSink = sink
	}
}

// WithVideoSource enables video frame sampling from src. Ignored when the
// provider does not accept video.
func WithVideoSource(src video.Source, opts ...video.SamplerOption) Option {
	return func(s *Session) {
		s.videoSource = src
		s.videoOpts = opts
	}
}

// WithCallbacks registers lifecycle and media callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(s *Session) { s.cb = cb }
}

// WithLogger sets the session logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the metrics instance. The default records against the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is one realtime conversation over a provider channel. Create it
// with [New], run it with [Session.Start], end it with [Session.Stop].
type Session struct {
	id       string
	provider liveapi.Provider
	cfg      liveapi.SessionConfig

	connectTimeout time.Duration
	micSource      capture.Source
	captureOpts    []capture.Option
	speakerClock   playback.Clock
	speakerSink    playback.Sink
	videoSource    video.Source
	videoOpts      []video.SamplerOption

	cb      Callbacks
	log     *slog.Logger
	metrics *observe.Metrics

	mu    sync.Mutex
	state State

	cancel    context.CancelFunc
	ctx       context.Context
	channel   liveapi.Channel
	pipeline  *capture.Pipeline
	scheduler *playback.Scheduler
	sampler   *video.Sampler
	group     *errgroup.Group

	transcript *Transcript
	startedAt  time.Time

	stopOnce sync.Once
	stopErr  error
}

// New creates a session bound to provider. The session does not touch any
// device or network until [Session.Start].
func New(provider liveapi.Provider, opts ...Option) *Session {
	s := &Session{
		id:             uuid.NewString(),
		provider:       provider,
		connectTimeout: 15 * time.Second,
		state:          StateDisconnected,
		log:            slog.Default(),
		transcript:     NewTranscript(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session_id", s.id)
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the session's transcript assembler.
func (s *Session) Transcript() *Transcript { return s.transcript }

// Start acquires the audio devices, connects the provider channel and begins
// streaming. ctx bounds establishment only; the running session outlives it
// and ends via [Session.Stop] or a stream failure. On any failure everything
// acquired so far is released, the session passes through the error state and
// settles in disconnected, and the error is returned. When [Session.Stop]
// preempts establishment, Start returns [ErrStopped]. Sessions are
// single-use: a second Start returns [ErrAlreadyStarted].
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateConnecting
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()
	s.notifyState(StateConnecting)
	s.log.Info("session connecting", "provider", providerName(s.provider))

	if err := s.acquireDevices(); err != nil {
		return s.startFailed("device", err)
	}

	spanCtx, span := observe.SessionSpan(ctx, "connect", s.id, providerName(s.provider))
	defer span.End()

	// Establishment is bounded by the session context (so Stop aborts an
	// in-flight dial), the connect timeout, and the caller's ctx.
	connectCtx, cancelConnect := context.WithTimeout(s.ctx, s.connectTimeout)
	defer cancelConnect()
	stopWatch := context.AfterFunc(spanCtx, cancelConnect)
	defer stopWatch()

	start := time.Now()
	ch, err := s.provider.Connect(connectCtx, s.cfg)
	if err != nil {
		if s.ctx.Err() != nil {
			// Stop won the race; it owns the teardown and the callbacks.
			return ErrStopped
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("connect timed out after %s: %w", s.connectTimeout, err)
		}
		span.RecordError(err)
		return s.startFailed("connect", err)
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		// Stop ran while the dial was in flight and found no channel to
		// close; this one must not outlive the session.
		s.mu.Unlock()
		_ = ch.Close()
		return ErrStopped
	}
	s.channel = ch
	s.state = StateConnected
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(s.ctx, 1)
	s.metrics.ConnectDuration.Record(s.ctx, time.Since(start).Seconds())
	s.notifyState(StateConnected)
	if s.cb.OnConnect != nil {
		s.cb.OnConnect(s.id)
	}
	s.log.Info("session connected", "connect_ms", time.Since(start).Milliseconds())

	s.startPumps()
	return nil
}

// acquireDevices opens the output sink and starts the capture pipeline.
// Handles are published under the lock so a concurrent Stop releases them.
func (s *Session) acquireDevices() error {
	if s.speakerSink == nil {
		speaker, err := playback.NewSpeaker()
		if err != nil {
			return err
		}
		s.speakerClock, s.speakerSink = speaker, speaker
	}
	s.mu.Lock()
	s.scheduler = playback.NewScheduler(s.speakerClock, s.speakerSink)
	s.mu.Unlock()

	src := s.micSource
	if src == nil {
		src = capture.NewMicSource()
	}
	opts := append([]capture.Option{}, s.captureOpts...)
	pipeline := capture.NewPipeline(src, opts...)
	s.mu.Lock()
	s.pipeline = pipeline
	s.mu.Unlock()
	if err := pipeline.Start(s.ctx); err != nil {
		return err
	}
	return nil
}

// startFailed tears down after a failed Start and reports the error.
func (s *Session) startFailed(stage string, err error) error {
	s.mu.Lock()
	s.state = StateError
	s.mu.Unlock()

	s.metrics.RecordSessionError(s.ctx, providerName(s.provider), stage)
	s.cancel()
	if terr := s.release(); terr != nil {
		s.log.Warn("teardown after failed start", "error", terr)
	}

	err = fmt.Errorf("live: %s: %w", stage, err)
	s.notifyState(StateError)
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
	s.log.Error("session failed to start", "stage", stage, "error", err)

	// Cleanup is done; settle into disconnected. OnDisconnect stays
	// reserved for clean ends.
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	s.notifyState(StateDisconnected)
	return err
}

// startPumps launches the streaming goroutines plus a watchdog that reacts
// to the first pump failure.
func (s *Session) startPumps() {
	g, ctx := errgroup.WithContext(s.ctx)
	s.mu.Lock()
	s.group = g
	s.mu.Unlock()

	g.Go(func() error { return s.uploadLoop(ctx) })
	g.Go(func() error { return s.levelLoop(ctx) })
	g.Go(func() error { return s.eventLoop(ctx) })

	if s.videoSource != nil {
		caps := s.provider.Capabilities()
		if caps.SupportsVideo {
			opts := append([]video.SamplerOption{video.WithLogger(s.log)}, s.videoOpts...)
			sampler := video.NewSampler(s.videoSource, s.sendVideoFrame, opts...)
			s.mu.Lock()
			s.sampler = sampler
			s.mu.Unlock()
			sampler.Start(s.ctx)
		} else {
			s.log.Info("provider does not accept video, sampling disabled",
				"provider", providerName(s.provider))
		}
	}

	go s.watch()
}

// watch waits for the pumps to settle and drives the session out of the
// connected state when they end on their own.
func (s *Session) watch() {
	err := s.group.Wait()
	if s.ctx.Err() != nil {
		// Stop is already in progress.
		return
	}
	if err == nil || errors.Is(err, errRemoteClosed) {
		s.log.Info("remote endpoint ended the session")
		if err := s.Stop(); err != nil {
			s.log.Warn("teardown after remote close", "error", err)
		}
		return
	}
	s.fail(err)
}

// fail moves a running session into the error state and releases everything.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state != StateConnected && s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.mu.Unlock()

	s.log.Error("session failed", "error", err)
	s.metrics.RecordSessionError(s.ctx, providerName(s.provider), "stream")
	s.metrics.RecordSessionEnd(s.ctx, providerName(s.provider), time.Since(s.startedAt))

	s.cancel()
	if terr := s.release(); terr != nil {
		s.log.Warn("teardown after failure", "error", terr)
	}

	s.notifyState(StateError)
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}

	// Cleanup is done; settle into disconnected. OnDisconnect stays
	// reserved for clean ends.
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	s.notifyState(StateDisconnected)
}

// ── Streaming pumps ───────────────────────────────────────────────────────────

// uploadLoop forwards captured microphone blocks to the provider.
func (s *Session) uploadLoop(ctx context.Context) error {
	provider := providerName(s.provider)
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-s.pipeline.Frames():
			if !ok {
				return nil
			}
			pcm := audio.EncodePCM16(frame.Samples)
			if err := s.channel.SendAudio(pcm); err != nil {
				if errors.Is(err, liveapi.ErrSessionClosed) {
					return nil
				}
				return fmt.Errorf("send audio: %w", err)
			}
			s.metrics.AudioChunksSent.Add(ctx, 1, observe.WithProvider(provider))
		}
	}
}

// levelLoop forwards microphone level updates to the caller.
func (s *Session) levelLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case level, ok := <-s.pipeline.Levels():
			if !ok {
				return nil
			}
			if s.cb.OnAudioLevel != nil {
				s.cb.OnAudioLevel(level)
			}
		}
	}
}

// eventLoop consumes the provider's event stream and drives playback and
// transcripts. Events arrive already decoded; ordering within the stream is
// preserved, which is what makes the interrupted-before-audio guarantee
// hold through to the scheduler.
func (s *Session) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.channel.Events():
			if !ok {
				if err := s.channel.Err(); err != nil {
					return err
				}
				return errRemoteClosed
			}
			if err := s.handleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev liveapi.ServerEvent) error {
	switch ev := ev.(type) {
	case liveapi.AudioChunk:
		tail := s.scheduler.NextStart()
		start, err := s.scheduler.Enqueue(ev.PCM)
		if err != nil {
			// A malformed chunk is dropped; the stream continues.
			s.log.Warn("dropping malformed audio chunk", "error", err)
			return nil
		}
		if tail > 0 && start > tail {
			s.metrics.PlaybackGap.Record(ctx, start-tail)
		}
		s.metrics.AudioChunksReceived.Add(ctx, 1)

	case liveapi.Interrupted:
		s.scheduler.Interrupt()
		s.metrics.Interruptions.Add(ctx, 1)
		s.log.Debug("remote output interrupted, backlog flushed")

	case liveapi.TranscriptDelta:
		s.transcript.Append(ev.Speaker, ev.Text)
		if s.cb.OnTranscriptDelta != nil {
			s.cb.OnTranscriptDelta(ev.Speaker, ev.Text)
		}

	case liveapi.TurnComplete:
		entries := s.transcript.FinishTurn()
		if len(entries) > 0 && s.cb.OnTurn != nil {
			s.cb.OnTurn(entries)
		}

	case liveapi.ClosedByRemote:
		return errRemoteClosed
	}
	return nil
}

// sendVideoFrame is the sampler's delivery function.
func (s *Session) sendVideoFrame(ctx context.Context, jpeg []byte) error {
	if err := s.channel.SendVideoFrame(jpeg); err != nil {
		if errors.Is(err, liveapi.ErrSessionClosed) || errors.Is(err, liveapi.ErrNotSupported) {
			return nil
		}
		return err
	}
	s.metrics.VideoFramesSent.Add(ctx, 1)
	return nil
}

// ── Caller-facing controls ────────────────────────────────────────────────────

// InjectContext sends additional document context mid-session, e.g. after
// the user turns a page.
func (s *Session) InjectContext(text string) error {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return liveapi.ErrSessionClosed
	}
	return ch.InjectContext(text)
}

// PauseVideo freezes the video stream; the remote endpoint keeps the last
// frame it received. No-op when video is not running.
func (s *Session) PauseVideo() {
	s.mu.Lock()
	sampler := s.sampler
	s.mu.Unlock()
	if sampler != nil {
		sampler.Pause()
	}
}

// ResumeVideo restarts a paused video stream.
func (s *Session) ResumeVideo() {
	s.mu.Lock()
	sampler := s.sampler
	s.mu.Unlock()
	if sampler != nil {
		sampler.Resume()
	}
}

// Stop ends the session and releases the microphone, the output device and
// the provider channel. Teardown is best effort: each resource is released
// even if an earlier one fails, and the failures come back joined. Stop is
// idempotent and returns the same result on every call.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		if state == StateDisconnected {
			return
		}
		if state == StateError {
			// fail or startFailed owns this teardown.
			return
		}

		// Cancel before touching anything else: an in-flight Connect must
		// abort instead of racing the teardown and resurrecting the session.
		s.cancel()

		s.mu.Lock()
		wasConnected := s.state == StateConnected
		grp := s.group
		s.mu.Unlock()

		s.stopErr = s.release()
		if grp != nil {
			// Pumps exit once their channels close; collect them so no
			// goroutine outlives the session.
			_ = grp.Wait()
		}

		if wasConnected {
			s.metrics.RecordSessionEnd(context.Background(),
				providerName(s.provider), time.Since(s.startedAt))
		}

		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.notifyState(StateDisconnected)
		if s.cb.OnDisconnect != nil {
			s.cb.OnDisconnect(s.id)
		}
		s.log.Info("session stopped", "duration", time.Since(s.startedAt))
	})
	return s.stopErr
}

// release closes every held resource, collecting all failures.
func (s *Session) release() error {
	s.mu.Lock()
	sampler, pipeline, scheduler, ch := s.sampler, s.pipeline, s.scheduler, s.channel
	s.mu.Unlock()

	s.flushCounters()
	var errs []error
	if sampler != nil {
		if err := sampler.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("video source: %w", err))
		}
	}
	if pipeline != nil {
		if err := pipeline.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("microphone: %w", err))
		}
	}
	if scheduler != nil {
		if err := scheduler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("output device: %w", err))
		}
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("provider channel: %w", err))
		}
	}
	if joined := errors.Join(errs...); joined != nil {
		return &TeardownError{Err: joined}
	}
	return nil
}

// flushCounters publishes the drop tallies the devices accumulated over the
// session's lifetime.
func (s *Session) flushCounters() {
	s.mu.Lock()
	pipeline, sampler := s.pipeline, s.sampler
	s.mu.Unlock()

	ctx := context.Background()
	opt := observe.WithProvider(providerName(s.provider))
	if pipeline != nil {
		if n := pipeline.Drops(); n > 0 {
			s.metrics.CaptureDrops.Add(ctx, n, opt)
		}
	}
	if sampler != nil {
		if n := sampler.Skipped(); n > 0 {
			s.metrics.VideoFramesSkipped.Add(ctx, n, opt)
		}
	}
}

func (s *Session) notifyState(state State) {
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(state)
	}
}

// providerName extracts a short label for metrics and logs.
func providerName(p liveapi.Provider) string {
	if len(p.Capabilities().Voices) > 0 {
		return p.Capabilities().Voices[0].Provider
	}
	return "unknown"
}
