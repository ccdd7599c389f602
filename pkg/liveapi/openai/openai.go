// Package openai implements the liveapi.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime protocol.
// Audio is transmitted as base64-encoded PCM16 chunks. Unlike Gemini Live,
// the protocol supports explicit client-side interruption (response.cancel)
// but does not accept still-image payloads.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/lectary/live/pkg/audio"
	"github.com/lectary/live/pkg/liveapi"
)

// Compile-time assertions that Provider and channel satisfy the liveapi
// interfaces.
var _ liveapi.Provider = (*Provider)(nil)
var _ liveapi.Channel = (*channel)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements liveapi.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() liveapi.Capabilities {
	return liveapi.Capabilities{
		MaxSessionDurationMs: 30 * 60 * 1000,
		SupportsInterrupt:    true,
		SupportsVideo:        false,
		Voices: []liveapi.VoiceProfile{
			{ID: "alloy", Name: "Alloy", Provider: "openai"},
			{ID: "ash", Name: "Ash", Provider: "openai"},
			{ID: "ballad", Name: "Ballad", Provider: "openai"},
			{ID: "coral", Name: "Coral", Provider: "openai"},
			{ID: "echo", Name: "Echo", Provider: "openai"},
			{ID: "sage", Name: "Sage", Provider: "openai"},
			{ID: "shimmer", Name: "Shimmer", Provider: "openai"},
			{ID: "verse", Name: "Verse", Provider: "openai"},
		},
	}
}

// Connect establishes a new OpenAI Realtime channel with the given
// configuration. The returned Channel is ready to accept audio after the
// session.update message has been sent.
func (p *Provider) Connect(ctx context.Context, cfg liveapi.SessionConfig) (liveapi.Channel, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, &liveapi.ChannelError{Provider: "openai", Op: "dial", Err: err}
	}

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		events: make(chan liveapi.ServerEvent, 64),
		ctx:    chCtx,
		cancel: chCancel,
	}

	if err := ch.sendSessionUpdate(cfg.Voice, cfg.Instructions); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, &liveapi.ChannelError{Provider: "openai", Op: "handshake", Err: err}
	}

	if cfg.Context != "" {
		if err := ch.InjectContext(cfg.Context); err != nil {
			chCancel()
			conn.Close(websocket.StatusInternalError, "context injection failed")
			return nil, &liveapi.ChannelError{Provider: "openai", Op: "handshake", Err: err}
		}
	}

	go ch.receiveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string `json:"voice,omitempty"`
	Instructions      string `json:"instructions,omitempty"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan liveapi.ServerEvent

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, and audio formats.
func (c *channel) sendSessionUpdate(voice liveapi.VoiceProfile, instructions string) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if voice.ID != "" {
		params.Voice = voice.ID
	}
	if instructions != "" {
		params.Instructions = instructions
	}
	return c.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket, decodes each into server
// events, and delivers them in arrival order. It owns the events channel and
// closes it when it exits.
func (c *channel) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setErr(&liveapi.ChannelError{Provider: "openai", Op: "read", Err: err})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if !c.dispatch(&evt) {
			return
		}
	}
}

// dispatch converts one protocol event into zero or one liveapi events.
// It reports false when the stream should end.
func (c *channel) dispatch(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		pcm, err := audio.FromTransportText(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return true
		}
		return c.emit(liveapi.AudioChunk{PCM: pcm})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return c.emit(liveapi.TranscriptDelta{Speaker: liveapi.SpeakerRemote, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return c.emit(liveapi.TranscriptDelta{Speaker: liveapi.SpeakerUser, Text: evt.Transcript})

	case "input_audio_buffer.speech_started":
		// The endpoint stops generating when the user speaks over it; any
		// buffered playback is stale from this point.
		return c.emit(liveapi.Interrupted{})

	case "response.done":
		return c.emit(liveapi.TurnComplete{})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.setErr(&liveapi.ChannelError{
			Provider: "openai",
			Op:       "protocol",
			Err:      fmt.Errorf("%s", msg),
		})
		return false
	}

	return true
}

// emit delivers one event, reporting false if the channel is shutting down.
func (c *channel) emit(ev liveapi.ServerEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *channel) closeEvents() {
	c.closeOnce.Do(func() {
		close(c.events)
	})
}

func (c *channel) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return liveapi.ErrSessionClosed
	}
	return nil
}

// ── Channel methods ────────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk to the model.
func (c *channel) SendAudio(pcm []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.ToTransportText(pcm),
	})
}

// SendVideoFrame is not supported by the OpenAI Realtime protocol.
func (c *channel) SendVideoFrame(_ []byte) error {
	return liveapi.ErrNotSupported
}

// InjectContext inserts a text turn as a conversation.item.create event.
func (c *channel) InjectContext(text string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	return c.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// Interrupt cancels the in-flight model response via response.cancel.
func (c *channel) Interrupt() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.writeJSON(map[string]string{"type": "response.cancel"})
}

// Events returns the stream of decoded server events.
func (c *channel) Events() <-chan liveapi.ServerEvent { return c.events }

// Err returns the first non-nil error that terminated the channel.
func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the channel and releases the connection. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
