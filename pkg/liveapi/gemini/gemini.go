// Package gemini implements the liveapi.Provider interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio is transmitted as base64-encoded PCM chunks and camera
// stills as base64-encoded JPEG, both inside realtimeInput media chunks.
// Inbound frames are decoded once into the liveapi.ServerEvent variant set.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lectary/live/pkg/audio"
	"github.com/lectary/live/pkg/liveapi"
)

// Compile-time assertions that Provider and channel satisfy the liveapi
// interfaces.
var _ liveapi.Provider = (*Provider)(nil)
var _ liveapi.Channel = (*channel)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	videoMIME = "image/jpeg"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements liveapi.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() liveapi.Capabilities {
	return liveapi.Capabilities{
		MaxSessionDurationMs: 15 * 60 * 1000,
		SupportsInterrupt:    false,
		SupportsVideo:        true,
		Voices: []liveapi.VoiceProfile{
			{ID: "Aoede", Name: "Aoede", Provider: "gemini"},
			{ID: "Charon", Name: "Charon", Provider: "gemini"},
			{ID: "Fenrir", Name: "Fenrir", Provider: "gemini"},
			{ID: "Kore", Name: "Kore", Provider: "gemini"},
			{ID: "Puck", Name: "Puck", Provider: "gemini"},
		},
	}
}

// Connect establishes a new Gemini Live channel with the given configuration.
// The returned Channel is ready to accept audio after the setup message and
// optional context injection have been sent.
func (p *Provider) Connect(ctx context.Context, cfg liveapi.SessionConfig) (liveapi.Channel, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &liveapi.ChannelError{Provider: "gemini", Op: "dial", Err: err}
	}

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		events: make(chan liveapi.ServerEvent, 64),
		done:   make(chan struct{}),
		ctx:    chCtx,
		cancel: chCancel,
	}

	if err := ch.sendSetup(p.model, cfg); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &liveapi.ChannelError{Provider: "gemini", Op: "handshake", Err: err}
	}

	if cfg.Context != "" {
		if err := ch.InjectContext(cfg.Context); err != nil {
			chCancel()
			conn.Close(websocket.StatusInternalError, "context injection failed")
			return nil, &liveapi.ChannelError{Provider: "gemini", Op: "handshake", Err: err}
		}
	}

	go ch.receiveLoop()
	go ch.keepaliveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan liveapi.ServerEvent

	mu     sync.Mutex
	errVal error
	closed bool

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (c *channel) sendSetup(model string, cfg liveapi.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice.ID != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice.ID},
			},
		}
	}

	return c.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// receiveLoop reads frames from the WebSocket, decodes each into server
// events, and delivers them in arrival order. It owns the events channel and
// closes it when it exits.
func (c *channel) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// Local close cancels the context; that exit is clean.
			if c.ctx.Err() != nil {
				return
			}
			c.setErr(&liveapi.ChannelError{Provider: "gemini", Op: "read", Err: err})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if !c.dispatch(&msg) {
			return
		}
	}
}

// dispatch converts one protocol message into zero or more events. It
// reports false when the stream should end.
func (c *channel) dispatch(msg *serverMessage) bool {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		c.setErr(&liveapi.ChannelError{
			Provider: "gemini",
			Op:       "protocol",
			Err:      fmt.Errorf("%s (code %d)", text, msg.Error.Code),
		})
		return false
	}

	if msg.GoAway != nil {
		c.emit(liveapi.ClosedByRemote{})
		return false
	}

	if sc := msg.ServerContent; sc != nil {
		// An interruption invalidates everything queued behind it, so it is
		// emitted before any audio carried in the same message.
		if sc.Interrupted {
			if !c.emit(liveapi.Interrupted{}) {
				return false
			}
		}

		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil {
					pcm, err := audio.FromTransportText(p.InlineData.Data)
					if err != nil || len(pcm) == 0 {
						continue
					}
					if !c.emit(liveapi.AudioChunk{PCM: pcm}) {
						return false
					}
				}
				if p.Text != "" {
					if !c.emit(liveapi.TranscriptDelta{Speaker: liveapi.SpeakerRemote, Text: p.Text}) {
						return false
					}
				}
			}
		}

		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			if !c.emit(liveapi.TranscriptDelta{Speaker: liveapi.SpeakerUser, Text: sc.InputTranscription.Text}) {
				return false
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			if !c.emit(liveapi.TranscriptDelta{Speaker: liveapi.SpeakerRemote, Text: sc.OutputTranscription.Text}) {
				return false
			}
		}

		if sc.TurnComplete {
			if !c.emit(liveapi.TurnComplete{}) {
				return false
			}
		}
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

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *channel) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
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

// checkOpen returns ErrSessionClosed once Close has been called.
func (c *channel) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return liveapi.ErrSessionClosed
	}
	return nil
}

// ── Channel methods ────────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM audio chunk (16 kHz, s16le, mono) to the model.
func (c *channel) SendAudio(pcm []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: audio.CaptureMIME, Data: audio.ToTransportText(pcm)},
			},
		},
	}
	return c.writeJSON(msg)
}

// SendVideoFrame delivers one JPEG still as a realtimeInput media chunk.
func (c *channel) SendVideoFrame(jpeg []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: videoMIME, Data: audio.ToTransportText(jpeg)},
			},
		},
	}
	return c.writeJSON(msg)
}

// InjectContext inserts a text turn into the session as clientContent.
func (c *channel) InjectContext(text string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if text == "" {
		return nil
	}

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	}
	return c.writeJSON(msg)
}

// Interrupt is not supported by the Gemini Live protocol; the endpoint only
// signals its own server-side barge-in via the Interrupted event.
func (c *channel) Interrupt() error {
	return liveapi.ErrNotSupported
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

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
