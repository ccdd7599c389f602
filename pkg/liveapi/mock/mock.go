// Package mock provides test doubles for the liveapi package interfaces.
//
// Use Provider to verify Connect calls and feed controlled channels into the
// session orchestrator. Use Channel to script inbound server events and
// inspect what the orchestrator sent.
//
// Example:
//
//	ch := mock.NewChannel()
//	p := &mock.Provider{Channel: ch}
//	handle, _ := p.Connect(ctx, cfg)
//	ch.Emit(liveapi.AudioChunk{PCM: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/lectary/live/pkg/liveapi"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg liveapi.SessionConfig
}

// Provider is a mock implementation of liveapi.Provider.
type Provider struct {
	mu sync.Mutex

	// Channel is the Channel returned by Connect. If nil, Connect returns a
	// fresh default Channel.
	Channel liveapi.Channel

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// BlockUntilCancel makes Connect block until the context is cancelled and
	// return its error. Simulates an unresponsive endpoint.
	BlockUntilCancel bool

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities liveapi.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Channel, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg liveapi.SessionConfig) (liveapi.Channel, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.BlockUntilCancel
	err := p.ConnectErr
	ch := p.Channel
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, &liveapi.ChannelError{Provider: "mock", Op: "dial", Err: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}
	if ch != nil {
		return ch, nil
	}
	return NewChannel(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() liveapi.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a snapshot of recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Ensure Provider implements liveapi.Provider at compile time.
var _ liveapi.Provider = (*Provider)(nil)

// Channel is a scriptable mock implementation of liveapi.Channel.
// Tests push inbound events with [Channel.Emit] and end the stream with
// [Channel.EndStream]; outbound traffic is recorded for inspection.
type Channel struct {
	mu sync.Mutex

	events  chan liveapi.ServerEvent
	emitEnd sync.Once

	// --- Configurable behaviour ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendVideoFrameErr, if non-nil, is returned by every SendVideoFrame call.
	SendVideoFrameErr error

	// InjectContextErr, if non-nil, is returned by every InjectContext call.
	InjectContextErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	// CloseErr, if non-nil, is returned by the first Close.
	CloseErr error

	// TerminalErr is returned by Err after EndStream.
	TerminalErr error

	// --- Call records ---

	// AudioSent records every SendAudio payload in call order.
	AudioSent [][]byte

	// VideoSent records every SendVideoFrame payload in call order.
	VideoSent [][]byte

	// ContextInjected records every InjectContext text in call order.
	ContextInjected []string

	// InterruptCallCount is the number of times Interrupt was called.
	InterruptCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewChannel creates a Channel with a buffered event stream.
func NewChannel() *Channel {
	return &Channel{events: make(chan liveapi.ServerEvent, 64)}
}

// Emit delivers one inbound event to the orchestrator.
func (c *Channel) Emit(ev liveapi.ServerEvent) {
	c.events <- ev
}

// EndStream closes the event stream with the given terminal error (nil for a
// clean remote close). Safe to call more than once.
func (c *Channel) EndStream(err error) {
	c.mu.Lock()
	if err != nil && c.TerminalErr == nil {
		c.TerminalErr = err
	}
	c.mu.Unlock()
	c.emitEnd.Do(func() { close(c.events) })
}

// SendAudio records the payload and returns SendAudioErr.
func (c *Channel) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	c.AudioSent = append(c.AudioSent, cp)
	return c.SendAudioErr
}

// SendVideoFrame records the payload and returns SendVideoFrameErr.
func (c *Channel) SendVideoFrame(jpeg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(jpeg))
	copy(cp, jpeg)
	c.VideoSent = append(c.VideoSent, cp)
	return c.SendVideoFrameErr
}

// InjectContext records the text and returns InjectContextErr.
func (c *Channel) InjectContext(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ContextInjected = append(c.ContextInjected, text)
	return c.InjectContextErr
}

// Interrupt records the call and returns InterruptErr.
func (c *Channel) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InterruptCallCount++
	return c.InterruptErr
}

// Events returns the scripted event stream.
func (c *Channel) Events() <-chan liveapi.ServerEvent { return c.events }

// Err returns TerminalErr.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.TerminalErr
}

// Close records the call, ends the stream, and returns CloseErr once.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.CloseCallCount++
	n := c.CloseCallCount
	err := c.CloseErr
	c.mu.Unlock()

	c.emitEnd.Do(func() { close(c.events) })
	if n > 1 {
		return nil
	}
	return err
}

// SentAudio returns a snapshot of recorded SendAudio payloads. Thread-safe.
func (c *Channel) SentAudio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.AudioSent))
	copy(out, c.AudioSent)
	return out
}

// SentVideo returns a snapshot of recorded SendVideoFrame payloads. Thread-safe.
func (c *Channel) SentVideo() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.VideoSent))
	copy(out, c.VideoSent)
	return out
}

// Closes returns the number of Close calls. Thread-safe.
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCallCount
}

// Ensure Channel implements liveapi.Channel at compile time.
var _ liveapi.Channel = (*Channel)(nil)
