package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lectary/live/pkg/liveapi"
	"github.com/lectary/live/pkg/liveapi/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server standing in for the
// OpenAI Realtime endpoint.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func newProvider(srv *httptest.Server) *openai.Provider {
	return openai.New("test-api-key", openai.WithBaseURL(wsURL(srv)))
}

func nextEvent(t *testing.T, ch liveapi.Channel) liveapi.ServerEvent {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server event")
		return nil
	}
}

// ── Constructor tests ─────────────────────────────────────────────────────────

func TestCapabilities_InterruptButNoVideo(t *testing.T) {
	t.Parallel()

	caps := openai.New("key").Capabilities()
	if !caps.SupportsInterrupt {
		t.Fatal("Realtime supports response.cancel; SupportsInterrupt should be true")
	}
	if caps.SupportsVideo {
		t.Fatal("Realtime does not accept still images; SupportsVideo should be false")
	}
	if len(caps.Voices) == 0 {
		t.Fatal("want at least one voice profile")
	}
}

// ── Connect tests ─────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdateWithPCM16(t *testing.T) {
	t.Parallel()

	updateCh := make(chan map[string]any, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		updateCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), liveapi.SessionConfig{
		Voice: liveapi.VoiceProfile{ID: "shimmer"},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case msg := <-updateCh:
		if msg["type"] != "session.update" {
			t.Fatalf("type: got %v, want session.update", msg["type"])
		}
		raw, _ := json.Marshal(msg)
		text := string(raw)
		if !strings.Contains(text, "pcm16") {
			t.Errorf("missing pcm16 audio format: %s", text)
		}
		if !strings.Contains(text, "shimmer") {
			t.Errorf("missing voice: %s", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received session.update")
	}
}

func TestConnect_SendsAuthHeaders(t *testing.T) {
	t.Parallel()

	headerCh := make(chan http.Header, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		headerCh <- r.Header
		var msg map[string]any
		readJSON(t, conn, &msg)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), liveapi.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case h := <-headerCh:
		if got := h.Get("Authorization"); got != "Bearer test-api-key" {
			t.Errorf("Authorization: got %q", got)
		}
		if got := h.Get("OpenAI-Beta"); got != "realtime=v1" {
			t.Errorf("OpenAI-Beta: got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted")
	}
}

// ── Send path tests ───────────────────────────────────────────────────────────

func TestSendAudio_AppendsToInputBuffer(t *testing.T) {
	t.Parallel()

	appendCh := make(chan map[string]any, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		var appendMsg map[string]any
		readJSON(t, conn, &appendMsg)
		appendCh <- appendMsg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), liveapi.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	pcm := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	if err := handle.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-appendCh:
		if msg["type"] != "input_audio_buffer.append" {
			t.Fatalf("type: got %v", msg["type"])
		}
		if msg["audio"] != base64.StdEncoding.EncodeToString(pcm) {
			t.Fatalf("audio payload mismatch: %v", msg["audio"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received audio")
	}
}

func TestSendVideoFrame_NotSupported(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), liveapi.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.SendVideoFrame([]byte{0xFF, 0xD8}); !errors.Is(err, liveapi.ErrNotSupported) {
		t.Fatalf("got %v, want ErrNotSupported", err)
	}
}

func TestInterrupt_SendsResponseCancel(t *testing.T) {
	t.Parallel()

	cancelCh := make(chan map[string]any, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		var cancelMsg map[string]any
		readJSON(t, conn, &cancelMsg)
		cancelCh <- cancelMsg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), liveapi.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	select {
	case msg := <-cancelCh:
		if msg["type"] != "response.cancel" {
			t.Fatalf("type: got %v, want response.cancel", msg["type"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received response.cancel")
	}
}

// ── Receive path tests ────────────────────────────────────────────────────────

func TestEvents_DeliversDecodedAudio(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), liveapi.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	ev := nextEvent(t, handle)
	chunk, ok := ev.(liveapi.AudioChunk)
	if !ok {
		t.Fatalf("got %T, want AudioChunk", ev)
	}
	if string(chunk.PCM) != string(pcm) {
		t.Fatalf("PCM mismatch: got % X, want % X", chunk.PCM, pcm)
	}
}

func TestEvents_SpeechStartedMapsToInterrupted(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), liveapi.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if _, ok := nextEvent(t, handle).(liveapi.Interrupted); !ok {
		t.Fatal("want Interrupted event for speech_started")
	}
}

func TestEvents_TranscriptDeltas(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio_transcript.delta",
			"delta": "Once upon",
		})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "read me the intro",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), liveapi.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	first := nextEvent(t, handle)
	remote, ok := first.(liveapi.TranscriptDelta)
	if !ok || remote.Speaker != liveapi.SpeakerRemote || remote.Text != "Once upon" {
		t.Fatalf("first event: got %#v", first)
	}
	second := nextEvent(t, handle)
	user, ok := second.(liveapi.TranscriptDelta)
	if !ok || user.Speaker != liveapi.SpeakerUser || user.Text != "read me the intro" {
		t.Fatalf("second event: got %#v", second)
	}
}

func TestEvents_ErrorEvent_ClosesStreamWithErr(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "server_error", "message": "rate limited"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), liveapi.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	for range handle.Events() {
	}
	var chErr *liveapi.ChannelError
	if !errors.As(handle.Err(), &chErr) {
		t.Fatalf("Err: got %v, want *ChannelError", handle.Err())
	}
	if !strings.Contains(chErr.Error(), "rate limited") {
		t.Fatalf("error text: %v", chErr)
	}
}

// ── Lifecycle tests ───────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), liveapi.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestInjectContext_SendsConversationItem(t *testing.T) {
	t.Parallel()

	itemCh := make(chan map[string]any, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		var item map[string]any
		readJSON(t, conn, &item)
		itemCh <- item
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), liveapi.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.InjectContext("the user is reading chapter two"); err != nil {
		t.Fatalf("InjectContext: %v", err)
	}

	select {
	case msg := <-itemCh:
		if msg["type"] != "conversation.item.create" {
			t.Fatalf("type: got %v", msg["type"])
		}
		raw, _ := json.Marshal(msg)
		if !strings.Contains(string(raw), "chapter two") {
			t.Fatalf("missing context text: %s", raw)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received conversation item")
	}
}
