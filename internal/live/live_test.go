package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voiceorder/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeServer struct {
	*httptest.Server
	setups chan map[string]any
}

// newFakeServer runs handler after a successful setup handshake.
func newFakeServer(t *testing.T, handler func(ws *websocket.Conn)) *fakeServer {
	t.Helper()
	fs := &fakeServer{setups: make(chan map[string]any, 1)}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		var setup map[string]any
		if err := ws.ReadJSON(&setup); err != nil {
			t.Errorf("read setup: %v", err)
			return
		}
		fs.setups <- setup
		if err := ws.WriteJSON(map[string]any{"setupComplete": map[string]any{}}); err != nil {
			t.Errorf("write setupComplete: %v", err)
			return
		}
		handler(ws)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func dialer(url, key string) *GeminiDialer {
	return NewGeminiDialer(GeminiConfig{
		Endpoint:     url,
		APIKey:       key,
		Model:        "models/test-native-audio",
		DialTimeout:  time.Second,
		SetupTimeout: time.Second,
	}, newLogger())
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestGeminiSessionRoundTrip(t *testing.T) {
	reply := base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})
	frames := make(chan map[string]any, 1)
	fs := newFakeServer(t, func(ws *websocket.Conn) {
		var frame map[string]any
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		frames <- frame
		_ = ws.WriteJSON(map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "do kilo "},
		}})
		_ = ws.WriteJSON(map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": reply}},
			}},
		}})
		_ = ws.WriteJSON(map[string]any{"serverContent": map[string]any{"interrupted": true}})
		_ = ws.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		_, _, _ = ws.ReadMessage()
	})

	conn, err := dialer(fs.wsURL(), "test-key").Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	setup := <-fs.setups
	body, _ := setup["setup"].(map[string]any)
	if body["model"] != "models/test-native-audio" {
		t.Fatalf("unexpected setup %v", setup)
	}
	gen, _ := body["generationConfig"].(map[string]any)
	if mods, _ := gen["responseModalities"].([]any); len(mods) != 1 || mods[0] != "AUDIO" {
		t.Fatalf("expected AUDIO modality, got %v", gen)
	}
	if _, ok := body["inputAudioTranscription"]; !ok {
		t.Fatal("expected input transcription to be enabled")
	}

	blob := audio.EncodeBlob([]float32{0, 0.5})
	if err := conn.SendAudio(context.Background(), blob); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame := <-frames
	raw, _ := json.Marshal(frame)
	if !strings.Contains(string(raw), `"mimeType":"audio/pcm;rate=16000"`) || !strings.Contains(string(raw), blob.Data) {
		t.Fatalf("unexpected realtime input %s", raw)
	}

	ev := nextEvent(t, conn.Events())
	if ev.Kind != EventTranscription || ev.Text != "do kilo " {
		t.Fatalf("expected transcription, got %+v", ev)
	}
	ev = nextEvent(t, conn.Events())
	if ev.Kind != EventAudio || ev.SampleRate != 24000 || len(ev.Audio) != 4 {
		t.Fatalf("expected audio chunk, got %+v", ev)
	}
	if ev = nextEvent(t, conn.Events()); ev.Kind != EventInterrupted {
		t.Fatalf("expected interrupted, got %+v", ev)
	}
	if ev = nextEvent(t, conn.Events()); ev.Kind != EventTurnComplete {
		t.Fatalf("expected turn complete, got %+v", ev)
	}
}

func TestGeminiAbnormalCloseSurfacesNetworkError(t *testing.T) {
	fs := newFakeServer(t, func(ws *websocket.Conn) {
		_ = ws.UnderlyingConn().Close()
	})
	conn, err := dialer(fs.wsURL(), "test-key").Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ev := nextEvent(t, conn.Events())
	if ev.Kind != EventError || !errors.Is(ev.Err, ErrNetworkSession) {
		t.Fatalf("expected network error event, got %+v", ev)
	}
	if _, ok := <-conn.Events(); ok {
		t.Fatal("expected event stream to close after error")
	}
}

func TestGeminiRejectedKeyIsNotRetried(t *testing.T) {
	fs := newFakeServer(t, func(*websocket.Conn) {})
	d := dialer(fs.wsURL(), "wrong-key")
	d.cfg.MaxRetries = 5

	start := time.Now()
	_, err := d.Dial(context.Background())
	if !errors.Is(err, ErrNetworkSession) {
		t.Fatalf("expected network session error, got %v", err)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatal("authentication failure should not back off")
	}
}

func TestGeminiCloseIsIdempotent(t *testing.T) {
	fs := newFakeServer(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	conn, err := dialer(fs.wsURL(), "test-key").Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(done)
	}()
	_ = conn.Close()
	<-done

	if _, ok := <-conn.Events(); ok {
		t.Fatal("expected closed event stream")
	}
	if err := conn.SendAudio(context.Background(), audio.Blob{}); !errors.Is(err, ErrNetworkSession) {
		t.Fatalf("expected send after close to fail, got %v", err)
	}
}

func TestMockDialerScriptsTurn(t *testing.T) {
	d := &MockDialer{Transcript: []string{"do kilo ", "tamatar"}, Interval: time.Millisecond, Reply: []byte{0, 0}}
	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.SendAudio(context.Background(), audio.EncodeBlob([]float32{0})); err != nil {
		t.Fatalf("send: %v", err)
	}
	var text string
	for {
		ev := nextEvent(t, conn.Events())
		if ev.Kind == EventTranscription {
			text += ev.Text
			continue
		}
		if ev.Kind == EventAudio {
			continue
		}
		if ev.Kind != EventTurnComplete {
			t.Fatalf("unexpected event %+v", ev)
		}
		break
	}
	if text != "do kilo tamatar" {
		t.Fatalf("unexpected transcript %q", text)
	}
}

func TestSampleRateOf(t *testing.T) {
	if got := sampleRateOf("audio/pcm;rate=24000", 16000); got != 24000 {
		t.Fatalf("got %d", got)
	}
	if got := sampleRateOf("audio/pcm", 24000); got != 24000 {
		t.Fatalf("got %d", got)
	}
	if got := sampleRateOf("audio/pcm; rate=bogus", 8000); got != 8000 {
		t.Fatalf("got %d", got)
	}
}
