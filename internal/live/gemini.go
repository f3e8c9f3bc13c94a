package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voiceorder/internal/audio"
)

const (
	maxMessageSize = 16 * 1024 * 1024
	writeTimeout   = 5 * time.Second
	eventBuffer    = 64
)

var errConnClosed = errors.New("connection closed")

// GeminiConfig configures the Gemini Live websocket transport.
type GeminiConfig struct {
	Endpoint         string
	APIKey           string
	Model            string
	OutputSampleRate int
	DialTimeout      time.Duration
	SetupTimeout     time.Duration
	MaxRetries       int
}

// GeminiDialer opens BidiGenerateContent sessions that answer with audio and
// transcribe the caller's speech.
type GeminiDialer struct {
	cfg    GeminiConfig
	logger *slog.Logger
}

func NewGeminiDialer(cfg GeminiConfig, logger *slog.Logger) *GeminiDialer {
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = audio.OutputSampleRate
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 10 * time.Second
	}
	return &GeminiDialer{cfg: cfg, logger: logger.With(slog.String("component", "live-gemini"))}
}

type setupMessage struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model                   string           `json:"model"`
	GenerationConfig        generationConfig `json:"generationConfig"`
	InputAudioTranscription struct{}         `json:"inputAudioTranscription"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	Error         *apiError      `json:"error,omitempty"`
}

type serverContent struct {
	InputTranscription *transcription `json:"inputTranscription,omitempty"`
	ModelTurn          *modelTurn     `json:"modelTurn,omitempty"`
	Interrupted        bool           `json:"interrupted,omitempty"`
	TurnComplete       bool           `json:"turnComplete,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type part struct {
	InlineData *mediaChunk `json:"inlineData,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Dial connects and completes setup, retrying transient failures with
// exponential backoff. Authentication failures are not retried.
func (d *GeminiDialer) Dial(ctx context.Context) (Conn, error) {
	op := func() (*websocket.Conn, error) {
		ws, err := d.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			d.logger.Warn("live dial attempt failed", slog.String("error", err.Error()))
			return nil, err
		}
		return ws, nil
	}
	ws, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(d.cfg.MaxRetries)+1))
	if err != nil {
		return nil, &SessionError{Op: "dial", Err: err}
	}
	return newGeminiConn(ws, d.cfg.OutputSampleRate, d.logger), nil
}

func (d *GeminiDialer) connect(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	if d.cfg.APIKey != "" {
		headers.Set("x-goog-api-key", d.cfg.APIKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.DialTimeout}
	ws, resp, err := dialer.DialContext(ctx, d.cfg.Endpoint, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(fmt.Errorf("handshake rejected: %s", resp.Status))
		}
		return nil, err
	}
	ws.SetReadLimit(maxMessageSize)

	if err := d.setup(ctx, ws); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return ws, nil
}

func (d *GeminiDialer) setup(ctx context.Context, ws *websocket.Conn) error {
	msg := setupMessage{Setup: setupBody{
		Model:            d.cfg.Model,
		GenerationConfig: generationConfig{ResponseModalities: []string{"AUDIO"}},
	}}
	deadline := time.Now().Add(d.cfg.SetupTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}
	_ = ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { _ = ws.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await setup: %w", err)
		}
		var reply serverMessage
		if err := json.Unmarshal(data, &reply); err != nil {
			return fmt.Errorf("decode setup reply: %w", err)
		}
		if reply.Error != nil {
			err := fmt.Errorf("setup rejected (code %d): %s", reply.Error.Code, reply.Error.Message)
			if reply.Error.Code == http.StatusUnauthorized || reply.Error.Code == http.StatusForbidden || reply.Error.Code == http.StatusBadRequest {
				return backoff.Permanent(err)
			}
			return err
		}
		if reply.SetupComplete != nil {
			return nil
		}
	}
}

type geminiConn struct {
	ws         *websocket.Conn
	sampleRate int
	logger     *slog.Logger

	writeMu   sync.Mutex
	events    chan Event
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

func newGeminiConn(ws *websocket.Conn, sampleRate int, logger *slog.Logger) *geminiConn {
	c := &geminiConn{
		ws:         ws,
		sampleRate: sampleRate,
		logger:     logger,
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *geminiConn) Events() <-chan Event { return c.events }

func (c *geminiConn) SendAudio(ctx context.Context, blob audio.Blob) error {
	select {
	case <-c.closing:
		return &SessionError{Op: "send", Err: errConnClosed}
	default:
	}
	payload, err := json.Marshal(realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []mediaChunk{{MIMEType: blob.MIMEType, Data: blob.Data}},
	}})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &SessionError{Op: "send", Err: err}
	}
	return nil
}

func (c *geminiConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		<-c.done
	})
	return nil
}

func (c *geminiConn) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("live session closed by server")
				return
			}
			c.emit(Event{Kind: EventError, Err: &SessionError{Op: "receive", Err: err}})
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("ignoring undecodable live message", slog.String("error", err.Error()))
			continue
		}
		if msg.Error != nil {
			c.emit(Event{Kind: EventError, Err: &SessionError{Op: "receive", Err: fmt.Errorf("server error %d: %s", msg.Error.Code, msg.Error.Message)}})
			return
		}
		if msg.ServerContent == nil {
			continue
		}
		c.dispatch(msg.ServerContent)
	}
}

func (c *geminiConn) dispatch(sc *serverContent) {
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		c.emit(Event{Kind: EventTranscription, Text: sc.InputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			raw, err := audio.DecodeBase64(p.InlineData.Data)
			if err != nil {
				c.logger.Warn("dropping undecodable audio part", slog.String("error", err.Error()))
				continue
			}
			c.emit(Event{Kind: EventAudio, Audio: raw, SampleRate: sampleRateOf(p.InlineData.MIMEType, c.sampleRate)})
		}
	}
	if sc.Interrupted {
		c.emit(Event{Kind: EventInterrupted})
	}
	if sc.TurnComplete {
		c.emit(Event{Kind: EventTurnComplete})
	}
}

// emit blocks until the consumer takes the event or the conn is closing.
func (c *geminiConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closing:
	}
}

// sampleRateOf reads the rate parameter of a MIME type such as
// "audio/pcm;rate=24000".
func sampleRateOf(mimeType string, fallback int) int {
	for _, param := range strings.Split(mimeType, ";")[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || key != "rate" {
			continue
		}
		if rate, err := strconv.Atoi(value); err == nil && rate > 0 {
			return rate
		}
	}
	return fallback
}
