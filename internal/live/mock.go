package live

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voiceorder/internal/audio"
)

// MockDialer scripts a session for local development: once the first frame
// arrives it replays Transcript as transcription fragments, then completes
// the turn.
type MockDialer struct {
	Transcript []string
	Interval   time.Duration
	// Reply, when set, is emitted as one synthesized audio chunk before the turn completes.
	Reply []byte
}

func (d *MockDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SessionError{Op: "dial", Err: err}
	}
	interval := d.Interval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	c := &mockConn{
		script:   append([]string(nil), d.Transcript...),
		reply:    d.Reply,
		interval: interval,
		events:   make(chan Event, eventBuffer),
		closing:  make(chan struct{}),
		firstRx:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.run()
	return c, nil
}

type mockConn struct {
	script   []string
	reply    []byte
	interval time.Duration

	events    chan Event
	closing   chan struct{}
	firstRx   chan struct{}
	firstOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	frames    atomic.Int64
}

func (c *mockConn) Events() <-chan Event { return c.events }

func (c *mockConn) SendAudio(ctx context.Context, _ audio.Blob) error {
	select {
	case <-c.closing:
		return &SessionError{Op: "send", Err: errConnClosed}
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.frames.Add(1)
	c.firstOnce.Do(func() { close(c.firstRx) })
	return nil
}

// FramesReceived reports how many frames the mock has accepted.
func (c *mockConn) FramesReceived() int64 { return c.frames.Load() }

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		<-c.done
	})
	return nil
}

func (c *mockConn) run() {
	defer close(c.done)
	defer close(c.events)
	select {
	case <-c.firstRx:
	case <-c.closing:
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for _, fragment := range c.script {
		select {
		case <-ticker.C:
		case <-c.closing:
			return
		}
		if !c.emit(Event{Kind: EventTranscription, Text: fragment}) {
			return
		}
	}
	if len(c.reply) > 0 {
		if !c.emit(Event{Kind: EventAudio, Audio: c.reply, SampleRate: audio.OutputSampleRate}) {
			return
		}
	}
	c.emit(Event{Kind: EventTurnComplete})
	<-c.closing
}

func (c *mockConn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closing:
		return false
	}
}
