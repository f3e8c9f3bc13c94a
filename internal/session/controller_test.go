package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voiceorder/internal/audio"
	"github.com/loqalabs/loqa-voiceorder/internal/live"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCaptureDevice struct {
	mu     sync.Mutex
	onData func([]byte)
	closes atomic.Int32
}

func (d *fakeCaptureDevice) Format() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1}
}

func (d *fakeCaptureDevice) Start(onData func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onData = onData
	return nil
}

func (d *fakeCaptureDevice) Close() error {
	d.closes.Add(1)
	return nil
}

func (d *fakeCaptureDevice) push(pcm []byte) {
	d.mu.Lock()
	fn := d.onData
	d.mu.Unlock()
	if fn != nil {
		fn(pcm)
	}
}

type fakeMic struct {
	device  *fakeCaptureDevice
	err     error
	block   bool
	entered chan struct{}
}

func (m *fakeMic) Open(ctx context.Context) (audio.CaptureDevice, error) {
	if m.entered != nil {
		close(m.entered)
	}
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.device, nil
}

type countingPlayback struct {
	*audio.Mixer
	closes *atomic.Int32
}

func (c countingPlayback) Close() error {
	c.closes.Add(1)
	return c.Mixer.Close()
}

type fakeSpeaker struct {
	opens  atomic.Int32
	closes atomic.Int32
}

func (s *fakeSpeaker) Open(_ context.Context, format audio.Format) (audio.PlaybackDevice, error) {
	s.opens.Add(1)
	return countingPlayback{Mixer: audio.NewMixer(format), closes: &s.closes}, nil
}

type fakeConn struct {
	events chan live.Event
	sent   chan audio.Blob
	closes atomic.Int32
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan live.Event, 16),
		sent:   make(chan audio.Blob, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) SendAudio(_ context.Context, blob audio.Blob) error {
	select {
	case <-c.closed:
		return &live.SessionError{Op: "send", Err: errors.New("closed")}
	default:
	}
	select {
	case c.sent <- blob:
	default:
	}
	return nil
}

func (c *fakeConn) Events() <-chan live.Event { return c.events }

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	conn  *fakeConn
	err   error
	dials atomic.Int32
}

func (d *fakeDialer) Dial(context.Context) (live.Conn, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type handoffRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (h *handoffRecorder) handoff(_ context.Context, _ string, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, text)
}

func (h *handoffRecorder) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type harness struct {
	ctrl    *Controller
	device  *fakeCaptureDevice
	mic     *fakeMic
	conn    *fakeConn
	dialer  *fakeDialer
	speaker *fakeSpeaker
	handoff *handoffRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		device:  &fakeCaptureDevice{},
		conn:    newFakeConn(),
		speaker: &fakeSpeaker{},
		handoff: &handoffRecorder{},
	}
	h.mic = &fakeMic{device: h.device}
	h.dialer = &fakeDialer{conn: h.conn}
	h.ctrl = NewController(context.Background(), Options{
		Microphone:     h.mic,
		Speaker:        h.speaker,
		PlaybackFormat: audio.Format{SampleRate: audio.OutputSampleRate, Channels: 1},
		Dialer:         h.dialer,
		Capture:        audio.CaptureOptions{FrameSamples: 4, QueueHighWater: 4},
		Handoff:        h.handoff.handoff,
	}, newLogger())
	return h
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never reached %s (now %s)", want, s.State())
}

func waitOutcome(t *testing.T, s *Session) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return out
}

func pcm(samples int) []byte {
	return make([]byte, samples*2)
}

func TestTurnCompleteEndsSessionAndHandsOffTranscript(t *testing.T) {
	h := newHarness(t)
	s, err := h.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateStreaming)

	h.device.push(pcm(8))
	for i := 0; i < 2; i++ {
		select {
		case <-h.conn.sent:
		case <-time.After(time.Second):
			t.Fatal("expected frames to reach the live session")
		}
	}

	h.conn.events <- live.Event{Kind: live.EventTranscription, Text: "do kilo "}
	h.conn.events <- live.Event{Kind: live.EventTranscription, Text: "tamatar"}
	h.conn.events <- live.Event{Kind: live.EventTurnComplete}

	out := waitOutcome(t, s)
	if out.State != StateClosed || out.Err != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Transcript != "do kilo tamatar" {
		t.Fatalf("unexpected transcript %q", out.Transcript)
	}
	if calls := h.handoff.snapshot(); len(calls) != 1 || calls[0] != "do kilo tamatar" {
		t.Fatalf("unexpected handoff calls %v", calls)
	}
	if h.ctrl.State() != StateIdle || h.ctrl.Current() != nil {
		t.Fatal("controller should be idle after teardown")
	}
	if h.ctrl.Last() != s {
		t.Fatal("expected ended session to be remembered")
	}
}

func TestConsecutiveSessionsStartWithEmptyTranscript(t *testing.T) {
	h := newHarness(t)
	for i, phrase := range []string{"do kilo tamatar", "ek kilo aloo"} {
		h.conn = newFakeConn()
		h.dialer.conn = h.conn
		s, err := h.ctrl.Start(context.Background())
		if err != nil {
			t.Fatalf("session %d start: %v", i, err)
		}
		waitState(t, s, StateStreaming)
		if s.Transcript() != "" {
			t.Fatalf("session %d began with %q", i, s.Transcript())
		}
		h.conn.events <- live.Event{Kind: live.EventTranscription, Text: phrase}
		h.conn.events <- live.Event{Kind: live.EventTurnComplete}
		if out := waitOutcome(t, s); out.Transcript != phrase {
			t.Fatalf("session %d: expected %q, got %q", i, phrase, out.Transcript)
		}
	}
	calls := h.handoff.snapshot()
	if len(calls) != 2 || calls[0] != "do kilo tamatar" || calls[1] != "ek kilo aloo" {
		t.Fatalf("unexpected handoff calls %v", calls)
	}
}

func TestConcurrentStopAndTurnCompleteTearDownOnce(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := newHarness(t)
		s, err := h.ctrl.Start(context.Background())
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		waitState(t, s, StateStreaming)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Stop()
			}()
		}
		h.conn.events <- live.Event{Kind: live.EventTurnComplete}
		wg.Wait()

		out := waitOutcome(t, s)
		if out.State != StateClosed {
			t.Fatalf("iteration %d: expected closed, got %s", i, out.State)
		}
		if got := h.device.closes.Load(); got != 1 {
			t.Fatalf("iteration %d: microphone released %d times", i, got)
		}
		if got := h.speaker.closes.Load(); got != 1 {
			t.Fatalf("iteration %d: speaker released %d times", i, got)
		}
		if got := h.conn.closes.Load(); got != 1 {
			t.Fatalf("iteration %d: network released %d times", i, got)
		}
		s.Stop()
	}
}

func TestSecondStartIsRejected(t *testing.T) {
	h := newHarness(t)
	s, err := h.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	out, err := h.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if out.SessionID != s.ID() || out.State != StateClosed {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if _, err := h.ctrl.Stop(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestStopDuringOpeningCancelsAcquisition(t *testing.T) {
	h := newHarness(t)
	h.mic.block = true
	h.mic.entered = make(chan struct{})

	s, err := h.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-h.mic.entered
	if s.State() != StateOpening {
		t.Fatalf("expected opening, got %s", s.State())
	}
	s.Stop()

	out := waitOutcome(t, s)
	if out.State != StateClosed {
		t.Fatalf("user stop during opening should close cleanly, got %+v", out)
	}
	if h.dialer.dials.Load() != 0 || h.speaker.opens.Load() != 0 {
		t.Fatal("nothing past the microphone should have been opened")
	}
	if len(h.handoff.snapshot()) != 0 {
		t.Fatal("empty transcript must not be handed off")
	}
	if h.ctrl.State() != StateIdle {
		t.Fatal("controller should be idle")
	}
}

func TestOpenFailuresRollBack(t *testing.T) {
	t.Run("permission denied", func(t *testing.T) {
		h := newHarness(t)
		h.mic.err = audio.ErrPermissionDenied
		s, _ := h.ctrl.Start(context.Background())
		out := waitOutcome(t, s)
		if out.State != StateFailed || !errors.Is(out.Err, audio.ErrPermissionDenied) {
			t.Fatalf("unexpected outcome %+v", out)
		}
		if h.dialer.dials.Load() != 0 {
			t.Fatal("dial should not happen without a microphone")
		}
	})

	t.Run("network", func(t *testing.T) {
		h := newHarness(t)
		h.dialer.err = &live.SessionError{Op: "dial", Err: errors.New("connection refused")}
		s, _ := h.ctrl.Start(context.Background())
		out := waitOutcome(t, s)
		if out.State != StateFailed || !errors.Is(out.Err, live.ErrNetworkSession) {
			t.Fatalf("unexpected outcome %+v", out)
		}
		if h.device.closes.Load() != 1 {
			t.Fatal("microphone must be released after a failed dial")
		}
		if h.speaker.opens.Load() != 0 {
			t.Fatal("speaker should not be opened after a failed dial")
		}
		if _, err := h.ctrl.Start(context.Background()); err != nil {
			t.Fatalf("controller should accept a new session, got %v", err)
		}
	})
}

func TestMisalignedChunkDoesNotEndSession(t *testing.T) {
	h := newHarness(t)
	s, err := h.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateStreaming)

	h.device.push([]byte{1, 2, 3})
	h.device.push(pcm(4))
	select {
	case <-h.conn.sent:
	case <-time.After(time.Second):
		t.Fatal("valid frame after a misaligned chunk should still be sent")
	}
	if s.State() != StateStreaming {
		t.Fatalf("session should still be streaming, got %s", s.State())
	}

	out, err := h.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if out.Capture.CodecErrors != 1 {
		t.Fatalf("expected one codec error, got %+v", out.Capture)
	}
}

func TestNetworkErrorStillHandsOffPartialTranscript(t *testing.T) {
	h := newHarness(t)
	s, err := h.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateStreaming)

	h.conn.events <- live.Event{Kind: live.EventTranscription, Text: "ek kilo pyaz"}
	h.conn.events <- live.Event{Kind: live.EventError, Err: &live.SessionError{Op: "receive", Err: io.ErrUnexpectedEOF}}

	out := waitOutcome(t, s)
	if out.State != StateFailed || !errors.Is(out.Err, live.ErrNetworkSession) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if calls := h.handoff.snapshot(); len(calls) != 1 || calls[0] != "ek kilo pyaz" {
		t.Fatalf("partial transcript should be handed off, got %v", calls)
	}
}

func TestReplyAudioAndBargeIn(t *testing.T) {
	h := newHarness(t)
	var fragments []string
	var mu sync.Mutex
	h.ctrl.opts.OnFragment = func(_ string, f string) {
		mu.Lock()
		fragments = append(fragments, f)
		mu.Unlock()
	}
	s, err := h.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateStreaming)

	h.conn.events <- live.Event{Kind: live.EventAudio, Audio: pcm(2400), SampleRate: audio.OutputSampleRate}
	h.conn.events <- live.Event{Kind: live.EventAudio, Audio: []byte{1}, SampleRate: audio.OutputSampleRate}
	h.conn.events <- live.Event{Kind: live.EventInterrupted}
	h.conn.events <- live.Event{Kind: live.EventTranscription, Text: "aloo"}

	deadline := time.Now().Add(time.Second)
	for s.Transcript() != "aloo" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.State() != StateStreaming {
		t.Fatalf("bad reply audio must not end the session, got %s", s.State())
	}
	mu.Lock()
	got := append([]string(nil), fragments...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "aloo" {
		t.Fatalf("unexpected fragments %v", got)
	}
	s.Stop()
	waitOutcome(t, s)
}
