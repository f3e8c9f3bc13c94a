// Package session runs one live voice session at a time: it opens the
// microphone, the remote speech session and the speaker, routes audio and
// transcription between them, and tears all three down exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voiceorder/internal/audio"
	"github.com/loqalabs/loqa-voiceorder/internal/live"
	"github.com/loqalabs/loqa-voiceorder/internal/transcript"
)

var (
	ErrSessionActive = errors.New("voice session already active")
	ErrNoSession     = errors.New("no active voice session")
)

// Handoff receives the finalized transcript of a session that captured
// something. It runs after the controller is idle again.
type Handoff func(ctx context.Context, sessionID, transcript string)

type Options struct {
	Microphone     audio.Microphone
	Speaker        audio.Speaker
	PlaybackFormat audio.Format
	Dialer         live.Dialer
	Capture        audio.CaptureOptions
	Handoff        Handoff
	// OnFragment observes transcription fragments as they arrive.
	OnFragment func(sessionID, fragment string)
}

// Outcome describes how a session ended.
type Outcome struct {
	SessionID  string
	State      State
	Transcript string
	Err        error
	Capture    audio.CaptureStats
	StartedAt  time.Time
	EndedAt    time.Time
}

type Controller struct {
	ctx    context.Context
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	ins    *instruments

	mu      sync.Mutex
	current *Session
	last    *Session
}

func NewController(parent context.Context, opts Options, logger *slog.Logger) *Controller {
	if opts.PlaybackFormat.SampleRate <= 0 {
		opts.PlaybackFormat.SampleRate = audio.OutputSampleRate
	}
	if opts.PlaybackFormat.Channels <= 0 {
		opts.PlaybackFormat.Channels = 1
	}
	c := &Controller{
		ctx:    parent,
		opts:   opts,
		logger: logger.With(slog.String("component", "voice-session")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-voiceorder/session"),
	}
	ins, err := newInstruments(c.activeCount)
	if err != nil {
		c.logger.Warn("session metrics disabled", slogError(err))
	} else {
		c.ins = ins
	}
	return c
}

// Start opens a new session in the background. Only one session may be
// open at a time.
func (c *Controller) Start(ctx context.Context) (*Session, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil, ErrSessionActive
	}
	s := c.newSession(ctx)
	c.current = s
	c.mu.Unlock()

	if c.ins != nil {
		c.ins.started.Add(ctx, 1)
	}
	s.logger.Info("voice session starting")
	go s.run()
	return s, nil
}

// Stop asks the open session to end and waits for its teardown.
func (c *Controller) Stop(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return Outcome{}, ErrNoSession
	}
	s.Stop()
	return s.Wait(ctx)
}

// Current returns the open session, or nil when idle.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Last returns the most recently ended session, or nil.
func (c *Controller) Last() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// State is the open session's state, or StateIdle.
func (c *Controller) State() State {
	if s := c.Current(); s != nil {
		return s.State()
	}
	return StateIdle
}

func (c *Controller) activeCount() int64 {
	if c.Current() != nil {
		return 1
	}
	return 0
}

func (c *Controller) release(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == s {
		c.current = nil
	}
	c.last = s
}

func (c *Controller) newSession(reqCtx context.Context) *Session {
	id := uuid.NewString()
	spanCtx := trace.ContextWithSpanContext(c.ctx, trace.SpanContextFromContext(reqCtx))
	spanCtx, span := c.tracer.Start(spanCtx, "voice.session", trace.WithAttributes(attribute.String("session.id", id)))
	ctx, cancel := context.WithCancel(spanCtx)
	s := &Session{
		id:        id,
		ctrl:      c,
		logger:    c.logger.With(slog.String("session_id", id)),
		ctx:       ctx,
		cancel:    cancel,
		span:      span,
		failures:  make(chan error, 1),
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateOpening))
	return s
}

// Session is one capture-to-playback round. Resources are only touched by
// the session's own goroutine, so teardown never races with setup.
type Session struct {
	id        string
	ctrl      *Controller
	logger    *slog.Logger
	state     atomic.Int32
	stopped   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	span      trace.Span
	failures  chan error
	startedAt time.Time
	text      transcript.Buffer

	capture  *audio.CaptureChannel
	playback *audio.PlaybackChannel
	conn     live.Conn

	teardown sync.Once
	done     chan struct{}
	outcome  Outcome
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) StartedAt() time.Time { return s.startedAt }

// Transcript returns the text heard so far.
func (s *Session) Transcript() string { return s.text.String() }

// Stop requests teardown. It is safe to call from any goroutine, any number
// of times, in any state.
func (s *Session) Stop() {
	s.stopped.Store(true)
	s.cancel()
}

// Done is closed once teardown and the transcript handoff have finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session has ended.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		return s.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (s *Session) run() {
	s.text.Reset()
	if err := s.open(); err != nil {
		s.finish(err)
		return
	}
	if s.ctx.Err() != nil {
		s.finish(nil)
		return
	}
	if !s.state.CompareAndSwap(int32(StateOpening), int32(StateStreaming)) {
		s.finish(nil)
		return
	}
	s.span.AddEvent("streaming")
	s.logger.Info("voice session streaming")
	if err := s.capture.Start(s.sink); err != nil {
		s.finish(fmt.Errorf("start capture: %w", err))
		return
	}
	s.finish(s.loop())
}

// open acquires microphone, network session and speaker in that order. A
// failure leaves whatever was acquired for finish to release.
func (s *Session) open() error {
	opts := s.ctrl.opts
	s.capture = audio.NewCaptureChannel(opts.Microphone, opts.Capture, s.logger)
	if err := s.capture.Open(s.ctx); err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	conn, err := opts.Dialer.Dial(s.ctx)
	if err != nil {
		return fmt.Errorf("open live session: %w", err)
	}
	s.conn = conn
	s.playback = audio.NewPlaybackChannel(opts.Speaker, opts.PlaybackFormat, s.logger)
	if err := s.playback.Open(s.ctx); err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	return nil
}

func (s *Session) sink(ctx context.Context, blob audio.Blob) error {
	err := s.conn.SendAudio(ctx, blob)
	if err != nil && errors.Is(err, live.ErrNetworkSession) {
		select {
		case s.failures <- err:
		default:
		}
	}
	return err
}

func (s *Session) loop() error {
	events := s.conn.Events()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-s.failures:
			return err
		case ev, ok := <-events:
			if !ok {
				s.logger.Debug("live session closed remotely")
				return nil
			}
			switch ev.Kind {
			case live.EventTranscription:
				if err := s.text.Append(ev.Text); err != nil {
					s.logger.Error("transcript fragment after finalize", slogError(err))
					continue
				}
				if cb := s.ctrl.opts.OnFragment; cb != nil {
					cb(s.id, ev.Text)
				}
			case live.EventAudio:
				rate := ev.SampleRate
				if rate <= 0 {
					rate = s.ctrl.opts.PlaybackFormat.SampleRate
				}
				if _, err := s.playback.Enqueue(ev.Audio, rate, 1); err != nil {
					s.logger.Warn("dropping reply audio", slogError(err))
				}
			case live.EventInterrupted:
				s.playback.Interrupt()
			case live.EventTurnComplete:
				s.logger.Debug("turn complete")
				return nil
			case live.EventError:
				return ev.Err
			}
		}
	}
}

// finish is the single teardown path. Every exit of run ends here.
func (s *Session) finish(cause error) {
	s.teardown.Do(func() {
		s.state.Store(int32(StateClosing))
		s.cancel()
		stats, releaseErr := s.release()
		if releaseErr != nil {
			s.logger.Warn("error releasing session resources", slogError(releaseErr))
		}
		text := s.text.Finalize()

		final := StateClosed
		if cause != nil && !s.stopped.Load() && s.ctrl.ctx.Err() == nil {
			final = StateFailed
		}
		s.outcome = Outcome{
			SessionID:  s.id,
			State:      final,
			Transcript: text,
			Capture:    stats,
			StartedAt:  s.startedAt,
			EndedAt:    time.Now().UTC(),
		}
		if final == StateFailed {
			s.outcome.Err = cause
		}
		s.state.Store(int32(final))

		attrs := []any{
			slog.String("state", final.String()),
			slog.Int("transcript_chars", len(text)),
			slog.Int64("frames_sent", stats.FramesSent),
		}
		if final == StateFailed {
			s.span.RecordError(cause)
			s.span.SetStatus(codes.Error, cause.Error())
			s.logger.Warn("voice session failed", append(attrs, slogError(cause))...)
		} else {
			s.logger.Info("voice session ended", attrs...)
		}
		s.span.SetAttributes(attribute.String("session.state", final.String()))
		s.span.End()
		s.ctrl.ins.recordEnd(context.WithoutCancel(s.ctrl.ctx), s.outcome)

		s.ctrl.release(s)
		if strings.TrimSpace(text) != "" && s.ctrl.opts.Handoff != nil {
			s.ctrl.opts.Handoff(context.WithoutCancel(s.ctrl.ctx), s.id, text)
		}
		close(s.done)
	})
}

// release closes capture, playback and network in that order, tolerating
// any of them never having been opened.
func (s *Session) release() (audio.CaptureStats, error) {
	var (
		errs  []error
		stats audio.CaptureStats
	)
	if s.capture != nil {
		errs = append(errs, s.capture.Close())
		stats = s.capture.Stats()
	}
	if s.playback != nil {
		errs = append(errs, s.playback.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return stats, errors.Join(errs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
