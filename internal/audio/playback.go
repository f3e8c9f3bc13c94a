package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Speaker acquires an output device for the given format.
type Speaker interface {
	Open(ctx context.Context, format Format) (PlaybackDevice, error)
}

// PlaybackDevice schedules buffers against its own monotonic clock.
type PlaybackDevice interface {
	Now() time.Duration
	Schedule(buf *Buffer, at time.Duration) (Voice, error)
	Close() error
}

// Voice is a scheduled buffer that can be cut short.
type Voice interface {
	Stop()
	Done() <-chan struct{}
}

// PlaybackChannel schedules decoded replies back to back and supports barge-in.
type PlaybackChannel struct {
	speaker Speaker
	format  Format
	logger  *slog.Logger

	mu        sync.Mutex
	device    PlaybackDevice
	next      time.Duration
	anchor    time.Duration
	anchorHz  int
	queued    int64 // frames scheduled since anchor
	active    map[uint64]Voice
	seq       uint64
	closed    bool
	closeOnce sync.Once
}

func NewPlaybackChannel(speaker Speaker, format Format, logger *slog.Logger) *PlaybackChannel {
	return &PlaybackChannel{
		speaker: speaker,
		format:  format,
		logger:  logger.With(slog.String("component", "audio-playback")),
		active:  make(map[uint64]Voice),
	}
}

// Open acquires the output device.
func (p *PlaybackChannel) Open(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrChannelClosed
	}
	p.mu.Unlock()

	device, err := p.speaker.Open(ctx, p.format)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = device.Close()
		return ErrChannelClosed
	}
	p.device = device
	p.rewindLocked(device.Now())
	return nil
}

// Enqueue decodes a PCM16 payload and schedules it at max(next, now).
// It returns the scheduled start offset.
func (p *PlaybackChannel) Enqueue(data []byte, sampleRate, channels int) (time.Duration, error) {
	buf, err := DecodeFrame(data, sampleRate, channels)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrChannelClosed
	}
	if p.device == nil {
		return 0, ErrDeviceUnavailable
	}
	p.pruneLocked()

	start := p.next
	if now := p.device.Now(); now > start {
		start = now
		p.rewindLocked(now)
	}
	if buf.SampleRate != p.anchorHz {
		p.rewindLocked(start)
		p.anchorHz = buf.SampleRate
	}
	voice, err := p.device.Schedule(buf, start)
	if err != nil {
		return 0, err
	}
	// next is the anchor plus every frame queued since it, converted once.
	if p.anchorHz > 0 {
		p.queued += int64(buf.Frames())
		p.next = p.anchor + time.Duration(p.queued)*time.Second/time.Duration(p.anchorHz)
	}
	p.seq++
	p.active[p.seq] = voice
	return start, nil
}

// Interrupt stops every active buffer and rewinds the schedule to now.
func (p *PlaybackChannel) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.device == nil {
		return
	}
	stopped := len(p.active)
	p.stopAllLocked()
	p.rewindLocked(p.device.Now())
	p.logger.Debug("playback interrupted", slog.Int("stopped", stopped))
}

// Close releases the output device. Calling Close more than once is a no-op.
func (p *PlaybackChannel) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		p.stopAllLocked()
		if p.device != nil {
			err = p.device.Close()
		}
	})
	return err
}

// Active returns the number of buffers that are scheduled or playing.
func (p *PlaybackChannel) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	return len(p.active)
}

// NextStart returns the earliest offset the next buffer may start at.
func (p *PlaybackChannel) NextStart() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

func (p *PlaybackChannel) rewindLocked(at time.Duration) {
	p.next = at
	p.anchor = at
	p.queued = 0
}

func (p *PlaybackChannel) stopAllLocked() {
	for id, v := range p.active {
		v.Stop()
		delete(p.active, id)
	}
}

func (p *PlaybackChannel) pruneLocked() {
	for id, v := range p.active {
		select {
		case <-v.Done():
			delete(p.active, id)
		default:
		}
	}
}
