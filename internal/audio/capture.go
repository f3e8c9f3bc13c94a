package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrChannelClosed     = errors.New("audio channel closed")
)

// Format describes the raw PCM16 stream a device produces or consumes.
type Format struct {
	SampleRate int
	Channels   int
}

// Microphone acquires a capture device. Open may block on a permission prompt
// and must honour ctx cancellation.
type Microphone interface {
	Open(ctx context.Context) (CaptureDevice, error)
}

// CaptureDevice delivers interleaved PCM16 chunks from the host audio thread.
type CaptureDevice interface {
	Format() Format
	Start(onData func(pcm []byte)) error
	Close() error
}

// FrameSink receives encoded frames in capture order.
type FrameSink func(ctx context.Context, blob Blob) error

type CaptureOptions struct {
	FrameSamples   int
	QueueHighWater int
}

// CaptureStats is a point-in-time view of capture counters.
type CaptureStats struct {
	FramesSent   int64
	CodecErrors  int64
	Backpressure int64
	SinkErrors   int64
}

// CaptureChannel owns the microphone stream and a fixed-size frame buffer.
// The device callback never blocks: finished frames go onto an unbounded
// queue drained by a single pump goroutine.
type CaptureChannel struct {
	mic    Microphone
	opts   CaptureOptions
	logger *slog.Logger

	device CaptureDevice
	format Format

	mu     sync.Mutex
	frame  []float32
	queue  []Blob
	closed bool

	notify    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	started   atomic.Bool
	warn      rate.Sometimes

	framesSent   atomic.Int64
	codecErrors  atomic.Int64
	backpressure atomic.Int64
	sinkErrors   atomic.Int64
}

func NewCaptureChannel(mic Microphone, opts CaptureOptions, logger *slog.Logger) *CaptureChannel {
	if opts.FrameSamples <= 0 {
		opts.FrameSamples = 4096
	}
	if opts.QueueHighWater <= 0 {
		opts.QueueHighWater = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CaptureChannel{
		mic:    mic,
		opts:   opts,
		logger: logger.With(slog.String("component", "audio-capture")),
		frame:  make([]float32, 0, opts.FrameSamples),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		warn:   rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// Open acquires the capture device.
func (c *CaptureChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	device, err := c.mic.Open(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = device.Close()
		return ErrChannelClosed
	}
	c.device = device
	c.format = device.Format()
	c.mu.Unlock()
	c.logger.Debug("capture device opened",
		slog.Int("sample_rate", c.format.SampleRate),
		slog.Int("channels", c.format.Channels))
	return nil
}

// Start begins forwarding frames to sink.
func (c *CaptureChannel) Start(sink FrameSink) error {
	c.mu.Lock()
	device := c.device
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if device == nil {
		return ErrDeviceUnavailable
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.wg.Add(1)
	go c.pump(sink)
	if err := device.Start(c.handleData); err != nil {
		return err
	}
	return nil
}

func (c *CaptureChannel) handleData(pcm []byte) {
	buf, err := DecodeFrame(pcm, c.format.SampleRate, c.format.Channels)
	if err != nil {
		c.codecErrors.Add(1)
		c.logger.Warn("dropping capture chunk", slogError(err))
		return
	}
	mono := buf.Data[0]

	var ready []Blob
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for len(mono) > 0 {
		n := c.opts.FrameSamples - len(c.frame)
		if n > len(mono) {
			n = len(mono)
		}
		c.frame = append(c.frame, mono[:n]...)
		mono = mono[n:]
		if len(c.frame) == c.opts.FrameSamples {
			blob := EncodeBlob(c.frame)
			if c.format.SampleRate != InputSampleRate {
				blob.MIMEType = PCMMIMEType(c.format.SampleRate)
			}
			ready = append(ready, blob)
			c.frame = c.frame[:0]
		}
	}
	c.queue = append(c.queue, ready...)
	depth := len(c.queue)
	c.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	if depth > c.opts.QueueHighWater {
		c.backpressure.Add(1)
		c.warn.Do(func() {
			c.logger.Warn("capture backpressure", slog.Int("queued_frames", depth))
		})
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *CaptureChannel) pump(sink FrameSink) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.notify:
		}
		for {
			c.mu.Lock()
			if c.closed || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			blob := c.queue[0]
			c.queue[0] = Blob{}
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if err := sink(c.ctx, blob); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.sinkErrors.Add(1)
				c.logger.Warn("capture sink failed", slogError(err))
				continue
			}
			c.framesSent.Add(1)
		}
	}
}

// Close stops the device and discards frames that have not reached the sink.
// Calling Close more than once is a no-op.
func (c *CaptureChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := len(c.queue)
		c.queue = nil
		c.frame = nil
		device := c.device
		c.mu.Unlock()

		c.cancel()
		if device != nil {
			err = device.Close()
		}
		c.wg.Wait()
		if pending > 0 {
			c.logger.Debug("discarded pending capture frames", slog.Int("frames", pending))
		}
	})
	return err
}

func (c *CaptureChannel) Stats() CaptureStats {
	return CaptureStats{
		FramesSent:   c.framesSent.Load(),
		CodecErrors:  c.codecErrors.Load(),
		Backpressure: c.backpressure.Load(),
		SinkErrors:   c.sinkErrors.Load(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
