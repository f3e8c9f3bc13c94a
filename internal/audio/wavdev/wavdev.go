// Package wavdev provides file-backed audio devices for headless runs and tests.
package wavdev

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voiceorder/internal/audio"
)

const defaultChunk = 20 * time.Millisecond

// Microphone replays a 16-bit WAV file in real time as if it were a live input.
type Microphone struct {
	Path  string
	Chunk time.Duration
}

func (m Microphone) Open(ctx context.Context) (audio.CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(m.Path)
	if err != nil {
		switch {
		case os.IsPermission(err):
			return nil, fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
		default:
			return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
		}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: %s is not a valid wav file", audio.ErrDeviceUnavailable, m.Path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: read wav: %v", audio.ErrDeviceUnavailable, err)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("%w: expected 16-bit wav, got %d", audio.ErrDeviceUnavailable, dec.BitDepth)
	}

	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	chunk := m.Chunk
	if chunk <= 0 {
		chunk = defaultChunk
	}
	return &fileCapture{format: format, pcm: pcm, chunk: chunk, stop: make(chan struct{})}, nil
}

type fileCapture struct {
	format audio.Format
	pcm    []byte
	chunk  time.Duration

	once sync.Once
	stop chan struct{}
	wg   sync.WaitGroup
}

func (c *fileCapture) Format() audio.Format { return c.format }

func (c *fileCapture) Start(onData func([]byte)) error {
	frameBytes := 2 * c.format.Channels
	step := int(int64(c.format.SampleRate)*int64(c.chunk)/int64(time.Second)) * frameBytes
	if step <= 0 {
		step = frameBytes
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.chunk)
		defer ticker.Stop()
		for off := 0; off < len(c.pcm); off += step {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
			}
			end := off + step
			if end > len(c.pcm) {
				end = len(c.pcm)
			}
			onData(c.pcm[off:end])
		}
	}()
	return nil
}

func (c *fileCapture) Close() error {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

// Speaker renders scheduled playback in real time. With a Path the rendered
// output is written to a 16-bit WAV file on Close; without one it is discarded.
type Speaker struct {
	Path  string
	Chunk time.Duration
}

func (s Speaker) Open(ctx context.Context, format audio.Format) (audio.PlaybackDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &fileOutput{
		Mixer:  audio.NewMixer(format),
		format: format,
		chunk:  s.Chunk,
		stop:   make(chan struct{}),
	}
	if out.chunk <= 0 {
		out.chunk = defaultChunk
	}
	if s.Path != "" {
		if dir := filepath.Dir(s.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
			}
		}
		f, err := os.Create(s.Path)
		if err != nil {
			if os.IsPermission(err) {
				return nil, fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
			}
			return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
		}
		out.file = f
		out.enc = wav.NewEncoder(f, format.SampleRate, 16, format.Channels, 1)
	}
	out.wg.Add(1)
	go out.run()
	return out, nil
}

type fileOutput struct {
	*audio.Mixer
	format audio.Format
	chunk  time.Duration

	mu   sync.Mutex
	file *os.File
	enc  *wav.Encoder
	err  error

	once sync.Once
	stop chan struct{}
	wg   sync.WaitGroup
}

func (o *fileOutput) run() {
	defer o.wg.Done()
	frames := int(int64(o.format.SampleRate) * int64(o.chunk) / int64(time.Second))
	if frames <= 0 {
		frames = 1
	}
	scratch := make([]byte, frames*2*o.format.Channels)
	ticker := time.NewTicker(o.chunk)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.Render(scratch)
			o.write(scratch)
		}
	}
}

func (o *fileOutput) write(pcm []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.enc == nil || o.err != nil {
		return
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: o.format.Channels, SampleRate: o.format.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := o.enc.Write(buf); err != nil {
		o.err = fmt.Errorf("write wav: %w", err)
	}
}

// Close flushes audio that was already scheduled, then releases the file.
func (o *fileOutput) Close() error {
	var err error
	o.once.Do(func() {
		close(o.stop)
		o.wg.Wait()

		if o.enc != nil {
			if pending := o.Pending(); pending > 0 {
				frames := int(int64(pending) * int64(o.format.SampleRate) / int64(time.Second))
				tail := make([]byte, frames*2*o.format.Channels)
				o.Render(tail)
				o.write(tail)
			}
		}
		_ = o.Mixer.Close()

		o.mu.Lock()
		defer o.mu.Unlock()
		var errs []error
		errs = append(errs, o.err)
		if o.enc != nil {
			if cerr := o.enc.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("close wav encoder: %w", cerr))
			}
		}
		if o.file != nil {
			errs = append(errs, o.file.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}
