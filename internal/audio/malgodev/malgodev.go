// Package malgodev binds capture and playback to the host sound card through miniaudio.
package malgodev

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/loqalabs/loqa-voiceorder/internal/audio"
)

// Microphone opens the default capture device as PCM16.
type Microphone struct {
	SampleRate int
	Channels   int
	Logger     *slog.Logger
}

func (m Microphone) Open(ctx context.Context) (audio.CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := initContext(m.Logger)
	if err != nil {
		return nil, err
	}
	return &captureDevice{
		mctx:   mctx,
		format: audio.Format{SampleRate: m.SampleRate, Channels: m.Channels},
	}, nil
}

type captureDevice struct {
	mctx   *malgo.AllocatedContext
	format audio.Format
	device *malgo.Device
	once   sync.Once
}

func (d *captureDevice) Format() audio.Format { return d.format }

func (d *captureDevice) Start(onData func([]byte)) error {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(d.format.Channels)
	cfg.SampleRate = uint32(d.format.SampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(d.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onData(input)
		},
	})
	if err != nil {
		return fmt.Errorf("%w: init capture device: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("%w: start capture device: %v", audio.ErrDeviceUnavailable, err)
	}
	d.device = device
	return nil
}

func (d *captureDevice) Close() error {
	d.once.Do(func() {
		if d.device != nil {
			_ = d.device.Stop()
			d.device.Uninit()
		}
		_ = d.mctx.Uninit()
		d.mctx.Free()
	})
	return nil
}

// Speaker opens the default playback device and feeds it from a mixer.
type Speaker struct {
	Logger *slog.Logger
}

func (s Speaker) Open(ctx context.Context, format audio.Format) (audio.PlaybackDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := initContext(s.Logger)
	if err != nil {
		return nil, err
	}
	mixer := audio.NewMixer(format)

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			mixer.Render(output)
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: init playback device: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: start playback device: %v", audio.ErrDeviceUnavailable, err)
	}
	return &playbackDevice{Mixer: mixer, mctx: mctx, device: device}, nil
}

type playbackDevice struct {
	*audio.Mixer
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	once   sync.Once
}

func (d *playbackDevice) Close() error {
	d.once.Do(func() {
		_ = d.device.Stop()
		d.device.Uninit()
		_ = d.Mixer.Close()
		_ = d.mctx.Uninit()
		d.mctx.Free()
	})
	return nil
}

func initContext(logger *slog.Logger) (*malgo.AllocatedContext, error) {
	var logProc malgo.LogProc
	if logger != nil {
		logProc = func(message string) {
			logger.Debug("miniaudio", slog.String("message", message))
		}
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, logProc)
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", audio.ErrDeviceUnavailable, err)
	}
	return mctx, nil
}
