package wavdev

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voiceorder/internal/audio"
)

func writeWav(t *testing.T, path string, samples []int, rate int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: rate}, Data: samples, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func TestMicrophoneReplaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.wav")
	samples := make([]int, 1600)
	for i := range samples {
		samples[i] = i % 100
	}
	writeWav(t, path, samples, 16000)

	dev, err := Microphone{Path: path, Chunk: 5 * time.Millisecond}.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if f := dev.Format(); f.SampleRate != 16000 || f.Channels != 1 {
		t.Fatalf("unexpected format %+v", f)
	}

	var mu sync.Mutex
	total := 0
	done := make(chan struct{})
	if err := dev.Start(func(pcm []byte) {
		mu.Lock()
		defer mu.Unlock()
		total += len(pcm)
		if total == len(samples)*2 {
			close(done)
		}
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out replaying wav")
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMicrophoneMissingFile(t *testing.T) {
	_, err := Microphone{Path: filepath.Join(t.TempDir(), "absent.wav")}.Open(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable, got %v", err)
	}
}

func TestSpeakerWritesScheduledAudio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "reply.wav")
	format := audio.Format{SampleRate: 8000, Channels: 1}
	dev, err := Speaker{Path: path, Chunk: 5 * time.Millisecond}.Open(context.Background(), format)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	buf, err := audio.DecodeFrame(make([]byte, 800*2), 8000, 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := dev.Schedule(buf, dev.Now()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	out, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(out.Data) < 800 {
		t.Fatalf("expected at least the scheduled 800 samples, got %d", len(out.Data))
	}
}
