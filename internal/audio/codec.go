package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// InputSampleRate is the rate captured frames are sent to the live session at.
	InputSampleRate = 16000
	// OutputSampleRate is the rate synthesized replies arrive at.
	OutputSampleRate = 24000
	// InputMIMEType tags every outbound PCM16 frame.
	InputMIMEType = "audio/pcm;rate=16000"
)

// ErrMisalignedBuffer reports a PCM16 payload whose length is not a whole number of sample frames.
var ErrMisalignedBuffer = errors.New("misaligned pcm buffer")

// CodecError carries the offending length of a misaligned buffer.
type CodecError struct {
	Length   int
	Channels int
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("pcm16 buffer of %d bytes is not a multiple of %d", e.Length, 2*e.Channels)
}

func (e *CodecError) Unwrap() error { return ErrMisalignedBuffer }

// Blob is a wire-ready audio frame.
type Blob struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Buffer holds planar float samples, one slice per channel.
type Buffer struct {
	SampleRate int
	Data       [][]float32
}

// Frames returns the number of samples per channel.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// EncodeFrame scales float samples in [-1, 1] to little-endian PCM16.
// Out-of-range samples are clamped.
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * 32768
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodeFrame converts interleaved PCM16 into planar float samples.
func DecodeFrame(data []byte, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 {
		channels = 1
	}
	if len(data)%(2*channels) != 0 {
		return nil, &CodecError{Length: len(data), Channels: channels}
	}
	frames := len(data) / (2 * channels)
	buf := &Buffer{SampleRate: sampleRate, Data: make([][]float32, channels)}
	for ch := range buf.Data {
		buf.Data[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			buf.Data[ch][i] = float32(int16(binary.LittleEndian.Uint16(data[off:]))) / 32768.0
		}
	}
	return buf, nil
}

// EncodeBlob encodes samples and wraps them for transport.
func EncodeBlob(samples []float32) Blob {
	return Blob{
		MIMEType: InputMIMEType,
		Data:     base64.StdEncoding.EncodeToString(EncodeFrame(samples)),
	}
}

// PCMMIMEType labels raw PCM16 at the given rate.
func PCMMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// DecodeBase64 unwraps a base64 audio payload.
func DecodeBase64(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return raw, nil
}
