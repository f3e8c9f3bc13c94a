package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// Mixer is a pull-model PlaybackDevice. Its clock is the number of frames
// rendered so far, so scheduling stays sample accurate whatever drives Render.
type Mixer struct {
	format Format

	mu     sync.Mutex
	pos    int64
	voices []*mixVoice
	closed bool
}

type mixVoice struct {
	mixer *Mixer
	start int64
	data  [][]float32
	once  sync.Once
	done  chan struct{}
}

func NewMixer(format Format) *Mixer {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Mixer{format: format}
}

func (m *Mixer) Format() Format { return m.format }

func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesToDuration(m.pos)
}

func (m *Mixer) Schedule(buf *Buffer, at time.Duration) (Voice, error) {
	if buf.SampleRate != m.format.SampleRate {
		return nil, fmt.Errorf("buffer rate %d does not match output rate %d", buf.SampleRate, m.format.SampleRate)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrChannelClosed
	}
	v := &mixVoice{
		mixer: m,
		start: m.durationToFrames(at),
		data:  buf.Data,
		done:  make(chan struct{}),
	}
	if v.start < m.pos {
		v.start = m.pos
	}
	if buf.Frames() == 0 {
		v.finish()
		return v, nil
	}
	m.voices = append(m.voices, v)
	return v, nil
}

// Render fills out with interleaved PCM16 and advances the clock.
func (m *Mixer) Render(out []byte) {
	ch := m.format.Channels
	frames := len(out) / (2 * ch)

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < frames; i++ {
		t := m.pos + int64(i)
		for c := 0; c < ch; c++ {
			var sum float64
			for _, v := range m.voices {
				idx := t - v.start
				if idx < 0 || idx >= int64(len(v.data[0])) {
					continue
				}
				src := v.data[0]
				if c < len(v.data) {
					src = v.data[c]
				}
				sum += float64(src[idx])
			}
			s := sum * 32768
			if s > math.MaxInt16 {
				s = math.MaxInt16
			} else if s < math.MinInt16 {
				s = math.MinInt16
			}
			binary.LittleEndian.PutUint16(out[(i*ch+c)*2:], uint16(int16(s)))
		}
	}
	m.pos += int64(frames)

	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.start+int64(len(v.data[0])) <= m.pos {
			v.finish()
			continue
		}
		kept = append(kept, v)
	}
	m.voices = kept
}

// Pending returns the offset at which every scheduled voice has finished.
func (m *Mixer) Pending() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.pos
	for _, v := range m.voices {
		if e := v.start + int64(len(v.data[0])); e > end {
			end = e
		}
	}
	return m.framesToDuration(end - m.pos)
}

func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, v := range m.voices {
		v.finish()
	}
	m.voices = nil
	return nil
}

func (m *Mixer) remove(target *mixVoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range m.voices {
		if v == target {
			m.voices = append(m.voices[:i], m.voices[i+1:]...)
			break
		}
	}
}

func (m *Mixer) framesToDuration(frames int64) time.Duration {
	if m.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(m.format.SampleRate)
}

// durationToFrames rounds to the nearest frame; offsets built from
// framesToDuration are truncated and would otherwise land one frame early.
func (m *Mixer) durationToFrames(d time.Duration) int64 {
	return (int64(d)*int64(m.format.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}

func (v *mixVoice) Stop() {
	v.mixer.remove(v)
	v.finish()
}

func (v *mixVoice) Done() <-chan struct{} { return v.done }

func (v *mixVoice) finish() {
	v.once.Do(func() { close(v.done) })
}
