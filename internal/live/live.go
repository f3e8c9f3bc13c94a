// Package live carries the bidirectional audio session with the remote
// speech model: captured frames go up, transcription and synthesized audio
// come back as a stream of events.
package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-voiceorder/internal/audio"
)

// ErrNetworkSession marks a failure of the live transport itself.
var ErrNetworkSession = errors.New("network session error")

// SessionError wraps a transport failure with the operation that hit it.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("live %s failed", e.Op)
	}
	return fmt.Sprintf("live %s failed: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNetworkSession) match every SessionError.
func (e *SessionError) Is(target error) bool { return target == ErrNetworkSession }

// EventKind tags the variants of Event.
type EventKind int

const (
	EventTranscription EventKind = iota + 1
	EventAudio
	EventInterrupted
	EventTurnComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTranscription:
		return "transcription"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one inbound message. Only the fields for Kind are set.
type Event struct {
	Kind       EventKind
	Text       string
	Audio      []byte
	SampleRate int
	Err        error
}

// Conn is an open live session. Events is closed when the session ends,
// whether the remote side hung up or Close was called.
type Conn interface {
	SendAudio(ctx context.Context, blob audio.Blob) error
	Events() <-chan Event
	Close() error
}

// Dialer opens a live session that has completed its setup handshake.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
