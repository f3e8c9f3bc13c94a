// Package transcript accumulates recognized speech for the current voice session.
package transcript

import (
	"errors"
	"strings"
	"sync"
)

// ErrFinalized is returned when a fragment arrives after the buffer was read.
// It points at a lifecycle bug upstream and should be reported, not ignored.
var ErrFinalized = errors.New("transcript already finalized")

type Buffer struct {
	mu        sync.Mutex
	text      strings.Builder
	finalized bool
	fragments int
}

// Append adds a fragment in arrival order.
func (b *Buffer) Append(fragment string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return ErrFinalized
	}
	if fragment == "" {
		return nil
	}
	b.text.WriteString(fragment)
	b.fragments++
	return nil
}

// Finalize seals the buffer and returns its text. Later calls return the same text.
func (b *Buffer) Finalize() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = true
	return b.text.String()
}

// Reset empties the buffer for a new session.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.Reset()
	b.finalized = false
	b.fragments = 0
}

func (b *Buffer) Finalized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized
}

// Fragments reports how many non-empty fragments were appended.
func (b *Buffer) Fragments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fragments
}

// String returns the text so far without sealing the buffer.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String()
}
