package parser

import (
	"context"
	"fmt"
	"time"
)

// Mock answers with a scripted response. With no script it reports the
// collaborator as unavailable, which sends sessions down the substring fallback.
type Mock struct {
	Response string
	Delay    time.Duration
}

func (m Mock) Complete(ctx context.Context, _, _ string) (string, error) {
	delay := m.Delay
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(delay):
	}
	if m.Response == "" {
		return "", fmt.Errorf("%w: mock parser has no scripted response", ErrUnavailable)
	}
	return m.Response, nil
}
