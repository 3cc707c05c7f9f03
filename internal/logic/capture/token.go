package capture

import (
	"context"
	"sync"
)

// Token is the operator's handle on a running capture. Cancel is soft: the
// orchestrator finishes the cell in flight and stops at the next row or
// cell boundary. Pause holds the run at the next cell boundary.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	paused    bool
	resume    chan struct{}
}

// NewToken returns a token that is neither cancelled nor paused.
func NewToken() *Token {
	return &Token{resume: make(chan struct{})}
}

// Cancel requests a stop. It also releases a pause.
func (t *Token) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.paused {
		t.paused = false
		close(t.resume)
		t.resume = make(chan struct{})
	}
}

// Cancelled reports whether Cancel was called.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Pause holds the run at the next cell boundary.
func (t *Token) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = !t.cancelled
}

// Resume releases a pause.
func (t *Token) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		t.paused = false
		close(t.resume)
		t.resume = make(chan struct{})
	}
}

// Paused reports whether the run is held.
func (t *Token) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Reset clears cancel and pause so the token can drive another run.
func (t *Token) Reset() {
	t.Resume()
	t.mu.Lock()
	t.cancelled = false
	t.mu.Unlock()
}

// checkpoint blocks while paused and reports whether the run must stop.
func (t *Token) checkpoint(ctx context.Context) bool {
	for {
		t.mu.Lock()
		if t.cancelled {
			t.mu.Unlock()
			return true
		}
		if !t.paused {
			t.mu.Unlock()
			return ctx.Err() != nil
		}
		wake := t.resume
		t.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return true
		}
	}
}
