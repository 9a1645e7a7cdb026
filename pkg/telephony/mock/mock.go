// Package mock provides a test double for the telephony.CallControl
// interface.
//
// Control consumes every Play stream in a background goroutine, recording the
// chunks it receives, so orchestrator tests can assert on exactly what would
// have reached the caller. ChunkDelay paces consumption to simulate a
// real-time trunk, which lets barge-in tests truncate a stream mid-flight.
package mock

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/asterivox/pkg/telephony"
)

// RedirectCall records a single invocation of Redirect.
type RedirectCall struct {
	// CallID is the call identifier passed to Redirect.
	CallID string
	// Target is the dialplan target passed to Redirect.
	Target string
}

// PlayCall records a single invocation of Play.
type PlayCall struct {
	// CallID is the call identifier passed to Play.
	CallID string
	// StreamID is the nonce returned for this playback.
	StreamID string

	mu     *sync.Mutex
	chunks [][]byte
	done   chan struct{}
}

// Chunks returns a copy of the playback chunks consumed so far.
func (pc *PlayCall) Chunks() [][]byte {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([][]byte, len(pc.chunks))
	copy(out, pc.chunks)
	return out
}

// Bytes returns the total payload consumed so far.
func (pc *PlayCall) Bytes() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	n := 0
	for _, c := range pc.chunks {
		n += len(c)
	}
	return n
}

// Done is closed once the playback stream has been fully consumed.
func (pc *PlayCall) Done() <-chan struct{} { return pc.done }

// Control is a mock implementation of telephony.CallControl.
// The zero value is usable; all recorded state is safe to read concurrently.
type Control struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	// TruncateErr, if non-nil, is returned by every TruncatePlayback call.
	TruncateErr error

	// RedirectErr, if non-nil, is returned by every Redirect call.
	RedirectErr error

	// ChunkDelay, if positive, is the pause before consuming each chunk.
	ChunkDelay time.Duration

	// PlayCalls records every Play invocation in order.
	PlayCalls []*PlayCall

	// TruncateCalls records every call ID passed to TruncatePlayback.
	TruncateCalls []string

	// RedirectCalls records every Redirect invocation in order.
	RedirectCalls []RedirectCall

	seq int
}

// Play records the call, assigns a sequential stream nonce and consumes the
// stream in the background.
func (c *Control) Play(callID string, stream <-chan []byte) (string, error) {
	c.mu.Lock()
	if c.PlayErr != nil {
		err := c.PlayErr
		c.mu.Unlock()
		return "", err
	}
	c.seq++
	pc := &PlayCall{
		CallID:   callID,
		StreamID: fmt.Sprintf("stream-%d", c.seq),
		mu:       &c.mu,
		done:     make(chan struct{}),
	}
	c.PlayCalls = append(c.PlayCalls, pc)
	delay := c.ChunkDelay
	c.mu.Unlock()

	go func() {
		defer close(pc.done)
		for chunk := range stream {
			if delay > 0 {
				time.Sleep(delay)
			}
			c.mu.Lock()
			pc.chunks = append(pc.chunks, chunk)
			c.mu.Unlock()
		}
	}()
	return pc.StreamID, nil
}

// TruncatePlayback records the call and returns TruncateErr.
func (c *Control) TruncatePlayback(callID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TruncateCalls = append(c.TruncateCalls, callID)
	return c.TruncateErr
}

// Redirect records the call and returns RedirectErr.
func (c *Control) Redirect(callID, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RedirectCalls = append(c.RedirectCalls, RedirectCall{CallID: callID, Target: target})
	return c.RedirectErr
}

// PlayCallCount returns the number of Play calls. Thread-safe.
func (c *Control) PlayCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.PlayCalls)
}

// TruncateCallCount returns the number of TruncatePlayback calls. Thread-safe.
func (c *Control) TruncateCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.TruncateCalls)
}

// LastPlay returns the most recent Play record, or nil when none happened.
func (c *Control) LastPlay() *PlayCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.PlayCalls) == 0 {
		return nil
	}
	return c.PlayCalls[len(c.PlayCalls)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (c *Control) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PlayCalls = nil
	c.TruncateCalls = nil
	c.RedirectCalls = nil
	c.seq = 0
}

// Ensure Control implements telephony.CallControl at compile time.
var _ telephony.CallControl = (*Control)(nil)
