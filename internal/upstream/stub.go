package upstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Stub is a scriptable in-memory Client for tests, grounded on the
// teacher's engine_test.go pattern of an injectable collaborator instead
// of a network dependency.
type Stub struct {
	// Script, if set, is consulted by Send for the fragments to emit for
	// a given prompt. Missing prompts fall back to DefaultScript.
	Script        map[string][]Fragment
	DefaultScript []Fragment

	mu       sync.Mutex
	sessions map[string]string
	seq      int64
}

// NewStub builds an empty Stub whose default script answers every prompt
// with a single TextDelta "ok" followed by End.
func NewStub() *Stub {
	return &Stub{
		sessions: make(map[string]string),
		DefaultScript: []Fragment{
			{Kind: TextDelta, Text: "ok"},
			{Kind: End},
		},
	}
}

func (s *Stub) nextID(prefix string) string {
	n := atomic.AddInt64(&s.seq, 1)
	return fmt.Sprintf("%s-%d", prefix, n)
}

// EnsureSession implements Client.
func (s *Stub) EnsureSession(ctx context.Context, journalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.sessions[journalID]; ok {
		return id, nil
	}
	id := s.nextID("stub-session")
	s.sessions[journalID] = id
	return id, nil
}

// ForkSession implements Client.
func (s *Stub) ForkSession(ctx context.Context, parentSessionID, forkPointMarker string) (string, error) {
	return s.nextID("stub-session-fork"), nil
}

// Send implements Client, replaying the scripted fragments for prompt (or
// DefaultScript) onto a buffered channel.
func (s *Stub) Send(ctx context.Context, sessionID, prompt string) (<-chan Fragment, error) {
	script := s.DefaultScript
	if s.Script != nil {
		if scripted, ok := s.Script[prompt]; ok {
			script = scripted
		}
	}
	out := make(chan Fragment, len(script))
	go func() {
		defer close(out)
		for _, frag := range script {
			select {
			case out <- frag:
			case <-ctx.Done():
				return
			}
			if frag.Kind == End || frag.Kind == FragError {
				return
			}
		}
	}()
	return out, nil
}
