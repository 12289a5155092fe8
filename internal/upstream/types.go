// Package upstream is the outbound adapter to the single-user OpenCode AI
// backend (spec §4.2). The core depends only on the Client contract; two
// implementations exist: the production HTTP+SSE adapter in opencode.go,
// and a scriptable in-memory fake in stub.go used by tests.
package upstream

import "context"

// FragmentKind is one of the fixed fragment kinds of spec §4.2.
type FragmentKind string

const (
	TextDelta  FragmentKind = "text_delta"
	ToolCall   FragmentKind = "tool_call"
	ToolResult FragmentKind = "tool_result"
	FragError  FragmentKind = "error"
	End        FragmentKind = "end"
)

// Fragment is one element of the lazy finite sequence send() returns
// (spec §4.2). Only the fields relevant to Kind are populated.
type Fragment struct {
	Kind FragmentKind

	// TextDelta / FragError
	Text string

	// ToolCall / ToolResult
	ToolCallID string
	ToolName   string
	ToolInput  string
	ToolOutput string
}

// Client is the abstract outbound adapter of spec §4.2.
type Client interface {
	// EnsureSession is idempotent: returns the cached handle for journalID
	// if one exists, otherwise allocates one.
	EnsureSession(ctx context.Context, journalID string) (string, error)

	// ForkSession creates an independent session seeded from parentSessionID
	// up to forkPointMarker.
	ForkSession(ctx context.Context, parentSessionID, forkPointMarker string) (string, error)

	// Send issues prompt against sessionID and returns a channel of
	// fragments. The channel closes after an End or FragError fragment, or
	// when ctx is cancelled (abandonment releases upstream resources).
	Send(ctx context.Context, sessionID, prompt string) (<-chan Fragment, error)
}
