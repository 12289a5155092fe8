// Package blockengine implements the streaming pipeline of spec §4.3:
// submit, fork, re-run and cancel over a journal's blocks, translating
// upstream fragments into Store writes and Room broadcasts. Grounded on
// the teacher's internal/engine.go transaction-per-operation shape, with
// per-stream cancellation scoped via golang.org/x/sync/errgroup the way
// chromemonkeys-chronicle scopes its worker goroutines.
package blockengine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/opencode-hub/hub/internal/apperr"
	"github.com/opencode-hub/hub/internal/store"
	"github.com/opencode-hub/hub/internal/upstream"
	"github.com/opencode-hub/hub/internal/wire"
)

// Broadcaster is implemented by the Room registry (internal/room):
// deliver an envelope to every connection attached to a journal, and track
// in-flight streams so a Room isn't garbage collected mid-stream.
type Broadcaster interface {
	Broadcast(journalID string, env wire.Envelope)
	MarkStreamActive(journalID, blockID string)
	MarkStreamDone(journalID, blockID string)
}

// Engine drives the block lifecycle of spec §4.3.
type Engine struct {
	Store    store.Engine
	Upstream upstream.Client
	Rooms    Broadcaster

	mu            sync.Mutex
	blockSessions map[string]string            // blockID -> session handle for that branch's next send
	cancels       map[string]context.CancelFunc // blockID -> cancel for its in-flight stream
}

// NewEngine builds a block Engine.
func NewEngine(eng store.Engine, up upstream.Client, rooms Broadcaster) *Engine {
	return &Engine{
		Store:         eng,
		Upstream:      up,
		Rooms:         rooms,
		blockSessions: make(map[string]string),
		cancels:       make(map[string]context.CancelFunc),
	}
}

func (e *Engine) broadcast(journalID, typ string, fields map[string]any) {
	if e.Rooms == nil {
		return
	}
	e.Rooms.Broadcast(journalID, wire.New(typ, fields))
}

func (e *Engine) broadcastBlockCreated(journalID string, b store.Block) {
	e.broadcast(journalID, "block_created", map[string]any{"block": b})
}

// Submit implements spec §4.3 steps 1-4: insert the user/assistant block
// pair, announce creation, and kick off the streaming pipeline against the
// journal's default session. When sessionID names the pending placeholder
// Fork left on a branch, submit instead resumes that branch (spec
// §8 Scenario 3) rather than opening an unrelated second assistant block
// against the default session.
func (e *Engine) Submit(ctx context.Context, journalID, content, actorID, sessionID string) (store.Block, store.Block, error) {
	if sessionID != "" {
		return e.submitToBranch(ctx, journalID, content, sessionID)
	}

	userBlock, err := e.Store.InsertBlock(ctx, store.InsertBlockOptions{
		JournalID: journalID, Role: store.RoleUser, Content: content, Status: store.BlockComplete,
	})
	if err != nil {
		return store.Block{}, store.Block{}, err
	}
	assistantBlock, err := e.Store.InsertBlock(ctx, store.InsertBlockOptions{
		JournalID: journalID, Role: store.RoleAssistant, ParentID: userBlock.ID, Status: store.BlockPending,
	})
	if err != nil {
		return store.Block{}, store.Block{}, err
	}
	e.broadcastBlockCreated(journalID, userBlock)
	e.broadcastBlockCreated(journalID, assistantBlock)

	upstreamSessionID, err := e.Upstream.EnsureSession(ctx, journalID)
	if err != nil {
		return store.Block{}, store.Block{}, err
	}
	e.startStream(journalID, assistantBlock, upstreamSessionID, content)
	return userBlock, assistantBlock, nil
}

// submitToBranch resumes the pending assistant placeholder that Fork left
// behind at placeholderID: a new user block carries the prompt, and the
// existing placeholder — not a second assistant block — receives the
// stream. Without this, a plain submit after fork always talked to the
// journal's default session and left the fork's placeholder pending
// forever, violating the "at most one non-terminal assistant block per
// journal" invariant of spec §3.
func (e *Engine) submitToBranch(ctx context.Context, journalID, content, placeholderID string) (store.Block, store.Block, error) {
	placeholder, err := e.Store.Repo.GetBlock(ctx, placeholderID)
	if err != nil {
		return store.Block{}, store.Block{}, err
	}
	if placeholder.JournalID != journalID {
		return store.Block{}, store.Block{}, apperr.Newf(apperr.BadRequest, "session %s does not belong to journal %s", placeholderID, journalID)
	}
	if placeholder.Status != store.BlockPending {
		return store.Block{}, store.Block{}, apperr.Newf(apperr.BadTransition, "branch %s already has a response in flight or complete", placeholderID)
	}

	parentID := ""
	if placeholder.ParentID != nil {
		parentID = *placeholder.ParentID
	}
	userBlock, err := e.Store.InsertBlock(ctx, store.InsertBlockOptions{
		JournalID: journalID, Role: store.RoleUser, Content: content, Status: store.BlockComplete, ParentID: parentID,
	})
	if err != nil {
		return store.Block{}, store.Block{}, err
	}
	e.broadcastBlockCreated(journalID, userBlock)

	sessionID, err := e.sessionFor(ctx, journalID, placeholder.ID)
	if err != nil {
		return store.Block{}, store.Block{}, err
	}
	e.startStream(journalID, placeholder, sessionID, content)
	return userBlock, placeholder, nil
}

// Fork implements spec §4.3 fork: allocates a forked upstream session and
// a new pending assistant block, without sending a prompt.
func (e *Engine) Fork(ctx context.Context, blockID, actorID string) (store.Block, error) {
	block, err := e.Store.Repo.GetBlock(ctx, blockID)
	if err != nil {
		return store.Block{}, err
	}
	if block.Status != store.BlockComplete {
		return store.Block{}, apperr.Newf(apperr.BadTransition, "cannot fork non-complete block %s", blockID)
	}
	parentSession, err := e.sessionFor(ctx, block.JournalID, block.ID)
	if err != nil {
		return store.Block{}, err
	}
	forkedSession, err := e.Upstream.ForkSession(ctx, parentSession, block.ID)
	if err != nil {
		return store.Block{}, err
	}
	newBlock, err := e.Store.InsertBlock(ctx, store.InsertBlockOptions{
		JournalID: block.JournalID, Role: store.RoleAssistant, ParentID: block.ID, ForkedFromID: block.ID, Status: store.BlockPending,
	})
	if err != nil {
		return store.Block{}, err
	}
	e.mu.Lock()
	e.blockSessions[newBlock.ID] = forkedSession
	e.mu.Unlock()

	e.broadcastBlockCreated(block.JournalID, newBlock)
	e.broadcast(block.JournalID, "block_forked", map[string]any{"from_block_id": block.ID, "block": newBlock})
	return newBlock, nil
}

// Rerun implements spec §4.3 re-run: a fresh assistant block rooted at the
// same preceding user block, sent immediately against B's session.
func (e *Engine) Rerun(ctx context.Context, blockID, actorID string) (store.Block, error) {
	block, err := e.Store.Repo.GetBlock(ctx, blockID)
	if err != nil {
		return store.Block{}, err
	}
	if block.ParentID == nil {
		return store.Block{}, apperr.Newf(apperr.BadRequest, "block %s has no preceding user block", blockID)
	}
	userBlock, err := e.Store.Repo.GetBlock(ctx, *block.ParentID)
	if err != nil {
		return store.Block{}, err
	}
	sessionID, err := e.sessionFor(ctx, block.JournalID, block.ID)
	if err != nil {
		return store.Block{}, err
	}
	newBlock, err := e.Store.InsertBlock(ctx, store.InsertBlockOptions{
		JournalID: block.JournalID, Role: store.RoleAssistant, ParentID: userBlock.ID, ForkedFromID: block.ID, Status: store.BlockPending,
	})
	if err != nil {
		return store.Block{}, err
	}
	e.mu.Lock()
	e.blockSessions[newBlock.ID] = sessionID
	e.mu.Unlock()

	e.broadcastBlockCreated(block.JournalID, newBlock)
	e.startStream(block.JournalID, newBlock, sessionID, userBlock.Content)
	return newBlock, nil
}

// Cancel implements spec §4.3 step 7: abandon the fragment sequence
// cooperatively at the next boundary.
func (e *Engine) Cancel(blockID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[blockID]
	e.mu.Unlock()
	if !ok {
		return apperr.New(apperr.BadTransition, "block has no in-flight stream")
	}
	cancel()
	return nil
}

// sessionFor resolves the session handle a branch rooted at blockID should
// use, falling back to the journal's default session.
func (e *Engine) sessionFor(ctx context.Context, journalID, blockID string) (string, error) {
	e.mu.Lock()
	sid, ok := e.blockSessions[blockID]
	e.mu.Unlock()
	if ok {
		return sid, nil
	}
	return e.Upstream.EnsureSession(ctx, journalID)
}

// startStream runs the fragment pump in its own cancellation scope so
// Cancel can abandon it independently of the submitting connection.
func (e *Engine) startStream(journalID string, block store.Block, sessionID, prompt string) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[block.ID] = cancel
	e.mu.Unlock()
	if e.Rooms != nil {
		e.Rooms.MarkStreamActive(journalID, block.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.pump(gctx, journalID, block, sessionID, prompt)
	})
	go func() {
		_ = g.Wait()
		cancel()
		e.mu.Lock()
		delete(e.cancels, block.ID)
		e.mu.Unlock()
		if e.Rooms != nil {
			e.Rooms.MarkStreamDone(journalID, block.ID)
		}
	}()
}

// pump implements spec §4.3 steps 4-7: transition to streaming, dispatch
// each upstream fragment, and finalize the block on End, Error or
// cancellation.
func (e *Engine) pump(ctx context.Context, journalID string, block store.Block, sessionID, prompt string) error {
	if _, err := e.Store.SetBlockStatus(ctx, block.ID, store.BlockStreaming); err != nil {
		return err
	}
	e.broadcast(journalID, "block_status_changed", map[string]any{"block_id": block.ID, "status": store.BlockStreaming})

	fragments, err := e.Upstream.Send(ctx, sessionID, prompt)
	if err != nil {
		e.finalizeError(journalID, block.ID, err.Error())
		return err
	}

	for {
		select {
		case <-ctx.Done():
			e.finalizeCancelled(journalID, block.ID)
			return nil
		case frag, ok := <-fragments:
			if !ok {
				return nil
			}
			if done := e.dispatch(journalID, block.ID, frag); done {
				return nil
			}
		}
	}
}

// dispatch applies one fragment to the block and reports whether the
// stream has reached a terminal fragment.
func (e *Engine) dispatch(journalID, blockID string, frag upstream.Fragment) bool {
	switch frag.Kind {
	case upstream.TextDelta:
		e.appendDelta(journalID, blockID, frag.Text)
		return false
	case upstream.ToolCall:
		text := renderSegment(store.Segment{Kind: "tool_call", Text: fmt.Sprintf("%s(%s)", frag.ToolName, frag.ToolInput)})
		e.appendDelta(journalID, blockID, text)
		return false
	case upstream.ToolResult:
		text := renderSegment(store.Segment{Kind: "tool_result", Text: frag.ToolOutput})
		e.appendDelta(journalID, blockID, text)
		return false
	case upstream.FragError:
		e.finalizeError(journalID, blockID, frag.Text)
		return true
	case upstream.End:
		e.finalizeComplete(journalID, blockID)
		return true
	default:
		return false
	}
}

func (e *Engine) appendDelta(journalID, blockID, delta string) {
	if err := e.Store.AppendToBlock(context.Background(), blockID, delta); err != nil {
		return
	}
	e.broadcast(journalID, "block_content_delta", map[string]any{"block_id": blockID, "delta": delta})
}

func (e *Engine) finalizeComplete(journalID, blockID string) {
	if _, err := e.Store.SetBlockStatus(context.Background(), blockID, store.BlockComplete); err != nil {
		return
	}
	e.broadcast(journalID, "block_status_changed", map[string]any{"block_id": blockID, "status": store.BlockComplete})
}

func (e *Engine) finalizeError(journalID, blockID, message string) {
	_ = e.Store.AppendToBlock(context.Background(), blockID, "\n[error: "+message+"]")
	if _, err := e.Store.SetBlockStatus(context.Background(), blockID, store.BlockError); err != nil {
		return
	}
	e.broadcast(journalID, "block_status_changed", map[string]any{"block_id": blockID, "status": store.BlockError})
}

// finalizeCancelled implements spec §4.3 step 7: the external contract
// collapses the cancelled terminal into error (one terminal
// block_status_changed, per spec §8), plus a block_cancelled envelope so
// observers can distinguish an explicit cancel from an upstream error.
func (e *Engine) finalizeCancelled(journalID, blockID string) {
	if _, err := e.Store.SetBlockStatus(context.Background(), blockID, store.BlockError); err != nil {
		return
	}
	e.broadcast(journalID, "block_status_changed", map[string]any{"block_id": blockID, "status": store.BlockError})
	e.broadcast(journalID, "block_cancelled", map[string]any{"block_id": blockID})
}

// renderSegment flattens a structured fragment into the text-only wire
// contract of spec §4.3 ("the wire contract currently exposes text only").
func renderSegment(seg store.Segment) string {
	switch seg.Kind {
	case "tool_call":
		return "\n[tool_call] " + seg.Text + "\n"
	case "tool_result":
		return "\n[tool_result] " + seg.Text + "\n"
	default:
		return seg.Text
	}
}
