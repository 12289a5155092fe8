package blockengine_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencode-hub/hub/internal/blockengine"
	"github.com/opencode-hub/hub/internal/store"
	"github.com/opencode-hub/hub/internal/upstream"
	"github.com/opencode-hub/hub/internal/wire"
)

type recordingRooms struct {
	mu   sync.Mutex
	envs []wire.Envelope
}

func (r *recordingRooms) Broadcast(journalID string, env wire.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recordingRooms) MarkStreamActive(journalID, blockID string) {}
func (r *recordingRooms) MarkStreamDone(journalID, blockID string)   {}

func (r *recordingRooms) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.envs {
		out = append(out, e.Type)
	}
	return out
}

func newTestEngine(t *testing.T) (*blockengine.Engine, store.Engine, *recordingRooms) {
	t.Helper()
	dir := t.TempDir()
	conn, err := store.Open("sqlite:" + filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := store.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := store.NewEngine(conn)
	rooms := &recordingRooms{}
	be := blockengine.NewEngine(eng, upstream.NewStub(), rooms)
	return be, eng, rooms
}

func waitForStatus(t *testing.T, eng store.Engine, blockID string, status store.BlockStatus) store.Block {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := eng.Repo.GetBlock(context.Background(), blockID)
		if err != nil {
			t.Fatalf("get block: %v", err)
		}
		if b.Status == status {
			return b
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("block %s never reached status %s", blockID, status)
	return store.Block{}
}

func TestSubmitStreamsToCompletion(t *testing.T) {
	be, eng, rooms := newTestEngine(t)
	ctx := context.Background()
	j, err := eng.CreateJournal(ctx, "thread")
	if err != nil {
		t.Fatal(err)
	}
	userBlock, assistantBlock, err := be.Submit(ctx, j.ID, "hello", "u1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if userBlock.Status != store.BlockComplete {
		t.Fatalf("expected user block complete immediately")
	}
	final := waitForStatus(t, eng, assistantBlock.ID, store.BlockComplete)
	if final.Content != "ok" {
		t.Fatalf("expected the stub's default content, got %q", final.Content)
	}
	types := rooms.types()
	if len(types) == 0 {
		t.Fatalf("expected broadcast envelopes")
	}
}

func TestForkRequiresCompleteBlock(t *testing.T) {
	be, eng, _ := newTestEngine(t)
	ctx := context.Background()
	j, err := eng.CreateJournal(ctx, "thread")
	if err != nil {
		t.Fatal(err)
	}
	b, err := eng.InsertBlock(ctx, store.InsertBlockOptions{JournalID: j.ID, Role: store.RoleAssistant, Status: store.BlockPending})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := be.Fork(ctx, b.ID, "u1"); err == nil {
		t.Fatalf("expected BadTransition forking a non-complete block")
	}
}

func TestSubmitAfterForkResumesTheBranchPlaceholder(t *testing.T) {
	be, eng, _ := newTestEngine(t)
	ctx := context.Background()
	j, err := eng.CreateJournal(ctx, "thread")
	if err != nil {
		t.Fatal(err)
	}
	_, b1, err := be.Submit(ctx, j.ID, "hello", "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	b1 = waitForStatus(t, eng, b1.ID, store.BlockComplete)

	b2, err := be.Fork(ctx, b1.ID, "u1")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if b2.Status != store.BlockPending {
		t.Fatalf("expected fork placeholder to be pending, got %s", b2.Status)
	}

	_, resumed, err := be.Submit(ctx, j.ID, "why?", "u1", b2.ID)
	if err != nil {
		t.Fatalf("submit against branch: %v", err)
	}
	if resumed.ID != b2.ID {
		t.Fatalf("expected submit to resume the fork's placeholder %s, got a new block %s", b2.ID, resumed.ID)
	}
	waitForStatus(t, eng, b2.ID, store.BlockComplete)

	_, blocks, err := eng.GetJournal(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	nonTerminal := 0
	for _, b := range blocks {
		if b.Role == store.RoleAssistant && !b.Status.Terminal() {
			nonTerminal++
		}
	}
	if nonTerminal != 0 {
		t.Fatalf("expected no non-terminal assistant blocks after the branch resolved, got %d", nonTerminal)
	}
}

func TestSubmitAgainstAlreadyResolvedBranchFails(t *testing.T) {
	be, eng, _ := newTestEngine(t)
	ctx := context.Background()
	j, err := eng.CreateJournal(ctx, "thread")
	if err != nil {
		t.Fatal(err)
	}
	_, b1, err := be.Submit(ctx, j.ID, "hello", "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	b1 = waitForStatus(t, eng, b1.ID, store.BlockComplete)

	if _, _, err := be.Submit(ctx, j.ID, "why?", "u1", b1.ID); err == nil {
		t.Fatalf("expected BadTransition submitting against an already-complete block")
	}
}

func TestRerunSeedsFromUserBlock(t *testing.T) {
	be, eng, _ := newTestEngine(t)
	ctx := context.Background()
	j, err := eng.CreateJournal(ctx, "thread")
	if err != nil {
		t.Fatal(err)
	}
	_, assistantBlock, err := be.Submit(ctx, j.ID, "hello", "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, eng, assistantBlock.ID, store.BlockComplete)

	rerun, err := be.Rerun(ctx, assistantBlock.ID, "u1")
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if rerun.ForkedFromID == nil || *rerun.ForkedFromID != assistantBlock.ID {
		t.Fatalf("expected forked_from_id to point at original block")
	}
	waitForStatus(t, eng, rerun.ID, store.BlockComplete)
}

func TestCancelUnknownBlockIsBadTransition(t *testing.T) {
	be, _, _ := newTestEngine(t)
	if err := be.Cancel("nonexistent"); err == nil {
		t.Fatalf("expected error cancelling a block with no in-flight stream")
	}
}
