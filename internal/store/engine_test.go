package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencode-hub/hub/internal/apperr"
	"github.com/opencode-hub/hub/internal/store"
)

type testEnv struct {
	Engine store.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestCreateJournalDefaultsTitle(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.CreateJournal(env.Ctx, "")
	if err != nil {
		t.Fatalf("create journal: %v", err)
	}
	if j.Title != "Untitled" {
		t.Fatalf("expected default title, got %q", j.Title)
	}
	if j.ID == "" {
		t.Fatalf("expected journal id")
	}
}

func TestInsertBlockTouchesJournal(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.CreateJournal(env.Ctx, "thread")
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.InsertBlock(env.Ctx, store.InsertBlockOptions{
		JournalID: j.ID,
		Role:      store.RoleUser,
		Content:   "hello",
		Status:    store.BlockPending,
	})
	if err != nil {
		t.Fatalf("insert block: %v", err)
	}
	if b.Status != store.BlockPending {
		t.Fatalf("expected pending status, got %s", b.Status)
	}
	_, blocks, err := env.Engine.GetJournal(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || blocks[0].ID != b.ID {
		t.Fatalf("expected journal to contain the inserted block")
	}
}

func TestBlockStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.CreateJournal(env.Ctx, "thread")
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.InsertBlock(env.Ctx, store.InsertBlockOptions{
		JournalID: j.ID, Role: store.RoleAssistant, Status: store.BlockPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err = env.Engine.SetBlockStatus(env.Ctx, b.ID, store.BlockStreaming)
	if err != nil || b.Status != store.BlockStreaming {
		t.Fatalf("to streaming: %v", err)
	}
	b, err = env.Engine.SetBlockStatus(env.Ctx, b.ID, store.BlockComplete)
	if err != nil || b.Status != store.BlockComplete {
		t.Fatalf("to complete: %v", err)
	}
	// terminal: further transitions must fail
	_, err = env.Engine.SetBlockStatus(env.Ctx, b.ID, store.BlockStreaming)
	if err == nil {
		t.Fatalf("expected transition error on terminal block")
	}
	if apperr.KindOf(err) != apperr.BadTransition {
		t.Fatalf("expected BadTransition, got %v", apperr.KindOf(err))
	}
}

func TestAppendToTerminalBlockIsConflict(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.CreateJournal(env.Ctx, "thread")
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.InsertBlock(env.Ctx, store.InsertBlockOptions{
		JournalID: j.ID, Role: store.RoleAssistant, Status: store.BlockComplete,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = env.Engine.AppendToBlock(env.Ctx, b.ID, "too late")
	if apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestDelegationApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.CreateJournal(env.Ctx, "thread")
	if err != nil {
		t.Fatal(err)
	}
	delegator, err := env.Engine.UpsertParticipant(env.Ctx, store.Participant{
		ID: "u1", Name: "alice", Kind: store.KindUser, Capabilities: []store.Capability{store.CapDelegate, store.CapApprove},
	})
	if err != nil {
		t.Fatal(err)
	}
	assignee, err := env.Engine.UpsertParticipant(env.Ctx, store.Participant{
		ID: "a1", Name: "agent-1", Kind: store.KindAgent, Capabilities: []store.Capability{store.CapSubmit}, AcceptingWork: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	w, err := env.Engine.InsertWorkItem(env.Ctx, store.WorkItem{
		JournalID: j.ID, Description: "investigate", DelegatorID: delegator.ID, AssigneeID: assignee.ID,
		Status: store.WorkPending, Priority: store.PriorityNormal, RequiresApproval: true,
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	w, err = env.Engine.UpdateWorkItemStatus(env.Ctx, w.ID, store.WorkInProgress, nil, assignee.ID)
	if err != nil || w.Status != store.WorkInProgress {
		t.Fatalf("to in_progress: %v", err)
	}
	result := "done: found the bug"
	w, err = env.Engine.UpdateWorkItemStatus(env.Ctx, w.ID, store.WorkAwaitingApproval, &result, assignee.ID)
	if err != nil || w.Status != store.WorkAwaitingApproval {
		t.Fatalf("to awaiting_approval: %v", err)
	}
	approval, err := env.Engine.InsertApprovalRequest(env.Ctx, store.ApprovalRequest{
		WorkItemID: w.ID, RequesterID: assignee.ID, ApproverID: delegator.ID,
	})
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	approval, err = env.Engine.ResolveApproval(env.Ctx, approval.ID, store.ApprovalApproved, nil, delegator.ID)
	if err != nil || approval.Status != store.ApprovalApproved {
		t.Fatalf("approve: %v", err)
	}
	// resolving twice must fail: exactly-once invariant
	_, err = env.Engine.ResolveApproval(env.Ctx, approval.ID, store.ApprovalApproved, nil, delegator.ID)
	if apperr.KindOf(err) != apperr.BadTransition {
		t.Fatalf("expected BadTransition on double-resolve, got %v", err)
	}
}

func TestRejectRequiresFeedback(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.CreateJournal(env.Ctx, "thread")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpsertParticipant(env.Ctx, store.Participant{ID: "u1", Name: "alice", Kind: store.KindUser}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpsertParticipant(env.Ctx, store.Participant{ID: "a1", Name: "agent-1", Kind: store.KindAgent}); err != nil {
		t.Fatal(err)
	}
	w, err := env.Engine.InsertWorkItem(env.Ctx, store.WorkItem{
		JournalID: j.ID, DelegatorID: "u1", AssigneeID: "a1", Status: store.WorkAwaitingApproval, Priority: store.PriorityNormal,
	})
	if err != nil {
		t.Fatal(err)
	}
	approval, err := env.Engine.InsertApprovalRequest(env.Ctx, store.ApprovalRequest{WorkItemID: w.ID, RequesterID: "a1", ApproverID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResolveApproval(env.Ctx, approval.ID, store.ApprovalRejected, nil, "u1")
	if apperr.KindOf(err) != apperr.BadRequest {
		t.Fatalf("expected BadRequest for missing feedback, got %v", err)
	}
	feedback := "needs more tests"
	approval, err = env.Engine.ResolveApproval(env.Ctx, approval.ID, store.ApprovalRejected, &feedback, "u1")
	if err != nil || approval.Status != store.ApprovalRejected {
		t.Fatalf("reject with feedback: %v", err)
	}
}

func TestEventsAppendedOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.CreateJournal(env.Ctx, "thread")
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.InsertBlock(env.Ctx, store.InsertBlockOptions{JournalID: j.ID, Role: store.RoleUser, Status: store.BlockPending})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetBlockStatus(env.Ctx, b.ID, store.BlockStreaming); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, b.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 2 {
		t.Fatalf("expected block.created and block.status_changed events, got %d", count)
	}
}
