package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-hub/hub/internal/apperr"
)

// Engine is the Store of spec §4.1: a synchronous-looking transactional
// API over modernc.org/sqlite. It is the sole writer of authoritative
// state (spec §3 "Ownership"). Grounded on the teacher's
// internal/engine/engine.go transaction-per-operation shape.
type Engine struct {
	DB     *sql.DB
	Repo   Repo
	Events EventWriter
	Now    func() time.Time
}

// NewEngine builds an Engine bound to db.
func NewEngine(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   Repo{DB: db},
		Events: EventWriter{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func newID() string {
	return uuid.NewString()
}

// CreateJournal implements spec §4.1 create_journal.
func (e Engine) CreateJournal(ctx context.Context, title string) (Journal, error) {
	if title == "" {
		title = "Untitled"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Journal{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	j := Journal{ID: newID(), Title: title, CreatedAt: now, UpdatedAt: now}
	if err := e.Repo.InsertJournal(ctx, tx, j); err != nil {
		return Journal{}, err
	}
	if err := e.Events.Append(ctx, tx, "journal.created", j.ID, "journal", j.ID, "system", EventPayload{"title": title}); err != nil {
		return Journal{}, err
	}
	if err := tx.Commit(); err != nil {
		return Journal{}, err
	}
	return j, nil
}

// ListJournals implements spec §4.1 list_journals.
func (e Engine) ListJournals(ctx context.Context) ([]Journal, error) {
	return e.Repo.ListJournals(ctx)
}

// ListJournalSummaries backs the introspection/list surface (SPEC_FULL §2.1).
func (e Engine) ListJournalSummaries(ctx context.Context) ([]JournalSummary, error) {
	return e.Repo.ListJournalSummaries(ctx)
}

// GetJournal implements spec §4.1 get_journal: the journal plus its
// ordered blocks.
func (e Engine) GetJournal(ctx context.Context, id string) (Journal, []Block, error) {
	j, err := e.Repo.GetJournal(ctx, id)
	if err != nil {
		return Journal{}, nil, err
	}
	blocks, err := e.Repo.ListBlocks(ctx, id)
	if err != nil {
		return Journal{}, nil, err
	}
	return j, blocks, nil
}

// BlocksSince returns a journal's blocks updated after cursor, for
// reconnect replay (SPEC_FULL §2.1). No wire envelope or REST route calls
// it yet.
func (e Engine) BlocksSince(ctx context.Context, journalID, cursor string) ([]Block, error) {
	return e.Repo.ListBlocksSince(ctx, journalID, cursor)
}

// InsertBlockOptions are parameters for InsertBlock (spec §4.1).
type InsertBlockOptions struct {
	JournalID    string
	Role         BlockRole
	Content      string
	ParentID     string
	ForkedFromID string
	Status       BlockStatus
}

// InsertBlock implements spec §4.1 insert_block, bumping the journal's
// updated_at in the same transaction (spec §4.1 "All writes... bump the
// containing journal's updated-at").
func (e Engine) InsertBlock(ctx context.Context, opts InsertBlockOptions) (Block, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Block{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	b := Block{
		ID:        newID(),
		JournalID: opts.JournalID,
		Role:      opts.Role,
		Content:   opts.Content,
		Status:    opts.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.ParentID != "" {
		b.ParentID = &opts.ParentID
	}
	if opts.ForkedFromID != "" {
		b.ForkedFromID = &opts.ForkedFromID
	}
	if err := e.Repo.InsertBlock(ctx, tx, b); err != nil {
		return Block{}, err
	}
	if err := e.Repo.TouchJournal(ctx, tx, opts.JournalID, now); err != nil {
		return Block{}, err
	}
	if err := e.Events.Append(ctx, tx, "block.created", opts.JournalID, "block", b.ID, "system", EventPayload{"role": string(opts.Role), "status": string(opts.Status)}); err != nil {
		return Block{}, err
	}
	if err := tx.Commit(); err != nil {
		return Block{}, err
	}
	return b, nil
}

// AppendToBlock implements spec §4.1 append_to_block: a no-op on terminal
// blocks, returned as a Conflict the caller may ignore per spec.
func (e Engine) AppendToBlock(ctx context.Context, id, delta string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.AppendToBlockTx(ctx, tx, id, delta, now); err != nil {
		return err
	}
	b, err := e.Repo.GetBlockTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.TouchJournal(ctx, tx, b.JournalID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// SetBlockStatus implements spec §4.1 set_block_status, rejecting illegal
// transitions with BadTransition.
func (e Engine) SetBlockStatus(ctx context.Context, id string, status BlockStatus) (Block, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Block{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.SetBlockStatusTx(ctx, tx, id, status, now); err != nil {
		return Block{}, err
	}
	b, err := e.Repo.GetBlockTx(ctx, tx, id)
	if err != nil {
		return Block{}, err
	}
	if err := e.Repo.TouchJournal(ctx, tx, b.JournalID, now); err != nil {
		return Block{}, err
	}
	if err := e.Events.Append(ctx, tx, "block.status_changed", b.JournalID, "block", b.ID, "system", EventPayload{"status": string(status)}); err != nil {
		return Block{}, err
	}
	if err := tx.Commit(); err != nil {
		return Block{}, err
	}
	return b, nil
}

// --- delegation mirrors (spec §4.1) ---

// UpsertParticipant persists a participant's self-description, allocating
// a new id when p.ID is empty.
func (e Engine) UpsertParticipant(ctx context.Context, p Participant) (Participant, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Participant{}, err
	}
	defer tx.Rollback()

	if p.ID == "" {
		p.ID = newID()
	}
	if p.RegisteredAt == "" {
		p.RegisteredAt = e.nowStr()
	}
	if err := e.Repo.UpsertParticipantTx(ctx, tx, p); err != nil {
		return Participant{}, err
	}
	if err := e.Events.Append(ctx, tx, "participant.registered", "", "participant", p.ID, p.ID, EventPayload{"name": p.Name, "kind": string(p.Kind)}); err != nil {
		return Participant{}, err
	}
	if err := tx.Commit(); err != nil {
		return Participant{}, err
	}
	return p, nil
}

// InsertWorkItem persists a new delegated work item.
func (e Engine) InsertWorkItem(ctx context.Context, w WorkItem) (WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WorkItem{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	w.ID = newID()
	w.CreatedAt = now
	w.UpdatedAt = now
	if err := e.Repo.InsertWorkItemTx(ctx, tx, w); err != nil {
		return WorkItem{}, err
	}
	if err := e.Repo.TouchJournal(ctx, tx, w.JournalID, now); err != nil {
		return WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "work_item.delegated", w.JournalID, "work_item", w.ID, w.DelegatorID, EventPayload{"assignee_id": w.AssigneeID}); err != nil {
		return WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return WorkItem{}, err
	}
	return w, nil
}

// UpdateWorkItemStatus persists a work-item transition.
func (e Engine) UpdateWorkItemStatus(ctx context.Context, id string, status WorkItemStatus, result *string, actorID string) (WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WorkItem{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.UpdateWorkItemStatusTx(ctx, tx, id, status, result, now); err != nil {
		return WorkItem{}, err
	}
	w, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return WorkItem{}, err
	}
	if err := e.Repo.TouchJournal(ctx, tx, w.JournalID, now); err != nil {
		return WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "work_item.status_changed", w.JournalID, "work_item", w.ID, actorID, EventPayload{"status": string(status)}); err != nil {
		return WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return WorkItem{}, err
	}
	return w, nil
}

// ReassignWorkItem atomically hands a still-pending work item to a new
// assignee (backs the wire's claim_work).
func (e Engine) ReassignWorkItem(ctx context.Context, id, newAssigneeID string) (WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WorkItem{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.ReassignWorkItemTx(ctx, tx, id, newAssigneeID, now); err != nil {
		return WorkItem{}, err
	}
	w, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return WorkItem{}, err
	}
	if err := e.Repo.TouchJournal(ctx, tx, w.JournalID, now); err != nil {
		return WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "work_item.reassigned", w.JournalID, "work_item", w.ID, newAssigneeID, EventPayload{"assignee_id": newAssigneeID}); err != nil {
		return WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return WorkItem{}, err
	}
	return w, nil
}

// InsertApprovalRequest persists a new approval request.
func (e Engine) InsertApprovalRequest(ctx context.Context, a ApprovalRequest) (ApprovalRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApprovalRequest{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	a.ID = newID()
	a.CreatedAt = now
	a.Status = ApprovalPending
	if err := e.Repo.InsertApprovalRequestTx(ctx, tx, a); err != nil {
		return ApprovalRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, "approval.requested", "", "approval_request", a.ID, a.RequesterID, EventPayload{"work_item_id": a.WorkItemID, "approver_id": a.ApproverID}); err != nil {
		return ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApprovalRequest{}, err
	}
	return a, nil
}

// ResolveApproval resolves a pending approval exactly once (spec §3, §4.5).
func (e Engine) ResolveApproval(ctx context.Context, id string, status ApprovalStatus, feedback *string, actorID string) (ApprovalRequest, error) {
	if status == ApprovalRejected && (feedback == nil || *feedback == "") {
		return ApprovalRequest{}, apperr.New(apperr.BadRequest, "feedback required on reject")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApprovalRequest{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.ResolveApprovalTx(ctx, tx, id, status, feedback, now); err != nil {
		return ApprovalRequest{}, err
	}
	a, err := e.Repo.GetApprovalRequestTx(ctx, tx, id)
	if err != nil {
		return ApprovalRequest{}, err
	}
	evtType := "approval.approved"
	if status == ApprovalRejected {
		evtType = "approval.rejected"
	}
	if err := e.Events.Append(ctx, tx, evtType, "", "approval_request", a.ID, actorID, EventPayload{"work_item_id": a.WorkItemID}); err != nil {
		return ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApprovalRequest{}, err
	}
	return a, nil
}
