package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/opencode-hub/hub/internal/apperr"
)

// Repo is the raw SQL layer: scan helpers and row-level CRUD, grounded on
// the teacher's internal/repo/repo.go. Transaction boundaries and event
// emission live one layer up, in Engine.
type Repo struct {
	DB *sql.DB
}

func errNotFound(entity, id string) error {
	return apperr.Newf(apperr.NotFound, "%s %s not found", entity, id)
}

func scanJournal(row interface{ Scan(...any) error }) (Journal, error) {
	var j Journal
	err := row.Scan(&j.ID, &j.Title, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, errNotFound("journal", "")
	}
	return j, err
}

func (r Repo) InsertJournal(ctx context.Context, tx *sql.Tx, j Journal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO journals(id,title,created_at,updated_at) VALUES (?,?,?,?)`,
		j.ID, j.Title, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJournal(ctx context.Context, id string) (Journal, error) {
	j, err := scanJournal(r.DB.QueryRowContext(ctx, `SELECT id,title,created_at,updated_at FROM journals WHERE id=?`, id))
	if err != nil && apperr.KindOf(err) == apperr.NotFound {
		return j, errNotFound("journal", id)
	}
	return j, err
}

func (r Repo) TouchJournal(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE journals SET updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotFound("journal", id)
	}
	return nil
}

// ListJournals returns all journals ordered by updated_at descending
// (spec §4.1).
func (r Repo) ListJournals(ctx context.Context) ([]Journal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,created_at,updated_at FROM journals ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Journal
	for rows.Next() {
		var j Journal
		if err := rows.Scan(&j.ID, &j.Title, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ListJournalSummaries backs the cheap listing projection recovered from
// original_source/src/store.rs (SPEC_FULL §2.1).
func (r Repo) ListJournalSummaries(ctx context.Context) ([]JournalSummary, error) {
	journals, err := r.ListJournals(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]JournalSummary, 0, len(journals))
	for _, j := range journals {
		var snippet sql.NullString
		var count int
		err := r.DB.QueryRowContext(ctx, `SELECT content FROM blocks WHERE journal_id=? ORDER BY created_at DESC LIMIT 1`, j.ID).Scan(&snippet)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM blocks WHERE journal_id=?`, j.ID).Scan(&count); err != nil {
			return nil, err
		}
		text := snippet.String
		if len(text) > 120 {
			text = text[:120]
		}
		res = append(res, JournalSummary{Journal: j, LastBlockSnippet: text, BlockCount: count})
	}
	return res, nil
}

func scanBlock(row interface{ Scan(...any) error }) (Block, error) {
	var b Block
	var parentID, forkedFromID sql.NullString
	err := row.Scan(&b.ID, &b.JournalID, &b.Role, &b.Content, &b.Status, &parentID, &forkedFromID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return b, err
	}
	if parentID.Valid {
		b.ParentID = &parentID.String
	}
	if forkedFromID.Valid {
		b.ForkedFromID = &forkedFromID.String
	}
	return b, nil
}

const blockColumns = `id,journal_id,role,content,status,parent_id,forked_from_id,created_at,updated_at`

func (r Repo) InsertBlock(ctx context.Context, tx *sql.Tx, b Block) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO blocks(`+blockColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		b.ID, b.JournalID, string(b.Role), b.Content, string(b.Status), nullableStrPtr(b.ParentID), nullableStrPtr(b.ForkedFromID), b.CreatedAt, b.UpdatedAt)
	if err != nil && isForeignKeyViolation(err) {
		return apperr.Wrap(apperr.BadRequest, "invalid journal_id, parent_id or forked_from_id reference", err)
	}
	return err
}

func (r Repo) GetBlockTx(ctx context.Context, tx *sql.Tx, id string) (Block, error) {
	b, err := scanBlock(tx.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return b, errNotFound("block", id)
	}
	return b, err
}

func (r Repo) GetBlock(ctx context.Context, id string) (Block, error) {
	b, err := scanBlock(r.DB.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return b, errNotFound("block", id)
	}
	return b, err
}

// ListBlocks returns a journal's blocks ordered by created_at ascending
// (spec §4.1).
func (r Repo) ListBlocks(ctx context.Context, journalID string) ([]Block, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE journal_id=? ORDER BY created_at ASC`, journalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ListBlocksSince backs reconnect replay: blocks whose updated_at is
// strictly after the cursor (SPEC_FULL §2.1, recovered from
// original_source/src/store.rs).
func (r Repo) ListBlocksSince(ctx context.Context, journalID, cursor string) ([]Block, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE journal_id=? AND updated_at>? ORDER BY updated_at ASC`, journalID, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) AppendToBlockTx(ctx context.Context, tx *sql.Tx, id, delta, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE blocks SET content = content || ?, updated_at=? WHERE id=? AND status NOT IN ('complete','error')`, delta, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.Conflict, "block terminal")
	}
	return nil
}

var legalTransitions = map[BlockStatus]map[BlockStatus]bool{
	BlockPending:   {BlockStreaming: true, BlockError: true},
	BlockStreaming: {BlockComplete: true, BlockError: true},
}

func (r Repo) SetBlockStatusTx(ctx context.Context, tx *sql.Tx, id string, newStatus BlockStatus, updatedAt string) error {
	current, err := r.GetBlockTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return apperr.Newf(apperr.BadTransition, "block %s already terminal (%s)", id, current.Status)
	}
	if !legalTransitions[current.Status][newStatus] {
		return apperr.Newf(apperr.BadTransition, "illegal block transition %s -> %s", current.Status, newStatus)
	}
	_, err = tx.ExecContext(ctx, `UPDATE blocks SET status=?, updated_at=? WHERE id=?`, string(newStatus), updatedAt, id)
	return err
}

func isForeignKeyViolation(err error) bool {
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed") || strings.Contains(err.Error(), "constraint failed")
}

func nullableStrPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

// --- delegation mirrors (spec §4.1) ---

func scanParticipant(row interface{ Scan(...any) error }) (Participant, error) {
	var p Participant
	var capsJSON string
	var accepting int
	err := row.Scan(&p.ID, &p.Name, &p.Kind, &capsJSON, &accepting, &p.WorkCapacity, &p.RegisteredAt)
	if err != nil {
		return p, err
	}
	p.AcceptingWork = accepting != 0
	_ = json.Unmarshal([]byte(capsJSON), &p.Capabilities)
	return p, nil
}

const participantColumns = `id,name,kind,capabilities,accepting_work,work_capacity,registered_at`

func (r Repo) UpsertParticipantTx(ctx context.Context, tx *sql.Tx, p Participant) error {
	capsJSON, err := json.Marshal(p.Capabilities)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO participants(`+participantColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, kind=excluded.kind, capabilities=excluded.capabilities,
	accepting_work=excluded.accepting_work, work_capacity=excluded.work_capacity`,
		p.ID, p.Name, string(p.Kind), string(capsJSON), boolToInt(p.AcceptingWork), p.WorkCapacity, p.RegisteredAt)
	return err
}

func (r Repo) GetParticipantTx(ctx context.Context, tx *sql.Tx, id string) (Participant, error) {
	p, err := scanParticipant(tx.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return p, errNotFound("participant", id)
	}
	return p, err
}

func (r Repo) GetParticipant(ctx context.Context, id string) (Participant, error) {
	p, err := scanParticipant(r.DB.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return p, errNotFound("participant", id)
	}
	return p, err
}

func (r Repo) SetAcceptingWorkTx(ctx context.Context, tx *sql.Tx, id string, accepting bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE participants SET accepting_work=? WHERE id=?`, boolToInt(accepting), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotFound("participant", id)
	}
	return nil
}

func (r Repo) AvailableParticipants(ctx context.Context) ([]Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE accepting_work=1 ORDER BY registered_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountActiveWorkTx returns how many non-terminal work items are assigned
// to a participant, inside tx. The Delegation Manager's capacity check
// counts through WorkQueueFor instead and does not call this.
func (r Repo) CountActiveWorkTx(ctx context.Context, tx *sql.Tx, assigneeID string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT count(*) FROM work_items WHERE assignee_id=? AND status NOT IN ('approved','rejected','declined','cancelled')`, assigneeID)
	var n int
	err := row.Scan(&n)
	return n, err
}

func scanWorkItem(row interface{ Scan(...any) error }) (WorkItem, error) {
	var w WorkItem
	var blockID, approverID, result sql.NullString
	var requiresApproval int
	err := row.Scan(&w.ID, &w.JournalID, &w.Description, &blockID, &w.DelegatorID, &w.AssigneeID, &w.Status, &w.Priority,
		&requiresApproval, &approverID, &result, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return w, err
	}
	w.RequiresApproval = requiresApproval != 0
	if blockID.Valid {
		w.BlockID = &blockID.String
	}
	if approverID.Valid {
		w.ApproverID = &approverID.String
	}
	if result.Valid {
		w.Result = &result.String
	}
	return w, nil
}

const workItemColumns = `id,journal_id,description,block_id,delegator_id,assignee_id,status,priority,requires_approval,approver_id,result,created_at,updated_at`

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, w WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.JournalID, w.Description, nullableStrPtr(w.BlockID), w.DelegatorID, w.AssigneeID, string(w.Status), string(w.Priority),
		boolToInt(w.RequiresApproval), nullableStrPtr(w.ApproverID), nullableStrPtr(w.Result), w.CreatedAt, w.UpdatedAt)
	if err != nil && isForeignKeyViolation(err) {
		return apperr.Wrap(apperr.BadRequest, "invalid journal_id, block_id, delegator_id or assignee_id reference", err)
	}
	return err
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (WorkItem, error) {
	w, err := scanWorkItem(tx.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return w, errNotFound("work item", id)
	}
	return w, err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	w, err := scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return w, errNotFound("work item", id)
	}
	return w, err
}

func (r Repo) UpdateWorkItemStatusTx(ctx context.Context, tx *sql.Tx, id string, status WorkItemStatus, result *string, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, result=COALESCE(?, result), updated_at=? WHERE id=?`,
		string(status), nullableStrPtr(result), updatedAt, id)
	return err
}

func (r Repo) ReassignWorkItemTx(ctx context.Context, tx *sql.Tx, id, newAssigneeID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET assignee_id=?, updated_at=? WHERE id=? AND status='pending'`,
		newAssigneeID, updatedAt, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return apperr.Wrap(apperr.BadRequest, "invalid assignee_id reference", err)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Newf(apperr.BadTransition, "work item %s is not pending", id)
	}
	return nil
}

func (r Repo) WorkQueueFor(ctx context.Context, participantID string) ([]WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE assignee_id=? ORDER BY created_at DESC`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func scanApproval(row interface{ Scan(...any) error }) (ApprovalRequest, error) {
	var a ApprovalRequest
	var feedback, resolvedAt sql.NullString
	err := row.Scan(&a.ID, &a.WorkItemID, &a.RequesterID, &a.ApproverID, &a.Status, &feedback, &a.CreatedAt, &resolvedAt)
	if err != nil {
		return a, err
	}
	if feedback.Valid {
		a.Feedback = &feedback.String
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.String
	}
	return a, nil
}

const approvalColumns = `id,work_item_id,requester_id,approver_id,status,feedback,created_at,resolved_at`

func (r Repo) InsertApprovalRequestTx(ctx context.Context, tx *sql.Tx, a ApprovalRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_requests(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkItemID, a.RequesterID, a.ApproverID, string(a.Status), nullableStrPtr(a.Feedback), a.CreatedAt, nullableStrPtr(a.ResolvedAt))
	if err != nil && isForeignKeyViolation(err) {
		return apperr.Wrap(apperr.BadRequest, "invalid work_item_id, requester_id or approver_id reference", err)
	}
	return err
}

func (r Repo) GetApprovalRequestTx(ctx context.Context, tx *sql.Tx, id string) (ApprovalRequest, error) {
	a, err := scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return a, errNotFound("approval request", id)
	}
	return a, err
}

func (r Repo) GetApprovalRequest(ctx context.Context, id string) (ApprovalRequest, error) {
	a, err := scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return a, errNotFound("approval request", id)
	}
	return a, err
}

// ResolveApprovalTx resolves a pending approval exactly once (spec §3, §4.5).
func (r Repo) ResolveApprovalTx(ctx context.Context, tx *sql.Tx, id string, status ApprovalStatus, feedback *string, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_requests SET status=?, feedback=?, resolved_at=? WHERE id=? AND status='pending'`,
		string(status), nullableStrPtr(feedback), resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.BadTransition, "approval %s not pending", id)
	}
	return nil
}

func (r Repo) ApprovalQueueFor(ctx context.Context, approverID string) ([]ApprovalRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE approver_id=? ORDER BY created_at DESC`, approverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListEventsFrom returns up to limit events with id > afterID in ascending
// id order (oldest first), following the teacher's cursor-by-id
// convention.
func (r Repo) ListEventsFrom(ctx context.Context, limit int, afterID int64, journalID, evtType, entityKind string) ([]Event, error) {
	query := `SELECT id,ts,type,journal_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id > ?`
	args := []any{afterID}
	if journalID != "" {
		query += ` AND journal_id = ?`
		args = append(args, journalID)
	}
	if evtType != "" {
		query += ` AND type = ?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		query += ` AND entity_kind = ?`
		args = append(args, entityKind)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var journalID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &journalID, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.JournalID = journalID.String
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
