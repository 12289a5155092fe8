// Package delegation implements the work-item/approval state machine of
// spec §4.5: an in-memory-facing index over Store-persisted work items and
// approval requests, enforcing capability checks and notifying affected
// participants through the Room layer. Grounded on the teacher's
// internal/engine/auth capability-gating style, generalized from a SQL
// role join to the fixed capability set on Participant.
package delegation

import (
	"context"

	"github.com/opencode-hub/hub/internal/apperr"
	"github.com/opencode-hub/hub/internal/store"
)

// Notifier is implemented by the Room layer: delegation transitions are
// broadcast to affected participants regardless of which journal they are
// attached to (spec §4.5 "emits notifications... via the Room layer").
type Notifier interface {
	NotifyParticipant(participantID string, envelopeType string, payload any)
}

// Manager is the Delegation Manager of spec §2/§4.5.
type Manager struct {
	Store    store.Engine
	Notify   Notifier
}

// NewManager builds a Manager bound to an engine and notifier.
func NewManager(eng store.Engine, notify Notifier) *Manager {
	return &Manager{Store: eng, Notify: notify}
}

func (m *Manager) notify(participantID, evtType string, payload any) {
	if m.Notify == nil || participantID == "" {
		return
	}
	m.Notify.NotifyParticipant(participantID, evtType, payload)
}

// DelegateOptions are the optional parameters of delegate (spec §4.5).
type DelegateOptions struct {
	BlockID          string
	Priority         store.WorkPriority
	RequiresApproval bool
	ApproverID       string
}

// Delegate implements spec §4.5 delegate.
func (m *Manager) Delegate(ctx context.Context, journalID, description, delegatorID, assigneeID string, opts DelegateOptions) (store.WorkItem, error) {
	delegator, err := m.Store.Repo.GetParticipant(ctx, delegatorID)
	if err != nil {
		return store.WorkItem{}, err
	}
	if err := requireCapability(delegator, store.CapDelegate); err != nil {
		return store.WorkItem{}, err
	}
	assignee, err := m.Store.Repo.GetParticipant(ctx, assigneeID)
	if err != nil {
		return store.WorkItem{}, apperr.Wrap(apperr.NotFound, "assignee not registered", err)
	}
	if !assignee.AcceptingWork {
		return store.WorkItem{}, apperr.New(apperr.Conflict, "assignee is not accepting work")
	}
	if assignee.WorkCapacity > 0 {
		active, err := m.activeWorkCount(ctx, assigneeID)
		if err != nil {
			return store.WorkItem{}, err
		}
		if active >= assignee.WorkCapacity {
			return store.WorkItem{}, apperr.New(apperr.Conflict, "assignee is at work capacity")
		}
	}

	priority := opts.Priority
	if priority == "" {
		priority = store.PriorityNormal
	}
	w := store.WorkItem{
		JournalID:        journalID,
		Description:      description,
		DelegatorID:       delegatorID,
		AssigneeID:       assigneeID,
		Status:           store.WorkPending,
		Priority:         priority,
		RequiresApproval: opts.RequiresApproval,
	}
	if opts.BlockID != "" {
		w.BlockID = &opts.BlockID
	}
	if opts.ApproverID != "" {
		w.ApproverID = &opts.ApproverID
	}
	created, err := m.Store.InsertWorkItem(ctx, w)
	if err != nil {
		return store.WorkItem{}, err
	}
	m.notify(assigneeID, "work_delegated", created)
	return created, nil
}

func (m *Manager) activeWorkCount(ctx context.Context, assigneeID string) (int, error) {
	items, err := m.Store.Repo.WorkQueueFor(ctx, assigneeID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, w := range items {
		if !w.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *Manager) loadAssignedWorkItem(ctx context.Context, workItemID, callerID string) (store.WorkItem, error) {
	w, err := m.Store.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return store.WorkItem{}, err
	}
	if w.AssigneeID != callerID {
		return store.WorkItem{}, apperr.New(apperr.Unauthorized, "only the assignee may act on this work item")
	}
	return w, nil
}

// Accept implements spec §4.5 accept: only the assignee, only pending.
func (m *Manager) Accept(ctx context.Context, workItemID, callerID string) (store.WorkItem, error) {
	w, err := m.loadAssignedWorkItem(ctx, workItemID, callerID)
	if err != nil {
		return store.WorkItem{}, err
	}
	if w.Status != store.WorkPending {
		return store.WorkItem{}, apperr.Newf(apperr.BadTransition, "work item %s is not pending", workItemID)
	}
	updated, err := m.Store.UpdateWorkItemStatus(ctx, workItemID, store.WorkInProgress, nil, callerID)
	if err != nil {
		return store.WorkItem{}, err
	}
	m.notify(w.DelegatorID, "work_accepted", updated)
	return updated, nil
}

// Decline implements spec §4.5 decline: only the assignee, only pending.
func (m *Manager) Decline(ctx context.Context, workItemID, callerID string) (store.WorkItem, error) {
	w, err := m.loadAssignedWorkItem(ctx, workItemID, callerID)
	if err != nil {
		return store.WorkItem{}, err
	}
	if w.Status != store.WorkPending {
		return store.WorkItem{}, apperr.Newf(apperr.BadTransition, "work item %s is not pending", workItemID)
	}
	updated, err := m.Store.UpdateWorkItemStatus(ctx, workItemID, store.WorkDeclined, nil, callerID)
	if err != nil {
		return store.WorkItem{}, err
	}
	m.notify(w.DelegatorID, "work_declined", updated)
	return updated, nil
}

// SubmitWork implements spec §4.5 submit_work.
func (m *Manager) SubmitWork(ctx context.Context, workItemID, callerID, result string) (store.WorkItem, error) {
	w, err := m.loadAssignedWorkItem(ctx, workItemID, callerID)
	if err != nil {
		return store.WorkItem{}, err
	}
	if w.Status != store.WorkInProgress {
		return store.WorkItem{}, apperr.Newf(apperr.BadTransition, "work item %s is not in progress", workItemID)
	}
	if !w.RequiresApproval {
		updated, err := m.Store.UpdateWorkItemStatus(ctx, workItemID, store.WorkApproved, &result, callerID)
		if err != nil {
			return store.WorkItem{}, err
		}
		m.notify(w.DelegatorID, "work_approved", updated)
		return updated, nil
	}

	approverID := w.DelegatorID
	if w.ApproverID != nil && *w.ApproverID != "" {
		approverID = *w.ApproverID
	}
	updated, err := m.Store.UpdateWorkItemStatus(ctx, workItemID, store.WorkAwaitingApproval, &result, callerID)
	if err != nil {
		return store.WorkItem{}, err
	}
	approval, err := m.Store.InsertApprovalRequest(ctx, store.ApprovalRequest{
		WorkItemID:  workItemID,
		RequesterID: callerID,
		ApproverID:  approverID,
	})
	if err != nil {
		return store.WorkItem{}, err
	}
	m.notify(approverID, "approval_requested", approval)
	return updated, nil
}

// Approve implements spec §4.5 approve: only the designated approver, only
// pending approvals.
func (m *Manager) Approve(ctx context.Context, approvalID, callerID string, feedback *string) (store.ApprovalRequest, error) {
	return m.resolveApproval(ctx, approvalID, callerID, store.ApprovalApproved, feedback, store.WorkApproved, "work_approved")
}

// Reject implements spec §4.5 reject: feedback required.
func (m *Manager) Reject(ctx context.Context, approvalID, callerID string, feedback *string) (store.ApprovalRequest, error) {
	if feedback == nil || *feedback == "" {
		return store.ApprovalRequest{}, apperr.New(apperr.BadRequest, "feedback required on reject")
	}
	return m.resolveApproval(ctx, approvalID, callerID, store.ApprovalRejected, feedback, store.WorkRejected, "work_rejected")
}

func (m *Manager) resolveApproval(ctx context.Context, approvalID, callerID string, status store.ApprovalStatus, feedback *string, workStatus store.WorkItemStatus, workEvt string) (store.ApprovalRequest, error) {
	approval, err := m.Store.Repo.GetApprovalRequest(ctx, approvalID)
	if err != nil {
		return store.ApprovalRequest{}, err
	}
	if approval.ApproverID != callerID {
		return store.ApprovalRequest{}, apperr.New(apperr.Unauthorized, "only the designated approver may resolve this approval")
	}
	resolved, err := m.Store.ResolveApproval(ctx, approvalID, status, feedback, callerID)
	if err != nil {
		return store.ApprovalRequest{}, err
	}
	w, err := m.Store.UpdateWorkItemStatus(ctx, approval.WorkItemID, workStatus, nil, callerID)
	if err != nil {
		return store.ApprovalRequest{}, err
	}
	m.notify(w.AssigneeID, workEvt, w)
	m.notify(w.DelegatorID, workEvt, w)
	return resolved, nil
}

// Cancel implements spec §4.5 cancel: only the delegator, any non-terminal
// item.
func (m *Manager) Cancel(ctx context.Context, workItemID, callerID string) (store.WorkItem, error) {
	w, err := m.Store.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return store.WorkItem{}, err
	}
	if w.DelegatorID != callerID {
		return store.WorkItem{}, apperr.New(apperr.Unauthorized, "only the delegator may cancel this work item")
	}
	if w.Status.Terminal() {
		return store.WorkItem{}, apperr.Newf(apperr.BadTransition, "work item %s already terminal", workItemID)
	}
	updated, err := m.Store.UpdateWorkItemStatus(ctx, workItemID, store.WorkCancelled, nil, callerID)
	if err != nil {
		return store.WorkItem{}, err
	}
	m.notify(w.AssigneeID, "work_cancelled", updated)
	return updated, nil
}

// Claim implements the wire's claim_work: a participant takes over a still-
// pending work item from its current assignee. Spec §4.5 does not name a
// claim operation in its own transition table; this is read as a
// reassignment of a pending item's assignee, distinct from accept_work
// (which only the existing assignee may use), so a broadcast-delegated
// item can be picked up by whichever participant gets to it first.
func (m *Manager) Claim(ctx context.Context, workItemID, callerID string) (store.WorkItem, error) {
	caller, err := m.Store.Repo.GetParticipant(ctx, callerID)
	if err != nil {
		return store.WorkItem{}, err
	}
	if err := requireCapability(caller, store.CapSubmit); err != nil {
		return store.WorkItem{}, err
	}
	w, err := m.Store.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return store.WorkItem{}, err
	}
	if w.Status != store.WorkPending {
		return store.WorkItem{}, apperr.Newf(apperr.BadTransition, "work item %s is not pending", workItemID)
	}
	claimed, err := m.Store.ReassignWorkItem(ctx, workItemID, callerID)
	if err != nil {
		return store.WorkItem{}, err
	}
	m.notify(w.AssigneeID, "work_claimed", claimed)
	m.notify(w.DelegatorID, "work_claimed", claimed)
	return claimed, nil
}

// WorkQueueFor implements spec §4.5 work_queue_for.
func (m *Manager) WorkQueueFor(ctx context.Context, participantID string) ([]store.WorkItem, error) {
	return m.Store.Repo.WorkQueueFor(ctx, participantID)
}

// ApprovalQueueFor implements spec §4.5 approval_queue_for.
func (m *Manager) ApprovalQueueFor(ctx context.Context, participantID string) ([]store.ApprovalRequest, error) {
	return m.Store.Repo.ApprovalQueueFor(ctx, participantID)
}

// AvailableParticipants implements spec §4.5 available_participants.
func (m *Manager) AvailableParticipants(ctx context.Context) ([]store.Participant, error) {
	return m.Store.Repo.AvailableParticipants(ctx)
}

// RegisterParticipant implements spec §4.1 upsert_participant for use by
// the Connection Handler when a client self-describes.
func (m *Manager) RegisterParticipant(ctx context.Context, p store.Participant) (store.Participant, error) {
	return m.Store.UpsertParticipant(ctx, p)
}

// SetAcceptingWork flips a participant's accepting-work flag.
func (m *Manager) SetAcceptingWork(ctx context.Context, participantID string, accepting bool) error {
	tx, err := m.Store.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Store.Repo.SetAcceptingWorkTx(ctx, tx, participantID, accepting); err != nil {
		return err
	}
	return tx.Commit()
}
