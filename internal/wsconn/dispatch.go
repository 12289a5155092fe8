package wsconn

import (
	"context"
	"encoding/json"

	"github.com/opencode-hub/hub/internal/apperr"
	"github.com/opencode-hub/hub/internal/delegation"
	"github.com/opencode-hub/hub/internal/room"
	"github.com/opencode-hub/hub/internal/store"
	"github.com/opencode-hub/hub/internal/wire"
)

type handlerFunc func(ctx context.Context, c *connHandler, raw json.RawMessage) error

// dispatchTable maps each client -> server envelope type of spec §6 to its
// handler. A frame whose type isn't here gets an "unknown envelope type"
// error rather than being silently dropped.
var dispatchTable = map[string]handlerFunc{
	"create_journal":          handleCreateJournal,
	"list_journals":           handleListJournals,
	"get_journal":             handleGetJournal,
	"submit":                  handleSubmit,
	"fork":                    handleFork,
	"rerun":                   handleRerun,
	"cancel":                  handleCancel,
	"subscribe":               handleSubscribe,
	"unsubscribe":             handleUnsubscribe,
	"cursor":                  handleCursor,
	"register_participant":    handleRegisterParticipant,
	"delegate":                handleDelegate,
	"accept_work":             handleAcceptWork,
	"decline_work":            handleDeclineWork,
	"submit_work":             handleSubmitWork,
	"approve_work":            handleApproveWork,
	"reject_work":             handleRejectWork,
	"cancel_work":             handleCancelWork,
	"claim_work":              handleClaimWork,
	"get_work_queue":          handleGetWorkQueue,
	"get_approval_queue":      handleGetApprovalQueue,
	"get_participants":        handleGetParticipants,
	"set_accepting_work":      handleSetAcceptingWork,
	"get_available_participants": handleGetAvailableParticipants,
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, apperr.Wrap(apperr.BadRequest, "malformed envelope fields", err)
	}
	return v, nil
}

func (c *connHandler) requireParticipant() (string, error) {
	c.mu.Lock()
	id := c.participantID
	c.mu.Unlock()
	if id == "" {
		return "", apperr.New(apperr.BadRequest, "register_participant must be sent before this command")
	}
	return id, nil
}

func handleCreateJournal(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		Title string `json:"title"`
	}](raw)
	if err != nil {
		return err
	}
	j, err := c.app.Store.CreateJournal(ctx, body.Title)
	if err != nil {
		return err
	}
	c.send(wire.New("journal_created", map[string]any{"journal_id": j.ID, "title": j.Title}))
	return nil
}

func handleListJournals(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	journals, err := c.app.Store.ListJournalSummaries(ctx)
	if err != nil {
		return err
	}
	c.send(wire.New("journals", map[string]any{"journals": journals}))
	return nil
}

func handleGetJournal(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		JournalID string `json:"journal_id"`
	}](raw)
	if err != nil {
		return err
	}
	j, blocks, err := c.app.Store.GetJournal(ctx, body.JournalID)
	if err != nil {
		return err
	}
	c.send(wire.New("journal", map[string]any{"journal": j, "blocks": blocks}))
	return nil
}

// ensureSubscribed auto-attaches the connection to journalID if it hasn't
// subscribed yet, so a client that jumps straight to submit (spec §8
// scenario 1) still observes the resulting broadcasts.
func (c *connHandler) ensureSubscribed(journalID string) {
	if _, ok := c.connID(journalID); ok {
		return
	}
	c.mu.Lock()
	participantID := c.participantID
	c.mu.Unlock()
	c.subscribeTo(journalID, room.Presence{ParticipantID: participantID, Kind: string(store.KindObserver)})
}

func handleSubmit(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		JournalID string `json:"journal_id"`
		Content   string `json:"content"`
		SessionID string `json:"session_id"`
	}](raw)
	if err != nil {
		return err
	}
	c.ensureSubscribed(body.JournalID)
	callerID, _ := c.requireParticipant()
	_, _, err = c.app.Blocks.Submit(ctx, body.JournalID, body.Content, callerID, body.SessionID)
	return err
}

func handleFork(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		BlockID string `json:"block_id"`
	}](raw)
	if err != nil {
		return err
	}
	callerID, _ := c.requireParticipant()
	_, err = c.app.Blocks.Fork(ctx, body.BlockID, callerID)
	return err
}

func handleRerun(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		BlockID string `json:"block_id"`
	}](raw)
	if err != nil {
		return err
	}
	callerID, _ := c.requireParticipant()
	_, err = c.app.Blocks.Rerun(ctx, body.BlockID, callerID)
	return err
}

func handleCancel(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		BlockID string `json:"block_id"`
	}](raw)
	if err != nil {
		return err
	}
	return c.app.Blocks.Cancel(body.BlockID)
}

func handleSubscribe(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		JournalID string `json:"journal_id"`
		Name      string `json:"name"`
		Kind      string `json:"kind"`
	}](raw)
	if err != nil {
		return err
	}
	kind := body.Kind
	if kind == "" {
		kind = string(store.KindObserver)
	}
	c.mu.Lock()
	participantID := c.participantID
	c.mu.Unlock()
	roster := c.subscribeTo(body.JournalID, room.Presence{
		ParticipantID: participantID, Name: body.Name, Kind: kind,
	})
	c.send(wire.New("subscribed", map[string]any{"journal_id": body.JournalID, "participants": roster}))
	return nil
}

func handleUnsubscribe(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		JournalID string `json:"journal_id"`
	}](raw)
	if err != nil {
		return err
	}
	c.unsubscribeFrom(body.JournalID)
	c.send(wire.New("unsubscribed", map[string]any{"journal_id": body.JournalID}))
	return nil
}

func handleCursor(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		JournalID string `json:"journal_id"`
		BlockID   string `json:"block_id"`
		Offset    int    `json:"offset"`
	}](raw)
	if err != nil {
		return err
	}
	connID, ok := c.connID(body.JournalID)
	if !ok {
		return apperr.New(apperr.BadRequest, "not subscribed to journal")
	}
	c.app.Rooms.UpdateCursor(body.JournalID, connID, body.BlockID, body.Offset)
	return nil
}

func handleRegisterParticipant(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		JournalID    string   `json:"journal_id"`
		Name         string   `json:"name"`
		Kind         string   `json:"kind"`
		Capabilities []string `json:"capabilities"`
	}](raw)
	if err != nil {
		return err
	}
	kind := store.ParticipantKind(body.Kind)
	if kind == "" {
		kind = store.KindUser
	}
	caps := make([]store.Capability, 0, len(body.Capabilities))
	for _, cp := range body.Capabilities {
		caps = append(caps, store.Capability(cp))
	}
	p := store.Participant{Name: body.Name, Kind: kind, Capabilities: caps, AcceptingWork: true}
	registered, err := c.app.Delegation.RegisterParticipant(ctx, p)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.participantID = registered.ID
	c.mu.Unlock()
	c.send(wire.New("participant_registered", map[string]any{"participant": registered}))
	if body.JournalID != "" {
		if _, ok := c.connID(body.JournalID); !ok {
			c.subscribeTo(body.JournalID, presenceOf(registered))
		}
	}
	return nil
}

func handleDelegate(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		JournalID        string `json:"journal_id"`
		Description      string `json:"description"`
		AssigneeID       string `json:"assignee_id"`
		BlockID          string `json:"block_id"`
		Priority         string `json:"priority"`
		RequiresApproval bool   `json:"requires_approval"`
		ApproverID       string `json:"approver_id"`
	}](raw)
	if err != nil {
		return err
	}
	callerID, err := c.requireParticipant()
	if err != nil {
		return err
	}
	opts := delegation.DelegateOptions{
		BlockID:          body.BlockID,
		Priority:         store.WorkPriority(body.Priority),
		RequiresApproval: body.RequiresApproval,
		ApproverID:       body.ApproverID,
	}
	w, err := c.app.Delegation.Delegate(ctx, body.JournalID, body.Description, callerID, body.AssigneeID, opts)
	if err != nil {
		return err
	}
	c.send(wire.New("work_delegated", map[string]any{"work_item": w}))
	return nil
}

func handleAcceptWork(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		WorkItemID string `json:"work_item_id"`
	}](raw)
	if err != nil {
		return err
	}
	callerID, err := c.requireParticipant()
	if err != nil {
		return err
	}
	w, err := c.app.Delegation.Accept(ctx, body.WorkItemID, callerID)
	if err != nil {
		return err
	}
	c.send(wire.New("work_accepted", map[string]any{"work_item": w}))
	return nil
}

func handleDeclineWork(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		WorkItemID string `json:"work_item_id"`
	}](raw)
	if err != nil {
		return err
	}
	callerID, err := c.requireParticipant()
	if err != nil {
		return err
	}
	w, err := c.app.Delegation.Decline(ctx, body.WorkItemID, callerID)
	if err != nil {
		return err
	}
	c.send(wire.New("work_declined", map[string]any{"work_item": w}))
	return nil
}

func handleSubmitWork(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		WorkItemID string `json:"work_item_id"`
		Result     string `json:"result"`
	}](raw)
	if err != nil {
		return err
	}
	callerID, err := c.requireParticipant()
	if err != nil {
		return err
	}
	w, err := c.app.Delegation.SubmitWork(ctx, body.WorkItemID, callerID, body.Result)
	if err != nil {
		return err
	}
	if w.Status == store.WorkAwaitingApproval {
		c.send(wire.New("approval_requested", map[string]any{"work_item": w}))
	} else {
		c.send(wire.New("work_approved", map[string]any{"work_item": w}))
	}
	return nil
}

func handleApproveWork(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		ApprovalID string  `json:"approval_id"`
		Feedback   *string `json:"feedback"`
	}](raw)
	if err != nil {
		return err
	}
	callerID, err := c.requireParticipant()
	if err != nil {
		return err
	}
	a, err := c.app.Delegation.Approve(ctx, body.ApprovalID, callerID, body.Feedback)
	if err != nil {
		return err
	}
	c.send(wire.New("work_approved", map[string]any{"approval": a}))
	return nil
}

func handleRejectWork(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		ApprovalID string  `json:"approval_id"`
		Feedback   *string `json:"feedback"`
	}](raw)
	if err != nil {
		return err
	}
	callerID, err := c.requireParticipant()
	if err != nil {
		return err
	}
	a, err := c.app.Delegation.Reject(ctx, body.ApprovalID, callerID, body.Feedback)
	if err != nil {
		return err
	}
	c.send(wire.New("work_rejected", map[string]any{"approval": a}))
	return nil
}

func handleCancelWork(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		WorkItemID string `json:"work_item_id"`
	}](raw)
	if err != nil {
		return err
	}
	callerID, err := c.requireParticipant()
	if err != nil {
		return err
	}
	w, err := c.app.Delegation.Cancel(ctx, body.WorkItemID, callerID)
	if err != nil {
		return err
	}
	c.send(wire.New("work_cancelled", map[string]any{"work_item": w}))
	return nil
}

func handleClaimWork(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		WorkItemID string `json:"work_item_id"`
	}](raw)
	if err != nil {
		return err
	}
	callerID, err := c.requireParticipant()
	if err != nil {
		return err
	}
	w, err := c.app.Delegation.Claim(ctx, body.WorkItemID, callerID)
	if err != nil {
		return err
	}
	c.send(wire.New("work_claimed", map[string]any{"work_item": w}))
	return nil
}

func handleGetWorkQueue(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	callerID, err := c.requireParticipant()
	if err != nil {
		return err
	}
	items, err := c.app.Delegation.WorkQueueFor(ctx, callerID)
	if err != nil {
		return err
	}
	c.send(wire.New("work_queue", map[string]any{"items": items}))
	return nil
}

func handleGetApprovalQueue(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	callerID, err := c.requireParticipant()
	if err != nil {
		return err
	}
	items, err := c.app.Delegation.ApprovalQueueFor(ctx, callerID)
	if err != nil {
		return err
	}
	c.send(wire.New("approval_queue", map[string]any{"items": items}))
	return nil
}

func handleGetParticipants(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		JournalID string `json:"journal_id"`
	}](raw)
	if err != nil {
		return err
	}
	c.send(wire.New("presence", map[string]any{
		"journal_id":   body.JournalID,
		"participants": c.app.Rooms.Presences(body.JournalID),
	}))
	return nil
}

func handleGetAvailableParticipants(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	participants, err := c.app.Delegation.AvailableParticipants(ctx)
	if err != nil {
		return err
	}
	c.send(wire.New("available_participants", map[string]any{"participants": participants}))
	return nil
}

func handleSetAcceptingWork(ctx context.Context, c *connHandler, raw json.RawMessage) error {
	body, err := decode[struct {
		Accepting bool `json:"accepting"`
	}](raw)
	if err != nil {
		return err
	}
	callerID, err := c.requireParticipant()
	if err != nil {
		return err
	}
	if err := c.app.Delegation.SetAcceptingWork(ctx, callerID, body.Accepting); err != nil {
		return err
	}
	c.send(wire.New("accepting_work_changed", map[string]any{"accepting": body.Accepting}))
	return nil
}
