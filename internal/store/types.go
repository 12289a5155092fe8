package store

// Journal is a named, branchable conversation timeline (spec §3).
type Journal struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// JournalSummary is the projection used by list_journals: a journal plus
// a cheap peek at its most recent block, so listing doesn't need a second
// round trip per journal (recovered from original_source/src/store.rs).
type JournalSummary struct {
	Journal
	LastBlockSnippet string `json:"last_block_snippet,omitempty"`
	BlockCount       int    `json:"block_count"`
}

// BlockRole distinguishes a user prompt from an assistant response.
type BlockRole string

const (
	RoleUser      BlockRole = "user"
	RoleAssistant BlockRole = "assistant"
)

// BlockStatus is the absorbing state machine of spec §3/§4.3.
type BlockStatus string

const (
	BlockPending   BlockStatus = "pending"
	BlockStreaming BlockStatus = "streaming"
	BlockComplete  BlockStatus = "complete"
	BlockError     BlockStatus = "error"
)

// Terminal reports whether no further transitions are legal.
func (s BlockStatus) Terminal() bool {
	return s == BlockComplete || s == BlockError
}

// Block is one unit in a journal timeline (spec §3).
type Block struct {
	ID           string      `json:"id"`
	JournalID    string      `json:"journal_id"`
	Role         BlockRole   `json:"role"`
	Content      string      `json:"content"`
	Status       BlockStatus `json:"status"`
	ParentID     *string     `json:"parent_id,omitempty"`
	ForkedFromID *string     `json:"forked_from_id,omitempty"`
	CreatedAt    string      `json:"created_at" format:"date-time"`
	UpdatedAt    string      `json:"updated_at" format:"date-time"`
}

// Segment is a structured fragment rendering of a block's content
// (text deltas and rendered tool calls/results). The block engine builds
// one per tool fragment and flattens it into the Content string; segments
// are not stored, so only the flattened text is persisted.
type Segment struct {
	Kind string `json:"kind"` // "text" | "tool_call" | "tool_result"
	Text string `json:"text"`
}

// ParticipantKind classifies a registered or ephemeral participant.
type ParticipantKind string

const (
	KindUser     ParticipantKind = "user"
	KindAgent    ParticipantKind = "agent"
	KindObserver ParticipantKind = "observer"
)

// Capability is one of the fixed capability-set entries (spec §3, §4.5).
type Capability string

const (
	CapRead     Capability = "Read"
	CapSubmit   Capability = "Submit"
	CapFork     Capability = "Fork"
	CapDelegate Capability = "Delegate"
	CapApprove  Capability = "Approve"
	CapAdmin    Capability = "Admin"
)

// Participant is a persisted self-description of a client (spec §3).
type Participant struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Kind           ParticipantKind `json:"kind"`
	Capabilities   []Capability `json:"capabilities"`
	AcceptingWork  bool         `json:"accepting_work"`
	WorkCapacity   int          `json:"work_capacity"`
	RegisteredAt   string       `json:"registered_at" format:"date-time"`
}

// HasCapability reports whether the participant carries cap.
func (p Participant) HasCapability(cap Capability) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// WorkItemStatus is the delegation state machine of spec §4.5.
type WorkItemStatus string

const (
	WorkPending           WorkItemStatus = "pending"
	WorkInProgress        WorkItemStatus = "in_progress"
	WorkAwaitingApproval  WorkItemStatus = "awaiting_approval"
	WorkApproved          WorkItemStatus = "approved"
	WorkRejected          WorkItemStatus = "rejected"
	WorkDeclined          WorkItemStatus = "declined"
	WorkCancelled         WorkItemStatus = "cancelled"
)

// Terminal reports whether the work item can no longer transition.
func (s WorkItemStatus) Terminal() bool {
	switch s {
	case WorkApproved, WorkRejected, WorkDeclined, WorkCancelled:
		return true
	default:
		return false
	}
}

// WorkPriority is the delegation priority enum (spec §3).
type WorkPriority string

const (
	PriorityLow    WorkPriority = "low"
	PriorityNormal WorkPriority = "normal"
	PriorityHigh   WorkPriority = "high"
	PriorityUrgent WorkPriority = "urgent"
)

// WorkItem is a delegated task (spec §3, §4.5).
type WorkItem struct {
	ID               string         `json:"id"`
	JournalID        string         `json:"journal_id"`
	Description      string         `json:"description"`
	BlockID          *string        `json:"block_id,omitempty"`
	DelegatorID      string         `json:"delegator_id"`
	AssigneeID       string         `json:"assignee_id"`
	Status           WorkItemStatus `json:"status"`
	Priority         WorkPriority   `json:"priority"`
	RequiresApproval bool           `json:"requires_approval"`
	ApproverID       *string        `json:"approver_id,omitempty"`
	Result           *string        `json:"result,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

// ApprovalStatus is the one-shot approval outcome (spec §3, §4.5).
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRequest is a one-shot yes/no request against a work item.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	WorkItemID  string         `json:"work_item_id"`
	RequesterID string         `json:"requester_id"`
	ApproverID  string         `json:"approver_id"`
	Status      ApprovalStatus `json:"status"`
	Feedback    *string        `json:"feedback,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	ResolvedAt  *string        `json:"resolved_at,omitempty"`
}

// Event is an append-only log row mirroring every state-changing write,
// grounded on the teacher's events.Writer (SPEC_FULL §0).
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	JournalID  string `json:"journal_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
