// Package room implements the Room/Broker of spec §4.4: one Room per
// active journal holding attached connections, their presence records,
// and the set of in-flight upstream streams, broadcasting events to every
// attached connection's outbound queue. Grounded on the teacher's
// single-lock-per-resource discipline (internal/engine.go serializes each
// row; here each Room serializes its own connection set).
package room

import (
	"sync"

	"github.com/google/uuid"

	"github.com/opencode-hub/hub/internal/wire"
)

// Presence is the ephemeral per-connection record broadcast alongside
// participant_joined / participant_left / cursor_moved / presence.
type Presence struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Status        string `json:"status,omitempty"`
	CursorBlockID string `json:"cursor_block_id,omitempty"`
	JoinedAt      string `json:"joined_at"`
}

// Connection is a Room's view of an attached client: an outbound queue
// the connection's writer goroutine drains (spec §5 "single-producer
// single-consumer").
type Connection struct {
	ID       string
	Outbound chan wire.Envelope
}

// Room is one journal's broker (spec §4.4).
type Room struct {
	JournalID string

	mu            sync.Mutex
	conns         map[string]*Connection
	presence      map[string]Presence
	activeStreams map[string]bool
	seq           int64
	queueSize     int
	onEmpty       func()
}

func newRoom(journalID string, queueSize int, onEmpty func()) *Room {
	return &Room{
		JournalID:     journalID,
		conns:         make(map[string]*Connection),
		presence:      make(map[string]Presence),
		activeStreams: make(map[string]bool),
		queueSize:     queueSize,
		onEmpty:       onEmpty,
	}
}

// nextSeq returns the next monotonic event-sequence number (spec §4.4),
// stamped as "seq" on the presence envelopes this Room generates
// (participant_joined, participant_left, cursor_moved,
// participant_status_changed). Envelopes passed to Broadcast carry no seq.
func (r *Room) nextSeq() int64 {
	r.seq++
	return r.seq
}

// Attach implements spec §4.4 attach.
func (r *Room) Attach(hint Presence) (*Connection, []Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn := &Connection{ID: uuid.NewString(), Outbound: make(chan wire.Envelope, r.queueSize)}
	r.conns[conn.ID] = conn
	r.presence[conn.ID] = hint

	current := make([]Presence, 0, len(r.presence))
	for _, p := range r.presence {
		current = append(current, p)
	}
	r.broadcastLocked(wire.New("participant_joined", map[string]any{"participant": hint, "seq": r.nextSeq()}))
	return conn, current
}

// Detach implements spec §4.4 detach. An in-flight stream does not block
// detach — streams are owned by the journal, not the submitter.
func (r *Room) Detach(connID string) {
	r.mu.Lock()
	p, ok := r.presence[connID]
	if ok {
		delete(r.conns, connID)
		delete(r.presence, connID)
		r.broadcastLocked(wire.New("participant_left", map[string]any{"participant_id": p.ParticipantID, "seq": r.nextSeq()}))
	}
	empty := len(r.conns) == 0 && len(r.activeStreams) == 0
	r.mu.Unlock()

	if empty && r.onEmpty != nil {
		r.onEmpty()
	}
}

// UpdateCursor implements spec §4.4 update_cursor.
func (r *Room) UpdateCursor(connID, blockID string, offset int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.presence[connID]
	if !ok {
		return
	}
	p.CursorBlockID = blockID
	r.presence[connID] = p
	r.broadcastLocked(wire.New("cursor_moved", map[string]any{
		"participant_id": p.ParticipantID, "block_id": blockID, "offset": offset, "seq": r.nextSeq(),
	}))
}

// UpdateStatus implements spec §4.4 update_status.
func (r *Room) UpdateStatus(connID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.presence[connID]
	if !ok {
		return
	}
	p.Status = status
	r.presence[connID] = p
	r.broadcastLocked(wire.New("participant_status_changed", map[string]any{
		"participant_id": p.ParticipantID, "status": status, "seq": r.nextSeq(),
	}))
}

// Broadcast implements spec §4.4 broadcast: delivered to every attached
// connection's outbound queue exactly once, in enqueue order. A
// backpressured consumer is dropped rather than blocking the others.
func (r *Room) Broadcast(env wire.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(env)
}

func (r *Room) broadcastLocked(env wire.Envelope) {
	for id, conn := range r.conns {
		select {
		case conn.Outbound <- env:
		default:
			close(conn.Outbound)
			delete(r.conns, id)
			delete(r.presence, id)
		}
	}
}

// notifyParticipant delivers env only to connections whose presence
// record matches participantID (spec §4.5 delegation notifications).
func (r *Room) notifyParticipant(participantID string, env wire.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.presence {
		if p.ParticipantID != participantID {
			continue
		}
		conn, ok := r.conns[id]
		if !ok {
			continue
		}
		select {
		case conn.Outbound <- env:
		default:
			close(conn.Outbound)
			delete(r.conns, id)
			delete(r.presence, id)
		}
	}
}

// Presences returns the current presence set (backs get_participants).
func (r *Room) Presences() []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Presence, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, p)
	}
	return out
}

// MarkStreamActive records an in-flight upstream stream for blockID,
// keeping the Room alive across detach/attach churn.
func (r *Room) MarkStreamActive(blockID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeStreams[blockID] = true
}

// MarkStreamDone clears an in-flight stream, possibly making the Room
// eligible for garbage collection (spec §4.4 "last connection detaches AND
// no in-flight stream exists").
func (r *Room) MarkStreamDone(blockID string) {
	r.mu.Lock()
	delete(r.activeStreams, blockID)
	empty := len(r.conns) == 0 && len(r.activeStreams) == 0
	r.mu.Unlock()

	if empty && r.onEmpty != nil {
		r.onEmpty()
	}
}
