package room

import (
	"sync"

	"github.com/opencode-hub/hub/internal/wire"
)

// Registry owns the journal_id -> Room map (spec §4.4), with one lock
// guarding insertion/removal and each Room guarding its own mutation, the
// way the teacher's internal/engine.go separates the projects map's lock
// from each project's own row locking.
type Registry struct {
	mu        sync.Mutex
	rooms     map[string]*Room
	queueSize int
}

// NewRegistry builds a Registry whose Rooms buffer queueSize envelopes per
// connection before dropping a slow consumer.
func NewRegistry(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Registry{rooms: make(map[string]*Room), queueSize: queueSize}
}

func (reg *Registry) getOrCreate(journalID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rm, ok := reg.rooms[journalID]
	if !ok {
		rm = newRoom(journalID, reg.queueSize, func() { reg.remove(journalID) })
		reg.rooms[journalID] = rm
	}
	return rm
}

func (reg *Registry) remove(journalID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, journalID)
}

func (reg *Registry) get(journalID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rm, ok := reg.rooms[journalID]
	return rm, ok
}

// Attach allocates a Room for journalID if needed and attaches a new
// connection to it.
func (reg *Registry) Attach(journalID string, hint Presence) (*Connection, []Presence) {
	return reg.getOrCreate(journalID).Attach(hint)
}

// Detach removes connID from journalID's Room, if it still exists.
func (reg *Registry) Detach(journalID, connID string) {
	if rm, ok := reg.get(journalID); ok {
		rm.Detach(connID)
	}
}

// UpdateCursor forwards to journalID's Room.
func (reg *Registry) UpdateCursor(journalID, connID, blockID string, offset int) {
	if rm, ok := reg.get(journalID); ok {
		rm.UpdateCursor(connID, blockID, offset)
	}
}

// UpdateStatus forwards to journalID's Room.
func (reg *Registry) UpdateStatus(journalID, connID, status string) {
	if rm, ok := reg.get(journalID); ok {
		rm.UpdateStatus(connID, status)
	}
}

// Broadcast implements blockengine.Broadcaster: deliver env to every
// connection attached to journalID. A journal with no attached Room (no
// one has ever attached) silently drops the broadcast.
func (reg *Registry) Broadcast(journalID string, env wire.Envelope) {
	if rm, ok := reg.get(journalID); ok {
		rm.Broadcast(env)
	}
}

// MarkStreamActive implements blockengine.Broadcaster.
func (reg *Registry) MarkStreamActive(journalID, blockID string) {
	reg.getOrCreate(journalID).MarkStreamActive(blockID)
}

// MarkStreamDone implements blockengine.Broadcaster.
func (reg *Registry) MarkStreamDone(journalID, blockID string) {
	if rm, ok := reg.get(journalID); ok {
		rm.MarkStreamDone(blockID)
	}
}

// Presences returns journalID's current presence set, or nil if the
// journal has no active Room.
func (reg *Registry) Presences(journalID string) []Presence {
	if rm, ok := reg.get(journalID); ok {
		return rm.Presences()
	}
	return nil
}

// NotifyParticipant implements delegation.Notifier: delivers a targeted
// envelope to every connection whose presence record matches
// participantID, across every Room (a participant may be attached from
// multiple journals' connections, e.g. a supervisor watching several
// threads).
func (reg *Registry) NotifyParticipant(participantID, envelopeType string, payload any) {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, rm := range reg.rooms {
		rooms = append(rooms, rm)
	}
	reg.mu.Unlock()

	env := wire.New(envelopeType, map[string]any{"payload": payload})
	for _, rm := range rooms {
		rm.notifyParticipant(participantID, env)
	}
}
