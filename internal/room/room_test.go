package room_test

import (
	"testing"
	"time"

	"github.com/opencode-hub/hub/internal/room"
	"github.com/opencode-hub/hub/internal/wire"
)

func wireEnvelope() wire.Envelope {
	return wire.New("block_created", map[string]any{"block_id": "b1"})
}

func drain(t *testing.T, ch <-chan wire.Envelope) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out draining outbound queue")
	}
}

func expectEnvelope(t *testing.T, ch <-chan wire.Envelope, typ string) {
	t.Helper()
	select {
	case env := <-ch:
		if env.Type != typ {
			t.Fatalf("expected envelope %s, got %s", typ, env.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for envelope %s", typ)
	}
}

func TestAttachBroadcastsJoinAndReturnsRoster(t *testing.T) {
	reg := room.NewRegistry(8)
	connA, roster := reg.Attach("j1", room.Presence{ParticipantID: "p1", Name: "Ada"})
	if len(roster) != 1 {
		t.Fatalf("expected roster of 1, got %d", len(roster))
	}
	expectEnvelope(t, connA.Outbound, "participant_joined")

	connB, roster := reg.Attach("j1", room.Presence{ParticipantID: "p2", Name: "Bea"})
	if len(roster) != 2 {
		t.Fatalf("expected roster of 2, got %d", len(roster))
	}
	expectEnvelope(t, connA.Outbound, "participant_joined")
	_ = connB
}

func TestBroadcastFansOutToAllConnections(t *testing.T) {
	reg := room.NewRegistry(8)
	connA, _ := reg.Attach("j1", room.Presence{ParticipantID: "p1"})
	connB, _ := reg.Attach("j1", room.Presence{ParticipantID: "p2"})
	drain(t, connA.Outbound) // connA's own participant_joined
	drain(t, connA.Outbound) // connB's participant_joined, fanned to connA
	drain(t, connB.Outbound) // connB's own participant_joined

	reg.Broadcast("j1", wireEnvelope())

	expectEnvelope(t, connA.Outbound, "block_created")
	expectEnvelope(t, connB.Outbound, "block_created")
}

func TestDetachBroadcastsParticipantLeft(t *testing.T) {
	reg := room.NewRegistry(8)
	connA, _ := reg.Attach("j1", room.Presence{ParticipantID: "p1"})
	connB, _ := reg.Attach("j1", room.Presence{ParticipantID: "p2"})
	drain(t, connA.Outbound)
	drain(t, connA.Outbound)
	drain(t, connB.Outbound)

	reg.Detach("j1", connB.ID)

	expectEnvelope(t, connA.Outbound, "participant_left")
}

func TestSlowConsumerIsDroppedNotBlocked(t *testing.T) {
	reg := room.NewRegistry(1)
	connA, _ := reg.Attach("j1", room.Presence{ParticipantID: "p1"})
	drain(t, connA.Outbound)

	// Fill the one-slot queue, then push past it: the slow connection
	// should be dropped and closed rather than blocking the broadcaster.
	reg.Broadcast("j1", wireEnvelope())
	done := make(chan struct{})
	go func() {
		reg.Broadcast("j1", wireEnvelope())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow consumer")
	}

	if _, ok := <-connA.Outbound; !ok {
		return
	}
	if _, ok := <-connA.Outbound; ok {
		t.Fatal("expected connection's outbound channel to be closed after drop")
	}
}

func TestRoomGCsAfterLastDetachWithNoInFlightStream(t *testing.T) {
	reg := room.NewRegistry(8)
	connA, _ := reg.Attach("j1", room.Presence{ParticipantID: "p1"})
	reg.Detach("j1", connA.ID)

	if got := reg.Presences("j1"); got != nil {
		t.Fatalf("expected journal to have no active Room after last detach, got %v", got)
	}
}

func TestRoomSurvivesDetachWithInFlightStream(t *testing.T) {
	reg := room.NewRegistry(8)
	connA, _ := reg.Attach("j1", room.Presence{ParticipantID: "p1"})
	reg.MarkStreamActive("j1", "b1")
	reg.Detach("j1", connA.ID)

	connB, roster := reg.Attach("j1", room.Presence{ParticipantID: "p2"})
	if len(roster) != 1 {
		t.Fatalf("expected the Room to have persisted across detach, got roster %v", roster)
	}
	_ = connB

	reg.MarkStreamDone("j1", "b1")
}

func TestNotifyParticipantTargetsOnlyMatchingConnection(t *testing.T) {
	reg := room.NewRegistry(8)
	connA, _ := reg.Attach("j1", room.Presence{ParticipantID: "p1"})
	connB, _ := reg.Attach("j1", room.Presence{ParticipantID: "p2"})
	drain(t, connA.Outbound)
	drain(t, connA.Outbound)
	drain(t, connB.Outbound)

	reg.NotifyParticipant("p2", "work_delegated", map[string]any{"work_item_id": "w1"})

	expectEnvelope(t, connB.Outbound, "work_delegated")
	select {
	case env := <-connA.Outbound:
		t.Fatalf("expected no envelope for p1, got %s", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
