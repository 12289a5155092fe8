package wsconn

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/opencode-hub/hub/internal/app"
	"github.com/opencode-hub/hub/internal/config"
	"github.com/opencode-hub/hub/internal/room"
	"github.com/opencode-hub/hub/internal/store"
	"github.com/opencode-hub/hub/internal/upstream"
	"github.com/opencode-hub/hub/internal/wire"
)

// newTestConn wires a connHandler to one end of an in-memory net.Pipe and
// runs its real read/write loops, bypassing the HTTP upgrade (the teacher
// tests its HTTP handlers directly with httptest rather than a live
// listener; this is the WS analogue — drive the framing protocol directly
// over a pipe instead of a real socket).
func newTestConn(t *testing.T) net.Conn {
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
	cfg := &config.Config{OutboundQueueSize: 32}
	appCtx := app.New(cfg, eng, upstream.NewStub())

	serverSide, clientSide := net.Pipe()
	c := &connHandler{
		app:  appCtx,
		conn: serverSide,
		out:  make(chan wire.Envelope, cfg.OutboundQueueSize),
		subs: make(map[string]*subscription),
	}
	go c.run()
	return clientSide
}

func sendClientFrame(t *testing.T, conn net.Conn, v map[string]any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		t.Fatalf("write client frame: %v", err)
	}
}

func readServerFrame(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read server frame: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return v
}

func TestCreateJournalAndSubmitEcho(t *testing.T) {
	clientConn := newTestConn(t)
	defer clientConn.Close()

	sendClientFrame(t, clientConn, map[string]any{"type": "create_journal", "title": "T"})
	created := readServerFrame(t, clientConn)
	if created["type"] != "journal_created" {
		t.Fatalf("expected journal_created, got %v", created)
	}
	journalID, _ := created["journal_id"].(string)
	if journalID == "" {
		t.Fatalf("expected non-empty journal_id in %v", created)
	}

	sendClientFrame(t, clientConn, map[string]any{"type": "submit", "journal_id": journalID, "content": "hi"})

	var sawUserBlock, sawStreaming, sawComplete bool
	for i := 0; i < 10 && !sawComplete; i++ {
		env := readServerFrame(t, clientConn)
		switch env["type"] {
		case "block_created":
			sawUserBlock = true
		case "block_status_changed":
			if env["status"] == string(store.BlockStreaming) {
				sawStreaming = true
			}
			if env["status"] == string(store.BlockComplete) {
				sawComplete = true
			}
		}
	}
	if !sawUserBlock || !sawStreaming || !sawComplete {
		t.Fatalf("expected to observe block_created, streaming and complete, got userBlock=%v streaming=%v complete=%v", sawUserBlock, sawStreaming, sawComplete)
	}
}

// TestRoomDropClosesWholeConnection exercises spec §4.4/§7's documented
// slow-consumer policy: when a Room drops a connection's subscription, the
// whole transport closes rather than only that one journal's forwarding.
func TestRoomDropClosesWholeConnection(t *testing.T) {
	dir := t.TempDir()
	conn, err := store.Open("sqlite:" + filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := store.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := store.NewEngine(conn)
	cfg := &config.Config{OutboundQueueSize: 32}
	appCtx := app.New(cfg, eng, upstream.NewStub())

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	c := &connHandler{
		app:           appCtx,
		conn:          serverSide,
		out:           make(chan wire.Envelope, cfg.OutboundQueueSize),
		subs:          make(map[string]*subscription),
		participantID: "p1",
	}
	go c.run()

	c.subscribeTo("j1", room.Presence{ParticipantID: "p1"})
	c.mu.Lock()
	sub := c.subs["j1"]
	c.mu.Unlock()
	if sub == nil {
		t.Fatalf("expected an active subscription for j1")
	}

	// Simulate the Room dropping this connection for falling behind its
	// high-water mark (room.Room.broadcastLocked closes Outbound on drop).
	close(sub.roomConn.Outbound)

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientSide.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected the connection to close after its Room subscription was dropped")
	}
}

func TestUnknownEnvelopeTypeProducesError(t *testing.T) {
	clientConn := newTestConn(t)
	defer clientConn.Close()

	sendClientFrame(t, clientConn, map[string]any{"type": "not_a_real_command"})
	env := readServerFrame(t, clientConn)
	if env["type"] != "error" {
		t.Fatalf("expected error envelope, got %v", env)
	}
}

func TestRegisterParticipantThenGetWorkQueue(t *testing.T) {
	clientConn := newTestConn(t)
	defer clientConn.Close()

	sendClientFrame(t, clientConn, map[string]any{"type": "register_participant", "name": "Ada", "kind": "user"})
	reg := readServerFrame(t, clientConn)
	if reg["type"] != "participant_registered" {
		t.Fatalf("expected participant_registered, got %v", reg)
	}

	sendClientFrame(t, clientConn, map[string]any{"type": "get_work_queue"})
	queue := readServerFrame(t, clientConn)
	if queue["type"] != "work_queue" {
		t.Fatalf("expected work_queue, got %v", queue)
	}
}
