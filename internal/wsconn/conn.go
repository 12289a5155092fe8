// Package wsconn implements the Connection Handler of spec §4.6: upgrade
// to a bidirectional text-frame WebSocket, decode each inbound envelope,
// dispatch to the owning subsystem, and drain outbound events on a
// separate writer goroutine so a slow client never stalls the read side.
// Grounded on the teacher's per-route dispatch in internal/server/server.go
// (one method per HTTP verb), here keyed by envelope type instead of verb.
package wsconn

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/opencode-hub/hub/internal/app"
	"github.com/opencode-hub/hub/internal/apperr"
	"github.com/opencode-hub/hub/internal/room"
	"github.com/opencode-hub/hub/internal/store"
	"github.com/opencode-hub/hub/internal/wire"
)

// Handle upgrades r to a WebSocket and runs the connection until it
// disconnects. Intended to be mounted at the /ws route. participantID is
// the identity already resolved by the caller's auth middleware (spec
// §9); an empty value means the connection must call register_participant
// before it can use the delegation commands (delegate, accept_work,
// get_work_queue, ...). submit, fork, rerun, cancel and subscribe work
// without it.
func Handle(appCtx *app.Context, participantID string, w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	c := &connHandler{
		app:           appCtx,
		conn:          conn,
		out:           make(chan wire.Envelope, appCtx.Config.OutboundQueueSize),
		subs:          make(map[string]*subscription),
		participantID: participantID,
	}
	c.run()
}

type subscription struct {
	roomConn *room.Connection
	cancel   context.CancelFunc
}

// connHandler owns one client channel end-to-end (spec §4.6).
type connHandler struct {
	app  *app.Context
	conn net.Conn
	out  chan wire.Envelope

	mu            sync.Mutex
	subs          map[string]*subscription // journal id -> subscription
	participantID string
	closeOnce     sync.Once
}

func (c *connHandler) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer c.conn.Close()
	defer c.detachAll()

	go c.writeLoop(ctx)
	c.readLoop()
}

func (c *connHandler) readLoop() {
	for {
		data, _, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.handleFrame(data)
	}
}

func (c *connHandler) writeLoop(ctx context.Context) {
	for {
		select {
		case env := <-c.out:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := wsutil.WriteServerText(c.conn, data); err != nil {
				c.closeNow()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues env for delivery without ever blocking the read loop; a
// full queue means the client isn't draining fast enough and the
// connection is dropped (spec §5 slow-consumer policy applied uniformly
// to direct acks, not only Room broadcasts).
func (c *connHandler) send(env wire.Envelope) {
	select {
	case c.out <- env:
	default:
		c.closeNow()
	}
}

func (c *connHandler) closeNow() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

func (c *connHandler) sendError(message string, details map[string]any) {
	c.send(wire.Error(message, details))
}

func (c *connHandler) handleFrame(data []byte) {
	decoded, err := wire.Decode(data)
	if err != nil {
		c.sendError("malformed envelope", map[string]any{"error": err.Error()})
		return
	}
	ctx := context.Background()
	handler, ok := dispatchTable[decoded.Type]
	if !ok {
		c.sendError("unknown envelope type", map[string]any{"type": decoded.Type})
		return
	}
	if err := handler(ctx, c, decoded.Raw); err != nil {
		c.sendError(err.Error(), apperr.Details(err))
	}
}

// subscribeTo attaches this connection to journalID's Room, forwarding
// broadcast envelopes into the connection's single outbound queue.
func (c *connHandler) subscribeTo(journalID string, presence room.Presence) []room.Presence {
	c.mu.Lock()
	if existing, ok := c.subs[journalID]; ok {
		existing.cancel()
		c.app.Rooms.Detach(journalID, existing.roomConn.ID)
		delete(c.subs, journalID)
	}
	c.mu.Unlock()

	rc, roster := c.app.Rooms.Attach(journalID, presence)
	fctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.subs[journalID] = &subscription{roomConn: rc, cancel: cancel}
	c.mu.Unlock()

	go c.forward(fctx, journalID, rc)
	return roster
}

func (c *connHandler) forward(ctx context.Context, journalID string, rc *room.Connection) {
	for {
		select {
		case env, ok := <-rc.Outbound:
			if !ok {
				// The Room closes Outbound only when this connection fell
				// behind its high-water mark (spec §4.4/§7): the documented
				// failure mode is a transport-level close of the whole
				// connection, not a silent unsubscribe from one journal.
				c.mu.Lock()
				delete(c.subs, journalID)
				c.mu.Unlock()
				c.closeNow()
				return
			}
			select {
			case c.out <- env:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *connHandler) unsubscribeFrom(journalID string) {
	c.mu.Lock()
	sub, ok := c.subs[journalID]
	if ok {
		delete(c.subs, journalID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	c.app.Rooms.Detach(journalID, sub.roomConn.ID)
}

// detachAll implements spec §4.6 disconnect handling: mark the
// participant away in every subscribed Room, then detach. In-flight
// upstream streams are untouched — they are owned by the journal, not
// this connection.
func (c *connHandler) detachAll() {
	c.mu.Lock()
	journalIDs := make([]string, 0, len(c.subs))
	for jid := range c.subs {
		journalIDs = append(journalIDs, jid)
	}
	participantID := c.participantID
	c.mu.Unlock()

	if participantID != "" {
		for _, jid := range journalIDs {
			if connID, ok := c.connID(jid); ok {
				c.app.Rooms.UpdateStatus(jid, connID, "away")
			}
		}
	}
	for _, jid := range journalIDs {
		c.unsubscribeFrom(jid)
	}
}

func (c *connHandler) connID(journalID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[journalID]
	if !ok {
		return "", false
	}
	return sub.roomConn.ID, true
}

func presenceOf(p store.Participant) room.Presence {
	return room.Presence{
		ParticipantID: p.ID,
		Name:          p.Name,
		Kind:          string(p.Kind),
		Status:        "active",
		JoinedAt:      p.RegisteredAt,
	}
}
