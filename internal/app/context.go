// Package app assembles the process-scoped server context: the Store
// handle, the upstream Client, the Rooms registry and the Delegation
// Manager, wired together once at startup and threaded through every
// Connection Handler as an explicit value (spec §9 "model them as a
// single server context value... never as ambient globals"). Grounded on
// the teacher's internal/app/context.go single-workspace bootstrap,
// generalized from a single resolved project to a multi-journal server.
package app

import (
	"github.com/opencode-hub/hub/internal/blockengine"
	"github.com/opencode-hub/hub/internal/config"
	"github.com/opencode-hub/hub/internal/delegation"
	"github.com/opencode-hub/hub/internal/room"
	"github.com/opencode-hub/hub/internal/store"
	"github.com/opencode-hub/hub/internal/upstream"
)

// Context is the process-scoped dependency set passed into every
// Connection Handler and HTTP route. It carries no per-request state.
type Context struct {
	Config     *config.Config
	Store      store.Engine
	Upstream   upstream.Client
	Rooms      *room.Registry
	Blocks     *blockengine.Engine
	Delegation *delegation.Manager
}

// New wires a Context from an already-open Store engine, config, and
// upstream client, constructing the Rooms registry, Block Engine and
// Delegation Manager around them.
func New(cfg *config.Config, eng store.Engine, up upstream.Client) *Context {
	rooms := room.NewRegistry(cfg.OutboundQueueSize)
	blocks := blockengine.NewEngine(eng, up, rooms)
	delegationMgr := delegation.NewManager(eng, rooms)
	return &Context{
		Config:     cfg,
		Store:      eng,
		Upstream:   up,
		Rooms:      rooms,
		Blocks:     blocks,
		Delegation: delegationMgr,
	}
}
