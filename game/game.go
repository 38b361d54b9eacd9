// Package game is the entity/aspect dispatch runtime: the per-message
// load/authorize/invoke/persist cycle, the command router, and the pipe that
// binds live client channels to entities. Entities have no state of their
// own; they are identifiers joining aspect records, and everything between
// aspects travels as envelopes on the bus.
package game

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/bus"
	"github.com/silarsis/serverless-game-sub003/storage"
	"github.com/silarsis/serverless-game-sub003/storage/queue"
	"github.com/silarsis/serverless-game-sub003/structs"
)

// Drops counts messages dropped per failure class. Broken continuations are
// deliberately log-only (no dead-letter signal to the originator); the
// counters keep the drops observable from the admin console.
type Drops struct {
	Malformed     atomic.Uint64
	Unauthorized  atomic.Uint64
	UnknownTarget atomic.Uint64
	Handler       atomic.Uint64
}

type Game struct {
	store    *storage.Storage
	registry *Registry
	pipe     *Pipe
	bus      *bus.Local
	queue    *queue.Queue
	logger   *log.Logger
	audit    *storage.AuditLogger
	drops    Drops
}

func New(ctx context.Context, store *storage.Storage, logger *log.Logger, audit *storage.AuditLogger) (*Game, error) {
	if logger == nil {
		logger = log.Default()
	}
	g := &Game{
		store:    store,
		registry: NewRegistry(),
		logger:   logger,
		audit:    audit,
	}
	g.pipe = newPipe(g)
	g.bus = bus.NewLocal(g.HandleMessage, logger)
	g.queue = queue.New(store.Deferred())
	if err := g.registry.Register(&presenceAspect{}); err != nil {
		return nil, sgame.WithStack(err)
	}
	return g, nil
}

// Start runs the deferred-delivery loop until ctx is cancelled or Stop is
// called.
func (g *Game) Start(ctx context.Context) error {
	return sgame.WithStack(g.queue.Start(ctx, func(ctx context.Context, env *structs.Envelope) {
		if err := g.Publish(ctx, env); err != nil {
			g.logger.Printf("republishing deferred envelope %s/%s/%s: %v", env.Aspect, env.Action, env.UUID, err)
		}
	}))
}

func (g *Game) Stop() error {
	if err := g.queue.Close(); err != nil {
		return sgame.WithStack(err)
	}
	g.bus.Close()
	return nil
}

func (g *Game) Registry() *Registry {
	return g.registry
}

func (g *Game) Pipe() *Pipe {
	return g.pipe
}

func (g *Game) Store() *storage.Storage {
	return g.store
}

func (g *Game) DropCounts() map[string]uint64 {
	return map[string]uint64{
		"malformed":      g.drops.Malformed.Load(),
		"unauthorized":   g.drops.Unauthorized.Load(),
		"unknown_target": g.drops.UnknownTarget.Load(),
		"handler":        g.drops.Handler.Load(),
	}
}

// Publish sends an envelope to the bus, fire and forget.
func (g *Game) Publish(ctx context.Context, env *structs.Envelope) error {
	return sgame.WithStack(g.bus.Publish(ctx, env))
}

// Defer schedules an envelope for delivery after d.
func (g *Game) Defer(ctx context.Context, d time.Duration, env *structs.Envelope) error {
	return sgame.WithStack(g.queue.Push(ctx, g.queue.After(d), env))
}

// Drain waits for in-flight bus dispatches to settle. Test helper.
func (g *Game) Drain() {
	g.bus.Drain()
}

// Push delivers an event to the channel bound to the entity, if any.
func (g *Game) Push(ctx context.Context, uuid string, event structs.Event) error {
	return sgame.WithStack(g.pipe.Push(ctx, uuid, event))
}

// CreateEntity writes the Presence record that brings an entity into
// existence. Other aspect records materialize lazily on first access.
func (g *Game) CreateEntity(ctx context.Context, name string, primary string, aspects []string, system bool) (string, error) {
	uuid := structs.NewEntityID()
	record := g.registry.Defaults(PresenceAspect).Clone()
	record["uuid"] = uuid
	record["name"] = name
	record["primary_aspect"] = primary
	record["aspects"] = aspects
	if system {
		record["system"] = true
	}
	if err := g.store.SaveRecord(ctx, uuid, PresenceAspect, record); err != nil {
		return "", sgame.WithStack(err)
	}
	return uuid, nil
}

// Contents returns the entities currently at location.
func (g *Game) Contents(ctx context.Context, location string) ([]string, error) {
	return g.store.Contents(ctx, location)
}

// MoveEntity relocates the invocation's entity, maintaining the location
// index and pushing depart/arrive events to connected observers at both
// ends. Mutates inv.Entity; the runtime persists it after the action.
func (g *Game) MoveEntity(inv *Invocation, to string) error {
	from := inv.Entity.String("location")
	if from == to {
		return nil
	}
	inv.Entity["location"] = to
	if err := g.store.SetLocation(inv.Ctx, inv.UUID, from, to); err != nil {
		return sgame.WithStack(err)
	}
	name := inv.Entity.String("name")
	if name == "" {
		name = inv.UUID
	}
	if from != "" {
		g.BroadcastToLocation(inv.Ctx, from, structs.Event{
			"type":       "depart",
			"actor":      name,
			"actor_uuid": inv.UUID,
		}, inv.UUID)
	}
	if to != "" {
		g.BroadcastToLocation(inv.Ctx, to, structs.Event{
			"type":       "arrive",
			"actor":      name,
			"actor_uuid": inv.UUID,
		}, inv.UUID)
	}
	return nil
}

// BroadcastToLocation pushes an event to every connected entity at the
// location, except exclude. Pushes are best effort and local; they never
// produce further bus traffic.
func (g *Game) BroadcastToLocation(ctx context.Context, location string, event structs.Event, exclude string) {
	contents, err := g.store.Contents(ctx, location)
	if err != nil {
		g.logger.Printf("listing contents of %s: %v", location, err)
		return
	}
	for _, uuid := range contents {
		if uuid == exclude {
			continue
		}
		if err := g.pipe.Push(ctx, uuid, event); err != nil {
			g.logger.Printf("pushing to %s: %v", uuid, err)
		}
	}
}

func (g *Game) auditLog(sessionID string, event string, data map[string]any) {
	if g.audit == nil {
		return
	}
	g.audit.Log(sessionID, event, data)
}
