package game

import (
	"context"

	"github.com/pkg/errors"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/structs"
)

// Channel is a live client connection as the pipe sees it: an identifier and
// a best-effort sink for push events.
type Channel interface {
	ID() string
	Send(event structs.Event) error
}

// Pipe decouples "an entity exists" from "a client is attached to it". The
// durable binding is the connection_id field of the Presence record, mutated
// only through the normal aspect cycle; the pipe adds the in-memory channel
// registry and the channel->entity index needed for pushes and for reverse
// lookup on transport close. Different entities attach and detach
// concurrently without interfering; only same-entity operations contend on
// the record itself.
type Pipe struct {
	game            *Game
	channels        *sgame.SyncMap[string, Channel]
	entityByChannel *sgame.SyncMap[string, string]
}

func newPipe(g *Game) *Pipe {
	return &Pipe{
		game:            g,
		channels:        sgame.NewSyncMap[string, Channel](),
		entityByChannel: sgame.NewSyncMap[string, string](),
	}
}

// Register makes a channel available for pushes. Called by the transport
// when a client connects, before any possession exists.
func (p *Pipe) Register(ch Channel) {
	p.channels.Set(ch.ID(), ch)
}

// HandleClose is the transport-close notification: reverse-look-up the bound
// entity, clear its binding, and forget the channel.
func (p *Pipe) HandleClose(ctx context.Context, channelID string) {
	if uuid, found := p.entityByChannel.GetHas(channelID); found {
		if err := p.Detach(ctx, uuid); err != nil {
			p.game.logger.Printf("detaching %s on close of %s: %v", uuid, channelID, err)
		}
	}
	p.channels.Del(channelID)
}

// EntityFor returns the entity currently bound to the channel.
func (p *Pipe) EntityFor(channelID string) (string, bool) {
	return p.entityByChannel.GetHas(channelID)
}

// Attach binds a channel to an entity by running the Presence
// attach_connection action. Idempotent: a newer channel silently supersedes
// a stale one.
func (p *Pipe) Attach(ctx context.Context, uuid string, channelID string) error {
	result, err := p.game.Dispatch(ctx, &structs.Envelope{
		TID:    structs.NewTID(),
		Aspect: PresenceAspect,
		Action: attachAction,
		UUID:   uuid,
		Data:   map[string]any{"connection_id": channelID},
	})
	if err != nil {
		return sgame.WithStack(err)
	}
	if previous, ok := result["previous_connection_id"].(string); ok && previous != "" && previous != channelID {
		p.entityByChannel.DelIf(previous, uuid)
	}
	p.entityByChannel.Set(channelID, uuid)
	return nil
}

// Detach clears the entity's binding via the Presence detach_connection
// action and drops the index entry.
func (p *Pipe) Detach(ctx context.Context, uuid string) error {
	result, err := p.game.Dispatch(ctx, &structs.Envelope{
		TID:    structs.NewTID(),
		Aspect: PresenceAspect,
		Action: detachAction,
		UUID:   uuid,
	})
	if err != nil {
		return sgame.WithStack(err)
	}
	if previous, ok := result["previous_connection_id"].(string); ok && previous != "" {
		p.entityByChannel.DelIf(previous, uuid)
	}
	return nil
}

// Push delivers an event to the entity's bound channel. No binding, no
// delivery, no error. A send to a dead channel self-heals: the pipe treats
// it as an implicit detach and clears the binding.
func (p *Pipe) Push(ctx context.Context, uuid string, event structs.Event) error {
	entity, err := p.game.store.LoadRecord(ctx, uuid, PresenceAspect, p.game.registry.Defaults(PresenceAspect))
	if err != nil {
		return sgame.WithStack(err)
	}
	channelID := entity.String("connection_id")
	if channelID == "" {
		return nil
	}
	if err := p.send(channelID, event); err != nil {
		if errors.Is(err, ErrChannelGone) {
			p.game.logger.Printf("pushing to %s for %s: %v, detaching", channelID, uuid, err)
			return sgame.WithStack(p.Detach(ctx, uuid))
		}
		return sgame.WithStack(err)
	}
	return nil
}

// send delivers the event to a registered channel. An unregistered channel or
// a failed Send both report ErrChannelGone; the failed channel is dropped
// from the registry.
func (p *Pipe) send(channelID string, event structs.Event) error {
	ch, found := p.channels.GetHas(channelID)
	if !found {
		return errors.WithStack(ErrChannelGone)
	}
	if err := ch.Send(event); err != nil {
		p.channels.Del(channelID)
		return errors.Wrapf(ErrChannelGone, "send failed: %v", err)
	}
	return nil
}
