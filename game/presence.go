package game

import (
	"time"

	"github.com/pkg/errors"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/structs"
)

// PresenceAspect holds the fields every entity shares: name, location, the
// connection binding, the aspect list, and the system (non-possessable)
// flag. It is the one aspect the runtime always loads.
const PresenceAspect = "Presence"

const (
	attachAction = "attach_connection"
	detachAction = "detach_connection"
)

const defaultTickDelay = 30 * time.Second

type presenceAspect struct{}

func (presenceAspect) Name() string {
	return PresenceAspect
}

func (presenceAspect) Defaults() structs.Record {
	return structs.Record{
		"name":           "",
		"location":       "",
		"aspects":        []string{},
		"primary_aspect": "",
	}
}

func (presenceAspect) Actions() map[string]Action {
	return map[string]Action{
		attachAction: {
			Cap:     CapInternal,
			Summary: "Bind a client channel to this entity.",
			Func:    attachConnection,
		},
		detachAction: {
			Cap:     CapInternal,
			Summary: "Clear this entity's client channel binding.",
			Func:    detachConnection,
		},
		"sync_name": {
			Cap:     CapInternal,
			Summary: "Overwrite the shared display name.",
			Func:    syncName,
		},
		"tick": {
			Cap:     CapInternal,
			Summary: "Run and reschedule this entity's periodic tick.",
			Func:    tick,
		},
		"destroy": {
			Cap:     CapInternal,
			Summary: "Delete this entity and all its aspect records.",
			Func:    destroy,
		},
	}
}

func attachConnection(inv *Invocation) (map[string]any, error) {
	if inv.Record.Bool("system") {
		return nil, errors.Errorf("entity %s is not possessable", inv.UUID)
	}
	channelID := inv.String("connection_id")
	if channelID == "" {
		return nil, errors.Errorf("attach_connection requires connection_id")
	}
	previous := inv.Record.String("connection_id")
	inv.Record["connection_id"] = channelID
	return map[string]any{
		"status":                 "connected",
		"entity_uuid":            inv.UUID,
		"previous_connection_id": previous,
	}, nil
}

func detachConnection(inv *Invocation) (map[string]any, error) {
	previous := inv.Record.String("connection_id")
	delete(inv.Record, "connection_id")
	return map[string]any{
		"status":                 "disconnected",
		"entity_uuid":            inv.UUID,
		"previous_connection_id": previous,
	}, nil
}

func syncName(inv *Invocation) (map[string]any, error) {
	name := inv.String("name")
	if name == "" {
		return nil, errors.Errorf("sync_name requires name")
	}
	inv.Record["name"] = name
	return map[string]any{"status": "named", "name": name}, nil
}

// tick reschedules itself after the record's tick_delay. An entity with no
// tick_delay set uses the default; a non-positive delay stops the loop.
func tick(inv *Invocation) (map[string]any, error) {
	delay := defaultTickDelay
	if _, found := inv.Record["tick_delay"]; found {
		seconds := inv.Record.Float("tick_delay")
		if seconds <= 0 {
			return map[string]any{"status": "stopped"}, nil
		}
		delay = time.Duration(seconds * float64(time.Second))
	}
	if err := inv.Game.Defer(inv.Ctx, delay, &structs.Envelope{
		TID:    inv.TID,
		Aspect: PresenceAspect,
		Action: "tick",
		UUID:   inv.UUID,
	}); err != nil {
		return nil, sgame.WithStack(err)
	}
	return map[string]any{"status": "ticked"}, nil
}

func destroy(inv *Invocation) (map[string]any, error) {
	aspects := append(inv.Record.Strings("aspects"), PresenceAspect)
	if err := inv.Game.store.DestroyEntity(inv.Ctx, inv.UUID, aspects, inv.Record.String("location")); err != nil {
		return nil, sgame.WithStack(err)
	}
	inv.MarkDestroyed()
	return map[string]any{"status": "destroyed", "entity_uuid": inv.UUID}, nil
}
