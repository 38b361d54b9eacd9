package aspects

import (
	"github.com/pkg/errors"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/game"
	"github.com/silarsis/serverless-game-sub003/structs"
)

const IdentityAspect = "Identity"

// Identity is how an entity presents itself: name, description, pronouns.
// The name also lives on the shared Presence record so every aspect can read
// it; set_name keeps the two in sync over the bus rather than by reaching
// into another aspect's record.
type Identity struct{}

func (Identity) Name() string {
	return IdentityAspect
}

func (Identity) Defaults() structs.Record {
	return structs.Record{
		"description": "",
		"pronouns":    "they/them",
	}
}

func (Identity) Actions() map[string]game.Action {
	return map[string]game.Action{
		"set_name": {
			Cap:     game.CapPlayer,
			Summary: "Change your display name.",
			Func:    setName,
		},
		"set_description": {
			Cap:     game.CapPlayer,
			Summary: "Change your description.",
			Func:    setDescription,
		},
		"describe": {
			Cap:     game.CapPlayer,
			Summary: "Show how you appear to others.",
			Func:    describe,
		},
		"on_renamed": {
			Cap:     game.CapInternal,
			Summary: "Confirm a name change back to the player.",
			Func:    onRenamed,
		},
	}
}

func setName(inv *game.Invocation) (map[string]any, error) {
	name := inv.String("name")
	if name == "" {
		return nil, errors.Errorf("set_name requires name")
	}
	inv.Record["name"] = name
	inv.Entity["name"] = name

	// Tell Presence about the rename and route its confirmation back here.
	call := structs.NewCall(inv.TID, inv.UUID, inv.UUID, game.PresenceAspect, "sync_name",
		map[string]any{"name": name}).
		ThenCall(IdentityAspect, "on_renamed", "", nil)
	if err := inv.Game.Publish(inv.Ctx, &call.Envelope); err != nil {
		return nil, sgame.WithStack(err)
	}
	return map[string]any{"type": "named", "name": name}, nil
}

func setDescription(inv *game.Invocation) (map[string]any, error) {
	description := inv.String("description")
	if description == "" {
		return nil, errors.Errorf("set_description requires description")
	}
	inv.Record["description"] = description
	return map[string]any{"type": "described", "description": description}, nil
}

func describe(inv *game.Invocation) (map[string]any, error) {
	name := inv.Entity.String("name")
	if name == "" {
		name = inv.UUID
	}
	return map[string]any{
		"type":        "description",
		"name":        name,
		"description": inv.Record.String("description"),
		"pronouns":    inv.Record.String("pronouns"),
	}, nil
}

// onRenamed receives the continuation of sync_name: the data is the call's
// own payload with the sync result merged on top.
func onRenamed(inv *game.Invocation) (map[string]any, error) {
	if err := inv.Game.Push(inv.Ctx, inv.UUID, structs.Event{
		"type": "renamed",
		"name": inv.String("name"),
	}); err != nil {
		return nil, sgame.WithStack(err)
	}
	return nil, nil
}
