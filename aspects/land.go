package aspects

import (
	"fmt"

	"github.com/pkg/errors"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/game"
	"github.com/silarsis/serverless-game-sub003/lang"
	"github.com/silarsis/serverless-game-sub003/structs"
)

const LandAspect = "Land"

// Land gives an entity a place in the world: looking around and moving
// between locations. Locations are plain strings; the index behind
// Game.Contents is the only geography there is.
type Land struct{}

func (Land) Name() string {
	return LandAspect
}

func (Land) Defaults() structs.Record {
	return structs.Record{
		"terrain": "plain",
		"moves":   0.0,
	}
}

func (Land) Actions() map[string]game.Action {
	return map[string]game.Action{
		"look": {
			Cap:     game.CapPlayer,
			Summary: "Describe your surroundings.",
			Func:    look,
		},
		"move": {
			Cap:     game.CapPlayer,
			Summary: "Move to another location.",
			Func:    move,
		},
		"set_terrain": {
			Cap:     game.CapAdmin,
			Summary: "Change this entity's terrain.",
			Func:    setTerrain,
		},
	}
}

func look(inv *game.Invocation) (map[string]any, error) {
	location := inv.Entity.String("location")
	if location == "" {
		return map[string]any{
			"type":     "look",
			"location": "",
			"summary":  "You are nowhere in particular.",
		}, nil
	}
	occupants, err := inv.Game.Contents(inv.Ctx, location)
	if err != nil {
		return nil, sgame.WithStack(err)
	}
	names := []string{}
	for _, uuid := range occupants {
		if uuid == inv.UUID {
			continue
		}
		entity, err := inv.Game.Store().LoadRecord(inv.Ctx, uuid, game.PresenceAspect,
			inv.Game.Registry().Defaults(game.PresenceAspect))
		if err != nil {
			return nil, sgame.WithStack(err)
		}
		if name := entity.String("name"); name != "" {
			names = append(names, name)
		} else {
			names = append(names, uuid)
		}
	}
	summary := "Nobody else is here."
	if len(names) > 0 {
		summary = fmt.Sprintf("%s here: %s.",
			lang.CountNoun(len(names), "other"),
			lang.Enumerator{}.Do(names...))
	}
	return map[string]any{
		"type":      "look",
		"location":  location,
		"terrain":   inv.Record.String("terrain"),
		"occupants": names,
		"summary":   summary,
	}, nil
}

func move(inv *game.Invocation) (map[string]any, error) {
	destination := inv.String("destination")
	if destination == "" {
		return nil, errors.Errorf("move requires destination")
	}
	if err := inv.Game.MoveEntity(inv, destination); err != nil {
		return nil, sgame.WithStack(err)
	}
	inv.Record["moves"] = inv.Record.Float("moves") + 1
	return map[string]any{"type": "moved", "location": destination}, nil
}

func setTerrain(inv *game.Invocation) (map[string]any, error) {
	terrain := inv.String("terrain")
	if terrain == "" {
		return nil, errors.Errorf("set_terrain requires terrain")
	}
	inv.Record["terrain"] = terrain
	return map[string]any{"type": "terrain", "terrain": terrain}, nil
}
