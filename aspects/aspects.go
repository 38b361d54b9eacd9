// Package aspects holds the stock aspects shipped with the server. They are
// ordinary AspectDefs with no special access to the runtime; anything they do
// goes through the same registry, records, and bus as third-party aspects.
package aspects

import (
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/game"
)

// Register adds the stock aspects to the game's registry.
func Register(g *game.Game) error {
	for _, def := range []game.AspectDef{Identity{}, Land{}} {
		if err := g.Registry().Register(def); err != nil {
			return sgame.WithStack(err)
		}
	}
	return nil
}
