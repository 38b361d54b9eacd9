package game

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/silarsis/serverless-game-sub003/storage"
	"github.com/silarsis/serverless-game-sub003/structs"
)

const (
	gadgetAspect   = "Gadget"
	wardrobeAspect = "Wardrobe"
)

// gadgetDef is a small aspect exercising each capability level.
type gadgetDef struct{}

func (gadgetDef) Name() string {
	return gadgetAspect
}

func (gadgetDef) Defaults() structs.Record {
	return structs.Record{"pokes": 0.0}
}

func (gadgetDef) Actions() map[string]Action {
	return map[string]Action{
		"poke": {
			Cap:     CapPlayer,
			Summary: "Poke the gadget.",
			Func: func(inv *Invocation) (map[string]any, error) {
				pokes := inv.Record.Float("pokes") + 1
				inv.Record["pokes"] = pokes
				return map[string]any{"type": "poke", "pokes": pokes}, nil
			},
		},
		"arm": {
			Cap: CapPlayer,
			Func: func(inv *Invocation) (map[string]any, error) {
				inv.Record["armed"] = true
				return map[string]any{"armed": true}, nil
			},
		},
		"tune": {
			Cap:     CapAdmin,
			Summary: "Retune the gadget.",
			Func: func(inv *Invocation) (map[string]any, error) {
				inv.Record["tuned"] = true
				return map[string]any{"type": "tuned"}, nil
			},
		},
		"overload": {
			Cap: CapPlayer,
			Func: func(inv *Invocation) (map[string]any, error) {
				inv.Record["attempts"] = inv.Record.Float("attempts") + 1
				return nil, errors.Errorf("gadget overloaded")
			},
		},
		"calibrate": {
			Cap: CapInternal,
			Func: func(inv *Invocation) (map[string]any, error) {
				return map[string]any{"calibrated": true}, nil
			},
		},
	}
}

// wardrobeDef captures what continuations deliver to it.
type wardrobeDef struct {
	mu       sync.Mutex
	received []map[string]any
}

func (*wardrobeDef) Name() string {
	return wardrobeAspect
}

func (*wardrobeDef) Defaults() structs.Record {
	return structs.Record{}
}

func (w *wardrobeDef) Actions() map[string]Action {
	return map[string]Action{
		"on_equipment_change": {
			Cap: CapInternal,
			Func: func(inv *Invocation) (map[string]any, error) {
				w.mu.Lock()
				defer w.mu.Unlock()
				w.received = append(w.received, inv.Data)
				return nil, nil
			},
		},
	}
}

func (w *wardrobeDef) Received() []map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]map[string]any{}, w.received...)
}

func newTestGame(t *testing.T) (*Game, *wardrobeDef) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenMem(ctx)
	if err != nil {
		t.Fatal(err)
	}
	g, err := New(ctx, store, log.New(io.Discard, "", 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	wardrobe := &wardrobeDef{}
	for _, def := range []AspectDef{gadgetDef{}, wardrobe} {
		if err := g.Registry().Register(def); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() {
		g.Drain()
		if err := g.Stop(); err != nil {
			t.Error(err)
		}
		if err := store.Close(); err != nil {
			t.Error(err)
		}
	})
	return g, wardrobe
}

// testChannel collects pushed events; fail makes every send error to simulate
// a dead transport.
type testChannel struct {
	id     string
	mu     sync.Mutex
	events []structs.Event
	fail   bool
}

func (c *testChannel) ID() string {
	return c.id
}

func (c *testChannel) Send(event structs.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.Errorf("channel %s is dead", c.id)
	}
	c.events = append(c.events, event)
	return nil
}

func (c *testChannel) Events() []structs.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]structs.Event{}, c.events...)
}
