package game

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/structs"
)

// Capability says from where an action is reachable. Non-possessable is not a
// capability: it marks whole entities (the `system` flag on the Presence
// record) and is checked at possess time.
type Capability int

const (
	// CapInternal actions are reachable by bus dispatch from other aspects,
	// never from a client command.
	CapInternal Capability = iota
	// CapPlayer actions are reachable from the bus and from the channel
	// currently possessing the entity.
	CapPlayer
	// CapAdmin actions are reachable from the bus and from channels whose
	// caller identity carries the admin flag.
	CapAdmin
)

func (c Capability) String() string {
	switch c {
	case CapInternal:
		return "internal"
	case CapPlayer:
		return "player"
	case CapAdmin:
		return "admin"
	}
	return "unknown"
}

// Invocation is everything an action sees: the fresh-loaded records, the
// action arguments, and the game services for pushes and further calls.
type Invocation struct {
	Ctx    context.Context
	TID    string
	UUID   string
	Aspect string
	Action string
	// Record is the aspect's own record; mutations persist after the action
	// returns, whether or not it errors.
	Record structs.Record
	// Entity is the shared Presence record (name, location, binding,
	// aspect list). For Presence actions it is the same map as Record.
	Entity structs.Record
	Data   map[string]any
	Game   *Game

	destroyed bool
}

// MarkDestroyed tells the runtime the entity's records are gone and must not
// be written back after the action returns.
func (inv *Invocation) MarkDestroyed() {
	inv.destroyed = true
}

func (inv *Invocation) String(key string) string {
	if s, ok := inv.Data[key].(string); ok {
		return s
	}
	return ""
}

type ActionFunc func(inv *Invocation) (map[string]any, error)

type Action struct {
	Cap     Capability
	Summary string
	Func    ActionFunc
}

// AspectDef declares one aspect: its defaults and its action table. The
// table is read once at registration; dispatch never reflects over anything.
type AspectDef interface {
	Name() string
	Defaults() structs.Record
	Actions() map[string]Action
}

type registered struct {
	def      AspectDef
	defaults structs.Record
	actions  map[string]Action
}

// Registry holds the per-aspect action tables. Lookup is the sole
// authorization enforcement point for bus dispatch: no action is reachable
// except through it.
type Registry struct {
	aspects *sgame.SyncMap[string, *registered]
}

func NewRegistry() *Registry {
	return &Registry{aspects: sgame.NewSyncMap[string, *registered]()}
}

// Register adds an aspect. Underscore-prefixed action names are reserved as
// never-dispatchable and refused here so they can't be reached by accident.
func (r *Registry) Register(def AspectDef) error {
	name := def.Name()
	if name == "" {
		return errors.Errorf("aspect name must not be empty")
	}
	actions := map[string]Action{}
	for actionName, action := range def.Actions() {
		if strings.HasPrefix(actionName, "_") {
			return errors.Errorf("action %s.%s: underscore-prefixed names are not dispatchable", name, actionName)
		}
		actions[actionName] = action
	}
	r.aspects.Set(name, &registered{
		def:      def,
		defaults: def.Defaults(),
		actions:  actions,
	})
	return nil
}

// Lookup resolves (aspect, action) to its table entry. Unknown aspects are
// ErrUnknownTarget (the broken-continuation case); underscore-prefixed or
// unregistered actions are ErrUnauthorizedAction.
func (r *Registry) Lookup(aspect string, action string) (Action, error) {
	reg, found := r.aspects.GetHas(aspect)
	if !found {
		return Action{}, sgame.WithStack(errors.Wrapf(ErrUnknownTarget, "aspect %q", aspect))
	}
	if strings.HasPrefix(action, "_") {
		return Action{}, sgame.WithStack(errors.Wrapf(ErrUnauthorizedAction, "action %q", action))
	}
	act, found := reg.actions[action]
	if !found {
		return Action{}, sgame.WithStack(errors.Wrapf(ErrUnauthorizedAction, "action %q not registered for aspect %q", action, aspect))
	}
	return act, nil
}

// Has reports whether the aspect is registered.
func (r *Registry) Has(aspect string) bool {
	return r.aspects.Has(aspect)
}

// Defaults returns the registered defaults for an aspect, or an empty record
// for unknown aspects.
func (r *Registry) Defaults(aspect string) structs.Record {
	if reg, found := r.aspects.GetHas(aspect); found {
		return reg.defaults
	}
	return structs.Record{}
}

// CommandActions returns name -> summary for actions of the aspect reachable
// at the given privilege, for help listings.
func (r *Registry) CommandActions(aspect string, admin bool) map[string]string {
	result := map[string]string{}
	reg, found := r.aspects.GetHas(aspect)
	if !found {
		return result
	}
	for name, action := range reg.actions {
		if action.Cap == CapPlayer || (admin && action.Cap == CapAdmin) {
			result[name] = action.Summary
		}
	}
	return result
}

// Aspects returns the registered aspect names, sorted.
func (r *Registry) Aspects() []string {
	result := []string{}
	for name := range r.aspects.Keys() {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}
