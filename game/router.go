package game

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/structs"
)

// Caller is the verified identity behind a channel, established once at
// connection time by the identity provider.
type Caller struct {
	Account   string
	Admin     bool
	SessionID string
}

// Command is the client wire shape.
type Command struct {
	Command string         `json:"command"`
	Data    map[string]any `json:"data,omitempty"`
}

const possessCommand = "possess"

// HandleCommand resolves a client command against the channel's bound entity
// and runs it. Command-path failures come back to the issuing channel as
// structured error events; nothing here reaches the bus until the command
// has been authorized.
func (g *Game) HandleCommand(ctx context.Context, ch Channel, caller Caller, cmd Command) {
	if err := g.routeCommand(ctx, ch, caller, cmd); err != nil {
		if sendErr := ch.Send(structs.ErrorEvent(clientMessage(err))); sendErr != nil {
			g.logger.Printf("sending error to %s: %v", ch.ID(), sendErr)
		}
	}
}

// clientMessage strips internal detail from errors that cross to clients.
func clientMessage(err error) string {
	handlerErr := &HandlerError{}
	switch {
	case errors.As(err, &handlerErr):
		return handlerErr.Error()
	default:
		return err.Error()
	}
}

func (g *Game) routeCommand(ctx context.Context, ch Channel, caller Caller, cmd Command) error {
	if cmd.Command == "" {
		return errors.Errorf("missing command")
	}
	switch cmd.Command {
	case possessCommand:
		return g.possess(ctx, ch, caller, cmd.Data)
	case "help":
		return g.help(ctx, ch, caller, cmd.Data)
	default:
		return g.command(ctx, ch, caller, cmd)
	}
}

func (g *Game) possess(ctx context.Context, ch Channel, caller Caller, data map[string]any) error {
	uuid, _ := data["entity_uuid"].(string)
	aspect, _ := data["entity_aspect"].(string)
	if uuid == "" || aspect == "" {
		return errors.Errorf("possess requires entity_uuid and entity_aspect")
	}
	if !g.registry.Has(aspect) {
		return errors.Wrapf(ErrUnknownTarget, "aspect %q", aspect)
	}

	// The non-possessable check happens before any binding mutation.
	entity, err := g.store.LoadRecord(ctx, uuid, PresenceAspect, g.registry.Defaults(PresenceAspect))
	if err != nil {
		return sgame.WithStack(err)
	}
	if entity.Bool("system") {
		g.auditLog(caller.SessionID, "possess_denied", map[string]any{
			"account":     caller.Account,
			"entity_uuid": uuid,
			"reason":      "non-possessable",
		})
		return errors.Wrapf(ErrUnauthorizedAction, "entity %s cannot be possessed", uuid)
	}

	// A channel possesses at most one entity; switching detaches the old one.
	if previous, found := g.pipe.EntityFor(ch.ID()); found && previous != uuid {
		if err := g.pipe.Detach(ctx, previous); err != nil {
			return sgame.WithStack(err)
		}
	}
	if err := g.pipe.Attach(ctx, uuid, ch.ID()); err != nil {
		return sgame.WithStack(err)
	}
	g.auditLog(caller.SessionID, "possess", map[string]any{
		"account":     caller.Account,
		"entity_uuid": uuid,
		"channel":     ch.ID(),
	})
	return sgame.WithStack(ch.Send(structs.Event{
		"type":        possessCommand,
		"status":      "possessing",
		"entity_uuid": uuid,
	}))
}

// aspectOrder is the command search order: primary aspect first, then the
// rest of the entity's aspect list.
func aspectOrder(entity structs.Record) []string {
	order := []string{}
	seen := map[string]bool{}
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	add(entity.String("primary_aspect"))
	for _, name := range entity.Strings("aspects") {
		add(name)
	}
	add(PresenceAspect)
	return order
}

func (g *Game) boundEntity(ctx context.Context, ch Channel) (string, structs.Record, error) {
	uuid, found := g.pipe.EntityFor(ch.ID())
	if !found {
		return "", nil, errors.Errorf("not possessing any entity; send '%s' first", possessCommand)
	}
	entity, err := g.store.LoadRecord(ctx, uuid, PresenceAspect, g.registry.Defaults(PresenceAspect))
	if err != nil {
		return "", nil, sgame.WithStack(err)
	}
	// The record is the source of truth; a superseded channel loses access
	// even if its index entry lingers.
	if entity.String("connection_id") != ch.ID() {
		return "", nil, errors.Wrapf(ErrUnauthorizedAction, "channel no longer possesses %s", uuid)
	}
	return uuid, entity, nil
}

func (g *Game) command(ctx context.Context, ch Channel, caller Caller, cmd Command) error {
	if strings.HasPrefix(cmd.Command, "_") {
		g.auditLog(caller.SessionID, "unauthorized_command", map[string]any{
			"account": caller.Account,
			"command": cmd.Command,
		})
		return errors.Wrapf(ErrUnauthorizedAction, "command %q", cmd.Command)
	}

	uuid, entity, err := g.boundEntity(ctx, ch)
	if err != nil {
		return err
	}

	for _, aspect := range aspectOrder(entity) {
		act, err := g.registry.Lookup(aspect, cmd.Command)
		if err != nil {
			continue
		}
		switch act.Cap {
		case CapInternal:
			g.auditLog(caller.SessionID, "unauthorized_command", map[string]any{
				"account": caller.Account,
				"command": cmd.Command,
				"aspect":  aspect,
				"reason":  "internal-only",
			})
			return errors.Wrapf(ErrUnauthorizedAction, "command %q", cmd.Command)
		case CapAdmin:
			if !caller.Admin {
				g.auditLog(caller.SessionID, "unauthorized_command", map[string]any{
					"account": caller.Account,
					"command": cmd.Command,
					"aspect":  aspect,
					"reason":  "admin-only",
				})
				return errors.Wrapf(ErrUnauthorizedAction, "command %q requires admin", cmd.Command)
			}
		}

		result, err := g.Dispatch(ctx, &structs.Envelope{
			TID:    structs.NewTID(),
			Aspect: aspect,
			Action: cmd.Command,
			UUID:   uuid,
			Data:   cmd.Data,
		})
		if err != nil {
			return err
		}
		if result != nil {
			return sgame.WithStack(g.pipe.Push(ctx, uuid, structs.Event(result)))
		}
		return nil
	}
	return errors.Errorf("unknown command: %s", cmd.Command)
}

func (g *Game) help(ctx context.Context, ch Channel, caller Caller, data map[string]any) error {
	uuid, entity, err := g.boundEntity(ctx, ch)
	if err != nil {
		return err
	}

	commands := map[string]string{
		"help":         "List available commands, or get details on one.",
		possessCommand: "Bind this channel to an entity.",
	}
	for _, aspect := range aspectOrder(entity) {
		for name, summary := range g.registry.CommandActions(aspect, caller.Admin) {
			if _, found := commands[name]; !found {
				commands[name] = summary
			}
		}
	}

	if wanted, _ := data["command"].(string); wanted != "" {
		summary, found := commands[wanted]
		if !found {
			return errors.Errorf("unknown command: %s", wanted)
		}
		return sgame.WithStack(g.pipe.Push(ctx, uuid, structs.Event{
			"type":        "help_detail",
			"command":     wanted,
			"description": summary,
		}))
	}

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	listing := make([]map[string]any, 0, len(names))
	for _, name := range names {
		listing = append(listing, map[string]any{"name": name, "summary": commands[name]})
	}
	return sgame.WithStack(g.pipe.Push(ctx, uuid, structs.Event{
		"type":     "help",
		"commands": listing,
	}))
}
