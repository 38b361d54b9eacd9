package game

import (
	"context"

	"github.com/pkg/errors"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/structs"
)

// Dispatch runs one envelope through the full cycle: validate, load, resolve
// against the registry, invoke, persist, forward the continuation. Every
// call is independent; records are loaded fresh and written back whole, so
// two concurrent dispatches for the same record race and the later save wins.
//
// The registry lookup here is the only gate between an envelope and an
// action: underscore-prefixed and unregistered actions never run, and the
// record is untouched when they are refused.
func (g *Game) Dispatch(ctx context.Context, env *structs.Envelope) (map[string]any, error) {
	if missing := env.Missing(); len(missing) > 0 {
		return nil, sgame.WithStack(errors.Wrapf(ErrMalformedMessage, "missing %v", missing))
	}

	act, err := g.registry.Lookup(env.Aspect, env.Action)
	if err != nil {
		return nil, err
	}

	tid := env.TID
	if tid == "" {
		tid = structs.NewTID()
	}

	entity, err := g.store.LoadRecord(ctx, env.UUID, PresenceAspect, g.registry.Defaults(PresenceAspect))
	if err != nil {
		return nil, sgame.WithStack(err)
	}
	record := entity
	if env.Aspect != PresenceAspect {
		if record, err = g.store.LoadRecord(ctx, env.UUID, env.Aspect, g.registry.Defaults(env.Aspect)); err != nil {
			return nil, sgame.WithStack(err)
		}
	}

	inv := &Invocation{
		Ctx:    ctx,
		TID:    tid,
		UUID:   env.UUID,
		Aspect: env.Aspect,
		Action: env.Action,
		Record: record,
		Entity: entity,
		Data:   env.Data,
		Game:   g,
	}
	result, invokeErr := invoke(act, inv)

	// Persist whatever mutation happened, even when the handler failed.
	// Failures classified above (malformed, unauthorized) never reach this
	// point, so refused dispatches leave records byte-identical.
	if !inv.destroyed {
		if err := g.store.SaveRecord(ctx, env.UUID, env.Aspect, record); err != nil {
			return nil, sgame.WithStack(err)
		}
		if env.Aspect != PresenceAspect {
			if err := g.store.SaveRecord(ctx, env.UUID, PresenceAspect, entity); err != nil {
				return nil, sgame.WithStack(err)
			}
		}
	}

	if invokeErr != nil {
		return nil, sgame.WithStack(&HandlerError{Aspect: env.Aspect, Action: env.Action, Err: invokeErr})
	}

	if next := env.Continuation(result); next != nil {
		next.TID = tid
		if err := g.Publish(ctx, next); err != nil {
			return result, sgame.WithStack(err)
		}
	}
	return result, nil
}

func invoke(act Action, inv *Invocation) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in %s.%s: %v", inv.Aspect, inv.Action, r)
		}
	}()
	return act.Func(inv)
}

// HandleMessage is the bus entry point. Bus-path failures are invisible to
// players by design: classify, count, log, move on.
func (g *Game) HandleMessage(ctx context.Context, env *structs.Envelope) {
	_, err := g.Dispatch(ctx, env)
	if err == nil {
		return
	}
	handlerErr := &HandlerError{}
	switch {
	case errors.Is(err, ErrMalformedMessage):
		g.drops.Malformed.Add(1)
		g.logger.Printf("dropping malformed message: %v", err)
	case errors.Is(err, ErrUnknownTarget):
		g.drops.UnknownTarget.Add(1)
		g.logger.Printf("dropping message for unknown target %s/%s: %v", env.Aspect, env.Action, err)
	case errors.Is(err, ErrUnauthorizedAction):
		g.drops.Unauthorized.Add(1)
		g.logger.Printf("dropping unauthorized bus dispatch %s/%s: %v", env.Aspect, env.Action, err)
	case errors.As(err, &handlerErr):
		g.drops.Handler.Add(1)
		g.logger.Printf("handler failure (record persisted): %v", err)
	default:
		g.logger.Printf("dispatch of %s/%s/%s failed: %v", env.Aspect, env.Action, env.UUID, err)
	}
}
