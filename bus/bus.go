// Package bus carries envelopes between aspects. The contract is
// fire-and-forget publish with no ordering guarantee and no synchronous
// return path; Local is the in-process implementation, standing in for
// whatever pub/sub product a deployment uses.
package bus

import (
	"context"
	"log"
	"sync"

	"github.com/pkg/errors"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/structs"
)

// MaxEnvelopeBytes is the transport message-size ceiling. Nested callbacks
// compound envelope size, so deep continuation chains hit this first.
const MaxEnvelopeBytes = 256 << 10

type Handler func(ctx context.Context, env *structs.Envelope)

type Bus interface {
	Publish(ctx context.Context, env *structs.Envelope) error
}

// Local dispatches each published envelope on its own goroutine. Every
// dispatch is an independent, stateless unit of execution; nothing orders two
// publishes relative to each other.
type Local struct {
	handler Handler
	logger  *log.Logger
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

func NewLocal(handler Handler, logger *log.Logger) *Local {
	if logger == nil {
		logger = log.Default()
	}
	return &Local{
		handler: handler,
		logger:  logger,
	}
}

// Publish hands env to the handler on a fresh goroutine. Once accepted the
// envelope will be processed exactly-once-attempted; there is no way to
// revoke it.
func (b *Local) Publish(ctx context.Context, env *structs.Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.Errorf("bus is closed")
	}
	b.wg.Add(1)
	b.mu.Unlock()

	wire, err := env.Marshal()
	if err != nil {
		b.wg.Done()
		return sgame.WithStack(err)
	}
	if len(wire) > MaxEnvelopeBytes {
		b.wg.Done()
		return errors.Errorf("envelope is %d bytes, transport ceiling is %d", len(wire), MaxEnvelopeBytes)
	}

	go func() {
		defer b.wg.Done()
		b.handler(ctx, env)
	}()
	return nil
}

// Drain waits for all in-flight dispatches, continuations included, to
// finish. Intended for tests and shutdown.
func (b *Local) Drain() {
	b.wg.Wait()
}

// Close stops accepting publishes and drains in-flight work.
func (b *Local) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
