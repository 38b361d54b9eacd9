// Package queue schedules envelopes for later delivery. Due envelopes are
// handed back to the dispatcher in timestamp order; the queue is persistent,
// so deferred calls survive restarts.
package queue

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/storage"
	"github.com/silarsis/serverless-game-sub003/structs"
)

var lastEventCounter uint64 = 0

type Timestamp uint64

type event struct {
	at  Timestamp
	key string
	env *structs.Envelope
}

// Queue is a persistent priority queue for deferred envelopes, backed by an
// ordered tree. The offset field handles time jumps on restart by adjusting
// all timestamps relative to the earliest queued event.
//
// Coordination uses channels instead of sync.Cond so timers and context
// cancellation compose in a single select loop.
type Queue struct {
	tree    storage.Tree
	offset  Timestamp
	wake    chan struct{} // Buffered(1), signals new event or close
	done    chan struct{} // Closed when Start() exits
	mu      sync.Mutex
	closed  bool
	started bool
}

func New(tree storage.Tree) *Queue {
	return &Queue{
		tree: tree,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *Queue) After(dur time.Duration) Timestamp {
	return Timestamp(time.Now().Add(dur).UnixNano()) + q.offset
}

func (q *Queue) At(t time.Time) Timestamp {
	return Timestamp(t.UnixNano()) + q.offset
}

func (q *Queue) Now() Timestamp {
	return Timestamp(time.Now().UnixNano()) + q.offset
}

func (q *Queue) until(at Timestamp) time.Duration {
	return time.Nanosecond * time.Duration(uint64(at)-uint64(q.Now()))
}

func makeKey(at Timestamp) string {
	counter := sgame.Increment(&lastEventCounter)
	atSize := binary.Size(uint64(at))
	k := make([]byte, atSize+binary.Size(counter))
	binary.BigEndian.PutUint64(k, uint64(at))
	binary.BigEndian.PutUint64(k[atSize:], counter)
	return string(k)
}

func parseKey(k string) Timestamp {
	return Timestamp(binary.BigEndian.Uint64([]byte(k)[:binary.Size(uint64(0))]))
}

func (q *Queue) peekFirst() (*event, error) {
	k, v, err := q.tree.First()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, sgame.WithStack(err)
	}
	env, err := structs.UnmarshalEnvelope(v)
	if err != nil {
		return nil, sgame.WithStack(err)
	}
	return &event{at: parseKey(k), key: k, env: env}, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close signals the queue to stop and, if the delivery loop is running,
// waits for it to exit.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()
	q.signal()
	if started {
		<-q.done
	}
	return nil
}

// Push schedules env for delivery at the given timestamp.
func (q *Queue) Push(ctx context.Context, at Timestamp, env *structs.Envelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.Errorf("queue is closed")
	}
	q.mu.Unlock()

	b, err := env.Marshal()
	if err != nil {
		return sgame.WithStack(err)
	}
	if err := q.tree.Set(makeKey(at), b); err != nil {
		return sgame.WithStack(err)
	}
	q.signal()
	return nil
}

type Handler func(context.Context, *structs.Envelope)

// Start runs the delivery loop, calling handler for each envelope when its
// time arrives. Blocks until the queue is closed or the context is cancelled.
func (q *Queue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()
	defer close(q.done)

	if ctx.Err() != nil {
		return sgame.WithStack(ctx.Err())
	}

	next, err := q.peekFirst()
	if err != nil {
		return sgame.WithStack(err)
	}
	if next != nil {
		q.offset = next.at
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil
		}

		for next != nil && next.at <= q.Now() {
			handler(ctx, next.env)
			if err := q.tree.Del(next.key); err != nil {
				return sgame.WithStack(err)
			}
			if next, err = q.peekFirst(); err != nil {
				return sgame.WithStack(err)
			}
		}

		var timerC <-chan time.Time
		if next != nil {
			if d := q.until(next.at); d > 0 {
				timer.Reset(d)
				timerC = timer.C
			} else {
				continue
			}
		}

		select {
		case <-timerC:
		case <-q.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if next, err = q.peekFirst(); err != nil {
				return sgame.WithStack(err)
			}
		case <-ctx.Done():
			return sgame.WithStack(ctx.Err())
		}
	}
}
