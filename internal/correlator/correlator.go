// Package correlator links a suspended send call to the response submitted
// later through an independent path. Each notification id has at most one
// pending wait; whichever way the wait resolves (signal, timeout or caller
// cancellation) the entry is removed before control returns, so ids can be
// reused and the table never leaks.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Outcome string

const (
	OutcomeResponded Outcome = "responded"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Wait is a one-shot handle returned by Register.
type Wait struct {
	id string
	ch chan string
}

type Correlator struct {
	log zerolog.Logger

	mu    sync.Mutex
	waits map[string]*Wait
}

func New(log zerolog.Logger) *Correlator {
	return &Correlator{
		log:   log.With().Str("component", "correlator").Logger(),
		waits: map[string]*Wait{},
	}
}

// Register creates the pending wait for the notification id. A duplicate
// registration is a caller bug: it is logged and reported, never propagated.
func (c *Correlator) Register(id string) (*Wait, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.waits[id]; exists {
		c.log.Error().Str("notification", id).Msg("duplicate wait registration")
		return nil, false
	}
	w := &Wait{id: id, ch: make(chan string, 1)}
	c.waits[id] = w
	return w, true
}

// Await suspends until the wait is signalled, the timeout elapses, or ctx is
// cancelled. The pending entry is removed on every exit path.
func (c *Correlator) Await(ctx context.Context, w *Wait, timeout time.Duration) (Outcome, string) {
	defer c.remove(w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case value := <-w.ch:
		return OutcomeResponded, value
	case <-timer.C:
		return OutcomeTimeout, ""
	case <-ctx.Done():
		return OutcomeCancelled, ""
	}
}

// Signal wakes the waiter for the notification id. False means nobody was
// waiting: a late signal, an already-resolved wait or an unknown id. Callers
// treat false as a normal, loggable outcome.
func (c *Correlator) Signal(id string, value string) bool {
	c.mu.Lock()
	w, ok := c.waits[id]
	if ok {
		delete(c.waits, id)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Str("notification", id).Msg("signal with no waiter")
		return false
	}
	w.ch <- value
	return true
}

// Pending returns the number of live waits. Zero once every Await has
// resolved.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waits)
}

// Release drops a wait that was registered but will never be awaited, such as
// when the send fails between registration and suspension. Releasing an
// already-resolved or superseded handle is a no-op.
func (c *Correlator) Release(w *Wait) {
	c.remove(w)
}

// remove deletes the pending entry only while it still belongs to this
// handle, so a stale removal cannot destroy a newer wait under the same id.
func (c *Correlator) remove(w *Wait) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.waits[w.id]; ok && cur == w {
		delete(c.waits, w.id)
	}
}
