package worker

import (
	"context"
	"sync"
)

// Gate is the pause gate: a boolean stopped protected by a mutex, with a
// condition variable go. When stopped, a worker passing through Enter
// blocks until the operator resumes it or the worker is cancelled.
type Gate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	stopped bool
}

// NewGate returns a Gate that initially lets workers through.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Enter blocks while the gate is paused. It returns ctx.Err() if ctx is
// cancelled before or while waiting; this is one of the two cancellation
// points a worker must honor, and the scoped acquisition below guarantees
// the gate's mutex is released on every exit path, including
// cancellation.
func (g *Gate) Enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// sync.Cond.Wait has no context support of its own, so a cancelled
	// ctx is bridged into a Broadcast that wakes every waiter, which
	// then re-checks ctx.Err() itself.
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.stopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}
	return ctx.Err()
}

// Pause sets stopped so that the next worker to pass through Enter blocks.
// In-flight commands already past the gate continue to completion.
func (g *Gate) Pause() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
}

// Resume clears stopped and wakes every worker waiting in Enter.
func (g *Gate) Resume() {
	g.mu.Lock()
	g.stopped = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Stopped reports the gate's current state.
func (g *Gate) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// AcceptFlag is the independent accepting boolean: when false, newly
// handed-off connections are refused before they ever reach the registry.
type AcceptFlag struct {
	mu        sync.Mutex
	accepting bool
}

// NewAcceptFlag returns an AcceptFlag that starts out accepting.
func NewAcceptFlag() *AcceptFlag {
	return &AcceptFlag{accepting: true}
}

// Accepting reports whether new connections should be admitted.
func (a *AcceptFlag) Accepting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accepting
}

// Stop clears the accept flag. Once cleared it is never set again: this
// is a one-way valve used only during the shutdown sequence.
func (a *AcceptFlag) Stop() {
	a.mu.Lock()
	a.accepting = false
	a.mu.Unlock()
}
