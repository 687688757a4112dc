// Package readiness holds the barrier that keeps store operations waiting until
// every logical store has finished loading.
//
// Operations submitted before the barrier opens are queued and replayed once,
// in submission order, by the goroutine that reports the last store. After the
// barrier opens it stays open for the lifetime of the Gate.
package readiness

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/logger"
)

type state int

const (
	stateLoading state = iota
	stateDraining
	stateReady
	stateFailed
)

// Gate tracks the bootstrap of a fixed set of named stores.
type Gate struct {
	mu      sync.Mutex
	state   state
	pending map[string]struct{}
	queue   []func(error)
	err     error
	done    chan struct{}
}

func New(names ...string) *Gate {
	g := &Gate{
		pending: make(map[string]struct{}, len(names)),
		done:    make(chan struct{}),
	}
	for _, name := range names {
		g.pending[name] = struct{}{}
	}
	return g
}

// Report marks a store as loaded. Unknown and repeated names are ignored.
// The call that reports the last store replays the queued operations before
// returning.
func (g *Gate) Report(name string) {
	g.mu.Lock()
	if g.state != stateLoading {
		g.mu.Unlock()
		return
	}
	if _, ok := g.pending[name]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.pending, name)
	if len(g.pending) > 0 {
		g.mu.Unlock()
		return
	}
	g.state = stateDraining
	queued := len(g.queue)
	g.mu.Unlock()

	logger.DebugF("All stores loaded, replaying %d deferred operations", queued)
	g.drain()
}

// Fail aborts the bootstrap. Queued and later operations receive err.
func (g *Gate) Fail(name string, err error) {
	g.mu.Lock()
	if g.state != stateLoading {
		g.mu.Unlock()
		return
	}
	g.state = stateDraining
	g.err = fmt.Errorf("store %s failed to load: %w", name, err)
	g.mu.Unlock()

	g.drain()
}

func (g *Gate) drain() {
	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			if g.err != nil {
				g.state = stateFailed
			} else {
				g.state = stateReady
			}
			g.queue = nil
			close(g.done)
			g.mu.Unlock()
			return
		}
		fn := g.queue[0]
		g.queue[0] = nil
		g.queue = g.queue[1:]
		err := g.err
		g.mu.Unlock()

		fn(err)
	}
}

// Submit runs fn once the gate has opened, passing the bootstrap error if the
// gate failed. fn runs on the calling goroutine when the gate is already open,
// otherwise it is queued behind every earlier submission. Submit reports
// whether fn was queued.
func (g *Gate) Submit(fn func(err error)) bool {
	g.mu.Lock()
	switch g.state {
	case stateReady, stateFailed:
		err := g.err
		g.mu.Unlock()
		fn(err)
		return false
	}
	g.queue = append(g.queue, fn)
	g.mu.Unlock()
	return true
}

// Ready reports whether every store loaded and all deferred operations ran.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == stateReady
}

// Done is closed when the gate opens, successfully or not.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Err returns the bootstrap error, nil while loading or after success.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Pending returns the names of the stores that have not reported yet.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.pending))
	for name := range g.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queued returns the number of operations waiting for the gate.
func (g *Gate) Queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Wait blocks until the gate opens or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return g.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn through the gate and waits for its result.
//
// A deferred fn runs with a context detached from ctx's cancellation: once
// issued, an operation executes even if the caller stopped waiting for it, and
// Do then returns ctx.Err().
func Do[T any](ctx context.Context, g *Gate, fn func(ctx context.Context) (T, error)) (T, error) {
	if g.Ready() {
		return fn(ctx)
	}

	type result struct {
		value T
		err   error
	}
	results := make(chan result, 1)
	detached := context.WithoutCancel(ctx)
	g.Submit(func(err error) {
		if err != nil {
			results <- result{err: err}
			return
		}
		v, err := fn(detached)
		results <- result{value: v, err: err}
	})

	select {
	case r := <-results:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
