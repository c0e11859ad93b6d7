package taniwha

import (
	"context"
	"sync"
)

// gate limits how many migrations run at once and admits waiters in
// the order they joined. The limit can change while jobs hold slots;
// a lowered limit drains naturally as holders release.
type gate struct {
	mutex   sync.Mutex
	limit   int
	active  int
	waiters []chan struct{}
}

func newGate(limit int) *gate {
	if limit <= 0 {
		limit = 1
	}
	return &gate{limit: limit}
}

// join reserves a position in the admission queue. The returned
// channel is closed once a slot is granted. Callers must follow up
// with wait or abandon.
func (g *gate) join() chan struct{} {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	ch := make(chan struct{})
	if g.active < g.limit && len(g.waiters) == 0 {
		g.active++
		close(ch)
		return ch
	}
	g.waiters = append(g.waiters, ch)
	return ch
}

// wait blocks until the joined position is granted a slot or ctx is
// done.
func (g *gate) wait(ctx context.Context, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		g.abandon(ch)
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		g.abandon(ch)
		return ctx.Err()
	}
}

// acquire is join followed by wait, for callers that have no
// ordering requirements between each other.
func (g *gate) acquire(ctx context.Context) error {
	return g.wait(ctx, g.join())
}

// abandon gives up a queue position. A slot granted before the
// abandon lands is passed on to the next waiter.
func (g *gate) abandon(ch chan struct{}) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	select {
	case <-ch:
		g.active--
		g.grantLocked()
		return
	default:
	}
	for i, w := range g.waiters {
		if w == ch {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}

func (g *gate) release() {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.active--
	g.grantLocked()
}

func (g *gate) setLimit(n int) {
	if n <= 0 {
		n = 1
	}
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.limit = n
	g.grantLocked()
}

// caller must hold mutex
func (g *gate) grantLocked() {
	for g.active < g.limit && len(g.waiters) > 0 {
		g.active++
		close(g.waiters[0])
		g.waiters = g.waiters[1:]
	}
}

func (g *gate) getLimit() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.limit
}

func (g *gate) inUse() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.active
}
