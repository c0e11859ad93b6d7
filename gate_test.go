package taniwha

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type GateTestSuite struct {
	suite.Suite
}

func TestGateTestSuite(t *testing.T) {
	suite.Run(t, new(GateTestSuite))
}

func (s *GateTestSuite) TestLimitEnforced() {
	g := newGate(2)

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(g.acquire(context.Background()))
			defer g.release()

			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	s.True(atomic.LoadInt32(&peak) <= 2, "limit should never be exceeded")
	s.Equal(0, g.inUse())
}

func (s *GateTestSuite) TestAcquireCancellation() {
	g := newGate(1)
	s.NoError(g.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- g.acquire(ctx)
	}()

	cancel()
	select {
	case err := <-errs:
		s.Equal(context.Canceled, err)
	case <-time.After(time.Second):
		s.FailNow("cancelled acquire should return")
	}

	g.release()
	s.Equal(0, g.inUse())
}

func (s *GateTestSuite) TestAdmissionOrder() {
	g := newGate(1)
	s.NoError(g.acquire(context.Background()))

	order := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		ticket := g.join()
		go func(n int, ticket chan struct{}) {
			if g.wait(context.Background(), ticket) == nil {
				order <- n
			}
		}(i, ticket)
	}

	var admitted []int
	for i := 0; i < 3; i++ {
		g.release()
		select {
		case n := <-order:
			admitted = append(admitted, n)
		case <-time.After(time.Second):
			s.FailNow("release should admit the next waiter")
		}
	}
	g.release()

	s.Equal([]int{1, 2, 3}, admitted, "waiters should be admitted in join order")
	s.Equal(0, g.inUse())
}

func (s *GateTestSuite) TestAbandonedTicketPassesSlotOn() {
	g := newGate(1)
	s.NoError(g.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	first := g.join()
	second := g.join()

	cancel()
	s.Equal(context.Canceled, g.wait(ctx, first))

	g.release()
	select {
	case <-second:
	case <-time.After(time.Second):
		s.FailNow("abandoned position should not block later waiters")
	}
	s.NoError(g.wait(context.Background(), second))
	s.Equal(1, g.inUse())
}

func (s *GateTestSuite) TestRaiseLimitReleasesWaiters() {
	g := newGate(1)
	s.NoError(g.acquire(context.Background()))

	acquired := make(chan struct{})
	go func() {
		_ = g.acquire(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		s.FailNow("waiter should be blocked at limit 1")
	case <-time.After(20 * time.Millisecond):
	}

	g.setLimit(2)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		s.FailNow("raising the limit should wake waiters")
	}

	s.Equal(2, g.inUse())
	s.Equal(2, g.getLimit())
}
