package actor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type counter struct {
	values []int
}

func TestActorProcessesMessagesInOrder(t *testing.T) {
	group := NewEventLoopGroup(4)
	defer group.Close()

	a := Create(group, "counter", func(*Actor[*counter]) *counter { return &counter{} }, nil)

	done := make(chan []int)
	for i := 0; i < 100; i++ {
		a.Tell(func(c *counter) { c.values = append(c.values, i) })
	}
	a.Tell(func(c *counter) { done <- c.values })

	values := <-done
	require.Len(t, values, 100)
	for i, v := range values {
		require.Equal(t, i, v)
	}
}

func TestActorsRunConcurrently(t *testing.T) {
	group := NewEventLoopGroup(4)
	defer group.Close()

	var total atomic.Int64
	var wg sync.WaitGroup
	actors := make([]*Actor[*counter], 10)
	for i := range actors {
		actors[i] = Create(group, "worker", func(*Actor[*counter]) *counter { return &counter{} }, nil)
	}

	for i := 0; i < 1000; i++ {
		wg.Add(1)
		actors[i%len(actors)].Tell(func(c *counter) {
			defer wg.Done()
			c.values = append(c.values, i)
			total.Add(1)
		})
	}
	wg.Wait()
	require.Equal(t, int64(1000), total.Load())
}

func TestActorCanMessageItself(t *testing.T) {
	group := NewEventLoopGroup(1)
	defer group.Close()

	type pinger struct {
		self  *Actor[*pinger]
		count int
	}
	done := make(chan int, 1)
	a := Create(group, "pinger", func(self *Actor[*pinger]) *pinger {
		return &pinger{self: self}
	}, nil)

	var ping func(p *pinger)
	ping = func(p *pinger) {
		p.count++
		if p.count == 10 {
			done <- p.count
			return
		}
		p.self.Tell(ping)
	}
	a.Tell(ping)

	select {
	case n := <-done:
		require.Equal(t, 10, n)
	case <-time.After(time.Second):
		t.Fatal("actor did not finish pinging itself")
	}
}

func TestActorRecoversPanics(t *testing.T) {
	group := NewEventLoopGroup(2)
	defer group.Close()

	errs := make(chan error, 1)
	a := Create(group, "fragile", func(*Actor[*counter]) *counter { return &counter{} }, func(err error) {
		errs <- err
	})

	a.Tell(func(*counter) { panic("boom") })
	err := <-errs
	require.ErrorContains(t, err, "boom")

	done := make(chan struct{})
	a.Tell(func(*counter) { close(done) })
	<-done
}

func TestTellAfterCloseIsDropped(t *testing.T) {
	group := NewEventLoopGroup(2)
	a := Create(group, "late", func(*Actor[*counter]) *counter { return &counter{} }, nil)
	group.Close()
	group.Close()

	var ran atomic.Bool
	a.Tell(func(*counter) { ran.Store(true) })
	require.Never(t, ran.Load, 50*time.Millisecond, 5*time.Millisecond)
}
