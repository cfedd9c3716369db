// Package actor runs independently scheduled actors on a shared group of event loops.
// Each actor processes its mailbox one message at a time, so its state needs no locking.
package actor

import (
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// EventLoopGroup is a fixed set of worker goroutines executing actor jobs.
type EventLoopGroup struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     conc.WaitGroup
}

// NewEventLoopGroup starts size workers. A size below one starts a single worker.
func NewEventLoopGroup(size int) *EventLoopGroup {
	if size < 1 {
		size = 1
	}
	g := &EventLoopGroup{}
	g.cond = sync.NewCond(&g.mu)
	for i := 0; i < size; i++ {
		g.wg.Go(g.loop)
	}
	return g
}

func (g *EventLoopGroup) loop() {
	for {
		g.mu.Lock()
		for len(g.queue) == 0 && !g.closed {
			g.cond.Wait()
		}
		if g.closed {
			g.mu.Unlock()
			return
		}
		job := g.queue[0]
		g.queue[0] = nil
		g.queue = g.queue[1:]
		g.mu.Unlock()

		job()
	}
}

func (g *EventLoopGroup) schedule(job func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.queue = append(g.queue, job)
	g.cond.Signal()
	return true
}

// Close stops the workers once their current job is done and discards queued jobs.
func (g *EventLoopGroup) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.queue = nil
	g.cond.Broadcast()
	g.mu.Unlock()

	g.wg.Wait()
}

// Actor owns a state of type S that is only ever accessed by the jobs sent to it.
type Actor[S any] struct {
	name        string
	group       *EventLoopGroup
	state       S
	onException func(error)

	mu        sync.Mutex
	mailbox   []func(S)
	scheduled bool
}

// Create returns a new actor scheduled on group. construct receives the actor handle so
// the state can address messages to itself. A job that panics is reported to onException
// and does not stop the actor.
func Create[S any](group *EventLoopGroup, name string, construct func(*Actor[S]) S, onException func(error)) *Actor[S] {
	a := &Actor[S]{name: name, group: group, onException: onException}
	a.state = construct(a)
	return a
}

// Name returns the name the actor was created with.
func (a *Actor[S]) Name() string {
	return a.name
}

// Tell enqueues job for execution against the actor state. It never blocks.
func (a *Actor[S]) Tell(job func(S)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mailbox = append(a.mailbox, job)
	if !a.scheduled {
		a.scheduled = a.group.schedule(a.run)
	}
}

// run executes a single job and yields the worker, so a busy actor cannot starve others.
func (a *Actor[S]) run() {
	a.mu.Lock()
	job := a.mailbox[0]
	a.mailbox[0] = nil
	a.mailbox = a.mailbox[1:]
	a.mu.Unlock()

	var pc panics.Catcher
	pc.Try(func() { job(a.state) })
	if r := pc.Recovered(); r != nil && a.onException != nil {
		a.onException(r.AsError())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.mailbox) == 0 {
		a.scheduled = false
		return
	}
	a.scheduled = a.group.schedule(a.run)
}
