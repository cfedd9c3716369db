package resolution

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/typegraph/reasoner/internal/reasoner/answer"
	"github.com/typegraph/reasoner/internal/stack"
	"github.com/typegraph/reasoner/pkg/concept"
)

// RootCallbacks receive the outcome of a root resolver. They run on the event loop and must
// not block.
type RootCallbacks struct {
	// OnAnswer receives every distinct answer, one per Pull.
	OnAnswer func(*answer.Top)
	// OnFail is called once, when there are no more answers.
	OnFail func()
	// OnException is called once if resolution is terminated by an error.
	OnException func(error)
}

// RootOption configures a root resolver.
type RootOption func(*rootResolver)

// WithOffset skips the first n distinct answers.
func WithOffset(n int) RootOption {
	return func(r *rootResolver) {
		r.offset = n
	}
}

// WithLimit stops after n answers. A negative n means no limit.
func WithLimit(n int) RootOption {
	return func(r *rootResolver) {
		r.limit = n
	}
}

// WithBounds seeds resolution with bindings known in advance.
func WithBounds(cm concept.ConceptMap) RootOption {
	return func(r *rootResolver) {
		r.bounds = cm.Clone()
	}
}

// Root is the handle of a root resolver.
type Root struct {
	driver driver
}

// Pull asks for the next answer. Pulling while an answer is pending, or after the
// resolver finished, does nothing.
func (r *Root) Pull() {
	r.driver.Tell(func(res resolver) {
		root, ok := res.(*rootResolver)
		if !ok {
			panic(fmt.Errorf("%w: %s is not a root", ErrIllegalState, r.driver.Name()))
		}
		root.pull()
	})
}

// rootResolver drives resolution of a query. Each pass re-issues a fresh request to the
// downstream; passes repeat until one completes without new facts being derived, which is
// when every answer has been found.
type rootResolver struct {
	base
	downstream *MappedResolver
	callbacks  RootCallbacks
	bounds     concept.ConceptMap

	offset  int
	limit   int
	skipped int
	emitted int
	seen    map[string]struct{}

	request     *Request
	passes      int
	derivations int64
	inFlight    bool
	finished    bool
}

func newRootResolver(b base, downstream *MappedResolver, callbacks RootCallbacks, opts ...RootOption) *rootResolver {
	r := &rootResolver{
		base:       b,
		downstream: downstream,
		callbacks:  callbacks,
		bounds:     concept.ConceptMap{},
		limit:      -1,
		seen:       map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rootResolver) pull() {
	if r.finished || r.inFlight {
		return
	}
	if r.limit >= 0 && r.emitted >= r.limit {
		r.finish()
		return
	}
	if r.request == nil {
		r.newPass()
	}
	r.inFlight = true
	r.send(r.request)
}

func (r *rootResolver) newPass() {
	r.derivations = r.registry.Derivations()
	partial := answer.NewIdentity(r.bounds)
	r.passes++
	r.request = newRequest(r.self, r.downstream.driver, stack.Push[driver](nil, r.self), r.downstream.toDownstream(partial), 0)
	r.request.pass = r.passes
	resolutionPassesCounter.Inc()
	r.registry.logger.Debug("resolution pass started",
		zap.String("resolver", r.name),
		zap.Int("pass", r.passes),
		zap.Int64("derivations", r.derivations),
	)
}

func (r *rootResolver) receiveRequest(*Request) {
	r.registry.Terminate(errIllegalResponse(r.name))
}

func (r *rootResolver) receiveResponse(res Response) {
	if r.finished || res.SourceRequest() != r.request {
		return
	}
	r.inFlight = false

	switch res := res.(type) {
	case *Answer:
		partial, err := res.partial.AggregateToUpstream()
		if err != nil {
			r.registry.Terminate(err)
			return
		}
		top, err := partial.ToTop()
		if err != nil {
			r.registry.Terminate(err)
			return
		}

		key := top.ConceptMap.Key()
		if _, seen := r.seen[key]; seen {
			r.pull()
			return
		}
		r.seen[key] = struct{}{}
		if r.skipped < r.offset {
			r.skipped++
			r.pull()
			return
		}

		r.emitted++
		answersEmittedCounter.Inc()
		r.registry.recorder.Record(partial)
		if r.callbacks.OnAnswer != nil {
			r.callbacks.OnAnswer(top)
		}
		if r.limit >= 0 && r.emitted >= r.limit {
			r.finish()
		}
	case *Fail:
		if r.registry.Derivations() != r.derivations {
			r.newPass()
			r.pull()
			return
		}
		r.finish()
	}
}

func (r *rootResolver) finish() {
	if r.finished {
		return
	}
	r.finished = true
	if r.callbacks.OnFail != nil {
		r.callbacks.OnFail()
	}
}

func (r *rootResolver) terminate(err error) {
	if r.finished {
		return
	}
	r.finished = true
	if r.callbacks.OnException != nil {
		r.callbacks.OnException(err)
	}
}
