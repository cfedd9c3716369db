package resolution

import (
	"errors"

	"go.uber.org/zap"

	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/internal/reasoner/answer"
	"github.com/typegraph/reasoner/internal/stack"
	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/pattern"
	"github.com/typegraph/reasoner/pkg/storage"
)

// concludableResolver answers a constraint some rules may conclude: first from the stored
// facts, then through each applicable rule. A request that reaches the resolver again
// through its own derivation, with bindings it is already resolving for the same root, is
// served from the answers cached so far. This is what lets recursive rules terminate.
// Bindings already resolved to completion in the current pass of a root are served from
// the cache too, so each subgoal is explored at most once per pass.
type concludableResolver struct {
	base
	concludable *logic.Concludable
	conclusions []*concludableRule

	cache        []concept.ConceptMap
	cached       map[string]struct{}
	servedCyclic bool
	// active counts the requests being resolved through rules, by root and bindings.
	active map[string]int
	// completed holds the root pass in which each root and bindings pair was last
	// resolved to completion.
	completed map[string]int

	requests    map[*Request]*concludableRequest
	subRequests map[*Request]*Request
}

type concludableRule struct {
	rule    *logic.Rule
	unifier *logic.Unifier
	driver  driver
}

type concludableRequest struct {
	cyclic bool
	// reused requests are answered from the cache because their bindings were completed
	// earlier in the same pass.
	reused    bool
	activeKey string
	// cursor is the next cache entry for a cyclic or reused request.
	cursor int

	traversal     storage.Iterator[concept.ConceptMap]
	traversalDone bool

	conclusion int
	sub        *Request
	produced   map[string]struct{}
}

func newConcludableResolver(b base, concludable *logic.Concludable) *concludableResolver {
	return &concludableResolver{
		base:        b,
		concludable: concludable,
		cached:      map[string]struct{}{},
		active:      map[string]int{},
		completed:   map[string]int{},
		requests:    map[*Request]*concludableRequest{},
		subRequests: map[*Request]*Request{},
	}
}

func (r *concludableResolver) initialise() {
	if r.conclusions != nil {
		return
	}
	r.conclusions = []*concludableRule{}
	for _, rule := range r.concludable.Rules {
		d := r.registry.conclusion(rule)
		for _, u := range r.concludable.Unifiers(rule) {
			r.conclusions = append(r.conclusions, &concludableRule{rule: rule, unifier: u, driver: d})
		}
	}
}

func (r *concludableResolver) receiveRequest(req *Request) {
	r.initialise()
	state, ok := r.requests[req]
	if !ok {
		state = &concludableRequest{produced: map[string]struct{}{}, activeKey: activeKey(req)}
		state.cyclic = r.active[state.activeKey] > 0 &&
			stack.Contains(req.path, func(d driver) bool { return d == r.self })
		if pass, ok := r.completed[state.activeKey]; ok && !state.cyclic {
			state.reused = pass == req.pass
		}
		if state.cyclic || state.reused {
			r.servedCyclic = true
		} else {
			r.active[state.activeKey]++
		}
		r.requests[req] = state
	}

	if state.cyclic || state.reused {
		r.serveCached(req, state)
		return
	}
	r.next(req, state)
}

func (r *concludableResolver) serveCached(req *Request, state *concludableRequest) {
	for state.cursor < len(r.cache) {
		cm := r.cache[state.cursor]
		state.cursor++
		if extended, ok := req.partial.Extend(cm); ok {
			r.answer(req, extended)
			return
		}
	}
	r.done(req, state)
}

func (r *concludableResolver) next(req *Request, state *concludableRequest) {
	for !state.traversalDone {
		if state.traversal == nil {
			state.traversal = r.registry.iterator([]pattern.Constraint{r.concludable.Constraint}, req.partial.ConceptMap())
		}
		cm, err := state.traversal.Next(r.registry.ctx)
		if errors.Is(err, storage.ErrIteratorDone) {
			r.registry.release(state.traversal)
			state.traversal = nil
			state.traversalDone = true
			break
		}
		if err != nil {
			r.registry.Terminate(err)
			return
		}
		extended, ok := req.partial.Extend(cm)
		if !ok || !r.produce(state, extended) {
			continue
		}
		r.answer(req, extended)
		return
	}

	if state.sub != nil {
		r.send(state.sub)
		return
	}
	for state.conclusion < len(r.conclusions) {
		c := r.conclusions[state.conclusion]
		downstream, ok := req.partial.UnifyToDownstream(c.unifier)
		if !ok {
			state.conclusion++
			continue
		}
		sub := r.request(req, c.driver, downstream, state.conclusion)
		state.sub = sub
		r.subRequests[sub] = req
		r.send(sub)
		return
	}
	r.done(req, state)
}

func (r *concludableResolver) done(req *Request, state *concludableRequest) {
	if !state.cyclic && !state.reused {
		if r.active[state.activeKey]--; r.active[state.activeKey] <= 0 {
			delete(r.active, state.activeKey)
		}
		r.completed[state.activeKey] = req.pass
	}
	delete(r.requests, req)
	r.fail(req)
}

// activeKey identifies the query a request belongs to and the bindings it asks about.
func activeKey(req *Request) string {
	root := "<none>"
	if drivers := stack.Values(req.path); len(drivers) > 0 {
		root = drivers[0].Name()
	}
	return root + "|" + req.partial.ConceptMap().Key()
}

// produce caches the answer and reports whether the request has not seen it yet.
func (r *concludableResolver) produce(state *concludableRequest, partial *answer.Partial) bool {
	cm := partial.ConceptMap().Filter(r.concludable.Variables()...)
	key := cm.Key()
	if _, ok := r.cached[key]; !ok {
		r.cached[key] = struct{}{}
		r.cache = append(r.cache, cm)
		if r.servedCyclic {
			r.registry.recordDerivation()
		}
	}
	if _, ok := state.produced[key]; ok {
		return false
	}
	state.produced[key] = struct{}{}
	return true
}

func (r *concludableResolver) receiveResponse(res Response) {
	sub := res.SourceRequest()
	origin, ok := r.subRequests[sub]
	if !ok {
		r.registry.logger.Warn("response for unknown request", zap.String("resolver", r.name))
		return
	}
	state := r.requests[origin]

	switch res := res.(type) {
	case *Answer:
		up, err := res.partial.AggregateToUpstream()
		if errors.Is(err, answer.ErrInconsistent) {
			r.send(sub)
			return
		}
		if err != nil {
			r.registry.Terminate(err)
			return
		}
		if !r.produce(state, up) {
			r.send(sub)
			return
		}
		r.answer(origin, up)
	case *Fail:
		delete(r.subRequests, sub)
		state.sub = nil
		state.conclusion++
		r.next(origin, state)
	}
}
