package resolution

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	interrors "github.com/typegraph/reasoner/internal/errors"
	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/internal/planner"
	"github.com/typegraph/reasoner/internal/reasoner/answer"
	"github.com/typegraph/reasoner/pkg/pattern"
)

// conjunctionResolver joins the answers of its resolvables by backtracking: each answer of
// step i seeds a request to step i+1, and a step that runs dry re-pulls its predecessor.
type conjunctionResolver struct {
	base
	conjunction *pattern.Conjunction

	resolvables []logic.Resolvable
	downstreams []*MappedResolver

	requests    map[*Request]*conjunctionRequest
	subRequests map[*Request]*conjunctionStep
}

type conjunctionRequest struct {
	plan     []int
	produced map[string]struct{}
	// last is the final step request whose answer was returned most recently.
	last *Request
}

type conjunctionStep struct {
	origin      *Request
	predecessor *Request
}

func newConjunctionResolver(b base, conjunction *pattern.Conjunction) *conjunctionResolver {
	return &conjunctionResolver{
		base:        b,
		conjunction: conjunction,
		requests:    map[*Request]*conjunctionRequest{},
		subRequests: map[*Request]*conjunctionStep{},
	}
}

func (r *conjunctionResolver) initialise() error {
	if r.downstreams != nil {
		return nil
	}
	r.resolvables = r.registry.logic.Resolvables(r.conjunction)
	downstreams := make([]*MappedResolver, 0, len(r.resolvables))
	for _, res := range r.resolvables {
		mapped, err := r.registry.RegisterResolvable(res)
		if err != nil {
			return err
		}
		downstreams = append(downstreams, mapped)
	}
	r.downstreams = downstreams
	return nil
}

func (r *conjunctionResolver) receiveRequest(req *Request) {
	if err := r.initialise(); err != nil {
		r.registry.Terminate(err)
		return
	}

	if state, ok := r.requests[req]; ok {
		if len(state.plan) == 0 {
			delete(r.requests, req)
			r.fail(req)
			return
		}
		if state.last == nil {
			r.registry.Terminate(interrors.With(
				fmt.Errorf("%s pulled again before answering", req), ErrIllegalState))
			return
		}
		r.send(state.last)
		return
	}

	if len(r.downstreams) == 0 {
		// an empty conjunction holds exactly once
		r.requests[req] = &conjunctionRequest{}
		r.answer(req, req.partial)
		return
	}

	bound := req.partial.ConceptMap().Identifiers()
	plan, err := r.registry.planner.Plan(planner.Key(r.name, bound), r.resolvables, bound)
	if err != nil {
		r.registry.Terminate(err)
		return
	}
	state := &conjunctionRequest{plan: plan, produced: map[string]struct{}{}}
	r.requests[req] = state
	r.step(req, state, 0, req.partial, nil)
}

func (r *conjunctionResolver) step(origin *Request, state *conjunctionRequest, i int, partial *answer.Partial, predecessor *Request) {
	downstream := r.downstreams[state.plan[i]]
	sub := r.request(origin, downstream.driver, downstream.toDownstream(partial), i)
	r.subRequests[sub] = &conjunctionStep{origin: origin, predecessor: predecessor}
	r.send(sub)
}

func (r *conjunctionResolver) receiveResponse(res Response) {
	sub := res.SourceRequest()
	info, ok := r.subRequests[sub]
	if !ok {
		r.registry.logger.Warn("response for unknown request", zap.String("resolver", r.name))
		return
	}
	state := r.requests[info.origin]

	switch res := res.(type) {
	case *Answer:
		partial, err := res.partial.AggregateToUpstream()
		if errors.Is(err, answer.ErrInconsistent) {
			r.send(sub)
			return
		}
		if err != nil {
			r.registry.Terminate(err)
			return
		}

		if sub.planIndex < len(state.plan)-1 {
			r.step(info.origin, state, sub.planIndex+1, partial, sub)
			return
		}

		key := partial.ConceptMap().Key()
		if _, dup := state.produced[key]; dup {
			r.send(sub)
			return
		}
		state.produced[key] = struct{}{}
		state.last = sub
		r.answer(info.origin, partial)
	case *Fail:
		delete(r.subRequests, sub)
		if info.predecessor == nil {
			delete(r.requests, info.origin)
			r.fail(info.origin)
			return
		}
		r.send(info.predecessor)
	}
}
