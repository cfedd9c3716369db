package resolution

import (
	"errors"

	"go.uber.org/zap"

	"github.com/typegraph/reasoner/internal/reasoner/answer"
	"github.com/typegraph/reasoner/pkg/pattern"
)

// disjunctionResolver interleaves the answers of its branches, asking each live branch in
// turn, and returns every distinct answer once.
type disjunctionResolver struct {
	base
	disjunction *pattern.Disjunction
	downstreams []*MappedResolver

	requests    map[*Request]*disjunctionRequest
	subRequests map[*Request]*Request
}

type disjunctionRequest struct {
	branches []*Request
	alive    []bool
	cursor   int
	produced map[string]struct{}
}

func newDisjunctionResolver(b base, disjunction *pattern.Disjunction) *disjunctionResolver {
	return &disjunctionResolver{
		base:        b,
		disjunction: disjunction,
		requests:    map[*Request]*disjunctionRequest{},
		subRequests: map[*Request]*Request{},
	}
}

func (r *disjunctionResolver) initialise() {
	if r.downstreams != nil {
		return
	}
	r.downstreams = make([]*MappedResolver, 0, len(r.disjunction.Conjunctions))
	for _, conj := range r.disjunction.Conjunctions {
		r.downstreams = append(r.downstreams, &MappedResolver{
			driver:  r.registry.nestedConjunction(conj),
			mapping: answer.Identity(conj.Variables()...),
		})
	}
}

func (r *disjunctionResolver) receiveRequest(req *Request) {
	r.initialise()
	state, ok := r.requests[req]
	if !ok {
		state = &disjunctionRequest{
			branches: make([]*Request, len(r.downstreams)),
			alive:    make([]bool, len(r.downstreams)),
			produced: map[string]struct{}{},
		}
		for i := range state.alive {
			state.alive[i] = true
		}
		r.requests[req] = state
	}
	r.pull(req, state)
}

func (r *disjunctionResolver) pull(req *Request, state *disjunctionRequest) {
	n := len(state.branches)
	for i := 0; i < n; i++ {
		branch := (state.cursor + i) % n
		if !state.alive[branch] {
			continue
		}
		state.cursor = branch
		if state.branches[branch] == nil {
			downstream := r.downstreams[branch]
			sub := r.request(req, downstream.driver, downstream.toDownstream(req.partial), branch)
			state.branches[branch] = sub
			r.subRequests[sub] = req
		}
		r.send(state.branches[branch])
		return
	}
	delete(r.requests, req)
	r.fail(req)
}

func (r *disjunctionResolver) receiveResponse(res Response) {
	sub := res.SourceRequest()
	origin, ok := r.subRequests[sub]
	if !ok {
		r.registry.logger.Warn("response for unknown request", zap.String("resolver", r.name))
		return
	}
	state := r.requests[origin]
	state.cursor = (sub.planIndex + 1) % len(state.branches)

	switch res := res.(type) {
	case *Answer:
		partial, err := res.partial.AggregateToUpstream()
		if errors.Is(err, answer.ErrInconsistent) {
			r.pull(origin, state)
			return
		}
		if err != nil {
			r.registry.Terminate(err)
			return
		}
		key := partial.ConceptMap().Key()
		if _, dup := state.produced[key]; dup {
			r.pull(origin, state)
			return
		}
		state.produced[key] = struct{}{}
		r.answer(origin, partial)
	case *Fail:
		state.alive[sub.planIndex] = false
		delete(r.subRequests, sub)
		r.pull(origin, state)
	}
}
