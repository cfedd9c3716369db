package resolution

import (
	"go.uber.org/zap"

	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/internal/reasoner/answer"
)

// negationResolver holds when its nested pattern has no answer for the shared bindings. The
// nested pattern is resolved to completion, and again while new facts keep being derived,
// before the negation answers.
type negationResolver struct {
	base
	negated    *logic.Negated
	downstream *MappedResolver

	requests    map[*Request]*negationRequest
	subRequests map[*Request]*Request
}

type negationRequest struct {
	derivations int64
	answered    bool
}

func newNegationResolver(b base, negated *logic.Negated) *negationResolver {
	return &negationResolver{
		base:        b,
		negated:     negated,
		requests:    map[*Request]*negationRequest{},
		subRequests: map[*Request]*Request{},
	}
}

func (r *negationResolver) receiveRequest(req *Request) {
	if r.downstream == nil {
		r.downstream = &MappedResolver{
			driver:  r.registry.nestedDisjunction(r.negated.Negation.Pattern),
			mapping: answer.Identity(r.negated.Shared...),
		}
	}

	if state, ok := r.requests[req]; ok {
		if state.answered {
			delete(r.requests, req)
			r.fail(req)
		}
		return
	}
	r.requests[req] = &negationRequest{}
	r.check(req)
}

func (r *negationResolver) check(req *Request) {
	r.requests[req].derivations = r.registry.Derivations()
	sub := r.request(req, r.downstream.driver, r.downstream.toDownstream(req.partial), 0)
	r.subRequests[sub] = req
	r.send(sub)
}

func (r *negationResolver) receiveResponse(res Response) {
	sub := res.SourceRequest()
	origin, ok := r.subRequests[sub]
	if !ok {
		r.registry.logger.Warn("response for unknown request", zap.String("resolver", r.name))
		return
	}
	delete(r.subRequests, sub)
	state := r.requests[origin]

	switch res.(type) {
	case *Answer:
		delete(r.requests, origin)
		r.fail(origin)
	case *Fail:
		if r.registry.Derivations() != state.derivations {
			r.check(origin)
			return
		}
		state.answered = true
		r.answer(origin, origin.partial)
	}
}
