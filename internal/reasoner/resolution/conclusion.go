package resolution

import (
	"errors"

	"go.uber.org/zap"

	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/internal/reasoner/answer"
	"github.com/typegraph/reasoner/pkg/concept"
)

// conclusionResolver turns the answers of a rule condition into the facts the rule
// concludes, writing them to the store the first time a condition answer is seen.
type conclusionResolver struct {
	base
	rule      *logic.Rule
	condition *MappedResolver

	// materialised maps a condition answer, restricted to the required variables, to
	// the conclusion bindings it produced.
	materialised map[string]concept.ConceptMap

	requests    map[*Request]*conclusionRequest
	subRequests map[*Request]*Request
}

type conclusionRequest struct {
	sub      *Request
	produced map[string]struct{}
}

func newConclusionResolver(b base, rule *logic.Rule) *conclusionResolver {
	return &conclusionResolver{
		base:         b,
		rule:         rule,
		materialised: map[string]concept.ConceptMap{},
		requests:     map[*Request]*conclusionRequest{},
		subRequests:  map[*Request]*Request{},
	}
}

func (r *conclusionResolver) receiveRequest(req *Request) {
	if r.condition == nil {
		r.condition = &MappedResolver{
			driver:  r.registry.condition(r.rule),
			mapping: answer.Identity(r.rule.When.Variables()...),
		}
	}

	state, ok := r.requests[req]
	if !ok {
		sub := r.request(req, r.condition.driver, r.condition.toDownstream(req.partial), 0)
		state = &conclusionRequest{sub: sub, produced: map[string]struct{}{}}
		r.requests[req] = state
		r.subRequests[sub] = req
	}
	r.send(state.sub)
}

func (r *conclusionResolver) receiveResponse(res Response) {
	sub := res.SourceRequest()
	origin, ok := r.subRequests[sub]
	if !ok {
		r.registry.logger.Warn("response for unknown request", zap.String("resolver", r.name))
		return
	}
	state := r.requests[origin]

	switch res := res.(type) {
	case *Answer:
		condition, err := res.partial.AggregateToUpstream()
		if errors.Is(err, answer.ErrInconsistent) {
			r.send(sub)
			return
		}
		if err != nil {
			r.registry.Terminate(err)
			return
		}

		conclusion, err := r.materialise(condition.ConceptMap())
		if err != nil {
			r.registry.Terminate(err)
			return
		}
		extended, ok := condition.Extend(conclusion)
		if !ok {
			r.send(sub)
			return
		}

		key := extended.ConceptMap().Filter(r.rule.Then.Variables()...).Key()
		if _, dup := state.produced[key]; dup {
			r.send(sub)
			return
		}
		state.produced[key] = struct{}{}
		r.answer(origin, extended)
	case *Fail:
		delete(r.subRequests, sub)
		delete(r.requests, origin)
		r.fail(origin)
	}
}

func (r *conclusionResolver) materialise(cm concept.ConceptMap) (concept.ConceptMap, error) {
	key := cm.Filter(r.rule.Then.Required()...).Key()
	if conclusion, ok := r.materialised[key]; ok {
		return conclusion, nil
	}
	conclusion, err := r.registry.logic.Materialise(r.registry.ctx, r.registry.store, r.rule, cm)
	if err != nil {
		return nil, err
	}
	r.materialised[key] = conclusion
	return conclusion, nil
}
