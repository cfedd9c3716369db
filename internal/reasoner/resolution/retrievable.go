package resolution

import (
	"errors"

	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/internal/traversal"
	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/storage"
)

// retrievableResolver answers constraints no rule concludes straight from the store. Facts
// materialised by earlier conclusions are not data, so it only binds stored ones.
type retrievableResolver struct {
	base
	retrievable *logic.Retrievable
	requests    map[*Request]storage.Iterator[concept.ConceptMap]
}

func newRetrievableResolver(b base, retrievable *logic.Retrievable) *retrievableResolver {
	return &retrievableResolver{
		base:        b,
		retrievable: retrievable,
		requests:    map[*Request]storage.Iterator[concept.ConceptMap]{},
	}
}

func (r *retrievableResolver) receiveRequest(req *Request) {
	it, ok := r.requests[req]
	if !ok {
		it = r.registry.iterator(r.retrievable.Constraints, req.partial.ConceptMap(), traversal.WithoutInferred())
		r.requests[req] = it
	}

	for {
		cm, err := it.Next(r.registry.ctx)
		if errors.Is(err, storage.ErrIteratorDone) {
			r.registry.release(it)
			delete(r.requests, req)
			r.fail(req)
			return
		}
		if err != nil {
			r.registry.Terminate(err)
			return
		}
		if extended, ok := req.partial.Extend(cm); ok {
			r.answer(req, extended)
			return
		}
	}
}

func (r *retrievableResolver) receiveResponse(Response) {
	r.registry.Terminate(errIllegalResponse(r.name))
}
