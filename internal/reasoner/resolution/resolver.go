package resolution

import (
	"go.uber.org/zap"

	"github.com/typegraph/reasoner/internal/reasoner/answer"
	"github.com/typegraph/reasoner/internal/stack"
	"github.com/typegraph/reasoner/pkg/pattern"
)

// resolver is the state of an actor taking part in resolution. Every method runs on the
// actor's event loop.
type resolver interface {
	receiveRequest(req *Request)
	receiveResponse(res Response)
	terminate(err error)
}

// MappedResolver is a downstream resolver together with how to enter its scope.
type MappedResolver struct {
	driver  driver
	mapping *answer.Mapping
	// filter is set for negations, which only see the shared variables.
	filter []pattern.Variable
}

// Driver returns the actor of the downstream resolver.
func (m *MappedResolver) Driver() driver {
	return m.driver
}

// Mapping returns the translation from the upstream scope into the downstream one.
func (m *MappedResolver) Mapping() *answer.Mapping {
	return m.mapping
}

func (m *MappedResolver) toDownstream(p *answer.Partial) *answer.Partial {
	if m.filter != nil {
		return p.FilterToDownstream(m.filter)
	}
	return p.MapToDownstream(m.mapping)
}

// base holds what every resolver shares and the helpers to talk to other actors.
type base struct {
	name     string
	self     driver
	registry *Registry
}

func (b *base) terminated() bool {
	return b.registry.isTerminated()
}

func (b *base) path(req *Request) *stack.Stack[driver] {
	return stack.Push(req.path, b.self)
}

// request builds the request sent downstream on behalf of parent.
func (b *base) request(parent *Request, receiver driver, partial *answer.Partial, planIndex int) *Request {
	sub := newRequest(b.self, receiver, b.path(parent), partial, planIndex)
	sub.pass = parent.pass
	return sub
}

func (b *base) send(req *Request) {
	if b.terminated() {
		return
	}
	req.receiver.Tell(func(r resolver) {
		if b.terminated() {
			return
		}
		r.receiveRequest(req)
	})
}

func (b *base) respond(res Response) {
	if b.terminated() {
		return
	}
	res.SourceRequest().sender.Tell(func(r resolver) {
		if b.terminated() {
			return
		}
		r.receiveResponse(res)
	})
}

func (b *base) answer(req *Request, partial *answer.Partial) {
	b.registry.logger.Debug("answer",
		zap.String("resolver", b.name),
		zap.Stringer("partial", partial),
	)
	b.respond(&Answer{request: req, partial: partial})
}

func (b *base) fail(req *Request) {
	b.registry.logger.Debug("fail", zap.String("resolver", b.name))
	b.respond(&Fail{request: req})
}

func (b *base) terminate(err error) {
	b.registry.logger.Debug("resolver terminated", zap.String("resolver", b.name), zap.Error(err))
}
