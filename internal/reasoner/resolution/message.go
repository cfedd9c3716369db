package resolution

import (
	"fmt"

	"github.com/typegraph/reasoner/internal/actor"
	"github.com/typegraph/reasoner/internal/reasoner/answer"
	"github.com/typegraph/reasoner/internal/stack"
)

// driver addresses a resolver. All of its state is owned by the actor.
type driver = *actor.Actor[resolver]

// Request asks the receiver for the next answer extending partial. A Request is an
// identity: sending the same value again asks for the answer after the last one returned.
type Request struct {
	sender   driver
	receiver driver
	path     *stack.Stack[driver]
	partial  *answer.Partial

	// planIndex is the position of the receiver in the sender's plan, or the branch index
	// for senders that fan out.
	planIndex int
	// pass is the resolution pass of the root the request descends from.
	pass int
}

func newRequest(sender, receiver driver, path *stack.Stack[driver], partial *answer.Partial, planIndex int) *Request {
	return &Request{sender: sender, receiver: receiver, path: path, partial: partial, planIndex: planIndex}
}

// Partial returns the answer the receiver must extend.
func (r *Request) Partial() *answer.Partial {
	return r.partial
}

// Depth returns the number of resolvers the request went through.
func (r *Request) Depth() int {
	return stack.Len(r.path)
}

func (r *Request) String() string {
	sender := "<none>"
	if r.sender != nil {
		sender = r.sender.Name()
	}
	return fmt.Sprintf("Request{%s -> %s, %s}", sender, r.receiver.Name(), r.partial)
}

// Response answers a Request with either an Answer or a Fail.
type Response interface {
	SourceRequest() *Request
	AsAnswer() *Answer
	AsFail() *Fail
	isResponse()
}

// Answer carries the next answer for a request.
type Answer struct {
	request *Request
	partial *answer.Partial
}

// Fail tells the sender that the request has no further answers.
type Fail struct {
	request *Request
}

func (*Answer) isResponse() {}
func (*Fail) isResponse()   {}

func (a *Answer) SourceRequest() *Request { return a.request }
func (f *Fail) SourceRequest() *Request   { return f.request }

// Partial returns the answer, in the scope of the receiver of the request.
func (a *Answer) Partial() *answer.Partial { return a.partial }

func (a *Answer) AsAnswer() *Answer { return a }

func (a *Answer) AsFail() *Fail {
	panic(fmt.Errorf("%w: answer is not a fail", ErrInvalidCasting))
}

func (f *Fail) AsAnswer() *Answer {
	panic(fmt.Errorf("%w: fail is not an answer", ErrInvalidCasting))
}

func (f *Fail) AsFail() *Fail { return f }
