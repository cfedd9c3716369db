package stack

// Stack is a persistent stack backed by a linked list. A nil *Stack is the empty stack.
//
// Push and Pop never modify the receiver, so a stack can be shared between goroutines and
// extended independently by each of them.
type Stack[T any] struct {
	Value T
	next  *Stack[T]
}

func Push[T any](stack *Stack[T], value T) *Stack[T] {
	return &Stack[T]{Value: value, next: stack}
}

func Pop[T any](stack *Stack[T]) (T, *Stack[T]) {
	return stack.Value, stack.next
}

// Contains reports whether any entry of the stack satisfies match.
func Contains[T any](stack *Stack[T], match func(T) bool) bool {
	for cur := stack; cur != nil; cur = cur.next {
		if match(cur.Value) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func Len[T any](stack *Stack[T]) int {
	n := 0
	for cur := stack; cur != nil; cur = cur.next {
		n++
	}
	return n
}

// Values returns the entries from the bottom of the stack to its top.
func Values[T any](stack *Stack[T]) []T {
	out := make([]T, Len(stack))
	i := len(out) - 1
	for cur := stack; cur != nil; cur = cur.next {
		out[i] = cur.Value
		i--
	}
	return out
}
