package pattern

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/typegraph/reasoner/pkg/concept"
)

// AlphaEquals reports whether a and b are equal up to a consistent renaming of their
// variables. On success it returns the renaming from the variables of a to those of b.
// Named variables only ever map to named ones and anonymous to anonymous ones.
func AlphaEquals(a, b Constraint) (map[Variable]Variable, bool) {
	bij := newBijection()
	switch x := a.(type) {
	case *Isa:
		y, ok := b.(*Isa)
		if !ok || x.Type != y.Type {
			return nil, false
		}
		if !bij.bind(x.Var, y.Var) {
			return nil, false
		}
	case *Has:
		y, ok := b.(*Has)
		if !ok || x.Type != y.Type {
			return nil, false
		}
		if !bij.bind(x.Owner, y.Owner) || !bij.bind(x.Attribute, y.Attribute) {
			return nil, false
		}
	case *Relation:
		y, ok := b.(*Relation)
		if !ok || x.Type != y.Type || len(x.Players) != len(y.Players) {
			return nil, false
		}
		if !bij.bind(x.Var, y.Var) {
			return nil, false
		}
		if !matchPlayers(x.Players, y.Players, make([]bool, len(y.Players)), bij) {
			return nil, false
		}
	case *IID:
		y, ok := b.(*IID)
		if !ok || x.IID != y.IID {
			return nil, false
		}
		if !bij.bind(x.Var, y.Var) {
			return nil, false
		}
	case *Value:
		y, ok := b.(*Value)
		if !ok || x.Op != y.Op || (x.Other == "") != (y.Other == "") {
			return nil, false
		}
		if !bij.bind(x.Var, y.Var) {
			return nil, false
		}
		if x.Other != "" {
			if !bij.bind(x.Other, y.Other) {
				return nil, false
			}
		} else if !sameConstant(x.Constant, y.Constant) {
			return nil, false
		}
	case *Predicate:
		// expressions name their variables, so only an identical predicate is equivalent
		y, ok := b.(*Predicate)
		if !ok || x.Expr != y.Expr || len(x.Vars) != len(y.Vars) {
			return nil, false
		}
		for i := range x.Vars {
			if x.Vars[i] != y.Vars[i] || !bij.bind(x.Vars[i], y.Vars[i]) {
				return nil, false
			}
		}
	default:
		return nil, false
	}
	return bij.forward, true
}

// matchPlayers finds an assignment of the players of xs to the players of ys with equal
// roles whose variable renaming is consistent with bij.
func matchPlayers(xs, ys []RolePlayer, used []bool, bij *bijection) bool {
	if len(xs) == 0 {
		return true
	}
	head := xs[0]
	for i, y := range ys {
		if used[i] || y.Role != head.Role {
			continue
		}
		attempt := bij.clone()
		if !attempt.bind(head.Player, y.Player) {
			continue
		}
		used[i] = true
		if matchPlayers(xs[1:], ys, used, attempt) {
			*bij = *attempt
			return true
		}
		used[i] = false
	}
	return false
}

func sameConstant(a, b any) bool {
	at, err := concept.ValueTypeOf(a)
	if err != nil {
		return false
	}
	bt, err := concept.ValueTypeOf(b)
	if err != nil || at != bt {
		return false
	}
	c, ok := concept.Compare(a, b)
	return ok && c == 0
}

// AlphaHash returns a structural hash of c that ignores variable names. Alpha-equivalent
// constraints always hash to the same value.
func AlphaHash(c Constraint) uint64 {
	d := xxhash.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = d.WriteString(p)
			_, _ = d.WriteString("\x00")
		}
	}

	switch x := c.(type) {
	case *Isa:
		write("isa", x.Type, anonymity(x.Var))
	case *Has:
		write("has", x.Type, anonymity(x.Owner), anonymity(x.Attribute))
	case *Relation:
		write("relation", x.Type, anonymity(x.Var), strconv.Itoa(len(x.Players)))
		roles := make([]string, 0, len(x.Players))
		for _, p := range x.Players {
			roles = append(roles, p.Role+"/"+anonymity(p.Player))
		}
		sort.Strings(roles)
		write(roles...)
	case *IID:
		write("iid", x.IID, anonymity(x.Var))
	case *Value:
		write("value", string(x.Op), anonymity(x.Var))
		if x.Other != "" {
			write(anonymity(x.Other))
		} else {
			write(fmt.Sprintf("%T:%v", x.Constant, x.Constant))
		}
	case *Predicate:
		write("predicate", x.Expr)
	}
	return d.Sum64()
}

func anonymity(v Variable) string {
	if v.Retrievable() {
		return "named"
	}
	return "anonymous"
}

type bijection struct {
	forward  map[Variable]Variable
	backward map[Variable]Variable
}

func newBijection() *bijection {
	return &bijection{forward: map[Variable]Variable{}, backward: map[Variable]Variable{}}
}

func (b *bijection) bind(from, to Variable) bool {
	if from.Retrievable() != to.Retrievable() {
		return false
	}
	if existing, ok := b.forward[from]; ok {
		return existing == to
	}
	if existing, ok := b.backward[to]; ok {
		return existing == from
	}
	b.forward[from] = to
	b.backward[to] = from
	return true
}

func (b *bijection) clone() *bijection {
	out := newBijection()
	for k, v := range b.forward {
		out.forward[k] = v
		out.backward[v] = k
	}
	return out
}
