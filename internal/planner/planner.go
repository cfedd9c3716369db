// Package planner orders the resolvables of a conjunction so that every resolvable runs
// after the variables it consumes have been bound.
package planner

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/pkg/pattern"
)

var ErrNoValidPlan = errors.New("no ordering of the resolvables binds every consumed variable")

type Planner struct {
	// conjunction|sorted bound variables
	keys sync.Map
}

func New() *Planner {
	return &Planner{}
}

// Key builds the cache key of a plan for the given scope and initially bound variables.
func Key(scope string, bound []pattern.Variable) string {
	vars := make([]string, 0, len(bound))
	for _, v := range bound {
		vars = append(vars, string(v))
	}
	sort.Strings(vars)
	return scope + "|" + strings.Join(vars, ",")
}

// Plan returns the evaluation order of resolvables as indices into the slice. Plans are
// cached by key, which must identify both the resolvables and the bound variables.
func (p *Planner) Plan(key string, resolvables []logic.Resolvable, bound []pattern.Variable) ([]int, error) {
	if cached, ok := p.keys.Load(key); ok {
		return cached.([]int), nil
	}
	plan, err := Greedy(resolvables, bound)
	if err != nil {
		return nil, err
	}
	actual, _ := p.keys.LoadOrStore(key, plan)
	return actual.([]int), nil
}

// Greedy repeatedly picks, among the resolvables whose consumed variables are bound, the
// one with the most bound variables. Ties go to retrievables, then concludables, then
// negations, then to declaration order.
func Greedy(resolvables []logic.Resolvable, bound []pattern.Variable) ([]int, error) {
	isBound := make(map[pattern.Variable]struct{}, len(bound))
	for _, v := range bound {
		isBound[v] = struct{}{}
	}
	placed := make([]bool, len(resolvables))
	plan := make([]int, 0, len(resolvables))

	for len(plan) < len(resolvables) {
		best, bestScore, bestRank := -1, -1, 0
		for i, r := range resolvables {
			if placed[i] || !ready(r, isBound) {
				continue
			}
			score := boundCount(r, isBound)
			rank := rank(r)
			if best == -1 || score > bestScore || (score == bestScore && rank < bestRank) {
				best, bestScore, bestRank = i, score, rank
			}
		}
		if best == -1 {
			var pending []string
			for i, r := range resolvables {
				if !placed[i] {
					pending = append(pending, r.String())
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrNoValidPlan, strings.Join(pending, ", "))
		}

		placed[best] = true
		plan = append(plan, best)
		for _, v := range resolvables[best].Binds() {
			isBound[v] = struct{}{}
		}
	}
	return plan, nil
}

func ready(r logic.Resolvable, bound map[pattern.Variable]struct{}) bool {
	for _, v := range r.Consumes() {
		if _, ok := bound[v]; !ok {
			return false
		}
	}
	return true
}

func boundCount(r logic.Resolvable, bound map[pattern.Variable]struct{}) int {
	seen := map[pattern.Variable]struct{}{}
	for _, v := range append(r.Binds(), r.Consumes()...) {
		if _, ok := bound[v]; ok {
			seen[v] = struct{}{}
		}
	}
	return len(seen)
}

func rank(r logic.Resolvable) int {
	switch r.(type) {
	case *logic.Retrievable:
		return 0
	case *logic.Concludable:
		return 1
	default:
		return 2
	}
}
