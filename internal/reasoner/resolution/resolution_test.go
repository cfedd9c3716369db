package resolution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/internal/reasoner/answer"
	"github.com/typegraph/reasoner/internal/traversal"
	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/pattern"
	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/storage/memory"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T) *memory.MemoryBackend {
	t.Helper()
	schema, err := typesystem.New(
		typesystem.Definition{
			Label: "person",
			Kind:  typesystem.KindEntity,
			Plays: []string{"friendship:friend", "edge:from", "edge:to", "reachable:from", "reachable:to"},
			Owns:  []string{"name"},
		},
		typesystem.Definition{Label: "company", Kind: typesystem.KindEntity, Owns: []string{"name"}},
		typesystem.Definition{Label: "friendship", Kind: typesystem.KindRelation, Relates: []string{"friend"}},
		typesystem.Definition{Label: "edge", Kind: typesystem.KindRelation, Relates: []string{"from", "to"}},
		typesystem.Definition{Label: "reachable", Kind: typesystem.KindRelation, Relates: []string{"from", "to"}},
		typesystem.Definition{Label: "name", Kind: typesystem.KindAttribute, ValueType: concept.ValueTypeString},
	)
	require.NoError(t, err)
	return memory.New(schema)
}

func putThings(t *testing.T, store *memory.MemoryBackend, label string, iids ...string) {
	t.Helper()
	for _, iid := range iids {
		_, err := store.PutThing(context.Background(), label, iid, false)
		require.NoError(t, err)
	}
}

func relate(t *testing.T, store *memory.MemoryBackend, typ, iid string, players ...[2]string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.PutThing(ctx, typ, iid, false)
	require.NoError(t, err)
	for _, p := range players {
		require.NoError(t, store.PutRolePlayer(ctx, iid, p[0], p[1], false))
	}
}

// socialStore holds four people, two friendships and two companies. dave has no friends.
func socialStore(t *testing.T) *memory.MemoryBackend {
	store := newStore(t)
	putThings(t, store, "person", "alice", "bob", "carol", "dave")
	putThings(t, store, "company", "acme", "globex")
	relate(t, store, "friendship", "f1", [2]string{"friend", "alice"}, [2]string{"friend", "bob"})
	relate(t, store, "friendship", "f2", [2]string{"friend", "bob"}, [2]string{"friend", "carol"})
	return store
}

// cycleStore holds three nodes connected by edges a -> b -> c -> a.
func cycleStore(t *testing.T) *memory.MemoryBackend {
	store := newStore(t)
	putThings(t, store, "person", "a", "b", "c")
	relate(t, store, "edge", "e1", [2]string{"from", "a"}, [2]string{"to", "b"})
	relate(t, store, "edge", "e2", [2]string{"from", "b"}, [2]string{"to", "c"})
	relate(t, store, "edge", "e3", [2]string{"from", "c"}, [2]string{"to", "a"})
	return store
}

// ringStore holds n nodes connected by edges n0 -> n1 -> ... -> n0.
func ringStore(t *testing.T, n int) *memory.MemoryBackend {
	store := newStore(t)
	for i := range n {
		putThings(t, store, "person", fmt.Sprintf("n%d", i))
	}
	for i := range n {
		relate(t, store, "edge", fmt.Sprintf("e%d", i),
			[2]string{"from", fmt.Sprintf("n%d", i)}, [2]string{"to", fmt.Sprintf("n%d", (i+1)%n)})
	}
	return store
}

func relation(rel, from, to pattern.Variable, typ string) *pattern.Relation {
	return &pattern.Relation{Var: rel, Type: typ, Players: []pattern.RolePlayer{
		{Role: "from", Player: from}, {Role: "to", Player: to},
	}}
}

func transitivity() []*logic.Rule {
	conclusion := func() logic.Conclusion {
		return &logic.RelationConclusion{Var: pattern.AnonymousVar("r"), Type: "reachable", Players: []pattern.RolePlayer{
			{Role: "from", Player: "x"}, {Role: "to", Player: "y"},
		}}
	}
	return []*logic.Rule{
		{
			Label: "reachable-base",
			When:  pattern.NewConjunction(relation(pattern.AnonymousVar("e"), "x", "y", "edge")),
			Then:  conclusion(),
		},
		{
			Label: "reachable-step",
			When: pattern.NewConjunction(
				relation(pattern.AnonymousVar("e"), "x", "z", "edge"),
				relation(pattern.AnonymousVar("r1"), "z", "y", "reachable"),
			),
			Then: conclusion(),
		},
	}
}

// joinedTransitivity concludes reachable from a join of two reachable relations.
func joinedTransitivity() []*logic.Rule {
	rules := transitivity()
	rules[1] = &logic.Rule{
		Label: "reachable-join",
		When: pattern.NewConjunction(
			relation(pattern.AnonymousVar("r1"), "x", "z", "reachable"),
			relation(pattern.AnonymousVar("r2"), "z", "y", "reachable"),
		),
		Then: &logic.RelationConclusion{Var: pattern.AnonymousVar("r"), Type: "reachable", Players: []pattern.RolePlayer{
			{Role: "from", Player: "x"}, {Role: "to", Player: "y"},
		}},
	}
	return rules
}

func newRegistry(t *testing.T, store *memory.MemoryBackend, recorder Recorder, rules ...*logic.Rule) *Registry {
	t.Helper()
	manager, err := logic.NewManager(store.Schema(), rules...)
	require.NoError(t, err)
	registry := NewRegistry(context.Background(), Config{
		Workers:  4,
		Logic:    manager,
		Store:    store,
		Recorder: recorder,
	})
	t.Cleanup(registry.Close)
	return registry
}

// drain pulls root until it finishes and returns the answers projected onto their keys.
func drain(t *testing.T, create func(RootCallbacks) (*Root, error)) ([]string, error) {
	t.Helper()
	answers := make(chan *answer.Top, 1)
	done := make(chan error, 1)
	root, err := create(RootCallbacks{
		OnAnswer:    func(top *answer.Top) { answers <- top },
		OnFail:      func() { done <- nil },
		OnException: func(err error) { done <- err },
	})
	require.NoError(t, err)

	var out []string
	for {
		root.Pull()
		select {
		case top := <-answers:
			out = append(out, top.ConceptMap.Key())
		case err := <-done:
			select {
			case top := <-answers:
				out = append(out, top.ConceptMap.Key())
			default:
			}
			return out, err
		case <-time.After(10 * time.Second):
			t.Fatal("resolution did not finish")
		}
	}
}

func query(t *testing.T, registry *Registry, conj *pattern.Conjunction, opts ...RootOption) []string {
	t.Helper()
	out, err := drain(t, func(cb RootCallbacks) (*Root, error) {
		return registry.RootConjunction(conj, cb, opts...)
	})
	require.NoError(t, err)
	return out
}

func sorted(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}

func TestJoinMatchesDirectTraversal(t *testing.T) {
	store := socialStore(t)
	constraints := []pattern.Constraint{
		&pattern.Isa{Var: "x", Type: "person"},
		&pattern.Isa{Var: "c", Type: "company"},
		&pattern.Relation{Var: pattern.AnonymousVar("f"), Type: "friendship", Players: []pattern.RolePlayer{
			{Role: "friend", Player: "x"}, {Role: "friend", Player: "y"},
		}},
		&pattern.Isa{Var: "y", Type: "person"},
	}

	direct, err := storage.Collect(context.Background(), traversal.NewEngine(store).Iterator(context.Background(), constraints, nil))
	require.NoError(t, err)
	var expected []string
	for _, cm := range direct {
		expected = append(expected, cm.Retrievable().Key())
	}
	require.Len(t, expected, 8)

	registry := newRegistry(t, store, nil)
	require.Equal(t, sorted(expected), sorted(query(t, registry, pattern.NewConjunction(constraints...))))

	reversed := make([]pattern.Constraint, len(constraints))
	for i, c := range constraints {
		reversed[len(constraints)-1-i] = c
	}
	require.Equal(t, sorted(expected), sorted(query(t, registry, pattern.NewConjunction(reversed...))))
}

func TestAlphaEquivalentConcludablesShareResolver(t *testing.T) {
	store := cycleStore(t)
	registry := newRegistry(t, store, nil, transitivity()...)

	concludable := func(c pattern.Constraint) *logic.Concludable {
		resolvables := registry.logic.Resolvables(pattern.NewConjunction(c))
		require.Len(t, resolvables, 1)
		out, ok := resolvables[0].(*logic.Concludable)
		require.True(t, ok)
		return out
	}

	first, err := registry.RegisterResolvable(concludable(relation(pattern.AnonymousVar("r"), "x", "y", "reachable")))
	require.NoError(t, err)
	second, err := registry.RegisterResolvable(concludable(relation(pattern.AnonymousVar("s"), "p", "q", "reachable")))
	require.NoError(t, err)
	other, err := registry.RegisterResolvable(concludable(relation(pattern.AnonymousVar("s"), "p", "p", "reachable")))
	require.NoError(t, err)

	require.Same(t, first.Driver(), second.Driver())
	require.NotSame(t, first.Driver(), other.Driver())

	to, ok := second.Mapping().Get("p")
	require.True(t, ok)
	require.Equal(t, pattern.Variable("x"), to)
	from, ok := second.Mapping().Inverse().Get("y")
	require.True(t, ok)
	require.Equal(t, pattern.Variable("q"), from)

	cm := concept.ConceptMap{"p": {IID: "a"}, "q": {IID: "b"}}
	require.Equal(t, cm, second.Mapping().Untransform(second.Mapping().Transform(cm)))
}

func TestNegation(t *testing.T) {
	friendOf := func(x pattern.Variable) *pattern.Conjunction {
		return pattern.NewConjunction(&pattern.Relation{Var: pattern.AnonymousVar("f"), Type: "friendship", Players: []pattern.RolePlayer{
			{Role: "friend", Player: x},
		}})
	}

	t.Run("holds_once_without_matches", func(t *testing.T) {
		registry := newRegistry(t, socialStore(t), nil)
		conj := pattern.NewConjunction(&pattern.Isa{Var: "x", Type: "person"}).Not(friendOf("x"))
		require.Equal(t, []string{"x=dave"}, query(t, registry, conj))
	})

	t.Run("fails_with_matches", func(t *testing.T) {
		registry := newRegistry(t, socialStore(t), nil)
		conj := pattern.NewConjunction(&pattern.IID{Var: "x", IID: "alice"}).Not(friendOf("x"))
		require.Empty(t, query(t, registry, conj))
	})

	t.Run("over_inferred_facts", func(t *testing.T) {
		store := cycleStore(t)
		putThings(t, store, "person", "d")
		registry := newRegistry(t, store, nil, transitivity()...)
		conj := pattern.NewConjunction(&pattern.Isa{Var: "x", Type: "person"}).
			Not(pattern.NewConjunction(relation(pattern.AnonymousVar("r"), "x", "x", "reachable")))
		require.Equal(t, []string{"x=d"}, query(t, registry, conj))
	})
}

func TestDisjunctionDeduplicates(t *testing.T) {
	registry := newRegistry(t, socialStore(t), nil)
	disj := pattern.NewDisjunction(
		pattern.NewConjunction(&pattern.Isa{Var: "x", Type: "person"}),
		pattern.NewConjunction(&pattern.Isa{Var: "x", Type: "company"}),
		pattern.NewConjunction(&pattern.IID{Var: "x", IID: "alice"}),
	)
	out, err := drain(t, func(cb RootCallbacks) (*Root, error) {
		return registry.RootDisjunction(disj, cb)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"x=acme", "x=alice", "x=bob", "x=carol", "x=dave", "x=globex"}, sorted(out))
}

func TestTransitiveClosureOverCycle(t *testing.T) {
	store := cycleStore(t)
	registry := newRegistry(t, store, nil, transitivity()...)

	closure := []string{
		"x=a;y=a", "x=a;y=b", "x=a;y=c",
		"x=b;y=a", "x=b;y=b", "x=b;y=c",
		"x=c;y=a", "x=c;y=b", "x=c;y=c",
	}
	reachable := pattern.NewConjunction(relation(pattern.AnonymousVar("q"), "x", "y", "reachable"))
	require.Equal(t, closure, sorted(query(t, registry, reachable)))

	// a second session starts from the materialised facts and agrees
	again := newRegistry(t, store, nil, transitivity()...)
	require.Equal(t, closure, sorted(query(t, again, reachable)))

	fresh := cycleStore(t)
	a, err := fresh.Get(context.Background(), "a")
	require.NoError(t, err)
	bounded := newRegistry(t, fresh, nil, transitivity()...)
	require.Equal(t, []string{"x=a;y=a", "x=a;y=b", "x=a;y=c"},
		sorted(query(t, bounded, reachable, WithBounds(concept.ConceptMap{"x": a}))))
}

func TestOffsetAndLimit(t *testing.T) {
	store := cycleStore(t)
	reachable := pattern.NewConjunction(relation(pattern.AnonymousVar("q"), "x", "y", "reachable"))
	query(t, newRegistry(t, store, nil, transitivity()...), reachable)

	full := query(t, newRegistry(t, store, nil, transitivity()...), reachable)
	require.Len(t, full, 9)

	tests := []struct {
		name   string
		offset int
		limit  int
		want   []string
	}{
		{name: "offset", offset: 7, limit: -1, want: full[7:]},
		{name: "limit", offset: 0, limit: 2, want: full[:2]},
		{name: "window", offset: 3, limit: 4, want: full[3:7]},
		{name: "zero_limit", offset: 0, limit: 0, want: nil},
		{name: "beyond_end", offset: 20, limit: 5, want: nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			registry := newRegistry(t, store, nil, transitivity()...)
			fails := make(chan struct{}, 2)
			answers := make(chan string, 16)
			root, err := registry.RootConjunction(reachable, RootCallbacks{
				OnAnswer: func(top *answer.Top) { answers <- top.ConceptMap.Key() },
				OnFail:   func() { fails <- struct{}{} },
			}, WithOffset(test.offset), WithLimit(test.limit))
			require.NoError(t, err)

			var got []string
			for finished := false; !finished; {
				root.Pull()
				select {
				case a := <-answers:
					got = append(got, a)
				case <-fails:
					finished = true
				case <-time.After(10 * time.Second):
					t.Fatal("resolution did not finish")
				}
			}
			// further pulls after the end are ignored
			root.Pull()
			root.Pull()
			require.Never(t, func() bool { return len(fails) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

			close(answers)
			for a := range answers {
				got = append(got, a)
			}
			require.Equal(t, test.want, got)
		})
	}
}

func TestWindowOverFreshStore(t *testing.T) {
	reachable := pattern.NewConjunction(relation(pattern.AnonymousVar("q"), "x", "y", "reachable"))
	run := func(t *testing.T, opts ...RootOption) []string {
		return query(t, newRegistry(t, cycleStore(t), nil, transitivity()...), reachable, opts...)
	}

	full := run(t)
	require.Len(t, full, 9)
	require.Equal(t, full, run(t), "enumeration order over a fresh store is stable")

	for offset := 0; offset <= len(full); offset++ {
		for _, limit := range []int{-1, 0, 1, 2, 4} {
			t.Run(fmt.Sprintf("offset_%d_limit_%d", offset, limit), func(t *testing.T) {
				end := len(full)
				if limit >= 0 {
					end = min(offset+limit, len(full))
				}
				got := run(t, WithOffset(offset), WithLimit(limit))
				if offset == end {
					require.Empty(t, got)
					return
				}
				require.Equal(t, full[offset:end], got)
			})
		}
	}
}

func TestJoinedRecursionOverRing(t *testing.T) {
	const n = 6
	registry := newRegistry(t, ringStore(t, n), nil, joinedTransitivity()...)

	start := time.Now()
	out := query(t, registry, pattern.NewConjunction(relation(pattern.AnonymousVar("q"), "x", "y", "reachable")))
	require.Len(t, out, n*n)
	require.Less(t, time.Since(start), 5*time.Second)

	var expected []string
	for i := range n {
		for j := range n {
			expected = append(expected, fmt.Sprintf("x=n%d;y=n%d", i, j))
		}
	}
	require.Equal(t, sorted(expected), sorted(out))
}

func TestRetrievablesIgnoreInferredFacts(t *testing.T) {
	store := cycleStore(t)
	reachable := pattern.NewConjunction(relation(pattern.AnonymousVar("q"), "x", "y", "reachable"))

	require.Empty(t, query(t, newRegistry(t, store, nil), reachable))
	require.Len(t, query(t, newRegistry(t, store, nil, transitivity()...), reachable), 9)
	require.Empty(t, query(t, newRegistry(t, store, nil), reachable), "facts of removed rules are not data")

	isa := pattern.NewConjunction(&pattern.Isa{Var: "r", Type: "reachable"})
	require.Empty(t, query(t, newRegistry(t, store, nil), isa))

	// rules in force still reuse what was materialised
	require.Len(t, query(t, newRegistry(t, store, nil, transitivity()...), reachable), 9)
}

func TestConcurrentRegistrationSharesResolver(t *testing.T) {
	registry := newRegistry(t, cycleStore(t), nil, transitivity()...)

	const workers = 16
	drivers := make([]driver, workers)
	g := new(errgroup.Group)
	for i := range workers {
		g.Go(func() error {
			from, to := pattern.Variable(fmt.Sprintf("from%d", i)), pattern.Variable(fmt.Sprintf("to%d", i))
			resolvables := registry.logic.Resolvables(pattern.NewConjunction(relation(pattern.AnonymousVar("r"), from, to, "reachable")))
			if len(resolvables) != 1 {
				return fmt.Errorf("expected one resolvable, got %d", len(resolvables))
			}
			mapped, err := registry.RegisterResolvable(resolvables[0])
			if err != nil {
				return err
			}
			drivers[i] = mapped.Driver()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, d := range drivers {
		require.Same(t, drivers[0], d)
	}
}

type unknownResolvable struct {
	*logic.Retrievable
}

func TestRegisterUnknownResolvable(t *testing.T) {
	registry := newRegistry(t, socialStore(t), nil)

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_, _ = registry.RegisterResolvable(unknownResolvable{&logic.Retrievable{}})
	}()
	err, ok := recovered.(error)
	require.True(t, ok, "registering %v must panic with an error", recovered)
	require.ErrorIs(t, err, ErrIllegalState)
}

func TestRecorderReceivesEveryAnswer(t *testing.T) {
	ctrl := gomock.NewController(t)
	recorder := NewMockRecorder(ctrl)
	recorder.EXPECT().Record(gomock.Any()).Times(4).Do(func(p *answer.Partial) {
		require.Equal(t, answer.KindIdentity, p.Kind())
		require.NotEmpty(t, p.Provenance())
	})

	registry := newRegistry(t, socialStore(t), recorder)
	out := query(t, registry, pattern.NewConjunction(&pattern.Isa{Var: "x", Type: "person"}))
	require.Len(t, out, 4)
}

func TestTerminate(t *testing.T) {
	t.Run("store_errors_reach_the_root", func(t *testing.T) {
		registry := newRegistry(t, socialStore(t), nil)
		conj := pattern.NewConjunction(
			&pattern.Isa{Var: "x", Type: "person"},
			&pattern.Predicate{Expr: "x ++", Vars: []pattern.Variable{"x"}},
		)
		_, err := drain(t, func(cb RootCallbacks) (*Root, error) {
			return registry.RootConjunction(conj, cb)
		})
		require.ErrorIs(t, err, traversal.ErrInvalidPredicate)

		_, err = registry.RootConjunction(conj, RootCallbacks{})
		require.ErrorIs(t, err, ErrTerminated)
	})

	t.Run("errors_inside_negations_reach_the_root", func(t *testing.T) {
		registry := newRegistry(t, socialStore(t), nil)
		conj := pattern.NewConjunction(&pattern.Isa{Var: "x", Type: "person"}).Not(pattern.NewConjunction(
			&pattern.Isa{Var: "x", Type: "person"},
			&pattern.Predicate{Expr: "x ++", Vars: []pattern.Variable{"x"}},
		))
		out, err := drain(t, func(cb RootCallbacks) (*Root, error) {
			return registry.RootConjunction(conj, cb)
		})
		require.ErrorIs(t, err, traversal.ErrInvalidPredicate)
		require.Empty(t, out)
	})

	t.Run("every_root_is_told_once", func(t *testing.T) {
		registry := newRegistry(t, socialStore(t), nil)
		errs := make(chan error, 4)
		for i := 0; i < 2; i++ {
			_, err := registry.RootConjunction(pattern.NewConjunction(&pattern.Isa{Var: "x", Type: "person"}), RootCallbacks{
				OnException: func(err error) { errs <- err },
			})
			require.NoError(t, err)
		}

		boom := errors.New("boom")
		registry.Terminate(boom)
		registry.Terminate(errors.New("ignored"))

		for i := 0; i < 2; i++ {
			select {
			case err := <-errs:
				require.ErrorIs(t, err, boom)
			case <-time.After(time.Second):
				t.Fatal("root was not terminated")
			}
		}
		require.Never(t, func() bool { return len(errs) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	})
}

func TestResponseCasting(t *testing.T) {
	var res Response = &Fail{}
	require.NotNil(t, res.AsFail())
	require.PanicsWithError(t, "invalid response casting: fail is not an answer", func() { res.AsAnswer() })

	res = &Answer{}
	require.NotNil(t, res.AsAnswer())
	require.Panics(t, func() { res.AsFail() })
}
