package reasoner

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/internal/planner"
	"github.com/typegraph/reasoner/internal/reasoner/resolution"
	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/logger"
	"github.com/typegraph/reasoner/pkg/pattern"
	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/storage/memory"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// graphStore holds people a, b and c connected by edges a -> b -> c -> a, plus d who is
// connected to nobody.
func graphStore(t *testing.T) *memory.MemoryBackend {
	t.Helper()
	ctx := context.Background()
	schema, err := typesystem.New(
		typesystem.Definition{
			Label: "person",
			Kind:  typesystem.KindEntity,
			Plays: []string{"edge:from", "edge:to", "reachable:from", "reachable:to"},
		},
		typesystem.Definition{Label: "edge", Kind: typesystem.KindRelation, Relates: []string{"from", "to"}},
		typesystem.Definition{Label: "reachable", Kind: typesystem.KindRelation, Relates: []string{"from", "to"}},
	)
	require.NoError(t, err)
	store := memory.New(schema)

	for _, iid := range []string{"a", "b", "c", "d"} {
		_, err := store.PutThing(ctx, "person", iid, false)
		require.NoError(t, err)
	}
	for iid, pair := range map[string][2]string{"e1": {"a", "b"}, "e2": {"b", "c"}, "e3": {"c", "a"}} {
		_, err := store.PutThing(ctx, "edge", iid, false)
		require.NoError(t, err)
		require.NoError(t, store.PutRolePlayer(ctx, iid, "from", pair[0], false))
		require.NoError(t, store.PutRolePlayer(ctx, iid, "to", pair[1], false))
	}
	return store
}

func relation(rel, from, to pattern.Variable, typ string) *pattern.Relation {
	return &pattern.Relation{Var: rel, Type: typ, Players: []pattern.RolePlayer{
		{Role: "from", Player: from}, {Role: "to", Player: to},
	}}
}

func reachability() []*logic.Rule {
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

func reachableQuery() *pattern.Disjunction {
	return pattern.NewDisjunction(pattern.NewConjunction(relation(pattern.AnonymousVar("r"), "x", "y", "reachable")))
}

func keys(cms []concept.ConceptMap) []string {
	out := make([]string, 0, len(cms))
	for _, cm := range cms {
		out = append(out, cm.Key())
	}
	sort.Strings(out)
	return out
}

func TestAnswers(t *testing.T) {
	r, err := New(graphStore(t), reachability(), WithWorkers(2))
	require.NoError(t, err)
	require.Len(t, r.Rules(), 2)

	t.Run("transitive_closure", func(t *testing.T) {
		answers, err := r.Answers(context.Background(), reachableQuery(), QueryOptions{})
		require.NoError(t, err)
		require.Len(t, answers, 9)
		for _, cm := range answers {
			require.NotEqual(t, "d", cm["x"].IID)
			require.NotEqual(t, "d", cm["y"].IID)
		}
	})

	t.Run("negation_of_inferred_relation", func(t *testing.T) {
		disj := pattern.NewDisjunction(pattern.NewConjunction(&pattern.Isa{Var: "x", Type: "person"}).Not(
			pattern.NewConjunction(relation(pattern.AnonymousVar("r"), "x", "y", "reachable")),
		))
		answers, err := r.Answers(context.Background(), disj, QueryOptions{})
		require.NoError(t, err)
		require.Equal(t, []string{"x=d"}, keys(answers))
	})

	t.Run("bounds", func(t *testing.T) {
		s := r.NewSession(context.Background())
		defer s.Close()

		a, err := s.reasoner.store.Get(context.Background(), "a")
		require.NoError(t, err)
		answers, err := s.Answers(context.Background(), reachableQuery(), QueryOptions{Bounds: concept.ConceptMap{"x": a}})
		require.NoError(t, err)
		require.Equal(t, []string{"x=a;y=a", "x=a;y=b", "x=a;y=c"}, keys(answers))
	})
}

func TestSessionReusesDerivedFacts(t *testing.T) {
	r, err := New(graphStore(t), reachability())
	require.NoError(t, err)

	s := r.NewSession(context.Background())
	defer s.Close()
	require.NotEmpty(t, s.ID())

	first, err := s.Answers(context.Background(), reachableQuery(), QueryOptions{})
	require.NoError(t, err)
	second, err := s.Answers(context.Background(), reachableQuery(), QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, keys(first), keys(second))
}

func TestConcurrentSessions(t *testing.T) {
	r, err := New(graphStore(t), reachability())
	require.NoError(t, err)

	const sessions = 8
	results := make([][]string, sessions)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range sessions {
		g.Go(func() error {
			answers, err := r.Answers(ctx, reachableQuery(), QueryOptions{})
			if err != nil {
				return err
			}
			results[i] = keys(answers)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, res := range results {
		require.Len(t, res, 9)
		require.Equal(t, results[0], res)
	}
}

func TestOffsetAndLimit(t *testing.T) {
	r, err := New(graphStore(t), reachability())
	require.NoError(t, err)

	all, err := r.Answers(context.Background(), reachableQuery(), QueryOptions{})
	require.NoError(t, err)
	require.Len(t, all, 9)

	tests := []struct {
		name     string
		opts     QueryOptions
		expected int
	}{
		{name: "limit", opts: QueryOptions{Limit: 4}, expected: 4},
		{name: "offset", opts: QueryOptions{Offset: 7}, expected: 2},
		{name: "window", opts: QueryOptions{Offset: 2, Limit: 3}, expected: 3},
		{name: "offset_beyond_end", opts: QueryOptions{Offset: 20}, expected: 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			answers, err := r.Answers(context.Background(), reachableQuery(), test.opts)
			require.NoError(t, err)
			require.Len(t, answers, test.expected)
		})
	}
}

func TestIterator(t *testing.T) {
	r, err := New(graphStore(t), reachability())
	require.NoError(t, err)
	s := r.NewSession(context.Background())
	defer s.Close()

	it, err := s.Query(context.Background(), reachableQuery(), QueryOptions{Limit: 2})
	require.NoError(t, err)

	first, err := it.Next(context.Background())
	require.NoError(t, err)
	second, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.ConceptMap.Key(), second.ConceptMap.Key())

	_, err = it.Next(context.Background())
	require.ErrorIs(t, err, storage.ErrIteratorDone)

	// an exhausted iterator stays exhausted
	_, err = it.Next(context.Background())
	require.ErrorIs(t, err, storage.ErrIteratorDone)
	it.Stop()
}

func TestInvalidQuery(t *testing.T) {
	r, err := New(graphStore(t), nil)
	require.NoError(t, err)
	s := r.NewSession(context.Background())
	defer s.Close()

	tests := []struct {
		name  string
		query *pattern.Disjunction
		cause error
	}{
		{
			name:  "unknown_type",
			query: pattern.NewDisjunction(pattern.NewConjunction(&pattern.Isa{Var: "x", Type: "robot"})),
			cause: typesystem.ErrTypeNotFound,
		},
		{
			name: "unknown_type_in_negation",
			query: pattern.NewDisjunction(pattern.NewConjunction(&pattern.Isa{Var: "x", Type: "person"}).Not(
				pattern.NewConjunction(&pattern.Isa{Var: "x", Type: "robot"}),
			)),
			cause: typesystem.ErrTypeNotFound,
		},
		{
			name: "unbound_comparison",
			query: pattern.NewDisjunction(pattern.NewConjunction(
				&pattern.Value{Var: "a", Op: pattern.Gt, Other: "b"},
			)),
			cause: planner.ErrNoValidPlan,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := s.Query(context.Background(), test.query, QueryOptions{})
			require.ErrorIs(t, err, ErrInvalidQuery)
			require.ErrorIs(t, err, test.cause)
		})
	}

	_, err = s.Query(context.Background(), pattern.NewDisjunction(), QueryOptions{})
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestSessionClose(t *testing.T) {
	r, err := New(graphStore(t), reachability())
	require.NoError(t, err)
	s := r.NewSession(context.Background())

	it, err := s.Query(context.Background(), reachableQuery(), QueryOptions{})
	require.NoError(t, err)

	s.Close()
	s.Close()

	_, err = it.Next(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)

	_, err = s.Query(context.Background(), reachableQuery(), QueryOptions{})
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestStoppedIterator(t *testing.T) {
	r, err := New(graphStore(t), reachability())
	require.NoError(t, err)
	s := r.NewSession(context.Background())
	defer s.Close()

	it, err := s.Query(context.Background(), reachableQuery(), QueryOptions{})
	require.NoError(t, err)
	it.Stop()

	_, err = it.Next(context.Background())
	require.ErrorIs(t, err, storage.ErrIteratorDone)
}

func TestRecorderAndLogger(t *testing.T) {
	ctrl := gomock.NewController(t)
	recorder := resolution.NewMockRecorder(ctrl)
	recorder.EXPECT().Record(gomock.Any()).Times(9)

	l, logs := logger.NewCapturingLogger("debug")
	r, err := New(graphStore(t), reachability(), WithRecorder(recorder), WithLogger(l))
	require.NoError(t, err)

	answers, err := r.Answers(context.Background(), reachableQuery(), QueryOptions{})
	require.NoError(t, err)
	require.Len(t, answers, 9)

	var started bool
	for _, entry := range logs.All() {
		if entry.Message == "query started" {
			started = true
			require.Contains(t, entry.ContextMap(), "session")
		}
	}
	require.True(t, started)
}

func TestNewRejectsInvalidRules(t *testing.T) {
	_, err := New(graphStore(t), []*logic.Rule{
		{
			Label: "bad",
			When:  pattern.NewConjunction(&pattern.Isa{Var: "x", Type: "person"}),
			Then: &logic.RelationConclusion{Var: pattern.AnonymousVar("r"), Type: "robot", Players: []pattern.RolePlayer{
				{Role: "from", Player: "x"},
			}},
		},
	})
	var invalid *logic.InvalidRuleError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "bad", invalid.Label)
}
