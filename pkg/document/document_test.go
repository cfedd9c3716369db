package document

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/pattern"
	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/storage/memory"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

func TestReadExample(t *testing.T) {
	doc, err := ReadFile("../../examples/social.yaml")
	require.NoError(t, err)
	require.Len(t, doc.Schema, 6)
	require.Len(t, doc.Data, 8)
	require.Len(t, doc.Rules, 2)
	require.Len(t, doc.Queries, 4)

	ts, err := doc.TypeSystem()
	require.NoError(t, err)
	employee, err := ts.Get("employee")
	require.NoError(t, err)
	require.Equal(t, "person", employee.Supertype)

	ctx := context.Background()
	store := memory.New(ts)
	require.NoError(t, doc.Load(ctx, store))

	names, err := store.Attributes(ctx, "alice")
	require.NoError(t, err)
	attrs, err := storage.Collect(ctx, names)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	require.Equal(t, "Alice", attrs[0].Value)

	edges, err := store.RolePlayers(ctx, "f1")
	require.NoError(t, err)
	players, err := storage.Collect(ctx, edges)
	require.NoError(t, err)
	require.Len(t, players, 2)
	require.Equal(t, "friendship:friend", players[0].Role)

	rules, err := doc.LogicRules()
	require.NoError(t, err)
	_, err = logic.NewManager(ts, rules...)
	require.NoError(t, err)

	q, ok := doc.Query("reachable-from-alice")
	require.True(t, ok)
	bounds, err := q.ResolveBounds(ctx, store)
	require.NoError(t, err)
	require.Equal(t, "alice", bounds["x"].IID)

	_, ok = doc.Query("missing")
	require.False(t, ok)
}

func TestPatterns(t *testing.T) {
	doc, err := Parse([]byte(`
queries:
  - name: loners
    match:
      - isa: {var: $x, type: person}
      - relation: {type: follows, players: [{role: follower, player: x}, {player: y}]}
    not:
      - or:
          - match:
              - relation: {type: friendship, players: [{role: friend, player: $x}]}
          - match:
              - has: {owner: $x, attribute: $n, type: name}
              - value: {var: $n, op: contains, constant: bot}
`))
	require.NoError(t, err)

	disj, err := doc.Queries[0].Disjunction()
	require.NoError(t, err)

	expected := pattern.NewDisjunction(&pattern.Conjunction{
		Constraints: []pattern.Constraint{
			&pattern.Isa{Var: "x", Type: "person"},
			&pattern.Relation{Var: "_rel1", Type: "follows", Players: []pattern.RolePlayer{
				{Role: "follower", Player: "x"}, {Player: "y"},
			}},
		},
		Negations: []*pattern.Negation{{Pattern: pattern.NewDisjunction(
			pattern.NewConjunction(&pattern.Relation{Var: "_rel2", Type: "friendship", Players: []pattern.RolePlayer{
				{Role: "friend", Player: "x"},
			}}),
			pattern.NewConjunction(
				&pattern.Has{Owner: "x", Attribute: "n", Type: "name"},
				&pattern.Value{Var: "n", Op: pattern.Contains, Constant: "bot"},
			),
		)}},
	})
	if diff := cmp.Diff(expected, disj); diff != "" {
		t.Errorf("pattern mismatch (-want +got):\n%s", diff)
	}
}

func TestValueConstants(t *testing.T) {
	def := ValueDefinition{Var: "d", Op: ">", Constant: "2024-01-02T03:04:05Z", ValueType: "datetime"}
	v, err := def.constraint()
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), v.Constant)

	def = ValueDefinition{Var: "d", Op: ">", Constant: "yesterday", ValueType: "datetime"}
	_, err = def.constraint()
	require.ErrorIs(t, err, concept.ErrInvalidValue)
}

func TestRules(t *testing.T) {
	doc, err := Parse([]byte(`
rules:
  - label: nickname
    when:
      match:
        - isa: {var: x, type: person}
    then:
      has: {owner: x, type: name, value: anonymous}
`))
	require.NoError(t, err)
	rules, err := doc.LogicRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)

	concl, ok := rules[0].Then.(*logic.HasConclusion)
	require.True(t, ok)
	require.True(t, concl.IsConstant())
	require.Equal(t, pattern.AnonymousVar("attribute"), concl.Attribute)
}

func TestInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown_field",
			doc:  "shema: []",
		},
		{
			name: "two_constraints_in_one_entry",
			doc: `
queries:
  - name: q
    match:
      - isa: {var: x, type: person}
        iid: {var: x, iid: alice}
`,
		},
		{
			name: "empty_constraint",
			doc: `
queries:
  - name: q
    match:
      - {}
`,
		},
		{
			name: "alternatives_next_to_constraints",
			doc: `
queries:
  - name: q
    match:
      - isa: {var: x, type: person}
    or:
      - match:
          - isa: {var: x, type: person}
`,
		},
		{
			name: "nested_alternatives",
			doc: `
queries:
  - name: q
    or:
      - or:
          - match:
              - isa: {var: x, type: person}
`,
		},
		{
			name: "value_without_operand",
			doc: `
queries:
  - name: q
    match:
      - value: {var: x, op: "=="}
`,
		},
		{
			name: "unknown_comparator",
			doc: `
queries:
  - name: q
    match:
      - value: {var: x, op: "~", constant: 1}
`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			doc, err := Parse([]byte(test.doc))
			if err == nil {
				_, err = doc.Queries[0].Disjunction()
			}
			require.ErrorIs(t, err, ErrInvalidDocument)
		})
	}
}

func TestInvalidSchema(t *testing.T) {
	doc, err := Parse([]byte(`
schema:
  - label: thing
    kind: vertex
`))
	require.NoError(t, err)
	_, err = doc.TypeSystem()
	require.ErrorIs(t, err, ErrInvalidDocument)

	doc, err = Parse([]byte(`
schema:
  - label: age
    kind: attribute
`))
	require.NoError(t, err)
	_, err = doc.TypeSystem()
	require.ErrorIs(t, err, typesystem.ErrInvalidSchema)
}

func TestLoadReportsFailingThing(t *testing.T) {
	doc, err := Parse([]byte(`
schema:
  - label: person
    kind: entity
data:
  - iid: alice
    type: robot
`))
	require.NoError(t, err)
	ts, err := doc.TypeSystem()
	require.NoError(t, err)

	err = doc.Load(context.Background(), memory.New(ts))
	require.ErrorIs(t, err, typesystem.ErrTypeNotFound)
}

func TestMerge(t *testing.T) {
	doc := &Document{Schema: []TypeDefinition{{Label: "person", Kind: "entity"}}}
	doc.Merge(&Document{Rules: []RuleDefinition{{Label: "r"}}, Queries: []QueryDefinition{{Name: "q"}}})
	require.Len(t, doc.Schema, 1)
	require.Len(t, doc.Rules, 1)
	require.Len(t, doc.Queries, 1)
}
