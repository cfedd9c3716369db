// Package document reads the YAML documents the command line works with. A document holds
// any of a schema, instance data, rules and queries.
package document

import (
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

var ErrInvalidDocument = errors.New("invalid document")

// Document is the root of a YAML document.
type Document struct {
	Schema  []TypeDefinition  `json:"schema,omitempty"`
	Data    []ThingDefinition `json:"data,omitempty"`
	Rules   []RuleDefinition  `json:"rules,omitempty"`
	Queries []QueryDefinition `json:"queries,omitempty"`
}

// TypeDefinition defines one type of the schema.
type TypeDefinition struct {
	Label     string `json:"label"`
	Kind      string `json:"kind"`
	Sub       string `json:"sub,omitempty"`
	Abstract  bool   `json:"abstract,omitempty"`
	ValueType string `json:"valueType,omitempty"`

	Relates []string `json:"relates,omitempty"`
	Plays   []string `json:"plays,omitempty"`
	Owns    []string `json:"owns,omitempty"`
}

// ThingDefinition is an entity or relation instance together with its attributes and, for
// relations, its role players.
type ThingDefinition struct {
	IID     string                `json:"iid,omitempty"`
	Type    string                `json:"type"`
	Has     []AttributeDefinition `json:"has,omitempty"`
	Players []PlayerDefinition    `json:"players,omitempty"`
}

type AttributeDefinition struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// PlayerDefinition references the player of a role by its IID.
type PlayerDefinition struct {
	Role   string `json:"role"`
	Player string `json:"player"`
}

// RuleDefinition infers Then for every answer of When.
type RuleDefinition struct {
	Label string               `json:"label"`
	When  PatternDefinition    `json:"when"`
	Then  ConclusionDefinition `json:"then"`
}

// ConclusionDefinition holds exactly one of Relation or Has.
type ConclusionDefinition struct {
	Relation *RelationDefinition `json:"relation,omitempty"`
	Has      *HasDefinition      `json:"has,omitempty"`
}

// QueryDefinition is a named pattern with an answer window. Bounds maps variables to the
// IIDs they are bound to before resolution starts.
type QueryDefinition struct {
	Name string `json:"name"`
	PatternDefinition
	Bounds map[string]string `json:"bounds,omitempty"`
	Offset int               `json:"offset,omitempty"`
	Limit  int               `json:"limit,omitempty"`
}

// PatternDefinition is either a conjunction (Match and Not) or a disjunction of
// conjunctions (Or).
type PatternDefinition struct {
	Match []ConstraintDefinition `json:"match,omitempty"`
	Not   []PatternDefinition    `json:"not,omitempty"`
	Or    []PatternDefinition    `json:"or,omitempty"`
}

// ConstraintDefinition holds exactly one constraint.
type ConstraintDefinition struct {
	Isa       *IsaDefinition       `json:"isa,omitempty"`
	Has       *HasDefinition       `json:"has,omitempty"`
	Relation  *RelationDefinition  `json:"relation,omitempty"`
	IID       *IIDDefinition       `json:"iid,omitempty"`
	Value     *ValueDefinition     `json:"value,omitempty"`
	Predicate *PredicateDefinition `json:"predicate,omitempty"`
}

type IsaDefinition struct {
	Var  string `json:"var"`
	Type string `json:"type"`
}

// HasDefinition is used both as a constraint and as a conclusion. Value is only allowed in
// conclusions.
type HasDefinition struct {
	Owner     string `json:"owner"`
	Attribute string `json:"attribute"`
	Type      string `json:"type,omitempty"`
	Value     any    `json:"value,omitempty"`
}

type RelationDefinition struct {
	Var     string           `json:"var,omitempty"`
	Type    string           `json:"type"`
	Players []RoleDefinition `json:"players"`
}

type RoleDefinition struct {
	Role   string `json:"role,omitempty"`
	Player string `json:"player"`
}

type IIDDefinition struct {
	Var string `json:"var"`
	IID string `json:"iid"`
}

// ValueDefinition compares Var with either Constant or Other. When ValueType is set the
// constant is converted to it first, which is how datetimes are written.
type ValueDefinition struct {
	Var       string `json:"var"`
	Op        string `json:"op"`
	Constant  any    `json:"constant,omitempty"`
	ValueType string `json:"valueType,omitempty"`
	Other     string `json:"other,omitempty"`
}

type PredicateDefinition struct {
	Expr string   `json:"expr"`
	Vars []string `json:"vars"`
}

// Parse reads a YAML (or JSON) document.
func Parse(b []byte) (*Document, error) {
	var doc Document
	if err := yaml.UnmarshalStrict(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return &doc, nil
}

// ReadFile parses the document stored at path.
func ReadFile(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Merge appends the content of other to the document.
func (d *Document) Merge(other *Document) {
	d.Schema = append(d.Schema, other.Schema...)
	d.Data = append(d.Data, other.Data...)
	d.Rules = append(d.Rules, other.Rules...)
	d.Queries = append(d.Queries, other.Queries...)
}

// ReadFiles parses and merges the documents stored at paths, in order.
func ReadFiles(paths ...string) (*Document, error) {
	out := &Document{}
	for _, path := range paths {
		doc, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		out.Merge(doc)
	}
	return out, nil
}
