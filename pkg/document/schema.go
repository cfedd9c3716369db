package document

import (
	"context"
	"fmt"

	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

func parseKind(s string) (typesystem.Kind, error) {
	switch s {
	case "entity":
		return typesystem.KindEntity, nil
	case "relation":
		return typesystem.KindRelation, nil
	case "attribute":
		return typesystem.KindAttribute, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind '%s'", ErrInvalidDocument, s)
	}
}

// Definitions converts the schema of the document.
func (d *Document) Definitions() ([]typesystem.Definition, error) {
	defs := make([]typesystem.Definition, 0, len(d.Schema))
	for _, def := range d.Schema {
		kind, err := parseKind(def.Kind)
		if err != nil {
			return nil, fmt.Errorf("type '%s': %w", def.Label, err)
		}
		vt, err := concept.ParseValueType(def.ValueType)
		if err != nil {
			return nil, fmt.Errorf("type '%s': %w", def.Label, err)
		}
		defs = append(defs, typesystem.Definition{
			Label:     def.Label,
			Kind:      kind,
			Supertype: def.Sub,
			Abstract:  def.Abstract,
			ValueType: vt,
			Relates:   def.Relates,
			Plays:     def.Plays,
			Owns:      def.Owns,
		})
	}
	return defs, nil
}

// TypeSystem builds the schema of the document.
func (d *Document) TypeSystem() (*typesystem.TypeSystem, error) {
	defs, err := d.Definitions()
	if err != nil {
		return nil, err
	}
	return typesystem.New(defs...)
}

// Load writes the data of the document. Things are written first so that role players
// may reference things defined further down.
func (d *Document) Load(ctx context.Context, writer storage.GraphWriter) error {
	iids := make([]string, len(d.Data))
	for i, thing := range d.Data {
		created, err := writer.PutThing(ctx, thing.Type, thing.IID, false)
		if err != nil {
			return fmt.Errorf("thing %d (%s): %w", i, thing.Type, err)
		}
		iids[i] = created.IID
	}

	for i, thing := range d.Data {
		for _, has := range thing.Has {
			attr, err := writer.PutAttribute(ctx, has.Type, has.Value, false)
			if err != nil {
				return fmt.Errorf("thing %s: %w", iids[i], err)
			}
			if err := writer.PutHas(ctx, iids[i], attr.IID, false); err != nil {
				return fmt.Errorf("thing %s: %w", iids[i], err)
			}
		}
		for _, p := range thing.Players {
			if err := writer.PutRolePlayer(ctx, iids[i], p.Role, p.Player, false); err != nil {
				return fmt.Errorf("relation %s: %w", iids[i], err)
			}
		}
	}
	return nil
}

// ResolveBounds looks up the things the query bounds its variables to.
func (q *QueryDefinition) ResolveBounds(ctx context.Context, reader storage.GraphReader) (concept.ConceptMap, error) {
	if len(q.Bounds) == 0 {
		return nil, nil
	}
	cm := make(concept.ConceptMap, len(q.Bounds))
	for name, iid := range q.Bounds {
		v, err := variable(name)
		if err != nil {
			return nil, err
		}
		thing, err := reader.Get(ctx, iid)
		if err != nil {
			return nil, fmt.Errorf("query '%s': bound $%s: %w", q.Name, v, err)
		}
		cm[v] = thing
	}
	return cm, nil
}
