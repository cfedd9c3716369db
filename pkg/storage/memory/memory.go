package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/sets/treeset"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

var tracer = otel.Tracer("reasoner/pkg/storage/memory")

const keySeparator = "\x00"

// MemoryBackend provides an ephemeral memory-backed implementation of [storage.Datastore].
// All indexes are ordered, so iteration order is deterministic for a given content.
type MemoryBackend struct {
	mu     sync.RWMutex
	schema *typesystem.TypeSystem

	things  map[string]*concept.Thing
	byType  map[string]*treeset.Set
	byValue map[string]string

	// owner iid -> attribute iid -> inferred
	attributes map[string]*treemap.Map
	// attribute iid -> owner iid -> inferred
	owners map[string]*treemap.Map
	// relation iid -> role + player iid -> *storage.RoleEdge
	players map[string]*treemap.Map
	// player iid -> relation iid + role -> *storage.RoleEdge
	relations map[string]*treemap.Map
}

// Ensures that MemoryBackend implements the Datastore interface.
var _ storage.Datastore = (*MemoryBackend)(nil)

// New creates a new [MemoryBackend] validating writes against the given schema.
func New(schema *typesystem.TypeSystem) *MemoryBackend {
	return &MemoryBackend{
		schema:     schema,
		things:     map[string]*concept.Thing{},
		byType:     map[string]*treeset.Set{},
		byValue:    map[string]string{},
		attributes: map[string]*treemap.Map{},
		owners:     map[string]*treemap.Map{},
		players:    map[string]*treemap.Map{},
		relations:  map[string]*treemap.Map{},
	}
}

// Close does not do anything for [MemoryBackend].
func (s *MemoryBackend) Close() {}

// IsReady see [storage.Datastore].IsReady.
func (s *MemoryBackend) IsReady(context.Context) (bool, error) {
	return true, nil
}

// Schema see [storage.GraphReader].Schema.
func (s *MemoryBackend) Schema() *typesystem.TypeSystem {
	return s.schema
}

// Get see [storage.GraphReader].Get.
func (s *MemoryBackend) Get(ctx context.Context, iid string) (*concept.Thing, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.things[iid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

// ThingsOfType see [storage.GraphReader].ThingsOfType.
func (s *MemoryBackend) ThingsOfType(ctx context.Context, label string) (storage.Iterator[*concept.Thing], error) {
	_, span := tracer.Start(ctx, "memory.ThingsOfType")
	defer span.End()

	if _, err := s.schema.Get(label); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.byType[label]
	if !ok {
		return storage.NewStaticIterator[*concept.Thing](nil), nil
	}
	things := make([]*concept.Thing, 0, set.Size())
	for _, iid := range set.Values() {
		things = append(things, s.things[iid.(string)])
	}
	return storage.NewStaticIterator(things), nil
}

// AttributesByValue see [storage.GraphReader].AttributesByValue.
func (s *MemoryBackend) AttributesByValue(ctx context.Context, label string, value any) (storage.Iterator[*concept.Thing], error) {
	_, span := tracer.Start(ctx, "memory.AttributesByValue")
	defer span.End()

	typ, err := s.schema.GetOfKind(label, typesystem.KindAttribute)
	if err != nil {
		return nil, err
	}
	encoded, err := concept.EncodeValue(typ.ValueType, value)
	if err != nil {
		// a value of another value type can never be held by this attribute type
		return storage.NewStaticIterator[*concept.Thing](nil), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	iid, ok := s.byValue[valueKey(label, encoded)]
	if !ok {
		return storage.NewStaticIterator[*concept.Thing](nil), nil
	}
	return storage.NewStaticIterator([]*concept.Thing{s.things[iid]}), nil
}

// Attributes see [storage.GraphReader].Attributes.
func (s *MemoryBackend) Attributes(ctx context.Context, ownerIID string) (storage.Iterator[*concept.Thing], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thingsOf(s.attributes[ownerIID]), nil
}

// Owners see [storage.GraphReader].Owners.
func (s *MemoryBackend) Owners(ctx context.Context, attributeIID string) (storage.Iterator[*concept.Thing], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thingsOf(s.owners[attributeIID]), nil
}

func (s *MemoryBackend) thingsOf(index *treemap.Map) storage.Iterator[*concept.Thing] {
	if index == nil {
		return storage.NewStaticIterator[*concept.Thing](nil)
	}
	things := make([]*concept.Thing, 0, index.Size())
	for _, iid := range index.Keys() {
		things = append(things, s.things[iid.(string)])
	}
	return storage.NewStaticIterator(things)
}

// RolePlayers see [storage.GraphReader].RolePlayers.
func (s *MemoryBackend) RolePlayers(ctx context.Context, relationIID string) (storage.Iterator[*storage.RoleEdge], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return edgesOf(s.players[relationIID]), nil
}

// Relations see [storage.GraphReader].Relations.
func (s *MemoryBackend) Relations(ctx context.Context, playerIID string) (storage.Iterator[*storage.RoleEdge], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return edgesOf(s.relations[playerIID]), nil
}

func edgesOf(index *treemap.Map) storage.Iterator[*storage.RoleEdge] {
	if index == nil {
		return storage.NewStaticIterator[*storage.RoleEdge](nil)
	}
	edges := make([]*storage.RoleEdge, 0, index.Size())
	for _, e := range index.Values() {
		edges = append(edges, e.(*storage.RoleEdge))
	}
	return storage.NewStaticIterator(edges)
}

// PutThing see [storage.GraphWriter].PutThing.
func (s *MemoryBackend) PutThing(ctx context.Context, label, iid string, inferred bool) (*concept.Thing, error) {
	_, span := tracer.Start(ctx, "memory.PutThing")
	defer span.End()

	typ, err := storage.ValidateThing(s.schema, label)
	if err != nil {
		return nil, err
	}
	if iid == "" {
		iid = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.things[iid]; ok {
		return nil, fmt.Errorf("thing '%s': %w", iid, storage.ErrCollision)
	}
	t := &concept.Thing{IID: iid, Type: label, Kind: typ.Kind.ThingKind(), Inferred: inferred}
	s.insert(t)
	return t, nil
}

// PutAttribute see [storage.GraphWriter].PutAttribute.
func (s *MemoryBackend) PutAttribute(ctx context.Context, label string, value any, inferred bool) (*concept.Thing, error) {
	_, span := tracer.Start(ctx, "memory.PutAttribute")
	defer span.End()

	typ, normalized, encoded, err := storage.ValidateAttribute(s.schema, label, value)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := valueKey(label, encoded)
	if iid, ok := s.byValue[key]; ok {
		return s.things[iid], nil
	}
	t := &concept.Thing{
		IID:       storage.AttributeIID(label, encoded),
		Type:      label,
		Kind:      concept.KindAttribute,
		Value:     normalized,
		ValueType: typ.ValueType,
		Inferred:  inferred,
	}
	s.insert(t)
	s.byValue[key] = t.IID
	return t, nil
}

func (s *MemoryBackend) insert(t *concept.Thing) {
	s.things[t.IID] = t
	set, ok := s.byType[t.Type]
	if !ok {
		set = treeset.NewWithStringComparator()
		s.byType[t.Type] = set
	}
	set.Add(t.IID)
}

// PutHas see [storage.GraphWriter].PutHas.
func (s *MemoryBackend) PutHas(ctx context.Context, ownerIID, attributeIID string, inferred bool) error {
	_, span := tracer.Start(ctx, "memory.PutHas")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	owner, attribute, err := s.pair(ownerIID, attributeIID)
	if err != nil {
		return err
	}
	if err := storage.ValidateHas(s.schema, owner, attribute); err != nil {
		return err
	}
	if _, ok := index(s.attributes, ownerIID).Get(attributeIID); ok {
		return nil
	}
	index(s.attributes, ownerIID).Put(attributeIID, inferred)
	index(s.owners, attributeIID).Put(ownerIID, inferred)
	return nil
}

// PutRolePlayer see [storage.GraphWriter].PutRolePlayer.
func (s *MemoryBackend) PutRolePlayer(ctx context.Context, relationIID, role, playerIID string, inferred bool) error {
	_, span := tracer.Start(ctx, "memory.PutRolePlayer")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	relation, player, err := s.pair(relationIID, playerIID)
	if err != nil {
		return err
	}
	scoped, err := storage.ValidateRolePlayer(s.schema, relation, role, player)
	if err != nil {
		return err
	}
	key := scoped + keySeparator + playerIID
	if _, ok := index(s.players, relationIID).Get(key); ok {
		return nil
	}
	edge := &storage.RoleEdge{Relation: relation, Role: scoped, Player: player, Inferred: inferred}
	index(s.players, relationIID).Put(key, edge)
	index(s.relations, playerIID).Put(relationIID+keySeparator+scoped, edge)
	return nil
}

func (s *MemoryBackend) pair(a, b string) (*concept.Thing, *concept.Thing, error) {
	first, ok := s.things[a]
	if !ok {
		return nil, nil, fmt.Errorf("thing '%s': %w", a, storage.ErrNotFound)
	}
	second, ok := s.things[b]
	if !ok {
		return nil, nil, fmt.Errorf("thing '%s': %w", b, storage.ErrNotFound)
	}
	return first, second, nil
}

// DeleteType see [storage.GraphWriter].DeleteType.
func (s *MemoryBackend) DeleteType(ctx context.Context, label string) error {
	_, span := tracer.Start(ctx, "memory.DeleteType")
	defer span.End()

	typ, err := s.schema.Get(label)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if typ.Kind == typesystem.KindRole {
		for _, idx := range s.players {
			for _, k := range idx.Keys() {
				if strings.HasPrefix(k.(string), label+keySeparator) {
					return &typesystem.HasInstancesError{Label: label}
				}
			}
		}
		return s.schema.Undefine(label)
	}

	if set, ok := s.byType[label]; ok && !set.Empty() {
		return &typesystem.HasInstancesError{Label: label}
	}
	for _, role := range s.schema.Relates(label) {
		if relation, _ := typesystem.SplitRoleLabel(role); relation != label {
			continue
		}
		for _, idx := range s.players {
			for _, k := range idx.Keys() {
				if strings.HasPrefix(k.(string), role+keySeparator) {
					return &typesystem.HasInstancesError{Label: role}
				}
			}
		}
	}
	return s.schema.Undefine(label)
}

func index(m map[string]*treemap.Map, key string) *treemap.Map {
	idx, ok := m[key]
	if !ok {
		idx = treemap.NewWithStringComparator()
		m[key] = idx
	}
	return idx
}

func valueKey(label, encoded string) string {
	return label + keySeparator + encoded
}
