package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/typegraph/reasoner/internal/build"
	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/logger"
	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

var tracer = otel.Tracer("reasoner/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

var thingColumns = []string{"iid", "type", "kind", "value_type", "value", "inferred"}

// Config holds the optional settings of a SQLite [Datastore].
type Config struct {
	Logger         logger.Logger
	ExportMetrics  bool
	ConnectTimeout time.Duration
}

// NewConfig returns a Config with defaults.
func NewConfig() *Config {
	return &Config{
		Logger:         logger.NewNoopLogger(),
		ConnectTimeout: 5 * time.Second,
	}
}

// Datastore provides a SQLite based implementation of [storage.Datastore].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	schema           *typesystem.TypeSystem
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

// Ensures that SQLite implements the Datastore interface.
var _ storage.Datastore = (*Datastore)(nil)

// PrepareDSN prepares a raw DSN from config for use with SQLite, specifying defaults for journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore] storage over an already migrated database.
func New(uri string, schema *typesystem.TypeSystem, cfg *Config) (*Datastore, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.ConnectTimeout
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if err := db.Ping(); err != nil {
			cfg.Logger.Info("waiting for database", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	}, policy)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.RunWith(db),
		db:               db,
		schema:           schema,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// Close see [storage.Datastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// IsReady see [storage.Datastore].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Schema see [storage.GraphReader].Schema.
func (s *Datastore) Schema() *typesystem.TypeSystem {
	return s.schema
}

// Get see [storage.GraphReader].Get.
func (s *Datastore) Get(ctx context.Context, iid string) (*concept.Thing, error) {
	ctx, span := startTrace(ctx, "Get")
	defer span.End()

	row := s.stbl.
		Select(thingColumns...).
		From("thing").
		Where(sq.Eq{"iid": iid}).
		QueryRowContext(ctx)

	t, err := scanThing(row)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	return t, nil
}

// ThingsOfType see [storage.GraphReader].ThingsOfType.
func (s *Datastore) ThingsOfType(ctx context.Context, label string) (storage.Iterator[*concept.Thing], error) {
	ctx, span := startTrace(ctx, "ThingsOfType")
	defer span.End()

	if _, err := s.schema.Get(label); err != nil {
		return nil, err
	}

	return s.queryThings(ctx, s.stbl.
		Select(thingColumns...).
		From("thing").
		Where(sq.Eq{"type": label}).
		OrderBy("iid"))
}

// AttributesByValue see [storage.GraphReader].AttributesByValue.
func (s *Datastore) AttributesByValue(ctx context.Context, label string, value any) (storage.Iterator[*concept.Thing], error) {
	ctx, span := startTrace(ctx, "AttributesByValue")
	defer span.End()

	typ, err := s.schema.GetOfKind(label, typesystem.KindAttribute)
	if err != nil {
		return nil, err
	}
	encoded, err := concept.EncodeValue(typ.ValueType, value)
	if err != nil {
		return storage.NewStaticIterator[*concept.Thing](nil), nil
	}

	return s.queryThings(ctx, s.stbl.
		Select(thingColumns...).
		From("thing").
		Where(sq.Eq{"type": label, "value": encoded}))
}

// Attributes see [storage.GraphReader].Attributes.
func (s *Datastore) Attributes(ctx context.Context, ownerIID string) (storage.Iterator[*concept.Thing], error) {
	ctx, span := startTrace(ctx, "Attributes")
	defer span.End()

	return s.queryThings(ctx, s.stbl.
		Select(prefixed("t", thingColumns)...).
		From("has h").
		Join("thing t ON t.iid = h.attribute").
		Where(sq.Eq{"h.owner": ownerIID}).
		OrderBy("t.iid"))
}

// Owners see [storage.GraphReader].Owners.
func (s *Datastore) Owners(ctx context.Context, attributeIID string) (storage.Iterator[*concept.Thing], error) {
	ctx, span := startTrace(ctx, "Owners")
	defer span.End()

	return s.queryThings(ctx, s.stbl.
		Select(prefixed("t", thingColumns)...).
		From("has h").
		Join("thing t ON t.iid = h.owner").
		Where(sq.Eq{"h.attribute": attributeIID}).
		OrderBy("t.iid"))
}

// RolePlayers see [storage.GraphReader].RolePlayers.
func (s *Datastore) RolePlayers(ctx context.Context, relationIID string) (storage.Iterator[*storage.RoleEdge], error) {
	ctx, span := startTrace(ctx, "RolePlayers")
	defer span.End()

	return s.queryEdges(ctx, sq.Eq{"rp.relation": relationIID}, "rp.role", "rp.player")
}

// Relations see [storage.GraphReader].Relations.
func (s *Datastore) Relations(ctx context.Context, playerIID string) (storage.Iterator[*storage.RoleEdge], error) {
	ctx, span := startTrace(ctx, "Relations")
	defer span.End()

	return s.queryEdges(ctx, sq.Eq{"rp.player": playerIID}, "rp.relation", "rp.role")
}

// Rows are read eagerly so that no connection stays busy while the reasoner pulls lazily.
func (s *Datastore) queryThings(ctx context.Context, query sq.SelectBuilder) (storage.Iterator[*concept.Thing], error) {
	rows, err := query.QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var things []*concept.Thing
	for rows.Next() {
		t, err := scanThing(rows)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		things = append(things, t)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}
	return storage.NewStaticIterator(things), nil
}

func (s *Datastore) queryEdges(ctx context.Context, where sq.Eq, orderBy ...string) (storage.Iterator[*storage.RoleEdge], error) {
	columns := append([]string{"rp.role", "rp.inferred"}, prefixed("r", thingColumns)...)
	columns = append(columns, prefixed("p", thingColumns)...)

	rows, err := s.stbl.
		Select(columns...).
		From("role_player rp").
		Join("thing r ON r.iid = rp.relation").
		Join("thing p ON p.iid = rp.player").
		Where(where).
		OrderBy(orderBy...).
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var edges []*storage.RoleEdge
	for rows.Next() {
		var (
			edge             storage.RoleEdge
			relation, player thingRow
		)
		dest := append([]any{&edge.Role, &edge.Inferred}, relation.dest()...)
		dest = append(dest, player.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, HandleSQLError(err)
		}
		if edge.Relation, err = relation.thing(); err != nil {
			return nil, err
		}
		if edge.Player, err = player.thing(); err != nil {
			return nil, err
		}
		edges = append(edges, &edge)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}
	return storage.NewStaticIterator(edges), nil
}

// PutThing see [storage.GraphWriter].PutThing.
func (s *Datastore) PutThing(ctx context.Context, label, iid string, inferred bool) (*concept.Thing, error) {
	ctx, span := startTrace(ctx, "PutThing")
	defer span.End()

	typ, err := storage.ValidateThing(s.schema, label)
	if err != nil {
		return nil, err
	}
	if iid == "" {
		iid = uuid.NewString()
	}

	t := &concept.Thing{IID: iid, Type: label, Kind: typ.Kind.ThingKind(), Inferred: inferred}
	err = busyRetry(func() error {
		_, err := s.stbl.
			Insert("thing").
			Columns("iid", "type", "kind", "inferred").
			Values(t.IID, t.Type, int(t.Kind), t.Inferred).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return nil, HandleSQLError(err, iid)
	}
	return t, nil
}

// PutAttribute see [storage.GraphWriter].PutAttribute.
func (s *Datastore) PutAttribute(ctx context.Context, label string, value any, inferred bool) (*concept.Thing, error) {
	ctx, span := startTrace(ctx, "PutAttribute")
	defer span.End()

	typ, _, encoded, err := storage.ValidateAttribute(s.schema, label, value)
	if err != nil {
		return nil, err
	}

	iid := storage.AttributeIID(label, encoded)
	err = busyRetry(func() error {
		_, err := s.stbl.
			Insert("thing").
			Options("OR IGNORE").
			Columns("iid", "type", "kind", "value_type", "value", "inferred").
			Values(iid, label, int(concept.KindAttribute), int(typ.ValueType), encoded, inferred).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return nil, HandleSQLError(err)
	}
	return s.Get(ctx, iid)
}

// PutHas see [storage.GraphWriter].PutHas.
func (s *Datastore) PutHas(ctx context.Context, ownerIID, attributeIID string, inferred bool) error {
	ctx, span := startTrace(ctx, "PutHas")
	defer span.End()

	owner, attribute, err := s.pair(ctx, ownerIID, attributeIID)
	if err != nil {
		return err
	}
	if err := storage.ValidateHas(s.schema, owner, attribute); err != nil {
		return err
	}

	err = busyRetry(func() error {
		_, err := s.stbl.
			Insert("has").
			Options("OR IGNORE").
			Columns("owner", "attribute", "inferred").
			Values(ownerIID, attributeIID, inferred).
			ExecContext(ctx)
		return err
	})
	return handleWriteError(err)
}

// PutRolePlayer see [storage.GraphWriter].PutRolePlayer.
func (s *Datastore) PutRolePlayer(ctx context.Context, relationIID, role, playerIID string, inferred bool) error {
	ctx, span := startTrace(ctx, "PutRolePlayer")
	defer span.End()

	relation, player, err := s.pair(ctx, relationIID, playerIID)
	if err != nil {
		return err
	}
	scoped, err := storage.ValidateRolePlayer(s.schema, relation, role, player)
	if err != nil {
		return err
	}

	err = busyRetry(func() error {
		_, err := s.stbl.
			Insert("role_player").
			Options("OR IGNORE").
			Columns("relation", "role", "player", "inferred").
			Values(relationIID, scoped, playerIID, inferred).
			ExecContext(ctx)
		return err
	})
	return handleWriteError(err)
}

func (s *Datastore) pair(ctx context.Context, a, b string) (*concept.Thing, *concept.Thing, error) {
	first, err := s.Get(ctx, a)
	if err != nil {
		return nil, nil, fmt.Errorf("thing '%s': %w", a, err)
	}
	second, err := s.Get(ctx, b)
	if err != nil {
		return nil, nil, fmt.Errorf("thing '%s': %w", b, err)
	}
	return first, second, nil
}

// DeleteType see [storage.GraphWriter].DeleteType.
func (s *Datastore) DeleteType(ctx context.Context, label string) error {
	ctx, span := startTrace(ctx, "DeleteType")
	defer span.End()

	typ, err := s.schema.Get(label)
	if err != nil {
		return err
	}

	if typ.Kind == typesystem.KindRole {
		count, err := s.count(ctx, "role_player", sq.Eq{"role": label})
		if err != nil {
			return err
		}
		if count > 0 {
			return &typesystem.HasInstancesError{Label: label}
		}
		return s.schema.Undefine(label)
	}

	count, err := s.count(ctx, "thing", sq.Eq{"type": label})
	if err != nil {
		return err
	}
	if count > 0 {
		return &typesystem.HasInstancesError{Label: label}
	}
	for _, role := range s.schema.Relates(label) {
		if relation, _ := typesystem.SplitRoleLabel(role); relation != label {
			continue
		}
		count, err := s.count(ctx, "role_player", sq.Eq{"role": role})
		if err != nil {
			return err
		}
		if count > 0 {
			return &typesystem.HasInstancesError{Label: role}
		}
	}
	return s.schema.Undefine(label)
}

func (s *Datastore) count(ctx context.Context, table string, where sq.Eq) (int64, error) {
	var count int64
	err := s.stbl.
		Select("COUNT(*)").
		From(table).
		Where(where).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		return 0, HandleSQLError(err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

type thingRow struct {
	iid, typ string
	kind, vt int
	value    sql.NullString
	inferred bool
}

func (r *thingRow) dest() []any {
	return []any{&r.iid, &r.typ, &r.kind, &r.vt, &r.value, &r.inferred}
}

func (r *thingRow) thing() (*concept.Thing, error) {
	t := &concept.Thing{
		IID:       r.iid,
		Type:      r.typ,
		Kind:      concept.Kind(r.kind),
		ValueType: concept.ValueType(r.vt),
		Inferred:  r.inferred,
	}
	if r.value.Valid {
		v, err := concept.DecodeValue(t.ValueType, r.value.String)
		if err != nil {
			return nil, fmt.Errorf("decode value of '%s': %w", r.iid, err)
		}
		t.Value = v
	}
	return t, nil
}

func scanThing(row scanner) (*concept.Thing, error) {
	var r thingRow
	if err := row.Scan(r.dest()...); err != nil {
		return nil, err
	}
	return r.thing()
}

func prefixed(alias string, columns []string) []string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, alias+"."+c)
	}
	return out
}

func handleWriteError(err error) error {
	if err == nil {
		return nil
	}
	return HandleSQLError(err)
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			if len(args) > 0 {
				if iid, ok := args[0].(string); ok {
					return fmt.Errorf("thing '%s': %w", iid, storage.ErrCollision)
				}
			}
			return storage.ErrCollision
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather than waiting for the lock.
// This function retries the operation up to maxRetries times before returning the error.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
