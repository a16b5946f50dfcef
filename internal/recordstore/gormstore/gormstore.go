// Package gormstore implements recordstore.Adapter over a host SQL database
// described by a YAML registry.
package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/types"
)

// Options configures a Store
type Options struct {
	// Driver is "sqlite" or "mysql".
	Driver string
	DSN    string

	// BatchSize bounds the number of ids sent in a single IN clause.
	BatchSize int

	// SchemaCacheTTL controls how long column checks against the live schema are trusted.
	SchemaCacheTTL time.Duration

	// MaxOpenConns caps the connection pool. Zero leaves the driver default.
	MaxOpenConns int

	// Logger receives gorm's query log. Nil silences it.
	Logger gormlogger.Interface
}

// Store is a recordstore.Adapter backed by gorm
type Store struct {
	db        *gorm.DB
	registry  *Registry
	columns   *cache.Cache
	batchSize int
	logger    *slog.Logger
}

var _ recordstore.Adapter = (*Store)(nil)

// Open connects to the host database
func Open(opts Options, registry *Registry, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "sqlite", "sqlite3", "":
		dialector = sqlite.Open(opts.DSN)
	case "mysql":
		dialector = mysql.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported record store driver %q", opts.Driver)
	}

	gl := opts.Logger
	if gl == nil {
		gl = gormlogger.Default.LogMode(gormlogger.Silent)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gl,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access record store pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	return New(db, registry, opts, logger), nil
}

// New wraps an existing gorm connection. The connection should be opened with
// TranslateError enabled so constraint violations map to merge conflicts.
func New(db *gorm.DB, registry *Registry, opts Options, logger *slog.Logger) *Store {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.SchemaCacheTTL <= 0 {
		opts.SchemaCacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:       db,
		registry: registry,
		// No janitor: entries are few and expire lazily on read.
		columns:   cache.New(opts.SchemaCacheTTL, 0),
		batchSize: opts.BatchSize,
		logger:    logger.With("component", "gormstore"),
	}
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) target(name string) (*Target, error) {
	t, ok := s.registry.Targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", recordstore.ErrUnknownTarget, name)
	}
	return t, nil
}

// hasColumn checks the live schema, caching the answer
func (s *Store) hasColumn(ctx context.Context, table, column string) bool {
	key := table + "." + column
	if v, ok := s.columns.Get(key); ok {
		return v.(bool)
	}
	ok := s.db.WithContext(ctx).Migrator().HasColumn(table, column)
	s.columns.SetDefault(key, ok)
	return ok
}

// Describe implements recordstore.Adapter. Declared fields missing from the
// live table are reported as an error so misconfigured registries fail early.
func (s *Store) Describe(ctx context.Context, targetType string) (*recordstore.TargetSchema, error) {
	t, err := s.target(targetType)
	if err != nil {
		return nil, err
	}
	if !s.db.WithContext(ctx).Migrator().HasTable(t.Table) {
		if err := ctx.Err(); err != nil {
			return nil, recordstore.Unavailable("describe", err)
		}
		return nil, fmt.Errorf("target %s: table %q does not exist", t.Name, t.Table)
	}
	for _, f := range t.Fields {
		if !s.hasColumn(ctx, t.Table, f.Column) {
			return nil, fmt.Errorf("target %s: column %s.%s does not exist", t.Name, t.Table, f.Column)
		}
	}
	return t.schema(), nil
}

// scope restricts a query to the eligible rows of t
func (s *Store) scope(ctx context.Context, t *Target, domain string) *gorm.DB {
	q := s.db.WithContext(ctx).Table(t.Table)
	if t.ActiveColumn != "" {
		q = q.Where(clause.Eq{Column: clause.Column{Name: t.ActiveColumn}, Value: true})
	}
	if domain != "" {
		q = q.Where(domain)
	}
	return q
}

// ListCandidates implements recordstore.Adapter
func (s *Store) ListCandidates(ctx context.Context, targetType, domain string) ([]int64, error) {
	t, err := s.target(targetType)
	if err != nil {
		return nil, err
	}
	var ids []int64
	err = s.scope(ctx, t, domain).
		Order(clause.OrderByColumn{Column: clause.Column{Name: t.IDColumn}}).
		Pluck(t.IDColumn, &ids).Error
	if err != nil {
		return nil, translate("list candidates", err)
	}
	return ids, nil
}

// GroupByField implements recordstore.Adapter. Rows are fetched from the host
// and grouped in Go so both match modes behave the same on every driver.
func (s *Store) GroupByField(ctx context.Context, q recordstore.GroupQuery) ([]recordstore.ValueGroup, error) {
	t, err := s.target(q.TargetType)
	if err != nil {
		return nil, err
	}
	field, ok := t.field(q.Field)
	if !ok {
		return nil, &recordstore.UnknownFieldError{TargetType: t.Name, Field: q.Field}
	}
	var partition TargetField
	if q.PartitionField != "" {
		if partition, ok = t.field(q.PartitionField); !ok {
			return nil, &recordstore.UnknownFieldError{TargetType: t.Name, Field: q.PartitionField}
		}
	}

	cols := []string{t.IDColumn, field.Column}
	if q.PartitionField != "" {
		cols = append(cols, partition.Column)
	}
	rows, err := selectColumns(s.scope(ctx, t, q.Domain), cols...).Rows()
	if err != nil {
		return nil, translate("group by field", err)
	}
	defer rows.Close()

	var out []recordstore.Row
	for rows.Next() {
		var r recordstore.Row
		dest := []any{&r.ID, &r.Value}
		if q.PartitionField != "" {
			dest = append(dest, &r.Partition)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, translate("group by field", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("group by field", err)
	}

	if field.References != "" {
		names, err := s.displayNames(ctx, field.References, rowRefs(out))
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i].Value = lookupName(names, out[i].Value)
		}
	}
	return recordstore.GroupRows(out, q.MatchMode, q.PartitionField != ""), nil
}

// FetchFields implements recordstore.Adapter
func (s *Store) FetchFields(ctx context.Context, targetType string, ids []int64, fields []string) (map[int64]map[string]any, error) {
	t, err := s.target(targetType)
	if err != nil {
		return nil, err
	}
	declared := make([]TargetField, 0, len(fields))
	for _, name := range fields {
		f, ok := t.field(name)
		if !ok {
			return nil, &recordstore.UnknownFieldError{TargetType: t.Name, Field: name}
		}
		declared = append(declared, f)
	}

	cols := []string{t.IDColumn}
	for _, f := range declared {
		cols = append(cols, f.Column)
	}

	out := make(map[int64]map[string]any, len(ids))
	for _, chunk := range chunks(ids, s.batchSize) {
		rows, err := selectColumns(s.db.WithContext(ctx).Table(t.Table), cols...).
			Where(clause.IN{Column: clause.Column{Name: t.IDColumn}, Values: int64s(chunk)}).
			Rows()
		if err != nil {
			return nil, translate("fetch fields", err)
		}
		for rows.Next() {
			var id int64
			vals := make([]any, len(declared))
			dest := []any{&id}
			for i := range vals {
				dest = append(dest, &vals[i])
			}
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return nil, translate("fetch fields", err)
			}
			m := make(map[string]any, len(declared))
			for i, f := range declared {
				m[f.Name] = vals[i]
			}
			out[id] = m
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, translate("fetch fields", err)
		}
	}

	for _, f := range declared {
		if f.References == "" {
			continue
		}
		var refs []int64
		for _, m := range out {
			if id, ok := toInt64(m[f.Name]); ok {
				refs = append(refs, id)
			}
		}
		names, err := s.displayNames(ctx, f.References, refs)
		if err != nil {
			return nil, err
		}
		for _, m := range out {
			m[f.Name] = lookupName(names, m[f.Name])
		}
	}
	return out, nil
}

// displayNames resolves referenced ids of target to their display field
func (s *Store) displayNames(ctx context.Context, target string, ids []int64) (map[int64]any, error) {
	t, err := s.target(target)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]any, len(ids))
	if t.DisplayField == "" || len(ids) == 0 {
		return names, nil
	}
	display, _ := t.field(t.DisplayField)

	for _, chunk := range chunks(dedupe(ids), s.batchSize) {
		rows, err := selectColumns(s.db.WithContext(ctx).Table(t.Table), t.IDColumn, display.Column).
			Where(clause.IN{Column: clause.Column{Name: t.IDColumn}, Values: int64s(chunk)}).
			Rows()
		if err != nil {
			return nil, translate("resolve references", err)
		}
		for rows.Next() {
			var id int64
			var name any
			if err := rows.Scan(&id, &name); err != nil {
				rows.Close()
				return nil, translate("resolve references", err)
			}
			names[id] = name
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, translate("resolve references", err)
		}
	}
	return names, nil
}

// ApplyMerge implements recordstore.Adapter
func (s *Store) ApplyMerge(ctx context.Context, targetType string, masterID int64, loserIDs []int64, mode types.RemovalMode) error {
	t, err := s.target(targetType)
	if err != nil {
		return err
	}
	conflict := func(reason string, cause error) error {
		return &recordstore.MergeConflictError{MasterID: masterID, LoserIDs: loserIDs, Reason: reason, Err: cause}
	}
	if len(loserIDs) == 0 {
		return conflict("no records to merge", nil)
	}
	for _, id := range loserIDs {
		if id == masterID {
			return conflict("master cannot be merged into itself", nil)
		}
	}
	if mode == types.RemovalArchive && t.ActiveColumn == "" {
		return conflict(fmt.Sprintf("target %s has no active column to archive with", t.Name), nil)
	}

	idCol := clause.Column{Name: t.IDColumn}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		master := tx.Table(t.Table).Where(clause.Eq{Column: idCol, Value: masterID})
		if t.ActiveColumn != "" {
			master = master.Where(clause.Eq{Column: clause.Column{Name: t.ActiveColumn}, Value: true})
		}
		if err := master.Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return conflict(fmt.Sprintf("master %d does not exist or is archived", masterID), nil)
		}

		count = 0
		if err := tx.Table(t.Table).Where(clause.IN{Column: idCol, Values: int64s(loserIDs)}).Count(&count).Error; err != nil {
			return err
		}
		if count != int64(len(dedupe(loserIDs))) {
			return conflict("some records no longer exist", nil)
		}

		for _, ref := range t.References {
			col := clause.Column{Name: ref.Column}
			res := tx.Exec("UPDATE ? SET ? = ? WHERE ? IN ?",
				clause.Table{Name: ref.Table}, col, masterID, col, loserIDs)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				s.logger.Debug("rewrote references", "table", ref.Table, "column", ref.Column, "rows", res.RowsAffected)
			}
		}

		switch mode {
		case types.RemovalDelete:
			return tx.Exec("DELETE FROM ? WHERE ? IN ?", clause.Table{Name: t.Table}, idCol, loserIDs).Error
		default:
			return tx.Exec("UPDATE ? SET ? = ? WHERE ? IN ?",
				clause.Table{Name: t.Table}, clause.Column{Name: t.ActiveColumn}, false, idCol, loserIDs).Error
		}
	})
	if err == nil {
		return nil
	}

	var mce *recordstore.MergeConflictError
	if errors.As(err, &mce) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) || errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return conflict("constraint violation", err)
	}
	return translate("apply merge", err)
}

// translate classifies driver errors. Connection-level failures become
// ErrStoreUnavailable; everything else is returned wrapped.
func translate(op string, err error) error {
	if isTransient(err) {
		return recordstore.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isDriverTransient(err)
}

// selectColumns selects quoted column names
func selectColumns(q *gorm.DB, columns ...string) *gorm.DB {
	vars := make([]any, len(columns))
	for i, c := range columns {
		vars[i] = clause.Column{Name: c}
	}
	return q.Select(strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "), vars...)
}

func rowRefs(rows []recordstore.Row) []int64 {
	var ids []int64
	for _, r := range rows {
		if id, ok := toInt64(r.Value); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func lookupName(names map[int64]any, ref any) any {
	id, ok := toInt64(ref)
	if !ok {
		return nil
	}
	return names[id]
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case []byte:
		var id int64
		if _, err := fmt.Sscan(string(n), &id); err == nil {
			return id, true
		}
	}
	return 0, false
}

func chunks(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func int64s(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
