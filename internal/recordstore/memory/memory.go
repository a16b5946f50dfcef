// Package memory implements an in-process record store used by tests, demos
// and embedding hosts that already hold their records in memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/steveyegge/dedup/internal/matching"
	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/types"
)

// Operation names accepted by FailNext and Calls
const (
	OpDescribe       = "describe"
	OpListCandidates = "list_candidates"
	OpGroupByField   = "group_by_field"
	OpFetchFields    = "fetch_fields"
	OpApplyMerge     = "apply_merge"
)

// Record is one target record. Reference fields hold the referenced record id.
type Record struct {
	ID     int64
	Active bool
	Values map[string]any
}

// DomainFunc decides whether a record is eligible for a domain
type DomainFunc func(Record) bool

type targetType struct {
	schema       recordstore.TargetSchema
	displayField string
	records      map[int64]*Record
	nextID       int64
}

// Store is an in-memory recordstore.Adapter
type Store struct {
	mu        sync.RWMutex
	targets   map[string]*targetType
	domains   map[string]DomainFunc
	failures  map[string]int
	calls     map[string]int
	mergeHook func(targetType string, masterID int64, loserIDs []int64) error
}

var _ recordstore.Adapter = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		targets:  make(map[string]*targetType),
		domains:  make(map[string]DomainFunc),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// Define declares a target type. displayField names the field used when other
// records reference this type; it defaults to "name".
func (s *Store) Define(schema recordstore.TargetSchema, displayField string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if displayField == "" {
		displayField = "name"
	}
	if schema.Fields == nil {
		schema.Fields = make(map[string]recordstore.Field)
	}
	for name, f := range schema.Fields {
		if f.Name == "" {
			f.Name = name
			schema.Fields[name] = f
		}
	}
	s.targets[schema.Name] = &targetType{
		schema:       schema,
		displayField: displayField,
		records:      make(map[int64]*Record),
	}
}

// Put inserts or replaces an active record and returns its id. A zero id is
// assigned the next free id.
func (s *Store) Put(target string, id int64, values map[string]any) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	tt := s.mustTarget(target)
	if id == 0 {
		id = tt.nextID + 1
	}
	if id > tt.nextID {
		tt.nextID = id
	}
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	tt.records[id] = &Record{ID: id, Active: true, Values: copied}
	return id
}

// Get returns a copy of a record, including archived ones
func (s *Store) Get(target string, id int64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tt, ok := s.targets[target]
	if !ok {
		return Record{}, false
	}
	r, ok := tt.records[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(r), true
}

// RegisterDomain names a filter that configs can use as their domain
func (s *Store) RegisterDomain(name string, fn DomainFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[name] = fn
}

// FailNext makes the next n calls of op fail with ErrStoreUnavailable
func (s *Store) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = n
}

// Calls returns how many times op was invoked, failed calls included
func (s *Store) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// SetMergeHook installs a check run before a merge is applied. A non-nil error
// aborts the merge with nothing changed.
func (s *Store) SetMergeHook(fn func(targetType string, masterID int64, loserIDs []int64) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeHook = fn
}

func (s *Store) mustTarget(name string) *targetType {
	tt, ok := s.targets[name]
	if !ok {
		panic(fmt.Sprintf("memory: target type %q not defined", name))
	}
	return tt
}

// enter records a call and consumes an injected failure. Caller holds s.mu.
func (s *Store) enter(op string) error {
	s.calls[op]++
	if s.failures[op] > 0 {
		s.failures[op]--
		return recordstore.Unavailable(op, fmt.Errorf("injected failure"))
	}
	return nil
}

func (s *Store) target(name string) (*targetType, error) {
	tt, ok := s.targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", recordstore.ErrUnknownTarget, name)
	}
	return tt, nil
}

// Describe implements recordstore.Adapter
func (s *Store) Describe(ctx context.Context, targetType string) (*recordstore.TargetSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpDescribe); err != nil {
		return nil, err
	}
	tt, err := s.target(targetType)
	if err != nil {
		return nil, err
	}
	schema := tt.schema
	schema.Fields = make(map[string]recordstore.Field, len(tt.schema.Fields))
	for k, v := range tt.schema.Fields {
		schema.Fields[k] = v
	}
	return &schema, nil
}

// ListCandidates implements recordstore.Adapter
func (s *Store) ListCandidates(ctx context.Context, targetType, domain string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpListCandidates); err != nil {
		return nil, err
	}
	records, err := s.eligible(targetType, domain)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// GroupByField implements recordstore.Adapter
func (s *Store) GroupByField(ctx context.Context, q recordstore.GroupQuery) ([]recordstore.ValueGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpGroupByField); err != nil {
		return nil, err
	}
	tt, err := s.target(q.TargetType)
	if err != nil {
		return nil, err
	}
	if err := tt.schema.CheckFields(q.Field); err != nil {
		return nil, err
	}
	if q.PartitionField != "" {
		if err := tt.schema.CheckFields(q.PartitionField); err != nil {
			return nil, err
		}
	}

	records, err := s.eligible(q.TargetType, q.Domain)
	if err != nil {
		return nil, err
	}
	rows := make([]recordstore.Row, 0, len(records))
	for _, r := range records {
		row := recordstore.Row{ID: r.ID, Value: s.value(tt, r, q.Field)}
		if q.PartitionField != "" {
			row.Partition = r.Values[q.PartitionField]
		}
		rows = append(rows, row)
	}
	return recordstore.GroupRows(rows, q.MatchMode, q.PartitionField != ""), nil
}

// FetchFields implements recordstore.Adapter
func (s *Store) FetchFields(ctx context.Context, targetType string, ids []int64, fields []string) (map[int64]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpFetchFields); err != nil {
		return nil, err
	}
	tt, err := s.target(targetType)
	if err != nil {
		return nil, err
	}
	if err := tt.schema.CheckFields(fields...); err != nil {
		return nil, err
	}

	out := make(map[int64]map[string]any, len(ids))
	for _, id := range ids {
		r, ok := tt.records[id]
		if !ok {
			continue
		}
		vals := make(map[string]any, len(fields))
		for _, f := range fields {
			vals[f] = s.value(tt, r, f)
		}
		out[id] = vals
	}
	return out, nil
}

// ApplyMerge implements recordstore.Adapter
func (s *Store) ApplyMerge(ctx context.Context, targetType string, masterID int64, loserIDs []int64, mode types.RemovalMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpApplyMerge); err != nil {
		return err
	}
	tt, err := s.target(targetType)
	if err != nil {
		return err
	}
	conflict := func(reason string) error {
		return &recordstore.MergeConflictError{MasterID: masterID, LoserIDs: loserIDs, Reason: reason}
	}
	if len(loserIDs) == 0 {
		return conflict("no records to merge")
	}
	if r, ok := tt.records[masterID]; !ok || !r.Active {
		return conflict(fmt.Sprintf("master %d does not exist or is archived", masterID))
	}
	losers := make(map[int64]bool, len(loserIDs))
	for _, id := range loserIDs {
		if id == masterID {
			return conflict("master cannot be merged into itself")
		}
		if _, ok := tt.records[id]; !ok {
			return conflict(fmt.Sprintf("record %d does not exist", id))
		}
		losers[id] = true
	}
	if !mode.IsValid() {
		return conflict(fmt.Sprintf("invalid removal mode %q", mode))
	}
	if s.mergeHook != nil {
		if err := s.mergeHook(targetType, masterID, loserIDs); err != nil {
			return err
		}
	}

	// All checks passed; from here on nothing can fail.
	for _, other := range s.targets {
		for fname, f := range other.schema.Fields {
			if f.Kind != recordstore.KindReference || f.References != targetType {
				continue
			}
			for _, r := range other.records {
				if ref, ok := asID(r.Values[fname]); ok && losers[ref] {
					r.Values[fname] = masterID
				}
			}
		}
	}
	for id := range losers {
		switch mode {
		case types.RemovalDelete:
			delete(tt.records, id)
		default:
			tt.records[id].Active = false
		}
	}
	return nil
}

// eligible returns the active records matching domain, ascending by id.
// Caller holds s.mu.
func (s *Store) eligible(target, domain string) ([]*Record, error) {
	tt, err := s.target(target)
	if err != nil {
		return nil, err
	}
	match, err := s.domainFunc(tt, domain)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, r := range tt.records {
		if r.Active && match(*r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// domainFunc resolves a registered domain name, or a "field=value" equality.
func (s *Store) domainFunc(tt *targetType, domain string) (DomainFunc, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return func(Record) bool { return true }, nil
	}
	if fn, ok := s.domains[domain]; ok {
		return fn, nil
	}
	field, want, ok := strings.Cut(domain, "=")
	if !ok {
		return nil, fmt.Errorf("unknown domain %q", domain)
	}
	field = strings.TrimSpace(field)
	want = strings.Trim(strings.TrimSpace(want), `'"`)
	if err := tt.schema.CheckFields(field); err != nil {
		return nil, err
	}
	return func(r Record) bool {
		got, _ := matching.Text(r.Values[field])
		return got == want
	}, nil
}

// value returns the comparable value of field, resolving references to the
// referenced record's display field.
func (s *Store) value(tt *targetType, r *Record, field string) any {
	v := r.Values[field]
	f := tt.schema.Fields[field]
	if f.Kind != recordstore.KindReference {
		return v
	}
	id, ok := asID(v)
	if !ok {
		return nil
	}
	ref, ok := s.targets[f.References]
	if !ok {
		return nil
	}
	rec, ok := ref.records[id]
	if !ok {
		return nil
	}
	return rec.Values[ref.displayField]
}

func asID(v any) (int64, bool) {
	switch id := v.(type) {
	case int64:
		return id, id != 0
	case int:
		return int64(id), id != 0
	case int32:
		return int64(id), id != 0
	}
	return 0, false
}

func copyRecord(r *Record) Record {
	out := Record{ID: r.ID, Active: r.Active, Values: make(map[string]any, len(r.Values))}
	for k, v := range r.Values {
		out.Values[k] = v
	}
	return out
}
