// Package recordstore defines the boundary between the engine and the external
// store holding the records being deduplicated.
package recordstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/steveyegge/dedup/internal/types"
)

// Adapter is the only component aware of the external record schema.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Describe returns the field catalogue of targetType, or ErrUnknownTarget.
	Describe(ctx context.Context, targetType string) (*TargetSchema, error)

	// ListCandidates returns the ids of the records matching domain, ascending.
	ListCandidates(ctx context.Context, targetType, domain string) ([]int64, error)

	// GroupByField returns the id-sets whose values in q.Field are equal under
	// q.MatchMode. Only sets of two or more ids are returned, empty values are
	// excluded, and reference fields compare by the referenced display name.
	GroupByField(ctx context.Context, q GroupQuery) ([]ValueGroup, error)

	// FetchFields returns field values keyed by record id then field name.
	FetchFields(ctx context.Context, targetType string, ids []int64, fields []string) (map[int64]map[string]any, error)

	// ApplyMerge points every reference to a loser at master, then archives or
	// deletes the losers. Either the whole merge is visible or none of it.
	ApplyMerge(ctx context.Context, targetType string, masterID int64, loserIDs []int64, mode types.RemovalMode) error
}

// GroupQuery selects the records and field compared by GroupByField
type GroupQuery struct {
	TargetType string
	Field      string
	Domain     string
	MatchMode  types.MatchMode

	// PartitionField, when set, keeps records with different partition values apart.
	PartitionField string
}

// ValueGroup is one set of records sharing a value
type ValueGroup struct {
	Value string
	IDs   []int64
}

// FieldKind distinguishes plain values from references to other records
type FieldKind string

const (
	KindScalar    FieldKind = "scalar"
	KindReference FieldKind = "reference"
)

// Field describes one declared field of a target type
type Field struct {
	Name       string    `json:"name" yaml:"name"`
	Kind       FieldKind `json:"kind" yaml:"kind"`
	References string    `json:"references,omitempty" yaml:"references,omitempty"`
}

// TargetSchema is the field catalogue of a target type
type TargetSchema struct {
	Name           string           `json:"name"`
	Label          string           `json:"label"`
	PartitionField string           `json:"partition_field,omitempty"`
	Fields         map[string]Field `json:"fields"`
}

// HasField reports whether name is a declared field
func (s *TargetSchema) HasField(name string) bool {
	_, ok := s.Fields[name]
	return ok
}

// FieldNames returns the declared field names, sorted
func (s *TargetSchema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DisplayLabel returns Label, falling back to Name
func (s *TargetSchema) DisplayLabel() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Name
}

// CheckFields returns an UnknownFieldError for the first undeclared field
func (s *TargetSchema) CheckFields(fields ...string) error {
	for _, f := range fields {
		if !s.HasField(f) {
			return &UnknownFieldError{TargetType: s.Name, Field: f}
		}
	}
	return nil
}

// String implements fmt.Stringer
func (s *TargetSchema) String() string {
	return fmt.Sprintf("%s (%d fields)", s.DisplayLabel(), len(s.Fields))
}
