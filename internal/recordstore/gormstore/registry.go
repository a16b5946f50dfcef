package gormstore

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/dedup/internal/recordstore"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Registry maps target types onto tables of the host database
type Registry struct {
	Targets map[string]*Target `yaml:"targets"`
}

// Target describes how one target type is stored
type Target struct {
	Name  string `yaml:"-"`
	Label string `yaml:"label"`
	Table string `yaml:"table"`

	// IDColumn defaults to "id".
	IDColumn string `yaml:"id_column"`

	// ActiveColumn holds the archive flag. Without it only delete merges work
	// and every row is a candidate.
	ActiveColumn string `yaml:"active_column"`

	// DisplayField is shown when another record references this one.
	DisplayField   string        `yaml:"display_field"`
	PartitionField string        `yaml:"partition_field"`
	Fields         []TargetField `yaml:"fields"`

	// References lists every column in the host database pointing at this
	// target's ids. They are rewritten to the master on merge.
	References []Reference `yaml:"references"`
}

// TargetField is a declared field of a target
type TargetField struct {
	Name       string `yaml:"name"`
	Column     string `yaml:"column"`
	References string `yaml:"references"`
}

// Reference is a foreign-key column pointing at a target
type Reference struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
}

// LoadRegistry reads a YAML registry file
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	reg, err := ParseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("invalid registry %s: %w", path, err)
	}
	return reg, nil
}

// ParseRegistry decodes and validates a YAML registry
func ParseRegistry(data []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	for name, t := range reg.Targets {
		if t == nil {
			return nil, fmt.Errorf("target %q has no definition", name)
		}
		t.Name = name
		if t.IDColumn == "" {
			t.IDColumn = "id"
		}
		for i := range t.Fields {
			if t.Fields[i].Column == "" {
				t.Fields[i].Column = t.Fields[i].Name
			}
		}
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Validate checks identifiers and cross-target references
func (r *Registry) Validate() error {
	if len(r.Targets) == 0 {
		return fmt.Errorf("registry declares no targets")
	}
	for _, name := range r.names() {
		t := r.Targets[name]
		idents := []string{t.Table, t.IDColumn}
		if t.ActiveColumn != "" {
			idents = append(idents, t.ActiveColumn)
		}
		for _, id := range idents {
			if !identRe.MatchString(id) {
				return fmt.Errorf("target %s: invalid identifier %q", name, id)
			}
		}

		declared := make(map[string]bool, len(t.Fields))
		for _, f := range t.Fields {
			if f.Name == "" {
				return fmt.Errorf("target %s: field without a name", name)
			}
			if declared[f.Name] {
				return fmt.Errorf("target %s: field %q declared twice", name, f.Name)
			}
			declared[f.Name] = true
			if !identRe.MatchString(f.Column) {
				return fmt.Errorf("target %s: invalid column %q", name, f.Column)
			}
			if f.References != "" {
				if _, ok := r.Targets[f.References]; !ok {
					return fmt.Errorf("target %s: field %s references unknown target %q", name, f.Name, f.References)
				}
			}
		}
		if t.DisplayField != "" && !declared[t.DisplayField] {
			return fmt.Errorf("target %s: display_field %q is not a declared field", name, t.DisplayField)
		}
		if t.PartitionField != "" && !declared[t.PartitionField] {
			return fmt.Errorf("target %s: partition_field %q is not a declared field", name, t.PartitionField)
		}
		for _, ref := range t.References {
			if !identRe.MatchString(ref.Table) || !identRe.MatchString(ref.Column) {
				return fmt.Errorf("target %s: invalid reference %s.%s", name, ref.Table, ref.Column)
			}
		}
	}
	return nil
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.Targets))
	for name := range r.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Target) field(name string) (TargetField, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return TargetField{}, false
}

func (t *Target) schema() *recordstore.TargetSchema {
	s := &recordstore.TargetSchema{
		Name:           t.Name,
		Label:          t.Label,
		PartitionField: t.PartitionField,
		Fields:         make(map[string]recordstore.Field, len(t.Fields)),
	}
	for _, f := range t.Fields {
		kind := recordstore.KindScalar
		if f.References != "" {
			kind = recordstore.KindReference
		}
		s.Fields[f.Name] = recordstore.Field{Name: f.Name, Kind: kind, References: f.References}
	}
	return s
}
