package deduplication

import (
	"fmt"

	"github.com/steveyegge/dedup/internal/matching"
)

// ElectionInput carries what a MasterElector may look at
type ElectionInput struct {
	IDs        []int64
	RuleFields []string
	Values     map[int64]map[string]any
}

// MasterElector picks the record that survives a merge. Implementations must
// be deterministic and return a member of IDs.
type MasterElector interface {
	// Fields lists the extra fields the elector needs besides the rule fields.
	Fields() []string
	Elect(in ElectionInput) (int64, error)
}

// FeatureElector picks the record with the greatest tuple
// (flag fields..., number of non-empty rule fields, lowest id).
type FeatureElector struct {
	FlagFields []string
}

// NewFeatureElector returns the default elector with the given flag fields
func NewFeatureElector(flagFields ...string) *FeatureElector {
	return &FeatureElector{FlagFields: flagFields}
}

// Fields implements MasterElector
func (e *FeatureElector) Fields() []string {
	return e.FlagFields
}

// Elect implements MasterElector
func (e *FeatureElector) Elect(in ElectionInput) (int64, error) {
	if len(in.IDs) == 0 {
		return 0, fmt.Errorf("cannot elect a master from an empty group")
	}

	best := in.IDs[0]
	bestScore := e.features(in, best)
	for _, id := range in.IDs[1:] {
		score := e.features(in, id)
		if better(score, bestScore, id, best) {
			best, bestScore = id, score
		}
	}
	return best, nil
}

func (e *FeatureElector) features(in ElectionInput, id int64) []int {
	vals := in.Values[id]
	out := make([]int, 0, len(e.FlagFields)+1)
	for _, f := range e.FlagFields {
		if matching.Truthy(vals[f]) {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	}
	filled := 0
	for _, f := range in.RuleFields {
		if _, ok := matching.Text(vals[f]); ok {
			filled++
		}
	}
	return append(out, filled)
}

// better reports whether candidate a beats b. Ties go to the lower id.
func better(a, b []int, idA, idB int64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return idA < idB
}
