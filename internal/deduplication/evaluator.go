package deduplication

import (
	"context"
	"fmt"

	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/types"
)

// Evaluator turns one rule into the id-sets of records colliding on its field
type Evaluator struct {
	adapter recordstore.Adapter
}

// NewEvaluator creates an evaluator over adapter
func NewEvaluator(adapter recordstore.Adapter) *Evaluator {
	return &Evaluator{adapter: adapter}
}

// Evaluate returns the sets for rule. The target's partition field is honored
// unless the config allows cross-partition matches. Sets are sorted, contain
// no repeated ids and have at least two members.
func (e *Evaluator) Evaluate(ctx context.Context, cfg *types.DeduplicationConfig, rule types.Rule, schema *recordstore.TargetSchema) ([][]int64, error) {
	q := recordstore.GroupQuery{
		TargetType: cfg.TargetType,
		Field:      rule.Field,
		Domain:     cfg.Domain,
		MatchMode:  rule.MatchMode,
	}
	if !cfg.CrossPartition && schema != nil {
		q.PartitionField = schema.PartitionField
	}

	groups, err := e.adapter.GroupByField(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("rule %s (%s): %w", rule.Field, rule.MatchMode, err)
	}

	sets := make([][]int64, 0, len(groups))
	for _, g := range groups {
		if set := NormalizeSet(g.IDs); len(set) >= 2 {
			sets = append(sets, set)
		}
	}
	SortSets(sets)
	return sets, nil
}

// Restrict drops ids outside allowed from every set, discarding sets left
// with fewer than two members
func Restrict(sets [][]int64, allowed map[int64]bool) [][]int64 {
	out := make([][]int64, 0, len(sets))
	for _, set := range sets {
		kept := make([]int64, 0, len(set))
		for _, id := range set {
			if allowed[id] {
				kept = append(kept, id)
			}
		}
		if len(kept) >= 2 {
			out = append(out, kept)
		}
	}
	return out
}
