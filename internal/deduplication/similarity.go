package deduplication

import (
	"github.com/steveyegge/dedup/internal/matching"
	"github.com/steveyegge/dedup/internal/types"
)

// Score returns the similarity of the records ids in [0,1]: for each rule the
// fraction of ordered pairs agreeing on the rule's field under its match mode,
// averaged uniformly over rules. Empty values never agree. Rules are visited in
// ascending id order so rescoring a group is reproducible bit for bit.
func Score(rules []types.Rule, ids []int64, values map[int64]map[string]any) float64 {
	n := len(ids)
	if len(rules) == 0 || n < 2 {
		return 0
	}
	cfg := types.DeduplicationConfig{Rules: rules}
	pairs := float64(n * (n - 1))

	var total float64
	for _, rule := range cfg.SortedRules() {
		counts := make(map[string]int, n)
		for _, id := range ids {
			key, ok := matching.Key(values[id][rule.Field], rule.MatchMode)
			if !ok {
				continue
			}
			counts[key]++
		}
		var agree int
		for _, c := range counts {
			agree += c * (c - 1)
		}
		total += float64(agree) / pairs
	}
	return total / float64(len(rules))
}
