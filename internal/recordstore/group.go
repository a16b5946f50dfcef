package recordstore

import (
	"sort"

	"github.com/steveyegge/dedup/internal/matching"
	"github.com/steveyegge/dedup/internal/types"
)

// Row is one record's value for a grouped field
type Row struct {
	ID        int64
	Value     any
	Partition any
}

// GroupRows applies the GroupByField contract to raw rows: values are folded
// under mode, empty values dropped, rows split by partition when partitioned
// is set, and only sets of two or more distinct ids kept. Output is sorted by
// smallest id, ids ascending.
func GroupRows(rows []Row, mode types.MatchMode, partitioned bool) []ValueGroup {
	type bucketKey struct {
		partition string
		value     string
	}
	buckets := make(map[bucketKey]map[int64]struct{})
	firstValue := make(map[bucketKey]string)

	for _, r := range rows {
		key, ok := matching.Key(r.Value, mode)
		if !ok {
			continue
		}
		bk := bucketKey{value: key}
		if partitioned {
			// Records without a partition value share the "none" partition.
			bk.partition, _ = matching.Text(r.Partition)
		}
		ids, ok := buckets[bk]
		if !ok {
			ids = make(map[int64]struct{})
			buckets[bk] = ids
			firstValue[bk] = key
		}
		ids[r.ID] = struct{}{}
	}

	groups := make([]ValueGroup, 0, len(buckets))
	for bk, set := range buckets {
		if len(set) < 2 {
			continue
		}
		ids := make([]int64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		groups = append(groups, ValueGroup{Value: firstValue[bk], IDs: ids})
	}
	SortGroups(groups)
	return groups
}

// SortGroups orders groups by their smallest id
func SortGroups(groups []ValueGroup) {
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].IDs[0] < groups[j].IDs[0]
	})
}
