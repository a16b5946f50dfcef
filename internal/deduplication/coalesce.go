package deduplication

import (
	"slices"
	"sort"
)

// Coalesce returns the connected components of the overlap graph of sets:
// ids that appear together in any input set end up in the same output set.
// The output is sorted by smallest id and each set is sorted ascending.
func Coalesce(sets [][]int64) [][]int64 {
	uf := newUnionFind()
	for _, set := range sets {
		if len(set) == 0 {
			continue
		}
		uf.add(set[0])
		for _, id := range set[1:] {
			uf.union(set[0], id)
		}
	}

	components := make(map[int64][]int64)
	for id := range uf.parent {
		root := uf.find(id)
		components[root] = append(components[root], id)
	}

	out := make([][]int64, 0, len(components))
	for _, ids := range components {
		if len(ids) < 2 {
			continue
		}
		slices.Sort(ids)
		out = append(out, ids)
	}
	SortSets(out)
	return out
}

// PassThrough keeps every input set as is, only normalizing order. Used when
// coalescing is disabled.
func PassThrough(sets [][]int64) [][]int64 {
	out := make([][]int64, 0, len(sets))
	for _, set := range sets {
		if s := NormalizeSet(set); len(s) >= 2 {
			out = append(out, s)
		}
	}
	SortSets(out)
	return out
}

// NormalizeSet returns a sorted copy of ids without repeats
func NormalizeSet(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// SortSets orders sets by smallest id, then lexicographically
func SortSets(sets [][]int64) {
	sort.SliceStable(sets, func(i, j int) bool {
		return slices.Compare(sets[i], sets[j]) < 0
	})
}

type unionFind struct {
	parent map[int64]int64
	rank   map[int64]int
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[int64]int64), rank: make(map[int64]int)}
}

func (u *unionFind) add(x int64) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
}

func (u *unionFind) find(x int64) int64 {
	u.add(x)
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[x] != root {
		next := u.parent[x]
		u.parent[x] = root
		x = next
	}
	return root
}

func (u *unionFind) union(a, b int64) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
