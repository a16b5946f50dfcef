package deduplication

import (
	"sort"

	"github.com/steveyegge/dedup/internal/types"
)

// Action is the outcome of classifying a candidate set
type Action int

const (
	// ActionCreate means the set is new and must be materialized
	ActionCreate Action = iota
	// ActionSkip means an active group already covers the set
	ActionSkip
)

// Decision is the result of GroupIndex.Classify
type Decision struct {
	Action Action

	// Covering is the active group containing the set when Action is ActionSkip.
	Covering *types.DuplicateGroup

	// Suppressed is set when the set was skipped because an operator discarded
	// a group containing it.
	Suppressed bool

	// Replaces lists the active groups the set strictly extends, by ascending id.
	Replaces []*types.DuplicateGroup
}

// GroupIndex answers subset queries against the active groups of one config
type GroupIndex struct {
	groups   map[int64]*types.DuplicateGroup
	keys     map[*types.DuplicateGroup]int64
	byRecord map[int64]map[int64]struct{}
	nextTemp int64

	discarded [][]int64
	byMember  map[int64][]int
}

// NewGroupIndex indexes the given active groups
func NewGroupIndex(groups []*types.DuplicateGroup) *GroupIndex {
	idx := &GroupIndex{
		groups:   make(map[int64]*types.DuplicateGroup, len(groups)),
		keys:     make(map[*types.DuplicateGroup]int64, len(groups)),
		byRecord: make(map[int64]map[int64]struct{}),
	}
	for _, g := range groups {
		idx.Add(g)
	}
	return idx
}

// Len returns the number of indexed groups
func (idx *GroupIndex) Len() int {
	return len(idx.groups)
}

// Add indexes g. Groups without an id get a negative placeholder so that
// groups pending in an uncommitted batch still take part in classification.
func (idx *GroupIndex) Add(g *types.DuplicateGroup) {
	key := g.ID
	if key == 0 {
		idx.nextTemp--
		key = idx.nextTemp
	}
	idx.groups[key] = g
	idx.keys[g] = key
	for _, r := range g.Records {
		set, ok := idx.byRecord[r.TargetID]
		if !ok {
			set = make(map[int64]struct{})
			idx.byRecord[r.TargetID] = set
		}
		set[key] = struct{}{}
	}
}

// Remove drops the group with id from the index
func (idx *GroupIndex) Remove(id int64) {
	g, ok := idx.groups[id]
	if !ok {
		return
	}
	delete(idx.groups, id)
	delete(idx.keys, g)
	for _, r := range g.Records {
		if set, ok := idx.byRecord[r.TargetID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(idx.byRecord, r.TargetID)
			}
		}
	}
}

// Suppress makes Classify skip any set contained in one of sets
func (idx *GroupIndex) Suppress(sets [][]int64) {
	if idx.byMember == nil {
		idx.byMember = make(map[int64][]int)
	}
	for _, set := range sets {
		if len(set) == 0 {
			continue
		}
		n := len(idx.discarded)
		idx.discarded = append(idx.discarded, set)
		for _, id := range set {
			idx.byMember[id] = append(idx.byMember[id], n)
		}
	}
}

// RemoveGroup drops g from the index, whether or not it has been assigned an id yet
func (idx *GroupIndex) RemoveGroup(g *types.DuplicateGroup) {
	if key, ok := idx.keys[g]; ok {
		idx.Remove(key)
	}
}

// Classify decides what to do with candidate set s (sorted, no repeats).
// s is skipped when an indexed group contains all of it; otherwise it is
// created, replacing every indexed group it strictly contains.
func (idx *GroupIndex) Classify(s []int64) Decision {
	if len(s) == 0 {
		return Decision{Action: ActionSkip}
	}
	members := make(map[int64]bool, len(s))
	for _, id := range s {
		members[id] = true
	}

	for _, n := range idx.byMember[s[0]] {
		if containsIDs(idx.discarded[n], s) {
			return Decision{Action: ActionSkip, Suppressed: true}
		}
	}

	// Any group covering s must contain s[0].
	for _, key := range sortedKeys(idx.byRecord[s[0]]) {
		g := idx.groups[key]
		if len(g.Records) >= len(s) && containsAll(g, s) {
			return Decision{Action: ActionSkip, Covering: g}
		}
	}

	seen := make(map[int64]bool)
	var replaces []*types.DuplicateGroup
	for _, id := range s {
		for key := range idx.byRecord[id] {
			if seen[key] {
				continue
			}
			seen[key] = true
			g := idx.groups[key]
			if subsetOf(g, members) {
				replaces = append(replaces, g)
			}
		}
	}
	sort.Slice(replaces, func(i, j int) bool { return replaces[i].ID < replaces[j].ID })
	return Decision{Action: ActionCreate, Replaces: replaces}
}

// Inherit carries operator decisions from replaced groups onto a new set:
// the first replaced group's master still in s, and discarded flags of
// records present in both.
func Inherit(s []int64, replaced []*types.DuplicateGroup) (master *int64, discarded map[int64]bool) {
	members := make(map[int64]bool, len(s))
	for _, id := range s {
		members[id] = true
	}
	discarded = make(map[int64]bool)
	for _, g := range replaced {
		if master == nil && g.MasterID != nil && members[*g.MasterID] {
			m := *g.MasterID
			master = &m
		}
		for _, r := range g.Records {
			if r.IsDiscarded && members[r.TargetID] {
				discarded[r.TargetID] = true
			}
		}
	}
	if master != nil && discarded[*master] {
		master = nil
	}
	return master, discarded
}

// Contained returns the groups whose members all belong to another group of
// groups. Of two groups with the same members, the one with the higher id is
// returned. The result is ordered by ascending id.
func Contained(groups []*types.DuplicateGroup) []*types.DuplicateGroup {
	byRecord := make(map[int64][]*types.DuplicateGroup)
	for _, g := range groups {
		for _, r := range g.Records {
			byRecord[r.TargetID] = append(byRecord[r.TargetID], g)
		}
	}

	var out []*types.DuplicateGroup
	for _, g := range groups {
		if len(g.Records) == 0 {
			continue
		}
		ids := g.MemberIDs()
		for _, other := range byRecord[ids[0]] {
			if other == g || len(other.Records) < len(g.Records) {
				continue
			}
			if len(other.Records) == len(g.Records) && other.ID > g.ID {
				continue
			}
			if containsAll(other, ids) {
				out = append(out, g)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func containsIDs(set, s []int64) bool {
	have := make(map[int64]bool, len(set))
	for _, id := range set {
		have[id] = true
	}
	for _, id := range s {
		if !have[id] {
			return false
		}
	}
	return true
}

func containsAll(g *types.DuplicateGroup, s []int64) bool {
	have := make(map[int64]bool, len(g.Records))
	for _, r := range g.Records {
		have[r.TargetID] = true
	}
	for _, id := range s {
		if !have[id] {
			return false
		}
	}
	return true
}

func subsetOf(g *types.DuplicateGroup, members map[int64]bool) bool {
	for _, r := range g.Records {
		if !members[r.TargetID] {
			return false
		}
	}
	return true
}

func sortedKeys(m map[int64]struct{}) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
