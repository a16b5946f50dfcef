package merge

import (
	"context"
	"sort"
	"sync"
)

type recordKey struct {
	targetType string
	id         int64
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// RecordLocker hands out exclusive in-process locks on target records.
// Locks for one call are always taken in ascending id order, so two merges
// over overlapping records cannot deadlock.
type RecordLocker struct {
	mu    sync.Mutex
	locks map[recordKey]*lockEntry
}

// NewRecordLocker creates an empty locker
func NewRecordLocker() *RecordLocker {
	return &RecordLocker{locks: make(map[recordKey]*lockEntry)}
}

// Lock blocks until every id of targetType is held or ctx is done.
// The returned function releases all of them.
func (l *RecordLocker) Lock(ctx context.Context, targetType string, ids []int64) (func(), error) {
	keys := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			keys = append(keys, id)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	held := make([]recordKey, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i], true)
		}
	}

	for _, id := range keys {
		key := recordKey{targetType: targetType, id: id}
		entry := l.acquireRef(key)
		select {
		case entry.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.release(key, false)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Held returns the number of records currently locked or waited on
func (l *RecordLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *RecordLocker) acquireRef(key recordKey) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (l *RecordLocker) release(key recordKey, locked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.locks[key]
	if locked {
		<-entry.ch
	}
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}
