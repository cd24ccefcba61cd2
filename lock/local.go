/*
Package lock provides per-key mutual exclusion for the ledger.

PURPOSE:
  Every layer-mutating operation runs under the locks of the SKUs it
  touches. Lock takes all keys for an operation at once, in sorted order, so
  two work orders touching the same SKUs in different orders cannot
  deadlock.

IMPLEMENTATIONS:
  Local: in-process, for a single server
  Redis: bsm/redislock, for several servers sharing one database

SEE ALSO:
  - fifo/engine.go: takes locks around every mutating transaction
*/
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotObtained is returned when a lock could not be acquired within the
// backend's retry budget. Callers treat it as a retriable conflict.
var ErrNotObtained = errors.New("lock not obtained")

// Normalize de-duplicates and sorts keys. All lockers acquire in this order.
func Normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// LOCAL - In-process keyed locks
// =============================================================================

type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	slot chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

// Lock blocks until every key is held or ctx is done. On failure nothing
// stays locked.
func (l *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = Normalize(keys)
	held := make([]string, 0, len(keys))

	for _, k := range keys {
		e := l.acquireEntry(k)
		select {
		case e.slot <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.releaseEntry(k, false)
			l.unlockAll(held)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.unlockAll(held) })
	}, nil
}

func (l *Local) acquireEntry(k string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[k]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		l.entries[k] = e
	}
	e.refs++
	return e
}

func (l *Local) releaseEntry(k string, drain bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[k]
	if drain {
		<-e.slot
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, k)
	}
}

func (l *Local) unlockAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.releaseEntry(keys[i], true)
	}
}
