package cache

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mangacache/mangacache/pkg/utils"
)

const (
	historySize = 10

	hotWindow  = time.Second
	warmWindow = 5 * time.Second

	// DefaultMaxTrackedKeys bounds the number of keys with access history
	DefaultMaxTrackedKeys = 100000

	// pruneSample is how many keys are inspected to pick one to forget
	// when the tracker is full
	pruneSample = 5
)

// accessHistory is a ring of the most recent access times of one key
type accessHistory struct {
	times [historySize]time.Time
	n     int
	next  int
	group uint64
}

func (h *accessHistory) record(now time.Time) {
	h.times[h.next] = now
	h.next = (h.next + 1) % historySize
	if h.n < historySize {
		h.n++
	}
}

// recent returns the i-th most recent access, 0 being the newest
func (h *accessHistory) recent(i int) time.Time {
	return h.times[(h.next-1-i+2*historySize)%historySize]
}

func (h *accessHistory) newest() time.Time {
	return h.recent(0)
}

// spans reports whether the k most recent accesses fall within window
func (h *accessHistory) spans(k int, window time.Duration) bool {
	if h.n < k {
		return false
	}
	return h.newest().Sub(h.recent(k-1)) < window
}

// AccessPatternTracker keeps a bounded access history per key and groups
// keys by an xxhash of their directory so misses can reward neighbours.
// It is not safe for concurrent use; the cache serializes access to it.
type AccessPatternTracker struct {
	maxKeys int
	keys    map[string]*accessHistory
	groups  map[uint64]map[string]struct{}
}

// NewAccessPatternTracker creates a tracker holding at most maxKeys histories
func NewAccessPatternTracker(maxKeys int) *AccessPatternTracker {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxTrackedKeys
	}
	return &AccessPatternTracker{
		maxKeys: maxKeys,
		keys:    make(map[string]*accessHistory),
		groups:  make(map[uint64]map[string]struct{}),
	}
}

// PrefixGroup hashes the directory part of key
func PrefixGroup(key string) uint64 {
	return xxhash.Sum64String(utils.KeyPrefix(key))
}

// Record notes an access to key at now
func (t *AccessPatternTracker) Record(key string, now time.Time) {
	h, ok := t.keys[key]
	if !ok {
		if len(t.keys) >= t.maxKeys {
			t.forgetOne()
		}
		h = &accessHistory{group: PrefixGroup(key)}
		t.keys[key] = h
		members, ok := t.groups[h.group]
		if !ok {
			members = make(map[string]struct{})
			t.groups[h.group] = members
		}
		members[key] = struct{}{}
	}
	h.record(now)
}

// forgetOne drops the stalest of a few keys sampled from the map
func (t *AccessPatternTracker) forgetOne() {
	var (
		victim string
		oldest time.Time
		seen   int
	)
	for key, h := range t.keys {
		if seen == 0 || h.newest().Before(oldest) {
			victim, oldest = key, h.newest()
		}
		seen++
		if seen >= pruneSample {
			break
		}
	}
	if seen > 0 {
		t.forget(victim)
	}
}

func (t *AccessPatternTracker) forget(key string) {
	h, ok := t.keys[key]
	if !ok {
		return
	}
	delete(t.keys, key)
	if members := t.groups[h.group]; members != nil {
		delete(members, key)
		if len(members) == 0 {
			delete(t.groups, h.group)
		}
	}
}

// IsPredictedHot reports whether the three most recent accesses to key
// happened within one second
func (t *AccessPatternTracker) IsPredictedHot(key string) bool {
	h, ok := t.keys[key]
	return ok && h.spans(3, hotWindow)
}

// IsPredictedWarm reports whether the two most recent accesses to key
// happened within five seconds
func (t *AccessPatternTracker) IsPredictedWarm(key string) bool {
	h, ok := t.keys[key]
	return ok && h.spans(2, warmWindow)
}

// Related returns the other tracked keys in key's prefix group
func (t *AccessPatternTracker) Related(key string) []string {
	members := t.groups[PrefixGroup(key)]
	if len(members) == 0 {
		return nil
	}
	related := make([]string, 0, len(members))
	for k := range members {
		if k != key {
			related = append(related, k)
		}
	}
	return related
}

// Accesses returns how many timestamps are held for key
func (t *AccessPatternTracker) Accesses(key string) int {
	if h, ok := t.keys[key]; ok {
		return h.n
	}
	return 0
}

// Prune forgets keys whose newest access is before olderThan
func (t *AccessPatternTracker) Prune(olderThan time.Time) int {
	pruned := 0
	for key, h := range t.keys {
		if h.newest().Before(olderThan) {
			t.forget(key)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked keys
func (t *AccessPatternTracker) Len() int {
	return len(t.keys)
}
