package cache

import (
	"time"
)

// entry is a resident cache value. buf is a full size-class buffer owned by
// the entry; the payload is buf[:length].
type entry struct {
	key    string
	buf    []byte
	length int
	size   int64

	accessCount   uint32
	lastAccess    time.Time
	created       time.Time
	tier          Tier
	prefetchScore float64
}

func (e *entry) payload() []byte {
	return e.buf[:e.length]
}

func (e *entry) touch(now time.Time) {
	if e.accessCount < ^uint32(0) {
		e.accessCount++
	}
	e.lastAccess = now
}

func (e *entry) bumpPrefetchScore(delta float64) {
	e.prefetchScore += delta
	if e.prefetchScore > 1.0 {
		e.prefetchScore = 1.0
	}
}

func (e *entry) info() EntryInfo {
	return EntryInfo{
		Key:           e.key,
		Size:          e.size,
		AccessCount:   e.accessCount,
		LastAccess:    e.lastAccess,
		Created:       e.created,
		Tier:          e.tier,
		PrefetchScore: e.prefetchScore,
	}
}

// EntryInfo is a read-only snapshot of a resident entry's metadata
type EntryInfo struct {
	Key           string    `json:"key"`
	Size          int64     `json:"size"`
	AccessCount   uint32    `json:"access_count"`
	LastAccess    time.Time `json:"last_access"`
	Created       time.Time `json:"created"`
	Tier          Tier      `json:"tier"`
	PrefetchScore float64   `json:"prefetch_score"`
}
