package buffer

import (
	"sync"
	"time"
)

// freeBuffer is a pooled buffer plus the time it was put back
type freeBuffer struct {
	buf      []byte
	released time.Time
}

// SizeClassPool is a bounded free-list of buffers that all have the same length
type SizeClassPool struct {
	mu      sync.Mutex
	size    int
	maxFree int
	free    []freeBuffer
	now     func() time.Time

	allocations uint64
	reuses      uint64
	releases    uint64
	drops       uint64
}

// SizeClassStats is a snapshot of one size class
type SizeClassStats struct {
	Size        int     `json:"size"`
	Allocations uint64  `json:"allocations"`
	Reuses      uint64  `json:"reuses"`
	Releases    uint64  `json:"releases"`
	Drops       uint64  `json:"drops"`
	Free        int     `json:"free"`
	MaxFree     int     `json:"max_free"`
	HitRate     float64 `json:"hit_rate"`
}

// NewSizeClassPool creates a pool for buffers of exactly size bytes holding
// at most maxFree idle buffers.
func NewSizeClassPool(size, maxFree int, now func() time.Time) *SizeClassPool {
	if now == nil {
		now = time.Now
	}
	if maxFree < 0 {
		maxFree = 0
	}
	return &SizeClassPool{
		size:    size,
		maxFree: maxFree,
		now:     now,
	}
}

// Size returns the class size in bytes
func (p *SizeClassPool) Size() int {
	return p.size
}

// MaxFree returns the free-list cap
func (p *SizeClassPool) MaxFree() int {
	return p.maxFree
}

// Acquire returns a zeroed buffer of the class size, reusing an idle one
// when available.
func (p *SizeClassPool) Acquire() []byte {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.allocations++
		p.mu.Unlock()
		return make([]byte, p.size)
	}

	buf := p.free[n-1].buf
	p.free[n-1] = freeBuffer{}
	p.free = p.free[:n-1]
	p.reuses++
	p.mu.Unlock()

	clear(buf)
	return buf
}

// Release puts buf back on the free-list. It reports false, and leaves buf
// to the garbage collector, when the length is wrong or the list is full.
func (p *SizeClassPool) Release(buf []byte) bool {
	if len(buf) != p.size {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) >= p.maxFree {
		p.drops++
		return false
	}
	p.free = append(p.free, freeBuffer{buf: buf, released: p.now()})
	p.releases++
	return true
}

// PreAllocate adds up to n fresh buffers, bounded by the remaining room
// under the cap, and returns how many were added.
func (p *SizeClassPool) PreAllocate(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	room := p.maxFree - len(p.free)
	if n > room {
		n = room
	}
	if n <= 0 {
		return 0
	}

	now := p.now()
	for i := 0; i < n; i++ {
		p.free = append(p.free, freeBuffer{buf: make([]byte, p.size), released: now})
	}
	return n
}

// Trim drops idle buffers that have sat on the free-list longer than maxAge
// and returns how many were dropped.
func (p *SizeClassPool) Trim(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-maxAge)
	kept := p.free[:0]
	for _, fb := range p.free {
		if fb.released.Before(cutoff) {
			continue
		}
		kept = append(kept, fb)
	}

	dropped := len(p.free) - len(kept)
	for i := len(kept); i < len(p.free); i++ {
		p.free[i] = freeBuffer{}
	}
	p.free = kept
	return dropped
}

// Drain drops every idle buffer and returns how many were dropped
func (p *SizeClassPool) Drain() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	for i := range p.free {
		p.free[i] = freeBuffer{}
	}
	p.free = p.free[:0]
	return n
}

// Free returns the number of idle buffers
func (p *SizeClassPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Stats returns a snapshot of the class counters
func (p *SizeClassPool) Stats() SizeClassStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := SizeClassStats{
		Size:        p.size,
		Allocations: p.allocations,
		Reuses:      p.reuses,
		Releases:    p.releases,
		Drops:       p.drops,
		Free:        len(p.free),
		MaxFree:     p.maxFree,
	}
	if total := p.allocations + p.reuses; total > 0 {
		stats.HitRate = float64(p.reuses) / float64(total)
	}
	return stats
}
