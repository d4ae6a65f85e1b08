package cache

import (
	"time"
)

const (
	frequencyWeight = 0.4
	recencyWeight   = 0.3
	densityWeight   = 0.2
	localityWeight  = 0.1
)

// Score rates how much an entry is worth keeping; the lowest score in a
// tier is evicted first. age is the time since the entry was last accessed
// and is measured in milliseconds.
func Score(e EntryInfo, age time.Duration) float64 {
	ageMs := float64(age) / float64(time.Millisecond)
	if ageMs < 0 {
		ageMs = 0
	}
	size := float64(e.Size)
	if size < 1 {
		size = 1
	}
	count := float64(e.AccessCount)

	return count*frequencyWeight +
		(1/(ageMs+1))*10000*recencyWeight +
		(count/size)*1000*densityWeight +
		e.PrefetchScore*localityWeight
}
