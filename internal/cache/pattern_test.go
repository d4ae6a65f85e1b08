package cache

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAccessPatternTracker_Predictions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		offsets  []time.Duration
		wantHot  bool
		wantWarm bool
	}{
		{name: "never seen"},
		{name: "single access", offsets: []time.Duration{0}},
		{name: "two quick", offsets: []time.Duration{0, 100 * time.Millisecond}, wantWarm: true},
		{name: "two slow", offsets: []time.Duration{0, 5 * time.Second}},
		{name: "three within a second", offsets: []time.Duration{0, 400 * time.Millisecond, 999 * time.Millisecond}, wantHot: true, wantWarm: true},
		{name: "three spanning a second", offsets: []time.Duration{0, 500 * time.Millisecond, time.Second}, wantWarm: true},
		{name: "old burst then slow", offsets: []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 10 * time.Second}},
		{name: "slow then burst", offsets: []time.Duration{0, 10 * time.Second, 10*time.Second + 1, 10*time.Second + 2}, wantHot: true, wantWarm: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tracker := NewAccessPatternTracker(0)
			for _, off := range tt.offsets {
				tracker.Record("k/001.jpg", t0.Add(off))
			}
			assert.Equal(t, tt.wantHot, tracker.IsPredictedHot("k/001.jpg"))
			assert.Equal(t, tt.wantWarm, tracker.IsPredictedWarm("k/001.jpg"))
		})
	}
}

func TestAccessPatternTracker_HistoryIsBounded(t *testing.T) {
	tracker := NewAccessPatternTracker(0)
	for i := 0; i < 25; i++ {
		tracker.Record("k", t0.Add(time.Duration(i)*time.Hour))
	}
	assert.Equal(t, historySize, tracker.Accesses("k"))

	// The newest three must still be the ones compared after wrapping.
	tracker.Record("k", t0.Add(30*time.Hour))
	tracker.Record("k", t0.Add(30*time.Hour+time.Millisecond))
	assert.False(t, tracker.IsPredictedHot("k"))
	tracker.Record("k", t0.Add(30*time.Hour+2*time.Millisecond))
	assert.True(t, tracker.IsPredictedHot("k"))
}

func TestAccessPatternTracker_Related(t *testing.T) {
	tracker := NewAccessPatternTracker(0)
	for _, key := range []string{"s/v1/001.jpg", "s/v1/002.jpg", "s/v2/001.jpg", "cover.png"} {
		tracker.Record(key, t0)
	}

	related := tracker.Related("s/v1/003.jpg")
	sort.Strings(related)
	assert.Equal(t, []string{"s/v1/001.jpg", "s/v1/002.jpg"}, related)

	assert.Equal(t, []string{"s/v1/002.jpg"}, tracker.Related("s/v1/001.jpg"), "a key is not related to itself")
	assert.Empty(t, tracker.Related("other/001.jpg"))
	assert.Equal(t, PrefixGroup("s/v1/001.jpg"), PrefixGroup("s/v1/999.png"))
	assert.NotEqual(t, PrefixGroup("s/v1/001.jpg"), PrefixGroup("s/v2/001.jpg"))
}

func TestAccessPatternTracker_Prune(t *testing.T) {
	tracker := NewAccessPatternTracker(0)
	tracker.Record("old/1.jpg", t0)
	tracker.Record("new/1.jpg", t0.Add(time.Hour))

	assert.Equal(t, 1, tracker.Prune(t0.Add(time.Minute)))
	assert.Equal(t, 1, tracker.Len())
	assert.Empty(t, tracker.Related("old/2.jpg"), "pruned keys leave their group")
}

func TestAccessPatternTracker_MaxKeys(t *testing.T) {
	tracker := NewAccessPatternTracker(50)
	for i := 0; i < 500; i++ {
		tracker.Record(fmt.Sprintf("d%d/%03d.jpg", i%7, i), t0.Add(time.Duration(i)*time.Second))
	}
	require.Equal(t, 50, tracker.Len())
	assert.Equal(t, 1, tracker.Accesses("d2/499.jpg"), "the newest key is always kept")

	total := 0
	for g := 0; g < 7; g++ {
		total += len(tracker.Related(fmt.Sprintf("d%d/x.jpg", g)))
	}
	assert.Equal(t, 50, total, "groups stay in sync with tracked keys")
}
