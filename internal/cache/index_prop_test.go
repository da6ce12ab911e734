package cache

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// indexModel mirrors the eviction rules exactly: oldest-first, skip pinned,
// stop at max/2.
type indexModel struct {
	max  int
	live map[int64]bool
	pins map[int64]int
}

func (m *indexModel) sortedLive() []int64 {
	keys := make([]int64, 0, len(m.live))
	for k := range m.live {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (m *indexModel) sweep() {
	target := m.max / 2
	for _, k := range m.sortedLive() {
		if len(m.live) <= target {
			break
		}
		if m.pins[k] == 0 {
			delete(m.live, k)
		}
	}
}

func TestIndexPropertyAgainstModel(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(2, 16).Draw(t, "max")
		x := NewIndex[int64](max)
		m := &indexModel{max: max, live: map[int64]bool{}, pins: map[int64]int{}}

		next := int64(0)
		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0, 1: // put next monotonic key
				next++
				x.Put(next, next)
				m.live[next] = true
			case 2: // pin a small range
				if next == 0 {
					continue
				}
				from := rapid.Int64Range(1, next).Draw(t, "pinFrom")
				to := from + rapid.Int64Range(0, 4).Draw(t, "pinLen")
				x.Pin(from, to)
				for k := from; k <= to; k++ {
					m.pins[k]++
				}
			case 3: // sweep
				x.Sweep()
				m.sweep()
			case 4: // evict an arbitrary range
				if next == 0 {
					continue
				}
				from := rapid.Int64Range(1, next).Draw(t, "evFrom")
				to := from + rapid.Int64Range(0, 8).Draw(t, "evLen")
				x.EvictRange(from, to)
				for k := from; k <= to; k++ {
					if m.pins[k] == 0 {
						delete(m.live, k)
					}
				}
			}

			require.Equal(t, len(m.live), x.Len(), "live size diverged")
			for k := range m.live {
				_, ok := x.Get(k)
				require.True(t, ok, "model key %d missing from index", k)
			}
		}

		// NearestBefore agrees with the model for a few probes.
		for i := 0; i < 5 && next > 0; i++ {
			q := rapid.Int64Range(0, next+2).Draw(t, "probe")
			var want int64
			found := false
			for _, k := range m.sortedLive() {
				if k <= q {
					want, found = k, true
				}
			}
			_, got, ok := x.NearestBefore(q)
			require.Equal(t, found, ok, "NearestBefore(%d) presence", q)
			if found {
				require.Equal(t, want, got, "NearestBefore(%d)", q)
			}
		}
	})
}
