package afl

import (
	"math"
	"math/rand/v2"
)

// absorbs float error in products such as 10*0.7 before flooring
const floorEpsilon = 1e-9

// distribute shuffles candidates and hands out consecutive slices of them, one per
// percentage. Slice k holds floor(basis*percentages[k]) indices, or fewer when the
// candidates run out. Leftover candidates are not assigned. The result depends only
// on the inputs and the rng stream.
func distribute(rng *rand.Rand, candidates []int, basis int, percentages []float64) [][]int {
	pool := shuffled(rng, candidates)
	buckets := make([][]int, len(percentages))
	cursor := 0
	for k, p := range percentages {
		want := int(math.Floor(float64(basis)*p + floorEpsilon))
		if want < 0 {
			want = 0
		}
		end := min(cursor+want, len(pool))
		buckets[k] = pool[cursor:end:end]
		cursor = end
	}
	return buckets
}

// shuffled returns a shuffled copy of idx.
func shuffled(rng *rand.Rand, idx []int) []int {
	out := append([]int(nil), idx...)
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// indexRange returns [start, end).
func indexRange(start, end int) []int {
	if end <= start {
		return nil
	}
	out := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, i)
	}
	return out
}
