package search

// RRFK is the reciprocal-rank-fusion smoothing constant.
const RRFK = 60

// fuseRRF combines ranked id lists by reciprocal rank fusion: each list
// contributes 1/(k + rank + 1) for every id it holds, ranks starting at 0.
// Ids absent from a list contribute nothing for that list.
func fuseRRF(lists ...[]int64) map[int64]float64 {
	scores := make(map[int64]float64)
	for _, list := range lists {
		for rank, id := range list {
			scores[id] += 1 / float64(RRFK+rank+1)
		}
	}
	return scores
}
