package overlap

import "slices"

type match struct {
	a, b int // indices into the two descriptor sets
	dist int
}

// crossCheck returns the mutual nearest neighbours of the two descriptor
// sets under Hamming distance, best first. Equal distances resolve to the
// lower index on both sides.
func crossCheck(da, db []descriptor) []match {
	if len(da) == 0 || len(db) == 0 {
		return nil
	}
	bestB := make([]int, len(da))
	distB := make([]int, len(da))
	bestA := make([]int, len(db))
	distA := make([]int, len(db))
	for j := range bestA {
		distA[j] = descriptorBits + 1
	}
	for i := range da {
		distB[i] = descriptorBits + 1
		for j := range db {
			d := hamming(&da[i], &db[j])
			if d < distB[i] {
				distB[i], bestB[i] = d, j
			}
			if d < distA[j] {
				distA[j], bestA[j] = d, i
			}
		}
	}

	var out []match
	for i, j := range bestB {
		if bestA[j] == i {
			out = append(out, match{a: i, b: j, dist: distB[i]})
		}
	}
	slices.SortStableFunc(out, func(x, y match) int { return x.dist - y.dist })
	return out
}
