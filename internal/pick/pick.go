// Package pick holds the weighted single-draw primitive shared by payload
// composition.
package pick

import "math/rand"

// Weighted draws one item with probability proportional to weightOf(item).
//
//   - Empty input: ok == false, never an error.
//   - Weight sum <= 0: uniform pick across all items, weights ignored.
//   - Otherwise: one proportional draw. Negative weights count into the sum
//     but never into the draw itself.
func Weighted[T any](rng *rand.Rand, items []T, weightOf func(T) int) (item T, ok bool) {
	if len(items) == 0 {
		return item, false
	}

	total := 0
	posTotal := 0
	for _, it := range items {
		w := weightOf(it)
		total += w
		if w > 0 {
			posTotal += w
		}
	}

	if total <= 0 {
		return items[rng.Intn(len(items))], true
	}

	n := rng.Intn(posTotal)
	for _, it := range items {
		w := weightOf(it)
		if w <= 0 {
			continue
		}
		if n < w {
			return it, true
		}
		n -= w
	}
	// Unreachable when posTotal was summed from the same weights.
	return items[len(items)-1], true
}

// First returns the first item in natural order, the deterministic
// fallback used when a policy flag disables random selection.
func First[T any](items []T) (item T, ok bool) {
	if len(items) == 0 {
		return item, false
	}
	return items[0], true
}
