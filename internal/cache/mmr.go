package cache

import "math"

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < len(a); i++ {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// mmrSelect picks up to k of embs by maximal marginal relevance to query:
// each step takes the candidate maximising
// lambda*sim(query, c) - (1-lambda)*max sim(c, already selected).
// The returned indexes are in selection order.
func mmrSelect(query []float32, embs [][]float32, k int, lambda float64) []int {
	if k <= 0 || len(embs) == 0 {
		return nil
	}
	if k > len(embs) {
		k = len(embs)
	}

	relevance := make([]float64, len(embs))
	for i, e := range embs {
		relevance[i] = cosine(query, e)
	}

	selected := make([]int, 0, k)
	used := make([]bool, len(embs))
	// redundancy[i] is the highest similarity of i to any selected candidate
	redundancy := make([]float64, len(embs))

	for len(selected) < k {
		bestIdx := -1
		bestVal := math.Inf(-1)
		for i := range embs {
			if used[i] {
				continue
			}
			val := lambda * relevance[i]
			if len(selected) > 0 {
				val -= (1 - lambda) * redundancy[i]
			}
			if val > bestVal {
				bestVal = val
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		used[bestIdx] = true
		selected = append(selected, bestIdx)

		for i := range embs {
			if used[i] {
				continue
			}
			if sim := cosine(embs[i], embs[bestIdx]); len(selected) == 1 || sim > redundancy[i] {
				redundancy[i] = sim
			}
		}
	}
	return selected
}
