package index

import (
	"math"
	"math/rand"

	"github.com/endomatch/trialmatch/pkg/vectors"
)

const (
	kMeansMaxIterations = 25
	// Fixed seed: partition layout must be reproducible for a given corpus so
	// recall characteristics do not drift between identical builds.
	kMeansSeed = 42
)

// kMeans runs Lloyd's algorithm over unit vectors and returns k centroids plus
// the per-vector assignment. Deterministic for a given input: seeded center
// selection and stable scan order.
func kMeans(vecs [][]float32, k int) (centroids [][]float32, assignments []int32) {
	n := len(vecs)
	if n == 0 || k <= 0 {
		return nil, nil
	}

	dim := len(vecs[0])

	if k >= n {
		// Degenerate: every vector is its own partition.
		centroids = make([][]float32, n)
		assignments = make([]int32, n)

		for i, v := range vecs {
			centroid := make([]float32, dim)
			copy(centroid, v)
			centroids[i] = centroid
			assignments[i] = int32(i)
		}

		return centroids, assignments
	}

	rng := rand.New(rand.NewSource(kMeansSeed)) //nolint:gosec // G404: seeded for reproducible partitions, not security

	centroids = make([][]float32, k)
	for i, idx := range rng.Perm(n)[:k] {
		centroid := make([]float32, dim)
		copy(centroid, vecs[idx])
		centroids[i] = centroid
	}

	assignments = make([]int32, n)
	for i := range assignments {
		assignments[i] = -1
	}

	for iter := 0; iter < kMeansMaxIterations; iter++ {
		changed := false

		for i, v := range vecs {
			best := nearestCentroid(v, centroids)
			if best != assignments[i] {
				assignments[i] = best
				changed = true
			}
		}

		if !changed {
			break
		}

		recomputeCentroids(vecs, assignments, centroids)
	}

	return centroids, assignments
}

// nearestCentroid returns the index of the centroid closest to v by squared L2
// distance. Scan order breaks ties toward the lower index, keeping assignment
// deterministic.
func nearestCentroid(v []float32, centroids [][]float32) int32 {
	best := int32(0)
	bestDist := math.MaxFloat64

	for c, centroid := range centroids {
		if d := vectors.SquaredL2Distance(v, centroid); d < bestDist {
			bestDist = d
			best = int32(c)
		}
	}

	return best
}

// recomputeCentroids replaces each centroid with the mean of its members.
// A cluster left empty steals the vector farthest from its current centroid,
// so every partition stays probeable.
func recomputeCentroids(vecs [][]float32, assignments []int32, centroids [][]float32) {
	dim := len(centroids[0])
	sums := make([][]float64, len(centroids))
	counts := make([]int, len(centroids))

	for c := range sums {
		sums[c] = make([]float64, dim)
	}

	for i, v := range vecs {
		c := assignments[i]
		counts[c]++

		for d, val := range v {
			sums[c][d] += float64(val)
		}
	}

	for c := range centroids {
		if counts[c] == 0 {
			idx := farthestVector(vecs, assignments, centroids)
			assignments[idx] = int32(c)
			copy(centroids[c], vecs[idx])

			continue
		}

		for d := 0; d < dim; d++ {
			centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
		}
	}
}

// farthestVector returns the index of the vector with the largest distance to
// its assigned centroid. First maximum wins, keeping the choice deterministic.
func farthestVector(vecs [][]float32, assignments []int32, centroids [][]float32) int {
	worst := 0
	worstDist := -1.0

	for i, v := range vecs {
		if d := vectors.SquaredL2Distance(v, centroids[assignments[i]]); d > worstDist {
			worstDist = d
			worst = i
		}
	}

	return worst
}
