// Package index implements the similarity index: immutable IVF-flat snapshots
// built from trial records, searched by dot product over normalized vectors,
// and swapped atomically so readers never observe a half-built index.
package index

import (
	"fmt"
	"sort"
	"time"

	"github.com/endomatch/trialmatch/internal/matcherrors"
	"github.com/endomatch/trialmatch/internal/models"
	"github.com/endomatch/trialmatch/pkg/vectors"
)

// Snapshot is one immutable build of the index. All fields are read-only after
// Build returns; any number of goroutines may search the same snapshot.
type Snapshot struct {
	id             string
	builtAt        time.Time
	encoderVersion string
	dim            int

	records []models.TrialRecord
	vecs    [][]float32
	byID    map[string]int

	nlist     int
	nprobe    int
	centroids [][]float32
	postings  [][]int32
}

// Stats describes a snapshot for the stats endpoint and logs.
type Stats struct {
	ID             string    `json:"id"`
	BuiltAt        time.Time `json:"built_at"`
	EncoderVersion string    `json:"encoder_version"`
	Size           int       `json:"size"`
	Dimensions     int       `json:"dimensions"`
	NList          int       `json:"nlist"`
	NProbe         int       `json:"nprobe"`
}

// Stats returns the snapshot's descriptive stats.
func (s *Snapshot) Stats() Stats {
	return Stats{
		ID:             s.id,
		BuiltAt:        s.builtAt,
		EncoderVersion: s.encoderVersion,
		Size:           len(s.records),
		Dimensions:     s.dim,
		NList:          s.nlist,
		NProbe:         s.nprobe,
	}
}

// Get returns the trial record for nctID from this snapshot.
func (s *Snapshot) Get(nctID string) (models.TrialRecord, bool) {
	i, ok := s.byID[nctID]
	if !ok {
		return models.TrialRecord{}, false
	}

	return s.records[i], true
}

// Size returns the number of indexed trials.
func (s *Snapshot) Size() int {
	return len(s.records)
}

// EncoderVersion returns the encoder stamp every vector in this snapshot carries.
func (s *Snapshot) EncoderVersion() string {
	return s.encoderVersion
}

// Search returns the approximate top-k candidates for query, sorted by
// non-increasing score with ties broken by ascending NCTID. The result length
// is at most k. Fails with *matcherrors.QueryError when the query dimension
// does not match the index.
//
// With nprobe >= nlist the search degenerates to an exact scan, so small
// corpora pay no recall penalty.
func (s *Snapshot) Search(query []float32, k int) ([]models.Candidate, error) {
	if len(query) != s.dim {
		return nil, matcherrors.NewQueryError(
			fmt.Sprintf("query has %d dims, index has %d", len(query), s.dim))
	}

	if k <= 0 {
		return []models.Candidate{}, nil
	}

	if s.nlist <= 1 || s.nprobe >= s.nlist {
		return s.scanAll(query, k), nil
	}

	probeOrder := s.centroidsByDistance(query)

	var candidates []int32
	for _, c := range probeOrder[:s.nprobe] {
		candidates = append(candidates, s.postings[c]...)
	}

	return s.rank(query, candidates, k), nil
}

// SearchExact returns the exact top-k by brute force over every vector. Same
// ordering and error contract as Search.
func (s *Snapshot) SearchExact(query []float32, k int) ([]models.Candidate, error) {
	if len(query) != s.dim {
		return nil, matcherrors.NewQueryError(
			fmt.Sprintf("query has %d dims, index has %d", len(query), s.dim))
	}

	if k <= 0 {
		return []models.Candidate{}, nil
	}

	return s.scanAll(query, k), nil
}

func (s *Snapshot) scanAll(query []float32, k int) []models.Candidate {
	all := make([]int32, len(s.vecs))
	for i := range all {
		all[i] = int32(i)
	}

	return s.rank(query, all, k)
}

// centroidsByDistance returns centroid ids ordered nearest-first.
func (s *Snapshot) centroidsByDistance(query []float32) []int {
	order := make([]int, len(s.centroids))
	dists := make([]float64, len(s.centroids))

	for c := range s.centroids {
		order[c] = c
		dists[c] = vectors.SquaredL2Distance(query, s.centroids[c])
	}

	sort.Slice(order, func(i, j int) bool {
		return dists[order[i]] < dists[order[j]]
	})

	return order
}

// rank scores the candidate rows and returns the top k in result order.
func (s *Snapshot) rank(query []float32, rows []int32, k int) []models.Candidate {
	scored := make([]models.Candidate, 0, len(rows))
	for _, row := range rows {
		scored = append(scored, models.Candidate{
			NCTID: s.records[row].NCTID,
			Score: vectors.Dot(query, s.vecs[row]),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}

		return scored[i].NCTID < scored[j].NCTID
	})

	if len(scored) > k {
		scored = scored[:k]
	}

	for i := range scored {
		scored[i].Rank = i + 1
	}

	return scored
}
