package models

import "time"

// TrialRecord represents one clinical trial as held by the similarity index.
// Records are created at index-build time and replaced wholesale on rebuild,
// never mutated in place.
type TrialRecord struct {
	NCTID           string   `json:"nct_id"`
	Title           string   `json:"title"`
	Phase           string   `json:"phase,omitempty"`
	Status          string   `json:"status,omitempty"`
	EligibilityText string   `json:"eligibility_text"`
	SourceURL       string   `json:"source_url"`
	Countries       []string `json:"countries,omitempty"`

	// Vector is the embedding of EligibilityText, L2-normalized. May be empty
	// before encoding; EncoderVersion identifies the encoder that produced it.
	Vector         []float32 `json:"vector,omitempty"`
	EncoderVersion string    `json:"encoder_version,omitempty"`

	FetchedAt time.Time `json:"fetched_at,omitempty"`
}

// Candidate is one retrieval result: a trial identifier with its similarity
// score and rank within the shortlist. Produced per query; not persisted.
type Candidate struct {
	NCTID string  `json:"nct_id"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}
