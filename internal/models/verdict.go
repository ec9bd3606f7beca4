package models

import (
	"sort"
	"time"
)

// EligibilityLabel is the adjudicated eligibility outcome for one (summary, trial) pair.
type EligibilityLabel string

const (
	LabelEligible   EligibilityLabel = "eligible"
	LabelIneligible EligibilityLabel = "ineligible"
	LabelUncertain  EligibilityLabel = "uncertain"
)

// sortRank orders labels for result ranking: eligible first, then uncertain,
// then ineligible. Unknown labels sort last.
func (l EligibilityLabel) sortRank() int {
	switch l {
	case LabelEligible:
		return 0
	case LabelUncertain:
		return 1
	case LabelIneligible:
		return 2
	default:
		return 3
	}
}

// Verdict is the structured eligibility judgment for one (summary, trial) pair.
// Failed is set when adjudication exhausted its retries or was cut off by the
// deadline; such verdicts carry LabelUncertain and Confidence 0.
type Verdict struct {
	NCTID      string           `json:"nct_id"`
	Label      EligibilityLabel `json:"label"`
	Rationale  string           `json:"rationale,omitempty"`
	Confidence float64          `json:"confidence"`
	Latency    time.Duration    `json:"-"`
	Cached     bool             `json:"-"`
	Failed     bool             `json:"adjudication_failed,omitempty"`
	Err        error            `json:"-"`
}

// Match pairs a trial's metadata with its verdict and the retrieval similarity score.
type Match struct {
	Trial      TrialRecord `json:"trial"`
	Similarity float64     `json:"similarity"`
	Verdict    Verdict     `json:"verdict"`
}

// MatchResult is the ordered, truncated answer set for one query.
// Degraded is true when at least one adjudication failed permanently.
type MatchResult struct {
	Matches  []Match `json:"matches"`
	Degraded bool    `json:"degraded,omitempty"`
}

// SortMatches orders matches for the final response: eligible before uncertain
// before ineligible, ties broken by descending similarity score, then by
// ascending NCT ID for determinism.
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		ri, rj := matches[i].Verdict.Label.sortRank(), matches[j].Verdict.Label.sortRank()
		if ri != rj {
			return ri < rj
		}

		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}

		return matches[i].Trial.NCTID < matches[j].Trial.NCTID
	})
}
