package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortMatches(t *testing.T) {
	mk := func(nctID string, label EligibilityLabel, sim float64) Match {
		return Match{
			Trial:      TrialRecord{NCTID: nctID},
			Similarity: sim,
			Verdict:    Verdict{NCTID: nctID, Label: label},
		}
	}

	t.Run("eligible before uncertain before ineligible", func(t *testing.T) {
		matches := []Match{
			mk("NCT003", LabelIneligible, 0.99),
			mk("NCT002", LabelUncertain, 0.98),
			mk("NCT001", LabelEligible, 0.10),
		}

		SortMatches(matches)

		assert.Equal(t, "NCT001", matches[0].Trial.NCTID)
		assert.Equal(t, "NCT002", matches[1].Trial.NCTID)
		assert.Equal(t, "NCT003", matches[2].Trial.NCTID)
	})

	t.Run("ties broken by descending similarity", func(t *testing.T) {
		matches := []Match{
			mk("NCT001", LabelEligible, 0.50),
			mk("NCT002", LabelEligible, 0.90),
		}

		SortMatches(matches)

		assert.Equal(t, "NCT002", matches[0].Trial.NCTID)
		assert.Equal(t, "NCT001", matches[1].Trial.NCTID)
	})

	t.Run("equal label and similarity fall back to ascending NCT ID", func(t *testing.T) {
		matches := []Match{
			mk("NCT777", LabelUncertain, 0.5),
			mk("NCT111", LabelUncertain, 0.5),
			mk("NCT444", LabelUncertain, 0.5),
		}

		SortMatches(matches)

		assert.Equal(t, "NCT111", matches[0].Trial.NCTID)
		assert.Equal(t, "NCT444", matches[1].Trial.NCTID)
		assert.Equal(t, "NCT777", matches[2].Trial.NCTID)
	})
}
