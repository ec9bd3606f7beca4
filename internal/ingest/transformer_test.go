package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/endomatch/trialmatch/pkg/ctgov"
)

func TestToTrialRecord(t *testing.T) {
	study := ctgov.Study{ProtocolSection: ctgov.ProtocolSection{
		IdentificationModule: ctgov.IdentificationModule{NCTID: "NCT01234567", BriefTitle: "Excision Study"},
		StatusModule:         ctgov.StatusModule{OverallStatus: "RECRUITING"},
		DescriptionModule:    ctgov.DescriptionModule{BriefSummary: "A study of excision surgery."},
		DesignModule:         ctgov.DesignModule{Phases: []string{"PHASE2", "PHASE3"}},
		EligibilityModule: ctgov.EligibilityModule{
			EligibilityCriteria: "Inclusion: confirmed stage III disease.",
			Sex:                 "FEMALE",
			MinimumAge:          "18 Years",
			MaximumAge:          "50 Years",
		},
		ContactsLocationsModule: ctgov.ContactsLocationsModule{Locations: []ctgov.Location{
			{Country: "United States"},
			{Country: "Canada"},
			{Country: "United States"},
		}},
	}}

	fetchedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	record := ToTrialRecord(study, fetchedAt)

	assert.Equal(t, "NCT01234567", record.NCTID)
	assert.Equal(t, "Excision Study", record.Title)
	assert.Equal(t, "PHASE2/PHASE3", record.Phase)
	assert.Equal(t, "RECRUITING", record.Status)
	assert.Equal(t, "https://clinicaltrials.gov/study/NCT01234567", record.SourceURL)
	assert.Equal(t, []string{"United States", "Canada"}, record.Countries)
	assert.Equal(t, fetchedAt, record.FetchedAt)

	assert.True(t, strings.HasPrefix(record.EligibilityText, "Inclusion: confirmed stage III disease."))
	assert.Contains(t, record.EligibilityText, "Sex: FEMALE")
	assert.Contains(t, record.EligibilityText, "Age: 18 Years to 50 Years")
}

func TestToTrialRecord_briefSummaryFallback(t *testing.T) {
	study := ctgov.Study{ProtocolSection: ctgov.ProtocolSection{
		IdentificationModule: ctgov.IdentificationModule{NCTID: "NCT09999999", BriefTitle: "Summary Only"},
		DescriptionModule:    ctgov.DescriptionModule{BriefSummary: "Observational follow-up of pelvic pain."},
	}}

	record := ToTrialRecord(study, time.Now())

	assert.Equal(t, "Observational follow-up of pelvic pain.", record.EligibilityText)
	assert.Empty(t, record.Phase)
	assert.Empty(t, record.Countries)
}

func TestToTrialRecord_structuredOnly(t *testing.T) {
	study := ctgov.Study{ProtocolSection: ctgov.ProtocolSection{
		IdentificationModule: ctgov.IdentificationModule{NCTID: "NCT08888888"},
		EligibilityModule:    ctgov.EligibilityModule{Sex: "FEMALE", MinimumAge: "21 Years"},
	}}

	record := ToTrialRecord(study, time.Now())

	assert.Equal(t, "Sex: FEMALE. Age: 21 Years and older", record.EligibilityText)
}
