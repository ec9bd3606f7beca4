package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/endomatch/trialmatch/internal/models"
	"github.com/endomatch/trialmatch/pkg/ctgov"
)

// ToTrialRecord maps a registry study onto the internal trial record.
// Eligibility text prefers the free-text criteria, falls back to the brief
// summary, and appends the structured sex/age constraints so the adjudicator
// sees them even when the criteria prose omits them.
func ToTrialRecord(study ctgov.Study, fetchedAt time.Time) models.TrialRecord {
	ps := study.ProtocolSection

	eligibility := strings.TrimSpace(ps.EligibilityModule.EligibilityCriteria)
	if eligibility == "" {
		eligibility = strings.TrimSpace(ps.DescriptionModule.BriefSummary)
	}

	if extra := structuredEligibility(ps.EligibilityModule); extra != "" {
		if eligibility != "" {
			eligibility += "\n\n"
		}

		eligibility += extra
	}

	return models.TrialRecord{
		NCTID:           ps.IdentificationModule.NCTID,
		Title:           ps.IdentificationModule.BriefTitle,
		Phase:           strings.Join(ps.DesignModule.Phases, "/"),
		Status:          ps.StatusModule.OverallStatus,
		EligibilityText: eligibility,
		SourceURL:       fmt.Sprintf("https://clinicaltrials.gov/study/%s", ps.IdentificationModule.NCTID),
		Countries:       dedupeCountries(ps.ContactsLocationsModule.Locations),
		FetchedAt:       fetchedAt,
	}
}

func structuredEligibility(m ctgov.EligibilityModule) string {
	var parts []string

	if m.Sex != "" {
		parts = append(parts, "Sex: "+m.Sex)
	}

	switch {
	case m.MinimumAge != "" && m.MaximumAge != "":
		parts = append(parts, fmt.Sprintf("Age: %s to %s", m.MinimumAge, m.MaximumAge))
	case m.MinimumAge != "":
		parts = append(parts, "Age: "+m.MinimumAge+" and older")
	case m.MaximumAge != "":
		parts = append(parts, "Age: up to "+m.MaximumAge)
	}

	return strings.Join(parts, ". ")
}

func dedupeCountries(locations []ctgov.Location) []string {
	var countries []string

	seen := make(map[string]bool, len(locations))

	for _, loc := range locations {
		if loc.Country == "" || seen[loc.Country] {
			continue
		}

		seen[loc.Country] = true

		countries = append(countries, loc.Country)
	}

	return countries
}
