package ctgov

// Study is one study as returned by the ClinicalTrials.gov v2 API, reduced to
// the modules this client requests.
type Study struct {
	ProtocolSection ProtocolSection `json:"protocolSection"`
}

// ProtocolSection groups the study modules.
type ProtocolSection struct {
	IdentificationModule    IdentificationModule    `json:"identificationModule"`
	StatusModule            StatusModule            `json:"statusModule"`
	DescriptionModule       DescriptionModule       `json:"descriptionModule"`
	DesignModule            DesignModule            `json:"designModule"`
	EligibilityModule       EligibilityModule       `json:"eligibilityModule"`
	ContactsLocationsModule ContactsLocationsModule `json:"contactsLocationsModule"`
}

// IdentificationModule carries the registry identifier and title.
type IdentificationModule struct {
	NCTID      string `json:"nctId"`
	BriefTitle string `json:"briefTitle"`
}

// StatusModule carries the recruitment status (e.g. RECRUITING).
type StatusModule struct {
	OverallStatus string `json:"overallStatus"`
}

// DescriptionModule carries the study summary.
type DescriptionModule struct {
	BriefSummary string `json:"briefSummary"`
}

// DesignModule carries the phases (e.g. PHASE2, PHASE3).
type DesignModule struct {
	Phases []string `json:"phases"`
}

// EligibilityModule carries the free-text criteria plus the structured
// sex/age constraints the registry tracks separately.
type EligibilityModule struct {
	EligibilityCriteria string `json:"eligibilityCriteria"`
	Sex                 string `json:"sex"`
	MinimumAge          string `json:"minimumAge"`
	MaximumAge          string `json:"maximumAge"`
}

// ContactsLocationsModule carries the study sites.
type ContactsLocationsModule struct {
	Locations []Location `json:"locations"`
}

// Location is one study site.
type Location struct {
	Country string `json:"country"`
}

// studiesResponse is the paged envelope of GET /api/v2/studies.
type studiesResponse struct {
	Studies       []Study `json:"studies"`
	NextPageToken string  `json:"nextPageToken"`
}

// NCTID returns the study's registry identifier.
func (s Study) NCTID() string {
	return s.ProtocolSection.IdentificationModule.NCTID
}

// HasUSLocation reports whether any study site is in the United States.
func (s Study) HasUSLocation() bool {
	for _, loc := range s.ProtocolSection.ContactsLocationsModule.Locations {
		if loc.Country == "United States" {
			return true
		}
	}

	return false
}
