// Package record converts raw external clinical resources into the typed
// entities the surveillance pipeline works on.
package record

import (
	"strings"
	"time"
)

// Interpretation is a lab susceptibility interpretation (S/I/R).
type Interpretation string

const (
	Susceptible  Interpretation = "susceptible"
	Intermediate Interpretation = "intermediate"
	Resistant    Interpretation = "resistant"
)

// ParseInterpretation maps FHIR interpretation codes and display text onto
// the closed set. Unrecognized values return false.
func ParseInterpretation(code string) (Interpretation, bool) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "s", "susceptible", "sensitive":
		return Susceptible, true
	case "i", "intermediate":
		return Intermediate, true
	case "r", "resistant":
		return Resistant, true
	}
	return "", false
}

// Patient is a read-only snapshot fetched per detection cycle.
type Patient struct {
	ID         string
	MRN        string
	Name       string
	Unit       string
	AdmittedAt time.Time
}

// SusceptibilityResult is one (antibiotic, interpretation) pair from a
// culture's susceptibility panel.
type SusceptibilityResult struct {
	Antibiotic     string
	Interpretation Interpretation
	MIC            string
}

// CultureEvent is an immutable microbiology result. ID is the dedup key
// against the processing ledger.
type CultureEvent struct {
	ID               string
	PatientID        string
	EncounterID      string
	Organism         string
	GramStain        string
	SpecimenType     string
	CollectedAt      time.Time
	ResultedAt       time.Time
	Susceptibilities []SusceptibilityResult
}

// MedicationRecord is one active or ordered antibiotic, used as current
// therapy input to coverage checks.
type MedicationRecord struct {
	ID         string
	Antibiotic string
	Code       string
	Route      string
	Status     string
	StartedAt  time.Time
}

// NormalizeAntibiotic lowercases and trims an antibiotic name so rule
// tables and susceptibility panels compare on the same form. Coded values
// (RxNorm etc.) pass through unchanged apart from casing.
func NormalizeAntibiotic(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
