package classify

import (
	"fmt"
	"strings"

	"github.com/haiwatch/haiwatch/internal/domain/record"
)

// MismatchKind distinguishes the drug-bug mismatch findings.
type MismatchKind string

const (
	MismatchResistant    MismatchKind = "resistant"
	MismatchIntermediate MismatchKind = "intermediate"
	MismatchNoCoverage   MismatchKind = "no_coverage"
)

// Mismatch is one drug-bug mismatch finding.
type Mismatch struct {
	Kind         MismatchKind
	Antibiotic   string
	Organism     string
	Alternatives []string
	Detail       string
}

// DetectMismatches compares each current medication against the culture's
// susceptibility panel. A medication the panel reports Resistant or
// Intermediate against is a mismatch. Zero active medications yields a
// single no_coverage finding listing the susceptible alternatives from the
// panel.
func DetectMismatches(organism string, meds []record.MedicationRecord, panel []record.SusceptibilityResult) []Mismatch {
	if len(meds) == 0 {
		return []Mismatch{{
			Kind:         MismatchNoCoverage,
			Organism:     organism,
			Alternatives: susceptibleAgents(panel),
			Detail:       "no active antibiotics for a positive culture",
		}}
	}

	var mismatches []Mismatch
	for _, med := range meds {
		sus, ok := panelEntry(panel, med.Antibiotic)
		if !ok {
			continue
		}
		switch sus.Interpretation {
		case record.Resistant:
			mismatches = append(mismatches, Mismatch{
				Kind:         MismatchResistant,
				Antibiotic:   med.Antibiotic,
				Organism:     organism,
				Alternatives: susceptibleAgents(panel),
				Detail:       fmt.Sprintf("%s tested resistant to %s", organism, sus.Antibiotic),
			})
		case record.Intermediate:
			mismatches = append(mismatches, Mismatch{
				Kind:         MismatchIntermediate,
				Antibiotic:   med.Antibiotic,
				Organism:     organism,
				Alternatives: susceptibleAgents(panel),
				Detail:       fmt.Sprintf("%s tested intermediate to %s", organism, sus.Antibiotic),
			})
		}
	}
	return mismatches
}

// panelEntry finds the susceptibility result for a medication. Medication
// names carry dose/route suffixes, so the panel's agent name is matched as
// a substring of the medication name.
func panelEntry(panel []record.SusceptibilityResult, medName string) (record.SusceptibilityResult, bool) {
	for _, sus := range panel {
		if sus.Antibiotic != "" && strings.Contains(medName, sus.Antibiotic) {
			return sus, true
		}
	}
	return record.SusceptibilityResult{}, false
}

func susceptibleAgents(panel []record.SusceptibilityResult) []string {
	var agents []string
	for _, sus := range panel {
		if sus.Interpretation == record.Susceptible {
			agents = append(agents, sus.Antibiotic)
		}
	}
	return agents
}
