package classify

import (
	"testing"

	"github.com/haiwatch/haiwatch/internal/domain/record"
)

func TestDetectMismatches_ResistantAndIntermediate(t *testing.T) {
	panel := []record.SusceptibilityResult{
		{Antibiotic: "ciprofloxacin", Interpretation: record.Resistant},
		{Antibiotic: "cefepime", Interpretation: record.Intermediate},
		{Antibiotic: "meropenem", Interpretation: record.Susceptible},
	}
	current := meds("Ciprofloxacin 400mg IV", "Cefepime 1g", "Meropenem 500mg")

	got := DetectMismatches("Pseudomonas aeruginosa", current, panel)
	if len(got) != 2 {
		t.Fatalf("expected 2 mismatches, got %d: %+v", len(got), got)
	}
	if got[0].Kind != MismatchResistant || got[0].Antibiotic != "ciprofloxacin 400mg iv" {
		t.Errorf("unexpected first mismatch %+v", got[0])
	}
	if got[1].Kind != MismatchIntermediate {
		t.Errorf("unexpected second mismatch %+v", got[1])
	}
	for _, m := range got {
		if len(m.Alternatives) != 1 || m.Alternatives[0] != "meropenem" {
			t.Errorf("expected meropenem as susceptible alternative, got %v", m.Alternatives)
		}
	}
}

func TestDetectMismatches_NoActiveMedications(t *testing.T) {
	panel := []record.SusceptibilityResult{
		{Antibiotic: "vancomycin", Interpretation: record.Susceptible},
		{Antibiotic: "oxacillin", Interpretation: record.Resistant},
	}
	got := DetectMismatches("Staphylococcus aureus", nil, panel)
	if len(got) != 1 {
		t.Fatalf("expected single no_coverage finding, got %d", len(got))
	}
	if got[0].Kind != MismatchNoCoverage {
		t.Errorf("unexpected kind %s", got[0].Kind)
	}
	if len(got[0].Alternatives) != 1 || got[0].Alternatives[0] != "vancomycin" {
		t.Errorf("expected susceptible alternatives, got %v", got[0].Alternatives)
	}
}

func TestDetectMismatches_NoPanelEntryForMedication(t *testing.T) {
	panel := []record.SusceptibilityResult{
		{Antibiotic: "oxacillin", Interpretation: record.Resistant},
	}
	got := DetectMismatches("Staphylococcus aureus", meds("azithromycin"), panel)
	if len(got) != 0 {
		t.Errorf("medication absent from panel must not mismatch, got %+v", got)
	}
}

func TestDetectMismatches_SusceptibleTherapyIsClean(t *testing.T) {
	panel := []record.SusceptibilityResult{
		{Antibiotic: "vancomycin", Interpretation: record.Susceptible},
	}
	got := DetectMismatches("Enterococcus faecalis", meds("Vancomycin 1g"), panel)
	if len(got) != 0 {
		t.Errorf("expected no mismatches, got %+v", got)
	}
}
