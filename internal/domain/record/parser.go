package record

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/haiwatch/haiwatch/internal/platform/fhirclient"
)

// ParseCulture converts a raw DiagnosticReport into a CultureEvent. The
// second return is false when mandatory fields (patient reference,
// collection date) are missing; such records are skipped, not errored,
// because partial and pending lab records are routine.
func ParseCulture(raw *fhirclient.RawDiagnosticReport) (*CultureEvent, bool) {
	if raw == nil || raw.ID == "" {
		return nil, false
	}
	patientID := referenceID(raw.Subject, "Patient")
	if patientID == "" {
		return nil, false
	}
	collected, ok := parseTime(raw.EffectiveDateTime)
	if !ok {
		return nil, false
	}

	event := &CultureEvent{
		ID:           raw.ID,
		PatientID:    patientID,
		EncounterID:  referenceID(raw.Encounter, "Encounter"),
		Organism:     strings.TrimSpace(raw.Conclusion),
		SpecimenType: raw.Code.Label(),
		CollectedAt:  collected,
	}
	if event.Organism == "" {
		for _, cc := range raw.ConclusionCode {
			if label := cc.Label(); label != "" {
				event.Organism = label
				break
			}
		}
	}
	if resulted, ok := parseTime(raw.Issued); ok {
		event.ResultedAt = resulted
	}

	for _, contained := range raw.Contained {
		var obs fhirclient.RawObservation
		if err := json.Unmarshal(contained, &obs); err != nil || obs.ResourceType != "Observation" {
			continue
		}
		if isGramStain(&obs) {
			if event.GramStain == "" {
				event.GramStain = observationValue(&obs)
			}
			continue
		}
		if sus, ok := parseSusceptibility(&obs); ok {
			event.Susceptibilities = append(event.Susceptibilities, sus)
		}
	}

	return event, true
}

// ParseMedication converts a raw MedicationRequest. False when the order
// names no medication.
func ParseMedication(raw *fhirclient.RawMedicationRequest) (*MedicationRecord, bool) {
	if raw == nil || raw.ID == "" {
		return nil, false
	}
	name := raw.MedicationCodeableConcept.Label()
	if name == "" {
		return nil, false
	}

	med := &MedicationRecord{
		ID:         raw.ID,
		Antibiotic: NormalizeAntibiotic(name),
		Code:       raw.MedicationCodeableConcept.Code(),
		Status:     raw.Status,
	}
	if len(raw.DosageInstruction) > 0 {
		med.Route = raw.DosageInstruction[0].Route.Label()
	}
	if started, ok := parseTime(raw.AuthoredOn); ok {
		med.StartedAt = started
	}
	return med, true
}

// ParsePatient converts a raw Patient snapshot. False only when the
// resource has no id at all.
func ParsePatient(raw *fhirclient.RawPatient) (*Patient, bool) {
	if raw == nil || raw.ID == "" {
		return nil, false
	}
	p := &Patient{
		ID:   raw.ID,
		Unit: raw.Unit(),
	}
	for _, name := range raw.Name {
		if display := humanName(name); display != "" {
			p.Name = display
			break
		}
	}
	for _, ident := range raw.Identifier {
		if strings.Contains(strings.ToLower(ident.System), "mrn") {
			p.MRN = ident.Value
			break
		}
	}
	if p.MRN == "" && len(raw.Identifier) > 0 {
		p.MRN = raw.Identifier[0].Value
	}
	return p, true
}

func humanName(n fhirclient.RawHumanName) string {
	if n.Text != "" {
		return n.Text
	}
	parts := append([]string{}, n.Given...)
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	return strings.Join(parts, " ")
}

// referenceID extracts the bare id from "<Type>/<id>" references. A
// reference of another type yields "".
func referenceID(ref *fhirclient.RawReference, wantType string) string {
	if ref == nil || ref.Reference == "" {
		return ""
	}
	prefix := wantType + "/"
	if strings.HasPrefix(ref.Reference, prefix) {
		return ref.Reference[len(prefix):]
	}
	if !strings.Contains(ref.Reference, "/") {
		return ref.Reference
	}
	return ""
}

func isGramStain(obs *fhirclient.RawObservation) bool {
	return strings.Contains(strings.ToLower(obs.Code.Label()), "gram stain")
}

func observationValue(obs *fhirclient.RawObservation) string {
	if obs.ValueString != "" {
		return obs.ValueString
	}
	return obs.ValueCodeableConcept.Label()
}

func parseSusceptibility(obs *fhirclient.RawObservation) (SusceptibilityResult, bool) {
	antibiotic := NormalizeAntibiotic(obs.Code.Label())
	if antibiotic == "" || len(obs.Interpretation) == 0 {
		return SusceptibilityResult{}, false
	}

	var interp Interpretation
	found := false
	for _, cc := range obs.Interpretation {
		if v, ok := ParseInterpretation(cc.Code()); ok {
			interp, found = v, true
			break
		}
		if v, ok := ParseInterpretation(cc.Label()); ok {
			interp, found = v, true
			break
		}
	}
	if !found {
		return SusceptibilityResult{}, false
	}

	sus := SusceptibilityResult{Antibiotic: antibiotic, Interpretation: interp}
	if obs.ValueQuantity != nil && obs.ValueQuantity.Value != 0 {
		mic := strconv.FormatFloat(obs.ValueQuantity.Value, 'f', -1, 64)
		sus.MIC = strings.TrimSpace(mic + " " + obs.ValueQuantity.Unit)
	} else if obs.ValueString != "" {
		sus.MIC = obs.ValueString
	}
	return sus, true
}

// parseTime accepts RFC3339 instants and bare dates.
func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
