package fhirclient

import "encoding/json"

// Raw resource structs mirror the subset of FHIR R4 fields the surveillance
// pipeline reads. Every field is optional at the wire level; the parser layer
// decides which absences are fatal. This package is the only place untyped
// external data is handled.

type RawBundle struct {
	ResourceType string           `json:"resourceType"`
	Total        int              `json:"total"`
	Link         []RawBundleLink  `json:"link"`
	Entry        []RawBundleEntry `json:"entry"`
}

type RawBundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// NextLink returns the pagination link for the following page, or "".
func (b *RawBundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

type RawBundleEntry struct {
	FullURL  string          `json:"fullUrl"`
	Resource json.RawMessage `json:"resource"`
}

type RawCoding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

type RawCodeableConcept struct {
	Coding []RawCoding `json:"coding"`
	Text   string      `json:"text"`
}

// Label returns the most specific human-readable label available.
func (c *RawCodeableConcept) Label() string {
	if c == nil {
		return ""
	}
	if c.Text != "" {
		return c.Text
	}
	for _, coding := range c.Coding {
		if coding.Display != "" {
			return coding.Display
		}
	}
	return ""
}

// Code returns the first coding code, or "".
func (c *RawCodeableConcept) Code() string {
	if c == nil {
		return ""
	}
	for _, coding := range c.Coding {
		if coding.Code != "" {
			return coding.Code
		}
	}
	return ""
}

type RawReference struct {
	Reference string `json:"reference"`
	Display   string `json:"display"`
}

type RawQuantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type RawIdentifier struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

type RawHumanName struct {
	Family string   `json:"family"`
	Given  []string `json:"given"`
	Text   string   `json:"text"`
}

type RawExtension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString"`
}

type RawDiagnosticReport struct {
	ResourceType      string              `json:"resourceType"`
	ID                string              `json:"id"`
	Status            string              `json:"status"`
	Category          []RawCodeableConcept `json:"category"`
	Code              *RawCodeableConcept `json:"code"`
	Subject           *RawReference       `json:"subject"`
	Encounter         *RawReference       `json:"encounter"`
	EffectiveDateTime string              `json:"effectiveDateTime"`
	Issued            string              `json:"issued"`
	Conclusion        string              `json:"conclusion"`
	ConclusionCode    []RawCodeableConcept `json:"conclusionCode"`
	Contained         []json.RawMessage   `json:"contained"`
	Result            []RawReference      `json:"result"`
}

type RawObservation struct {
	ResourceType         string               `json:"resourceType"`
	ID                   string               `json:"id"`
	Status               string               `json:"status"`
	Code                 *RawCodeableConcept  `json:"code"`
	ValueCodeableConcept *RawCodeableConcept  `json:"valueCodeableConcept"`
	ValueString          string               `json:"valueString"`
	ValueQuantity        *RawQuantity         `json:"valueQuantity"`
	Interpretation       []RawCodeableConcept `json:"interpretation"`
}

type RawDosage struct {
	Route *RawCodeableConcept `json:"route"`
}

type RawMedicationRequest struct {
	ResourceType              string              `json:"resourceType"`
	ID                        string              `json:"id"`
	Status                    string              `json:"status"`
	Intent                    string              `json:"intent"`
	MedicationCodeableConcept *RawCodeableConcept `json:"medicationCodeableConcept"`
	Subject                   *RawReference       `json:"subject"`
	AuthoredOn                string              `json:"authoredOn"`
	DosageInstruction         []RawDosage         `json:"dosageInstruction"`
}

type RawPatient struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Name         []RawHumanName  `json:"name"`
	Identifier   []RawIdentifier `json:"identifier"`
	Extension    []RawExtension  `json:"extension"`
}

// CurrentUnitExtension carries the patient's current inpatient unit when the
// upstream system publishes it on the Patient resource.
const CurrentUnitExtension = "http://haiwatch.io/fhir/StructureDefinition/current-unit"

// Unit returns the patient's current unit from the extension, or "".
func (p *RawPatient) Unit() string {
	for _, ext := range p.Extension {
		if ext.URL == CurrentUnitExtension {
			return ext.ValueString
		}
	}
	return ""
}

type RawEncounterLocation struct {
	Location RawReference `json:"location"`
}

type RawPeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type RawEncounter struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id"`
	Status       string                 `json:"status"`
	Subject      *RawReference          `json:"subject"`
	Period       *RawPeriod             `json:"period"`
	Location     []RawEncounterLocation `json:"location"`
}
