package classify

import (
	"fmt"

	"github.com/haiwatch/haiwatch/internal/domain/record"
)

// CoverageStatus is the outcome of an empiric-coverage check.
type CoverageStatus string

const (
	CoverageAdequate   CoverageStatus = "adequate"
	CoverageInadequate CoverageStatus = "inadequate"
	CoverageUnknown    CoverageStatus = "unknown"
)

// CoverageAssessment is the result of AssessCoverage.
type CoverageAssessment struct {
	Status          CoverageStatus
	Covered         []string
	MissingCoverage []string
	Reason          string
}

// coverageRule lists the agents considered adequate coverage for a
// category, plus the recommendation surfaced when none are on board.
type coverageRule struct {
	adequate       []string
	recommendation string
}

var coverageRules = map[Category]coverageRule{
	CategoryMRSA: {
		adequate:       []string{"vancomycin", "linezolid", "daptomycin", "ceftaroline"},
		recommendation: "start MRSA-active therapy (vancomycin, linezolid, or daptomycin)",
	},
	CategoryMSSA: {
		adequate:       []string{"cefazolin", "nafcillin", "oxacillin", "vancomycin", "linezolid"},
		recommendation: "start an anti-staphylococcal beta-lactam (cefazolin or nafcillin)",
	},
	CategoryVRE: {
		adequate:       []string{"linezolid", "daptomycin", "tigecycline"},
		recommendation: "start VRE-active therapy (linezolid or daptomycin)",
	},
	CategoryVSE: {
		adequate:       []string{"ampicillin", "vancomycin", "linezolid"},
		recommendation: "start enterococcal coverage (ampicillin or vancomycin)",
	},
	CategoryESBL: {
		adequate:       []string{"meropenem", "imipenem", "ertapenem"},
		recommendation: "escalate to a carbapenem",
	},
	CategoryCRE: {
		adequate:       []string{"ceftazidime-avibactam", "meropenem-vaborbactam", "colistin", "tigecycline"},
		recommendation: "consult infectious diseases; consider ceftazidime-avibactam or colistin",
	},
	CategoryCandida: {
		adequate:       []string{"fluconazole", "micafungin", "caspofungin", "anidulafungin", "amphotericin"},
		recommendation: "start antifungal therapy (an echinocandin or fluconazole)",
	},
	CategoryGramNegativeRod: {
		adequate:       []string{"cefepime", "piperacillin-tazobactam", "meropenem", "ceftazidime", "ciprofloxacin", "levofloxacin"},
		recommendation: "start broad gram-negative coverage (cefepime or piperacillin-tazobactam)",
	},
}

// AssessCoverage checks whether the current medications include at least
// one agent from the category's adequate set. An unknown category yields an
// unknown assessment; no current medications is always inadequate.
func AssessCoverage(category Category, meds []record.MedicationRecord) CoverageAssessment {
	if category == CategoryUnknown {
		return CoverageAssessment{
			Status: CoverageUnknown,
			Reason: "organism not categorized",
		}
	}
	rule, ok := coverageRules[category]
	if !ok {
		return CoverageAssessment{
			Status: CoverageUnknown,
			Reason: fmt.Sprintf("no coverage rule for category %s", category),
		}
	}

	if len(meds) == 0 {
		return CoverageAssessment{
			Status:          CoverageInadequate,
			MissingCoverage: append([]string(nil), rule.adequate...),
			Reason:          "no active antibiotics on board; " + rule.recommendation,
		}
	}

	var covered []string
	for _, med := range meds {
		if agentMatches(med.Antibiotic, rule.adequate) {
			covered = append(covered, med.Antibiotic)
		}
	}
	if len(covered) > 0 {
		return CoverageAssessment{
			Status:  CoverageAdequate,
			Covered: covered,
			Reason:  fmt.Sprintf("current therapy covers %s", category),
		}
	}
	return CoverageAssessment{
		Status:          CoverageInadequate,
		MissingCoverage: append([]string(nil), rule.adequate...),
		Reason:          "current antibiotics do not cover this organism; " + rule.recommendation,
	}
}
