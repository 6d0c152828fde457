package classify

import (
	"strings"

	"github.com/haiwatch/haiwatch/internal/domain/record"
)

// resistanceRule is the MDRO confirmation rule for one category. A category
// is confirmed when the panel reports Resistant against any listed agent.
// The marker categories (the only ones with rules) are also confirmed by
// explicit naming alone when the panel carries no evidence either way —
// but a panel that actively contradicts the name blocks confirmation.
type resistanceRule struct {
	agents []string
	label  string
}

var resistanceRules = map[Category]resistanceRule{
	CategoryMRSA: {agents: []string{"oxacillin", "methicillin", "cefoxitin"}, label: "MRSA"},
	CategoryVRE:  {agents: []string{"vancomycin"}, label: "VRE"},
	CategoryESBL: {agents: []string{"ceftriaxone", "ceftazidime", "cefotaxime"}, label: "ESBL"},
	CategoryCRE:  {agents: []string{"meropenem", "imipenem", "ertapenem", "doripenem"}, label: "CRE"},
}

// ConfirmResistance evaluates the MDRO rule for the category over the
// susceptibility panel. Returns whether resistance is confirmed and the
// agents the panel showed resistance to (nil when confirmation rests on
// the organism name alone). Categories without a rule are never confirmed.
func ConfirmResistance(category Category, panel []record.SusceptibilityResult) (bool, []string) {
	rule, ok := resistanceRules[category]
	if !ok {
		return false, nil
	}

	var resistantTo []string
	contradicted := false
	for _, sus := range panel {
		if !agentMatches(sus.Antibiotic, rule.agents) {
			continue
		}
		switch sus.Interpretation {
		case record.Resistant:
			resistantTo = append(resistantTo, sus.Antibiotic)
		case record.Susceptible:
			contradicted = true
		}
	}

	if len(resistantTo) > 0 {
		return true, resistantTo
	}
	if contradicted {
		return false, nil
	}
	// No relevant panel data: the explicit marker in the organism name is
	// the evidence.
	return true, nil
}

// MDROLabel returns the display label for a confirmed MDRO category, or "".
func MDROLabel(category Category) string {
	return resistanceRules[category].label
}

// agentMatches reports whether the (normalized) antibiotic name refers to
// any of the rule agents. Medication names routinely carry dose and route
// suffixes, so matching is by substring on the agent.
func agentMatches(name string, agents []string) bool {
	for _, agent := range agents {
		if strings.Contains(name, agent) {
			return true
		}
	}
	return false
}
