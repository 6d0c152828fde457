// Package classify holds the pure rule engines: organism categorization,
// MDRO resistance confirmation, antibiotic coverage adequacy, drug-bug
// mismatch detection, and onset attribution. Nothing in this package
// performs I/O.
package classify

import "strings"

// Category is the closed organism category set.
type Category string

const (
	CategoryMRSA            Category = "mrsa"
	CategoryMSSA            Category = "mssa"
	CategoryVRE             Category = "vre"
	CategoryVSE             Category = "vse"
	CategoryESBL            Category = "esbl"
	CategoryCRE             Category = "cre"
	CategoryCandida         Category = "candida"
	CategoryGramNegativeRod Category = "gram_negative_rod"
	CategoryUnknown         Category = "unknown"
)

// markerRule matches an explicit resistance marker in the organism text.
// Markers take precedence over plain genus/species names.
type markerRule struct {
	category Category
	tokens   []string
	phrases  []string
}

var markerRules = []markerRule{
	{CategoryMRSA, []string{"mrsa"}, []string{"methicillin-resistant", "methicillin resistant"}},
	{CategoryVRE, []string{"vre"}, []string{"vancomycin-resistant", "vancomycin resistant"}},
	{CategoryESBL, []string{"esbl"}, []string{"extended-spectrum beta-lactamase", "extended spectrum beta-lactamase"}},
	{CategoryCRE, []string{"cre"}, []string{"carbapenem-resistant", "carbapenem resistant", "carbapenemase"}},
}

// speciesRule matches a genus/species substring.
type speciesRule struct {
	category Category
	phrases  []string
}

var speciesRules = []speciesRule{
	{CategoryMSSA, []string{"staphylococcus aureus", "staph aureus", "s. aureus"}},
	{CategoryVSE, []string{"enterococcus", "e. faecium", "e. faecalis"}},
	{CategoryCandida, []string{"candida"}},
	{CategoryGramNegativeRod, []string{
		"escherichia coli", "e. coli", "klebsiella", "pseudomonas",
		"enterobacter", "acinetobacter", "proteus", "serratia", "citrobacter",
	}},
}

// Categorize maps free-text organism and gram-stain strings onto the closed
// category set. Explicit resistance markers take precedence over species
// names, which take precedence over gram-stain morphology. An empty or
// pending organism string never categorizes on its own; the gram stain may
// still place it.
func Categorize(organism, gramStain string) Category {
	org := strings.ToLower(strings.TrimSpace(organism))
	if org == "" || strings.Contains(org, "pending") {
		return categorizeGramStain(gramStain)
	}

	for _, rule := range markerRules {
		for _, tok := range rule.tokens {
			if containsToken(org, tok) {
				return rule.category
			}
		}
		for _, phrase := range rule.phrases {
			if strings.Contains(org, phrase) {
				return rule.category
			}
		}
	}

	for _, rule := range speciesRules {
		for _, phrase := range rule.phrases {
			if strings.Contains(org, phrase) {
				return rule.category
			}
		}
	}

	return categorizeGramStain(gramStain)
}

func categorizeGramStain(gramStain string) Category {
	gs := strings.ToLower(strings.TrimSpace(gramStain))
	if gs == "" {
		return CategoryUnknown
	}
	if strings.Contains(gs, "gram negative") || strings.Contains(gs, "gram-negative") {
		if strings.Contains(gs, "rod") || strings.Contains(gs, "bacilli") {
			return CategoryGramNegativeRod
		}
	}
	if strings.Contains(gs, "yeast") || strings.Contains(gs, "budding") {
		return CategoryCandida
	}
	return CategoryUnknown
}

// containsToken reports whether s contains tok as a standalone word.
// Substring matching alone would let short aliases like "cre" fire inside
// unrelated words.
func containsToken(s, tok string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	for _, f := range fields {
		if f == tok {
			return true
		}
	}
	return false
}
