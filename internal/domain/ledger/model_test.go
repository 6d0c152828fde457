package ledger

import "testing"

func TestOutcome_Valid(t *testing.T) {
	for _, o := range []Outcome{OutcomeFinding, OutcomeNoFinding, OutcomeNotApplicable, OutcomeError} {
		if !o.Valid() {
			t.Errorf("expected %s valid", o)
		}
	}
	for _, o := range []Outcome{"", "success", "FINDING"} {
		if o.Valid() {
			t.Errorf("expected %q invalid", o)
		}
	}
}
