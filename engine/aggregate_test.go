package engine

import (
	"testing"

	"github.com/liamcoop/riskrules/rules"
)

func hit(id int64, action string, s *float64, flag string) RuleOutputHit {
	return RuleOutputHit{RuleID: id, Output: rules.Output{Action: action, Score: s, Flag: flag}}
}

// TestAggregate verifies score totals, flag selection and action severity
func TestAggregate(t *testing.T) {
	testCases := []struct {
		name       string
		hits       []RuleOutputHit
		wantScore  float64
		wantFlag   string
		wantAction string
	}{
		{
			name:      "no hits",
			wantScore: 0,
		},
		{
			name:       "null score counts as zero",
			hits:       []RuleOutputHit{hit(1, "FLAG", score(30), "A"), hit(2, "FLAG", score(45), "B"), hit(3, "FLAG", nil, "C")},
			wantScore:  75,
			wantFlag:   "B",
			wantAction: "FLAG",
		},
		{
			name:       "score tie goes to earliest",
			hits:       []RuleOutputHit{hit(1, "", score(10), "FIRST"), hit(2, "", score(10), "SECOND")},
			wantScore:  20,
			wantFlag:   "FIRST",
			wantAction: "",
		},
		{
			name:       "all null scores pick the first flag",
			hits:       []RuleOutputHit{hit(1, "REVIEW", nil, "X"), hit(2, "REVIEW", nil, "Y")},
			wantFlag:   "X",
			wantAction: "REVIEW",
		},
		{
			name:       "most severe action wins",
			hits:       []RuleOutputHit{hit(1, "APPROVE", nil, ""), hit(2, "HOLD", nil, ""), hit(3, "REVIEW", nil, ""), hit(4, "FLAG", nil, "")},
			wantAction: "HOLD",
		},
		{
			name:       "reject outranks everything",
			hits:       []RuleOutputHit{hit(1, "HOLD", nil, ""), hit(2, "REJECT", nil, "")},
			wantAction: "REJECT",
		},
		{
			name:       "case-insensitive with original spelling kept",
			hits:       []RuleOutputHit{hit(1, "flag", nil, ""), hit(2, "Hold", nil, "")},
			wantAction: "Hold",
		},
		{
			name:       "unknown action ranks below approve",
			hits:       []RuleOutputHit{hit(1, "ESCALATE", nil, ""), hit(2, "APPROVE", nil, "")},
			wantAction: "APPROVE",
		},
		{
			name:       "only unknown actions keep the earliest",
			hits:       []RuleOutputHit{hit(1, "ESCALATE", nil, ""), hit(2, "NOTIFY", nil, "")},
			wantAction: "ESCALATE",
		},
		{
			name:      "negative scores",
			hits:      []RuleOutputHit{hit(1, "", score(-5), "NEG"), hit(2, "", nil, "ZERO")},
			wantScore: -5,
			wantFlag:  "ZERO",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := aggregate(tc.hits)
			if got.Hits == nil {
				t.Fatal("Hits must never be nil")
			}
			if got.TotalScore != tc.wantScore {
				t.Errorf("TotalScore = %v, want %v", got.TotalScore, tc.wantScore)
			}
			if got.FinalFlag != tc.wantFlag {
				t.Errorf("FinalFlag = %q, want %q", got.FinalFlag, tc.wantFlag)
			}
			if got.FinalAction != tc.wantAction {
				t.Errorf("FinalAction = %q, want %q", got.FinalAction, tc.wantAction)
			}
		})
	}
}

// TestSeverity verifies the total order of known actions
func TestSeverity(t *testing.T) {
	order := []string{"REJECT", "HOLD", "REVIEW", "FLAG", "APPROVE", "SOMETHING_ELSE"}
	for i := 1; i < len(order); i++ {
		if Severity(order[i-1]) <= Severity(order[i]) {
			t.Errorf("%s should outrank %s", order[i-1], order[i])
		}
	}
	if Severity(" reject ") != Severity("REJECT") {
		t.Error("Severity() should ignore case and surrounding space")
	}
}
