package engine

import (
	"strings"
	"time"

	"github.com/liamcoop/riskrules/rules"
)

// RuleOutputHit is one output record emitted by a matching rule
type RuleOutputHit struct {
	RuleID   int64  `json:"ruleId"`
	RuleName string `json:"ruleName"`
	rules.Output
}

// TotalRuleResults is the outcome of one fire call. It is never persisted.
type TotalRuleResults struct {
	FactType         rules.FactType  `json:"factType"`
	ContainerVersion int             `json:"containerVersion"`
	Hits             []RuleOutputHit `json:"hits"`
	TotalScore       float64         `json:"totalScore"`
	FinalFlag        string          `json:"finalFlag"`
	FinalAction      string          `json:"finalAction"`
	RunAt            time.Time       `json:"runAt"`
}

// actionSeverity ranks actions from most to least severe. Unknown actions
// rank below APPROVE.
var actionSeverity = map[string]int{
	"REJECT":  5,
	"HOLD":    4,
	"REVIEW":  3,
	"FLAG":    2,
	"APPROVE": 1,
}

// Severity returns the rank of an action, compared case-insensitively
func Severity(action string) int {
	return actionSeverity[strings.ToUpper(strings.TrimSpace(action))]
}

// aggregate reduces hits to one summary. Absent scores count as 0; ties on
// score and on severity go to the earliest hit.
func aggregate(hits []RuleOutputHit) TotalRuleResults {
	res := TotalRuleResults{Hits: hits}
	if res.Hits == nil {
		res.Hits = []RuleOutputHit{}
	}

	flagIdx, actionIdx := -1, -1
	var bestScore float64
	bestSeverity := -1
	for i, h := range hits {
		score := 0.0
		if h.Score != nil {
			score = *h.Score
		}
		res.TotalScore += score

		if flagIdx < 0 || score > bestScore {
			flagIdx, bestScore = i, score
		}
		if sev := Severity(h.Action); sev > bestSeverity {
			actionIdx, bestSeverity = i, sev
		}
	}

	if flagIdx >= 0 {
		res.FinalFlag = hits[flagIdx].Flag
	}
	if actionIdx >= 0 {
		res.FinalAction = hits[actionIdx].Action
	}
	return res
}
