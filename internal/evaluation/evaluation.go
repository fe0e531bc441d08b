// Package evaluation ranks completed competition instances with a
// deterministic, re-runnable scoring pass.
package evaluation

import (
	"math"
	"sort"
	"time"
)

// Weights splits the total score across the four components. The default
// 40/30/20/10 ratio is a compatibility heuristic, not a tuned optimum;
// callers may adjust it.
type Weights struct {
	Test       float64
	Complexity float64
	Efficiency float64
	Change     float64
}

// DefaultWeights mirrors the historical point split.
func DefaultWeights() Weights {
	return Weights{Test: 40, Complexity: 30, Efficiency: 20, Change: 10}
}

// idealChangeLines is the diff size (added + deleted) the change component
// rewards most; scores fall off symmetrically on a ratio scale either side.
const idealChangeLines = 100.0

// Input is the metric set of one completed instance.
type Input struct {
	InstanceID     int
	TestsPassed    *int
	TestsFailed    *int
	CodeComplexity *int // 0-100, lower is better
	ExecutionTime  time.Duration
	FilesChanged   int
	LinesAdded     int
	LinesDeleted   int
}

// Score is the decomposed result for one instance.
type Score struct {
	InstanceID      int     `json:"instanceId"`
	TestScore       float64 `json:"testScore"`
	ComplexityScore float64 `json:"complexityScore"`
	EfficiencyScore float64 `json:"efficiencyScore"`
	ChangeScore     float64 `json:"changeScore"`
	TotalScore      float64 `json:"totalScore"`
	Rank            int     `json:"rank"`
	IsRecommended   bool    `json:"isRecommended"`
}

// Result is a full evaluation pass over one session. RecommendedWinnerID
// is nil when there was nothing to score.
type Result struct {
	Scores              []Score `json:"scores"`
	RecommendedWinnerID *int    `json:"recommendedWinnerId"`
}

// Evaluate scores and ranks the inputs. It is pure: identical inputs
// produce identical output, which tests rely on.
func Evaluate(inputs []Input, w Weights) Result {
	if len(inputs) == 0 {
		return Result{Scores: []Score{}}
	}

	// With nothing to compare against, a lone instance earns the full
	// efficiency weight; slowest stays zero and the component short-circuits.
	var slowest time.Duration
	if len(inputs) > 1 {
		for _, in := range inputs {
			if in.ExecutionTime > slowest {
				slowest = in.ExecutionTime
			}
		}
	}

	scores := make([]Score, 0, len(inputs))
	for _, in := range inputs {
		s := Score{
			InstanceID:      in.InstanceID,
			TestScore:       round2(testScore(in, w.Test)),
			ComplexityScore: round2(complexityScore(in, w.Complexity)),
			EfficiencyScore: round2(efficiencyScore(in, slowest, w.Efficiency)),
			ChangeScore:     round2(changeScore(in, w.Change)),
		}
		s.TotalScore = round2(s.TestScore + s.ComplexityScore + s.EfficiencyScore + s.ChangeScore)
		scores = append(scores, s)
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].TotalScore != scores[j].TotalScore {
			return scores[i].TotalScore > scores[j].TotalScore
		}
		return scores[i].InstanceID < scores[j].InstanceID
	})
	for i := range scores {
		scores[i].Rank = i + 1
		scores[i].IsRecommended = i < 3
	}

	winner := scores[0].InstanceID
	return Result{
		Scores:              scores,
		RecommendedWinnerID: &winner,
	}
}

// testScore is proportional to the pass rate. No test data means zero:
// absence is neither penalized below other components nor rewarded.
func testScore(in Input, weight float64) float64 {
	if in.TestsPassed == nil && in.TestsFailed == nil {
		return 0
	}
	passed := float64(intOrZero(in.TestsPassed))
	failed := float64(intOrZero(in.TestsFailed))
	total := passed + failed
	if total == 0 {
		return 0
	}
	return weight * passed / total
}

func complexityScore(in Input, weight float64) float64 {
	if in.CodeComplexity == nil {
		return 0
	}
	c := clamp(float64(*in.CodeComplexity), 0, 100)
	return weight * (1 - c/100)
}

// efficiencyScore is relative to the slowest instance in the session, so
// tasks of different inherent duration stay comparable.
func efficiencyScore(in Input, slowest time.Duration, weight float64) float64 {
	if slowest <= 0 {
		return weight
	}
	ratio := float64(in.ExecutionTime) / float64(slowest)
	return weight * (1 - clamp(ratio, 0, 1))
}

// changeScore peaks at idealChangeLines and falls off on a ratio scale, so
// both near-empty diffs and runaway rewrites score low. Zero change is a
// no-op and scores zero outright.
func changeScore(in Input, weight float64) float64 {
	lines := float64(in.LinesAdded + in.LinesDeleted)
	if lines == 0 && in.FilesChanged == 0 {
		return 0
	}
	if lines == 0 {
		lines = 1
	}
	ratio := math.Min(lines, idealChangeLines) / math.Max(lines, idealChangeLines)
	return weight * math.Sqrt(ratio)
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
