package service

import (
	"math"

	"codegrader/internal/grader/model"
)

// epsilon nudges exact halves upward before rounding to cents.
const epsilon = 2.220446049250313e-16

func round2(v float64) float64 {
	return math.Round((v+epsilon)*100) / 100
}

// WeightedFraction is Σ weight·passed / Σ weight over results, weights defaulting to 1.
func WeightedFraction(results []model.TestCaseResult) float64 {
	var total, earned float64
	for _, r := range results {
		w := r.Weight
		if w <= 0 {
			w = 1
		}
		total += w
		if r.Passed {
			earned += w
		}
	}
	if total == 0 {
		return 0
	}
	return earned / total
}

// NormalizeWeights returns w when both parts are non-negative and sum to 100,
// otherwise the default split and false.
func NormalizeWeights(w model.ProblemWeights) (model.ProblemWeights, bool) {
	if w.ProblemWeight < 0 || w.TestcaseWeight < 0 || math.Abs(w.ProblemWeight+w.TestcaseWeight-100) > 1e-9 {
		return model.DefaultProblemWeights, false
	}
	return w, true
}

// Score combines the completion fraction and the weighted test fraction, scaled by problemPoint.
// The result lies in [0, 100·problemPoint].
func Score(result model.AggregateResult, problemPoint float64, w model.ProblemWeights) float64 {
	if problemPoint <= 0 {
		problemPoint = 1
	}
	completion := 0.0
	if result.TotalTestCases > 0 {
		completion = float64(result.PassedTestCases) / float64(result.TotalTestCases)
	}
	base := completion * w.ProblemWeight
	weighted := WeightedFraction(result.Results) * w.TestcaseWeight
	return round2(problemPoint * (base + weighted))
}
