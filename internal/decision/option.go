// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package decision implements strategic planning and autonomous decision
// making: goals with hierarchy and progress tracking, utility-scored decision
// options, risk and autonomy adaptation, and user-defined override rules.
package decision

// Option is a candidate action with its expected outcomes and costs.
type Option struct {
	ActionID    string `json:"action_id"`
	Description string `json:"description"`
	// ExpectedOutcomes maps an outcome name to its probability.
	ExpectedOutcomes map[string]float64 `json:"expected_outcomes"`
	// ResourceCost is the relative cost of executing the action, 0 to 1.
	ResourceCost float64 `json:"resource_cost"`
	// Confidence is the estimated probability the action behaves as expected.
	Confidence    float64  `json:"confidence"`
	Prerequisites []string `json:"prerequisites,omitempty"`
	UtilityScore  float64  `json:"utility_score"`
}

// Utility scores the option against the current goal alignment and risk
// tolerance:
//
//	alignment = sum over outcomes of probability * goalAlignment[outcome]
//	utility   = alignment*confidence - (1-confidence)*(1-riskTolerance) - cost*(1-riskTolerance)
//
// The score is stored on the option and returned.
func (o *Option) Utility(goalAlignment map[string]float64, riskTolerance float64) float64 {
	var alignment float64
	for outcome, probability := range o.ExpectedOutcomes {
		if weight, ok := goalAlignment[outcome]; ok {
			alignment += probability * weight
		}
	}

	riskFactor := (1.0 - o.Confidence) * (1.0 - riskTolerance)
	costFactor := o.ResourceCost * (1.0 - riskTolerance)

	o.UtilityScore = alignment*o.Confidence - riskFactor - costFactor
	return o.UtilityScore
}
