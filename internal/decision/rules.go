// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package decision

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/config"
)

// Rule is a compiled override rule. When its expression evaluates to true for
// the current context, the option named by Action is selected ahead of
// utility scoring.
type Rule struct {
	Name    string
	Action  string
	program *vm.Program
}

// RuleSet holds the compiled rules in configuration order.
type RuleSet struct {
	rules []Rule
}

// CompileRules compiles the configured rule expressions. Expressions must
// evaluate to a boolean; compilation failures abort so a typo is caught at
// startup rather than silently skipped at decision time.
func CompileRules(cfgs []config.RuleConfig) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, rc := range cfgs {
		if rc.Name == "" || rc.When == "" || rc.Action == "" {
			return nil, fmt.Errorf("decision: rule requires name, when and action (got %+v)", rc)
		}
		program, err := expr.Compile(rc.When, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("decision: failed to compile rule %q: %w", rc.Name, err)
		}
		rs.rules = append(rs.rules, Rule{Name: rc.Name, Action: rc.Action, program: program})
	}
	return rs, nil
}

// Match evaluates the rules in order against env and returns the first
// matching rule. A rule whose expression errors at runtime is skipped.
func (rs *RuleSet) Match(env map[string]interface{}) (Rule, bool) {
	if rs == nil {
		return Rule{}, false
	}
	for _, rule := range rs.rules {
		result, err := expr.Run(rule.program, env)
		if err != nil {
			log.Warnf("Decision rule %q evaluation failed: %v", rule.Name, err)
			continue
		}
		if matched, ok := result.(bool); ok && matched {
			return rule, true
		}
	}
	return Rule{}, false
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}
