// Package rules provides the CEL-Go based custom check engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates operator-defined checks over statement facts.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.CheckRule
	Program cel.Program
}

// NewEngine creates a new check engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("accuracy_score", cel.IntType),
		cel.Variable("indicator_count", cel.IntType),
		cel.Variable("credit_count", cel.IntType),
		cel.Variable("debit_count", cel.IntType),
		cel.Variable("credit_total", cel.DoubleType),
		cel.Variable("debit_total", cel.DoubleType),
		cel.Variable("identity", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("page_count", cel.IntType),
		cel.Variable("font_count", cel.IntType),
		cel.Variable("annotated_pages", cel.IntType),
		cel.Variable("modified", cel.BoolType),
		cel.Variable("submission_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(rule *domain.CheckRule) error {
	if rule == nil {
		return fmt.Errorf("check rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(rule *domain.CheckRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.compiledRules[rule.ID] = compiled
	return nil
}

// LoadRules compiles and loads every enabled rule.
func (e *Engine) LoadRules(rules []*domain.CheckRule) error {
	for _, rule := range rules {
		if rule.Enabled {
			if err := e.LoadRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnloadRule removes a rule. Unknown IDs are ignored.
func (e *Engine) UnloadRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compiledRules, ruleID)
}

// Activation maps facts onto the CEL variables.
func Activation(facts *domain.Facts) map[string]any {
	identity := facts.Identity
	if identity == nil {
		identity = map[string]string{}
	}
	return map[string]any{
		"accuracy_score":   int64(facts.AccuracyScore),
		"indicator_count":  int64(facts.IndicatorCount),
		"credit_count":     int64(facts.CreditCount),
		"debit_count":      int64(facts.DebitCount),
		"credit_total":     facts.CreditTotal,
		"debit_total":      facts.DebitTotal,
		"identity":         identity,
		"page_count":       int64(facts.PageCount),
		"font_count":       int64(facts.FontCount),
		"annotated_pages":  int64(facts.AnnotatedPages),
		"modified":         facts.Modified,
		"submission_count": facts.SubmissionCount,
	}
}

// Check evaluates all loaded rules in parallel and returns the rules that
// fired, ordered by rule ID. A rule that fails to evaluate is skipped.
func (e *Engine) Check(ctx context.Context, facts *domain.Facts) ([]domain.RuleHit, error) {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Rule.ID < rules[j].Rule.ID
	})

	activation := Activation(facts)

	// Parallel evaluation using worker pool pattern
	fired := make([]bool, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if ctx.Err() != nil {
				return
			}
			fired[idx] = e.evaluateRule(r, activation)
		}(i, rule)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var hits []domain.RuleHit
	for i, r := range rules {
		if fired[i] {
			hits = append(hits, domain.RuleHit{
				RuleID:    r.Rule.ID,
				Indicator: r.Rule.Indicator,
				Penalty:   r.Rule.Penalty,
			})
		}
	}
	return hits, nil
}

// evaluateRule reports whether the rule's expression holds.
func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any) bool {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		slog.Warn("check rule evaluation failed", "rule_id", rule.Rule.ID, "error", err)
		return false
	}
	v, ok := out.(types.Bool)
	return ok && bool(v)
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// On a compile error the previous rule set stays active.
func (e *Engine) ReloadRules(rules []*domain.CheckRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		newRules[rule.ID] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// GetLoadedRules returns the currently loaded rules ordered by ID.
func (e *Engine) GetLoadedRules() []*domain.CheckRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.CheckRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].ID < rules[j].ID
	})
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(rule *domain.CheckRule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("check rule id is required")
	}
	if rule.Indicator == "" {
		return nil, fmt.Errorf("rule %s: indicator is required", rule.ID)
	}
	if rule.Penalty < 1 || rule.Penalty > domain.MaxPenalty {
		return nil, fmt.Errorf("rule %s: penalty must be between 1 and %d", rule.ID, domain.MaxPenalty)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{
		Rule:    rule,
		Program: program,
	}, nil
}
