// Package policy evaluates configurable guard rules against fused
// extractions. Rules are CEL expressions over the extraction and match
// variables; a triggered rule can cap the decision at manual review or
// force a rejection, never raise it. Rules live in the repository and
// hot-reload without a restart.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles and evaluates guard rules.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*compiledRule
	logger   *slog.Logger
}

type compiledRule struct {
	rule    *domain.GuardRule
	program cel.Program
}

// NewEngine creates a guard engine with the extraction variable set.
func NewEngine(logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("reference", cel.StringType),
		cel.Variable("sender", cel.StringType),
		cel.Variable("recipient", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("platform", cel.StringType),
		cel.Variable("flags", cel.ListType(cel.StringType)),
		// Seconds since the payment timestamp on the proof; -1 when the
		// proof carries no readable timestamp.
		cel.Variable("age_seconds", cel.DoubleType),
		cel.Variable("matched", cel.BoolType),
		cel.Variable("match_score", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}

	return &Engine{
		env:      env,
		compiled: make(map[string]*compiledRule),
		logger:   logger,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.GuardRule) error {
	if rule == nil {
		return fmt.Errorf("guard rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compile(rule)
	return err
}

// LoadRule compiles and loads a single rule.
func (e *Engine) LoadRule(rule *domain.GuardRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compile(rule)
	if err != nil {
		return err
	}

	e.compiled[rule.ID] = compiled
	return nil
}

// LoadRules compiles and loads every enabled rule.
func (e *Engine) LoadRules(rules []*domain.GuardRule) error {
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := e.LoadRule(rule); err != nil {
			return err
		}
	}
	return nil
}

// ReloadRules swaps the loaded set atomically. The old set stays in
// effect if any new rule fails to compile.
func (e *Engine) ReloadRules(rules []*domain.GuardRule) error {
	next := make(map[string]*compiledRule)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compile(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = compiled
	}

	e.compiled = next
	return nil
}

// RuleCount returns how many rules are loaded.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// LoadedRules returns the configurations currently in effect.
func (e *Engine) LoadedRules() []*domain.GuardRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.GuardRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		rules = append(rules, c.rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Evaluate runs every loaded rule against the extraction and returns the
// hits. A rule that errors at runtime is skipped with a warning: rules
// are compile-checked at load, so runtime failures indicate missing data
// rather than a bad expression.
func (e *Engine) Evaluate(ctx context.Context, ext *domain.PaymentExtraction, match *domain.PaymentMatch) []domain.GuardHit {
	e.mu.RLock()
	rules := make([]*compiledRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		rules = append(rules, c)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].rule.ID < rules[j].rule.ID })

	activation := buildActivation(ext, match)

	var hits []domain.GuardHit
	for _, c := range rules {
		if ctx.Err() != nil {
			return hits
		}

		out, _, err := c.program.ContextEval(ctx, activation)
		if err != nil {
			e.logger.Warn("guard rule evaluation failed",
				"rule_id", c.rule.ID, "extraction_id", ext.ID, "error", err)
			continue
		}

		triggered, ok := out.(types.Bool)
		if !ok || !bool(triggered) {
			continue
		}

		e.logger.Info("guard rule triggered",
			"rule_id", c.rule.ID, "extraction_id", ext.ID, "action", c.rule.Action)
		hits = append(hits, domain.GuardHit{
			RuleID: c.rule.ID,
			Action: c.rule.Action,
			Reason: c.rule.Reason,
		})
	}
	return hits
}

func buildActivation(ext *domain.PaymentExtraction, match *domain.PaymentMatch) map[string]any {
	activation := map[string]any{
		"amount":      0.0,
		"currency":    "",
		"method":      "",
		"reference":   "",
		"sender":      "",
		"recipient":   "",
		"confidence":  ext.OverallConfidence,
		"platform":    ext.SourcePlatform,
		"flags":       ext.Flags,
		"age_seconds": -1.0,
		"matched":     false,
		"match_score": 0.0,
	}
	if ext.Flags == nil {
		activation["flags"] = []string{}
	}

	if best := ext.Best(); best != nil {
		if best.Amount != nil {
			activation["amount"] = *best.Amount
		}
		activation["currency"] = best.Currency
		activation["method"] = best.Method
		activation["reference"] = best.Reference
		activation["sender"] = best.Sender
		activation["recipient"] = best.Recipient
		if best.Timestamp != nil {
			activation["age_seconds"] = time.Since(*best.Timestamp).Seconds()
		}
	}

	if match != nil && match.BestMatch != nil {
		activation["matched"] = true
		activation["match_score"] = match.BestMatch.Score
	}

	return activation
}

func (e *Engine) compile(rule *domain.GuardRule) (*compiledRule, error) {
	if rule.ID == "" || rule.Expression == "" {
		return nil, fmt.Errorf("guard rule needs an id and an expression")
	}
	switch rule.Action {
	case domain.GuardActionReview, domain.GuardActionReject:
	default:
		return nil, fmt.Errorf("rule %s: unknown action %q", rule.ID, rule.Action)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile rule %s: %w", rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program for rule %s: %w", rule.ID, err)
	}

	return &compiledRule{rule: rule, program: program}, nil
}
