package validation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aevon-lab/chronicle/internal/core/domain"
)

// Engine validates command payloads against loaded rules. It implements
// domain.Validator.
type Engine struct {
	mu           sync.RWMutex
	rules        map[string]*Rule
	requireRules bool
}

// Option configures an Engine.
type Option func(*Engine)

// RequireRules makes commands without a rule fail validation.
func RequireRules(require bool) Option {
	return func(e *Engine) { e.requireRules = require }
}

// NewEngine indexes rules. Two rules for the same command and aggregate are an error.
func NewEngine(rules []*Rule, opts ...Option) (*Engine, error) {
	e := &Engine{rules: make(map[string]*Rule, len(rules))}
	for _, opt := range opts {
		opt(e)
	}
	for _, r := range rules {
		if err := e.Add(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Add registers one more rule.
func (e *Engine) Add(r *Rule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: rule for %s: %v", domain.ErrConfiguration, r.Key(), err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.rules[r.Key()]; ok {
		return fmt.Errorf("%w: duplicate rule for %s (%s and %s)", domain.ErrConfiguration, r.Key(), existing.Source, r.Source)
	}
	e.rules[r.Key()] = r
	return nil
}

// Rule returns the rule for a command, preferring one scoped to the aggregate type.
func (e *Engine) Rule(aggregateType, command string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.rules[ruleKey(aggregateType, command)]; ok && aggregateType != "" {
		return r, true
	}
	r, ok := e.rules[command]
	return r, ok
}

// Len returns the number of rules.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Validate checks cmd's payload. agg is consulted only for its type.
func (e *Engine) Validate(cmd domain.Command, agg *domain.Aggregate) domain.ValidationReport {
	aggregateType := ""
	if agg != nil {
		aggregateType = agg.Type()
	}

	rule, ok := e.Rule(aggregateType, cmd.Type)
	if !ok {
		if e.requireRules {
			return domain.Fail(
				fmt.Sprintf("no validation rule for command %s", cmd.Type),
				fmt.Sprintf("add a rule file declaring command: %s", cmd.Type))
		}
		return domain.Pass()
	}

	data, err := cmd.PayloadMap()
	if err != nil {
		return domain.Fail("payload is not a JSON object", "send the command payload as a JSON object")
	}
	return rule.Check(data)
}

// Check validates a decoded payload against the rule.
func (r *Rule) Check(data map[string]interface{}) domain.ValidationReport {
	var failures []domain.ValidationMessage

	if r.StrictMode {
		var unknown []string
		for key := range data {
			if _, ok := r.Fields[key]; !ok {
				unknown = append(unknown, key)
			}
		}
		sort.Strings(unknown)
		for _, key := range unknown {
			failures = append(failures, domain.ValidationMessage{
				Message:    fmt.Sprintf("field %q: unknown field", key),
				Mitigation: fmt.Sprintf("remove %q; %s accepts only declared fields", key, r.Command),
			})
		}
	}

	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := r.Fields[name]
		value, exists := data[name]
		if !exists {
			if field.Required {
				failures = append(failures, domain.ValidationMessage{
					Message:    fmt.Sprintf("field %q: required field is missing", name),
					Mitigation: fmt.Sprintf("provide %q as %s", name, field),
				})
			}
			continue
		}
		if msg := field.check(value); msg != "" {
			failures = append(failures, domain.ValidationMessage{
				Message:    fmt.Sprintf("field %q: %s", name, msg),
				Mitigation: fmt.Sprintf("send %q as %s", name, field),
			})
		}
	}

	return domain.ValidationReport{Failures: failures}
}
