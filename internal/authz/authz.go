// Package authz authorizes commands with CEL expressions.
//
// Rules are keyed "aggregate.command", "aggregate.*" or "*"; the most specific
// key wins. An expression sees three maps:
//
//	principal: id, roles
//	command:   type, etag, payload
//	aggregate: type, id, version
//
// and must evaluate to a bool, e.g.
//
//	"subscription.Cancel": `"billing-admin" in principal.roles || principal.id == command.payload.owner`
package authz

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/aevon-lab/chronicle/internal/core/domain"
)

// Wildcard matches every command of every aggregate type.
const Wildcard = "*"

// Authorizer implements domain.Authorizer. Commands without a matching rule
// are allowed; rules that fail to evaluate deny.
type Authorizer struct {
	programs map[string]cel.Program
}

// New compiles every rule. Any compile error is a configuration error.
func New(rules map[string]string) (*Authorizer, error) {
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("command", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("aggregate", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	a := &Authorizer{programs: make(map[string]cel.Program, len(rules))}
	for key, expr := range rules {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: authorization rule %q: %v", domain.ErrConfiguration, key, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("%w: authorization rule %q must return bool, returns %s", domain.ErrConfiguration, key, out)
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: authorization rule %q: %v", domain.ErrConfiguration, key, err)
		}
		a.programs[key] = prg
	}

	slog.Info("[Authz] Compiled authorization rules", "rules", a.Keys())
	return a, nil
}

// Keys returns the rule keys in sorted order.
func (a *Authorizer) Keys() []string {
	keys := make([]string, 0, len(a.programs))
	for k := range a.programs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Authorize evaluates the most specific rule for the command.
func (a *Authorizer) Authorize(agg *domain.Aggregate, cmd domain.Command, principal domain.Principal) bool {
	key, prg, ok := a.lookup(agg.Type(), cmd.Type)
	if !ok {
		return true
	}

	payload, err := cmd.PayloadMap()
	if err != nil {
		payload = map[string]interface{}{}
	}
	roles := principal.Roles
	if roles == nil {
		roles = []string{}
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"principal": map[string]interface{}{
			"id":    principal.ID,
			"roles": roles,
		},
		"command": map[string]interface{}{
			"type":    cmd.Type,
			"etag":    cmd.ETag,
			"payload": payload,
		},
		"aggregate": map[string]interface{}{
			"type":    agg.Type(),
			"id":      agg.ID(),
			"version": agg.Version(),
		},
	})
	if err != nil {
		slog.Warn("[Authz] Rule evaluation failed, denying",
			"rule", key,
			"aggregate_id", agg.ID(),
			"command", cmd.Type,
			"principal", principal.ID,
			"error", err)
		return false
	}

	allowed, isBool := out.Value().(bool)
	if !isBool {
		slog.Warn("[Authz] Rule returned a non-bool result, denying",
			"rule", key,
			"result", fmt.Sprintf("%v", out.Value()))
		return false
	}
	return allowed
}

func (a *Authorizer) lookup(aggregateType, commandType string) (string, cel.Program, bool) {
	for _, key := range []string{aggregateType + "." + commandType, aggregateType + "." + Wildcard, Wildcard} {
		if prg, ok := a.programs[key]; ok {
			return key, prg, true
		}
	}
	return "", nil, false
}
