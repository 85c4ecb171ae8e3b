package policy

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/mcpgw/internal/config"
)

// ConfigFrom converts the policy section of the gateway configuration.
func ConfigFrom(c config.PolicyConfig) Config {
	return Config{
		DefaultAction: c.DefaultAction,
		DenyStatus:    c.DenyStatus,
		DenyBody:      c.DenyBody,
	}
}

// FromConfig converts decoded rule definitions into rules.
func FromConfig(rules []config.RuleConfig) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i, rc := range rules {
		cond, err := conditionFromConfig(rc.Condition)
		if err != nil {
			return nil, fmt.Errorf("%w: rules[%d] (%s): %w", ErrInvalidRule, i, rc.ID, err)
		}

		actions := make([]Action, 0, len(rc.Actions))
		for j, ac := range rc.Actions {
			a, err := actionFromConfig(ac)
			if err != nil {
				return nil, fmt.Errorf("%w: rules[%d].actions[%d]: %w", ErrInvalidRule, i, j, err)
			}
			actions = append(actions, a)
		}

		out = append(out, Rule{
			ID:        rc.ID,
			Priority:  rc.Priority,
			Enabled:   rc.IsEnabled(),
			Condition: cond,
			Actions:   actions,
		})
	}
	return out, nil
}

func conditionFromConfig(c config.ConditionConfig) (Condition, error) {
	switch {
	case c.Path != nil:
		return Condition{Kind: KindPath, Path: &PathMatch{
			Exact: c.Path.Exact, Prefix: c.Path.Prefix, Regex: c.Path.Regex,
		}}, nil
	case c.Method != nil:
		return Condition{Kind: KindMethod, Method: &MethodMatch{
			Methods: c.Method.Methods, RPCMethods: c.Method.RPCMethods,
		}}, nil
	case c.Header != nil:
		return Condition{Kind: KindHeader, Header: &HeaderMatch{
			Name:     c.Header.Name,
			Present:  c.Header.Present,
			Equals:   c.Header.Equals,
			Contains: c.Header.Contains,
			Regex:    c.Header.Regex,
		}}, nil
	case c.AuthScope != nil:
		return Condition{Kind: KindAuthScope, Scope: &ScopeMatch{
			Mode: c.AuthScope.Mode, Scopes: c.AuthScope.Scopes,
		}}, nil
	case c.AuthSubject != nil:
		return Condition{Kind: KindAuthSubject, Subject: &SubjectMatch{
			Equals: c.AuthSubject.Equals, Regex: c.AuthSubject.Regex,
		}}, nil
	case c.AuthClaim != nil:
		return Condition{Kind: KindAuthClaim, Claim: &ClaimMatch{
			Name: c.AuthClaim.Name, Mode: c.AuthClaim.Mode, Value: c.AuthClaim.Value,
		}}, nil
	case c.Expression != "":
		return Expr(c.Expression), nil
	case c.And != nil:
		ops, err := operandsFromConfig(c.And)
		return Condition{Kind: KindAnd, Operands: ops}, err
	case c.Or != nil:
		ops, err := operandsFromConfig(c.Or)
		return Condition{Kind: KindOr, Operands: ops}, err
	case c.Not != nil:
		op, err := conditionFromConfig(*c.Not)
		if err != nil {
			return Condition{}, err
		}
		return Not(op), nil
	case c.Always:
		return Always(), nil
	default:
		return Condition{}, errors.New("empty condition")
	}
}

func operandsFromConfig(cs []config.ConditionConfig) ([]Condition, error) {
	out := make([]Condition, 0, len(cs))
	for _, c := range cs {
		cond, err := conditionFromConfig(c)
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

func actionFromConfig(a config.ActionConfig) (Action, error) {
	switch a.Type {
	case config.ActionAllow:
		return Allow(), nil
	case config.ActionBlock:
		return Block(a.Status, a.Body), nil
	case config.ActionRedirect:
		return Redirect(a.Location, a.Status), nil
	case config.ActionSetHeader:
		return SetHeader(a.Header, a.Value), nil
	case config.ActionRemoveHeader:
		return RemoveHeader(a.Header), nil
	case config.ActionLog:
		return Log(a.Message), nil
	default:
		return Action{}, fmt.Errorf("unknown action %q", a.Type)
	}
}
