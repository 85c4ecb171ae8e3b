package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vyrodovalexey/mcpgw/internal/auth"
	"github.com/vyrodovalexey/mcpgw/internal/reqctx"
)

// compileCondition validates c and returns a deep copy with regexes and CEL
// programs compiled. The input is not modified.
func compileCondition(c Condition, env *celEnv, field string) (Condition, error) {
	out := Condition{Kind: c.Kind}

	switch c.Kind {
	case KindPath:
		if c.Path == nil {
			return out, fmt.Errorf("%s: path payload is required", field)
		}
		p := *c.Path
		if p.Exact == "" && p.Prefix == "" && p.Regex == "" {
			return out, fmt.Errorf("%s: one of exact, prefix or regex is required", field)
		}
		if p.Exact == "" && p.Prefix == "" {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return out, fmt.Errorf("%s: invalid path regex: %w", field, err)
			}
			p.re = re
		}
		out.Path = &p

	case KindMethod:
		if c.Method == nil || (len(c.Method.Methods) == 0 && len(c.Method.RPCMethods) == 0) {
			return out, fmt.Errorf("%s: methods or rpc_methods is required", field)
		}
		m := MethodMatch{
			Methods:    make([]string, len(c.Method.Methods)),
			RPCMethods: append([]string(nil), c.Method.RPCMethods...),
		}
		for i, method := range c.Method.Methods {
			m.Methods[i] = strings.ToUpper(method)
		}
		out.Method = &m

	case KindHeader:
		if c.Header == nil || c.Header.Name == "" {
			return out, fmt.Errorf("%s: header name is required", field)
		}
		h := *c.Header
		if h.Present == nil && h.Equals == "" && h.Contains == "" && h.Regex != "" {
			re, err := regexp.Compile(h.Regex)
			if err != nil {
				return out, fmt.Errorf("%s: invalid header regex: %w", field, err)
			}
			h.re = re
		}
		out.Header = &h

	case KindAuthScope:
		if c.Scope == nil {
			return out, fmt.Errorf("%s: scope payload is required", field)
		}
		switch c.Scope.Mode {
		case ScopeModeAny, ScopeModeAll, ScopeModeExact:
		default:
			return out, fmt.Errorf("%s: scope mode must be any, all or exact", field)
		}
		s := ScopeMatch{Mode: c.Scope.Mode, Scopes: append([]string(nil), c.Scope.Scopes...)}
		out.Scope = &s

	case KindAuthSubject:
		if c.Subject == nil || (len(c.Subject.Equals) == 0 && c.Subject.Regex == "") {
			return out, fmt.Errorf("%s: equals or regex is required", field)
		}
		s := SubjectMatch{Equals: append([]string(nil), c.Subject.Equals...), Regex: c.Subject.Regex}
		if s.Regex != "" {
			re, err := regexp.Compile(s.Regex)
			if err != nil {
				return out, fmt.Errorf("%s: invalid subject regex: %w", field, err)
			}
			s.re = re
		}
		out.Subject = &s

	case KindAuthClaim:
		if c.Claim == nil || c.Claim.Name == "" {
			return out, fmt.Errorf("%s: claim name is required", field)
		}
		cm := *c.Claim
		switch cm.Mode {
		case ClaimModeExists, ClaimModeEquals, ClaimModeContains:
		case ClaimModeRegex:
			re, err := regexp.Compile(cm.Value)
			if err != nil {
				return out, fmt.Errorf("%s: invalid claim regex: %w", field, err)
			}
			cm.re = re
		default:
			return out, fmt.Errorf("%s: claim mode must be exists, equals, contains or regex", field)
		}
		out.Claim = &cm

	case KindExpression:
		if c.Expression == nil || c.Expression.Source == "" {
			return out, fmt.Errorf("%s: expression is required", field)
		}
		expr, err := env.compile(c.Expression.Source)
		if err != nil {
			return out, fmt.Errorf("%s: %w", field, err)
		}
		out.Expression = expr

	case KindAnd, KindOr:
		if len(c.Operands) == 0 {
			return out, fmt.Errorf("%s: at least one operand is required", field)
		}
		out.Operands = make([]Condition, len(c.Operands))
		for i, op := range c.Operands {
			compiled, err := compileCondition(op, env, fmt.Sprintf("%s.%s[%d]", field, c.Kind, i))
			if err != nil {
				return out, err
			}
			out.Operands[i] = compiled
		}

	case KindNot:
		if c.Operand == nil {
			return out, fmt.Errorf("%s: operand is required", field)
		}
		compiled, err := compileCondition(*c.Operand, env, field+".not")
		if err != nil {
			return out, err
		}
		out.Operand = &compiled

	case KindAlways:

	default:
		return out, fmt.Errorf("%s: unknown condition kind %s", field, c.Kind)
	}

	return out, nil
}

// evaluate reports whether c matches rc. It panics on an unknown kind; the
// engine recovers the panic as a non-match.
func evaluate(c *Condition, rc *reqctx.RequestContext) bool {
	switch c.Kind {
	case KindPath:
		return matchPath(c.Path, rc.Path)
	case KindMethod:
		return matchMethod(c.Method, rc)
	case KindHeader:
		return matchHeader(c.Header, rc)
	case KindAuthScope:
		a := rc.Auth()
		return a != nil && matchScope(c.Scope, a)
	case KindAuthSubject:
		a := rc.Auth()
		return a != nil && matchSubject(c.Subject, a.Subject())
	case KindAuthClaim:
		a := rc.Auth()
		return a != nil && matchClaim(c.Claim, a)
	case KindExpression:
		return c.Expression.eval(rc)
	case KindAnd:
		for i := range c.Operands {
			if !evaluate(&c.Operands[i], rc) {
				return false
			}
		}
		return true
	case KindOr:
		for i := range c.Operands {
			if evaluate(&c.Operands[i], rc) {
				return true
			}
		}
		return false
	case KindNot:
		return !evaluate(c.Operand, rc)
	case KindAlways:
		return true
	default:
		panic(fmt.Sprintf("policy: unknown condition kind %s", c.Kind))
	}
}

func matchPath(m *PathMatch, path string) bool {
	switch {
	case m.Exact != "":
		return path == m.Exact
	case m.Prefix != "":
		return strings.HasPrefix(path, m.Prefix)
	default:
		return m.re.MatchString(path)
	}
}

func matchMethod(m *MethodMatch, rc *reqctx.RequestContext) bool {
	for _, method := range m.Methods {
		if strings.EqualFold(method, rc.Method) {
			return true
		}
	}
	if rc.RPCMethod == "" {
		return false
	}
	for _, method := range m.RPCMethods {
		if method == rc.RPCMethod {
			return true
		}
	}
	return false
}

func matchHeader(m *HeaderMatch, rc *reqctx.RequestContext) bool {
	values := rc.Headers.Values(m.Name)
	if m.Present != nil {
		return (len(values) > 0) == *m.Present
	}
	if len(values) == 0 {
		return false
	}

	for _, v := range values {
		switch {
		case m.Equals != "":
			if v == m.Equals {
				return true
			}
		case m.Contains != "":
			if strings.Contains(v, m.Contains) {
				return true
			}
		case m.re != nil:
			if m.re.MatchString(v) {
				return true
			}
		default:
			return true
		}
	}
	return false
}

func matchScope(m *ScopeMatch, a *auth.AuthContext) bool {
	switch m.Mode {
	case ScopeModeAll:
		return a.HasAllScopes(m.Scopes...)
	case ScopeModeExact:
		return a.HasExactScopes(m.Scopes...)
	default:
		return a.HasAnyScope(m.Scopes...)
	}
}

func matchSubject(m *SubjectMatch, subject string) bool {
	if subject == "" {
		return false
	}
	for _, s := range m.Equals {
		if s == subject {
			return true
		}
	}
	return m.re != nil && m.re.MatchString(subject)
}

func matchClaim(m *ClaimMatch, a *auth.AuthContext) bool {
	v, ok := a.Claim(m.Name)
	if !ok {
		return false
	}

	switch m.Mode {
	case ClaimModeExists:
		return true
	case ClaimModeEquals:
		for _, s := range claimValues(v) {
			if s == m.Value {
				return true
			}
		}
		return false
	case ClaimModeContains:
		s, _ := a.ClaimString(m.Name)
		return strings.Contains(s, m.Value)
	case ClaimModeRegex:
		for _, s := range claimValues(v) {
			if m.re.MatchString(s) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// claimValues flattens a claim into its string elements.
func claimValues(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, claimValues(e)...)
		}
		return out
	case nil:
		return nil
	default:
		return []string{fmt.Sprint(t)}
	}
}
