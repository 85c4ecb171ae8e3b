package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// ConditionKind identifies a Condition variant.
type ConditionKind int

// Condition kinds.
const (
	KindPath ConditionKind = iota + 1
	KindMethod
	KindHeader
	KindAuthScope
	KindAuthSubject
	KindAuthClaim
	KindExpression
	KindAnd
	KindOr
	KindNot
	KindAlways
)

// String returns the kind name.
func (k ConditionKind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindMethod:
		return "method"
	case KindHeader:
		return "header"
	case KindAuthScope:
		return "auth_scope"
	case KindAuthSubject:
		return "auth_subject"
	case KindAuthClaim:
		return "auth_claim"
	case KindExpression:
		return "expression"
	case KindAnd:
		return "and"
	case KindOr:
		return "or"
	case KindNot:
		return "not"
	case KindAlways:
		return "always"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Scope match modes.
const (
	ScopeModeAny   = "any"
	ScopeModeAll   = "all"
	ScopeModeExact = "exact"
)

// Claim match modes.
const (
	ClaimModeExists   = "exists"
	ClaimModeEquals   = "equals"
	ClaimModeContains = "contains"
	ClaimModeRegex    = "regex"
)

// Condition is a tagged union. Kind selects which payload field is set.
type Condition struct {
	Kind ConditionKind

	Path       *PathMatch
	Method     *MethodMatch
	Header     *HeaderMatch
	Scope      *ScopeMatch
	Subject    *SubjectMatch
	Claim      *ClaimMatch
	Expression *Expression

	// Operands holds the children of And and Or.
	Operands []Condition

	// Operand holds the child of Not.
	Operand *Condition
}

// PathMatch matches the request path. The first non-empty of Exact, Prefix
// and Regex is used.
type PathMatch struct {
	Exact  string
	Prefix string
	Regex  string

	re *regexp.Regexp
}

// MethodMatch matches the HTTP method or the JSON-RPC method.
type MethodMatch struct {
	Methods    []string
	RPCMethods []string
}

// HeaderMatch matches a request header. With Present set only presence is
// checked; otherwise the first non-empty of Equals, Contains and Regex is
// applied to every value, and with none set the header must exist.
type HeaderMatch struct {
	Name     string
	Present  *bool
	Equals   string
	Contains string
	Regex    string

	re *regexp.Regexp
}

// ScopeMatch matches authenticated scopes.
type ScopeMatch struct {
	Mode   string
	Scopes []string
}

// SubjectMatch matches the authenticated subject.
type SubjectMatch struct {
	Equals []string
	Regex  string

	re *regexp.Regexp
}

// ClaimMatch matches an authenticated claim.
type ClaimMatch struct {
	Name  string
	Mode  string
	Value string

	re *regexp.Regexp
}

// PathExact matches the path exactly.
func PathExact(path string) Condition {
	return Condition{Kind: KindPath, Path: &PathMatch{Exact: path}}
}

// PathPrefix matches paths starting with prefix.
func PathPrefix(prefix string) Condition {
	return Condition{Kind: KindPath, Path: &PathMatch{Prefix: prefix}}
}

// PathRegex matches paths against pattern.
func PathRegex(pattern string) Condition {
	return Condition{Kind: KindPath, Path: &PathMatch{Regex: pattern}}
}

// Methods matches any of the HTTP methods.
func Methods(methods ...string) Condition {
	return Condition{Kind: KindMethod, Method: &MethodMatch{Methods: methods}}
}

// RPCMethods matches any of the JSON-RPC methods.
func RPCMethods(methods ...string) Condition {
	return Condition{Kind: KindMethod, Method: &MethodMatch{RPCMethods: methods}}
}

// HeaderPresent matches when the header is present.
func HeaderPresent(name string) Condition {
	present := true
	return Condition{Kind: KindHeader, Header: &HeaderMatch{Name: name, Present: &present}}
}

// HeaderEquals matches when any header value equals value.
func HeaderEquals(name, value string) Condition {
	return Condition{Kind: KindHeader, Header: &HeaderMatch{Name: name, Equals: value}}
}

// ScopeAny matches when the identity has any of the scopes.
func ScopeAny(scopes ...string) Condition {
	return Condition{Kind: KindAuthScope, Scope: &ScopeMatch{Mode: ScopeModeAny, Scopes: scopes}}
}

// ScopeAll matches when the identity has every scope.
func ScopeAll(scopes ...string) Condition {
	return Condition{Kind: KindAuthScope, Scope: &ScopeMatch{Mode: ScopeModeAll, Scopes: scopes}}
}

// SubjectIn matches any of the subjects.
func SubjectIn(subjects ...string) Condition {
	return Condition{Kind: KindAuthSubject, Subject: &SubjectMatch{Equals: subjects}}
}

// ClaimEquals matches when the claim equals value.
func ClaimEquals(name, value string) Condition {
	return Condition{Kind: KindAuthClaim, Claim: &ClaimMatch{Name: name, Mode: ClaimModeEquals, Value: value}}
}

// Expr matches when the CEL expression evaluates to true.
func Expr(source string) Condition {
	return Condition{Kind: KindExpression, Expression: &Expression{Source: source}}
}

// And matches when every operand matches.
func And(operands ...Condition) Condition {
	return Condition{Kind: KindAnd, Operands: operands}
}

// Or matches when any operand matches.
func Or(operands ...Condition) Condition {
	return Condition{Kind: KindOr, Operands: operands}
}

// Not negates operand.
func Not(operand Condition) Condition {
	return Condition{Kind: KindNot, Operand: &operand}
}

// Always matches every request.
func Always() Condition {
	return Condition{Kind: KindAlways}
}

// String returns a compact summary used in audit events.
func (c Condition) String() string {
	switch c.Kind {
	case KindPath:
		if c.Path == nil {
			break
		}
		switch {
		case c.Path.Exact != "":
			return fmt.Sprintf("path.exact(%q)", c.Path.Exact)
		case c.Path.Prefix != "":
			return fmt.Sprintf("path.prefix(%q)", c.Path.Prefix)
		default:
			return fmt.Sprintf("path.regex(%q)", c.Path.Regex)
		}
	case KindMethod:
		if c.Method == nil {
			break
		}
		if len(c.Method.RPCMethods) > 0 && len(c.Method.Methods) == 0 {
			return "rpc_method[" + strings.Join(c.Method.RPCMethods, ",") + "]"
		}
		s := "method[" + strings.Join(c.Method.Methods, ",") + "]"
		if len(c.Method.RPCMethods) > 0 {
			s += "|rpc_method[" + strings.Join(c.Method.RPCMethods, ",") + "]"
		}
		return s
	case KindHeader:
		if c.Header == nil {
			break
		}
		h := c.Header
		switch {
		case h.Present != nil && *h.Present:
			return fmt.Sprintf("header(%s).present", h.Name)
		case h.Present != nil:
			return fmt.Sprintf("header(%s).absent", h.Name)
		case h.Equals != "":
			return fmt.Sprintf("header(%s).equals(%q)", h.Name, h.Equals)
		case h.Contains != "":
			return fmt.Sprintf("header(%s).contains(%q)", h.Name, h.Contains)
		case h.Regex != "":
			return fmt.Sprintf("header(%s).regex(%q)", h.Name, h.Regex)
		default:
			return fmt.Sprintf("header(%s)", h.Name)
		}
	case KindAuthScope:
		if c.Scope == nil {
			break
		}
		return "auth.scope." + c.Scope.Mode + "[" + strings.Join(c.Scope.Scopes, ",") + "]"
	case KindAuthSubject:
		if c.Subject == nil {
			break
		}
		if c.Subject.Regex != "" {
			return fmt.Sprintf("auth.subject.regex(%q)", c.Subject.Regex)
		}
		return "auth.subject[" + strings.Join(c.Subject.Equals, ",") + "]"
	case KindAuthClaim:
		if c.Claim == nil {
			break
		}
		if c.Claim.Mode == ClaimModeExists {
			return fmt.Sprintf("auth.claim(%s).exists", c.Claim.Name)
		}
		return fmt.Sprintf("auth.claim(%s).%s(%q)", c.Claim.Name, c.Claim.Mode, c.Claim.Value)
	case KindExpression:
		if c.Expression == nil {
			break
		}
		return fmt.Sprintf("cel(%q)", c.Expression.Source)
	case KindAnd, KindOr:
		parts := make([]string, len(c.Operands))
		for i, op := range c.Operands {
			parts[i] = op.String()
		}
		return c.Kind.String() + "(" + strings.Join(parts, ", ") + ")"
	case KindNot:
		if c.Operand == nil {
			break
		}
		return "not(" + c.Operand.String() + ")"
	case KindAlways:
		return "always"
	}
	return c.Kind.String() + "(?)"
}
