package config

// RuleConfig is the YAML form of a policy rule.
//
//	rules:
//	  - id: admin-only
//	    priority: 100
//	    condition:
//	      and:
//	        - path: {prefix: /admin/}
//	        - not:
//	            auth_scope: {mode: any, scopes: [admin]}
//	    actions:
//	      - type: block
//	        status: 403
//	        body: admin scope required
type RuleConfig struct {
	ID        string          `yaml:"id" json:"id"`
	Priority  int             `yaml:"priority" json:"priority"`
	Enabled   *bool           `yaml:"enabled" json:"enabled"`
	Condition ConditionConfig `yaml:"condition" json:"condition"`
	Actions   []ActionConfig  `yaml:"actions" json:"actions"`
}

// IsEnabled reports whether the rule is enabled. Rules default to enabled.
func (r RuleConfig) IsEnabled() bool {
	return BoolOr(r.Enabled, true)
}

// ConditionConfig is a condition node. Exactly one field must be set.
type ConditionConfig struct {
	Path        *PathMatchConfig    `yaml:"path,omitempty" json:"path,omitempty"`
	Method      *MethodMatchConfig  `yaml:"method,omitempty" json:"method,omitempty"`
	Header      *HeaderMatchConfig  `yaml:"header,omitempty" json:"header,omitempty"`
	AuthScope   *ScopeMatchConfig   `yaml:"auth_scope,omitempty" json:"auth_scope,omitempty"`
	AuthSubject *SubjectMatchConfig `yaml:"auth_subject,omitempty" json:"auth_subject,omitempty"`
	AuthClaim   *ClaimMatchConfig   `yaml:"auth_claim,omitempty" json:"auth_claim,omitempty"`
	Expression  string              `yaml:"expression,omitempty" json:"expression,omitempty"`
	And         []ConditionConfig   `yaml:"and,omitempty" json:"and,omitempty"`
	Or          []ConditionConfig   `yaml:"or,omitempty" json:"or,omitempty"`
	Not         *ConditionConfig    `yaml:"not,omitempty" json:"not,omitempty"`
	Always      bool                `yaml:"always,omitempty" json:"always,omitempty"`
}

// setCount returns how many variants are populated.
func (c ConditionConfig) setCount() int {
	n := 0
	for _, set := range []bool{
		c.Path != nil, c.Method != nil, c.Header != nil,
		c.AuthScope != nil, c.AuthSubject != nil, c.AuthClaim != nil,
		c.Expression != "", c.And != nil, c.Or != nil, c.Not != nil, c.Always,
	} {
		if set {
			n++
		}
	}
	return n
}

// PathMatchConfig matches the request path. One of the fields is used, in
// the order exact, prefix, regex.
type PathMatchConfig struct {
	Exact  string `yaml:"exact,omitempty" json:"exact,omitempty"`
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Regex  string `yaml:"regex,omitempty" json:"regex,omitempty"`
}

// MethodMatchConfig matches the HTTP method or the JSON-RPC method.
type MethodMatchConfig struct {
	Methods    []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	RPCMethods []string `yaml:"rpc_methods,omitempty" json:"rpc_methods,omitempty"`
}

// HeaderMatchConfig matches a request header.
type HeaderMatchConfig struct {
	Name     string `yaml:"name" json:"name"`
	Present  *bool  `yaml:"present,omitempty" json:"present,omitempty"`
	Equals   string `yaml:"equals,omitempty" json:"equals,omitempty"`
	Contains string `yaml:"contains,omitempty" json:"contains,omitempty"`
	Regex    string `yaml:"regex,omitempty" json:"regex,omitempty"`
}

// ScopeMatchConfig matches authenticated scopes.
type ScopeMatchConfig struct {
	Mode   string   `yaml:"mode" json:"mode"`
	Scopes []string `yaml:"scopes" json:"scopes"`
}

// SubjectMatchConfig matches the authenticated subject.
type SubjectMatchConfig struct {
	Equals []string `yaml:"equals,omitempty" json:"equals,omitempty"`
	Regex  string   `yaml:"regex,omitempty" json:"regex,omitempty"`
}

// ClaimMatchConfig matches an authenticated claim.
type ClaimMatchConfig struct {
	Name  string `yaml:"name" json:"name"`
	Mode  string `yaml:"mode" json:"mode"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// Action types.
const (
	ActionAllow        = "allow"
	ActionBlock        = "block"
	ActionRedirect     = "redirect"
	ActionSetHeader    = "set_header"
	ActionRemoveHeader = "remove_header"
	ActionLog          = "log"
)

// ActionConfig is the YAML form of a rule action.
type ActionConfig struct {
	Type     string `yaml:"type" json:"type"`
	Status   int    `yaml:"status,omitempty" json:"status,omitempty"`
	Body     string `yaml:"body,omitempty" json:"body,omitempty"`
	Location string `yaml:"location,omitempty" json:"location,omitempty"`
	Header   string `yaml:"header,omitempty" json:"header,omitempty"`
	Value    string `yaml:"value,omitempty" json:"value,omitempty"`
	Message  string `yaml:"message,omitempty" json:"message,omitempty"`
}
