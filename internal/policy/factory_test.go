package policy

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/mcpgw/internal/auth"
	"github.com/vyrodovalexey/mcpgw/internal/config"
)

const rulesYAML = `
- id: admin-only
  priority: 100
  condition:
    and:
      - path: {prefix: /admin/}
      - not:
          auth_scope: {mode: any, scopes: [admin]}
  actions:
    - type: block
      status: 403
      body: admin scope required
- id: tag-tools
  priority: 50
  condition:
    or:
      - method: {rpc_methods: [tools/call]}
      - expression: 'request.headers["x-tenant"] == "acme"'
  actions:
    - type: set_header
      header: X-Tool-Call
      value: "1"
    - type: log
      message: tool call
- id: legacy
  priority: 10
  enabled: false
  condition:
    always: true
  actions:
    - type: redirect
      location: https://example.com/legacy
`

func TestFromConfig(t *testing.T) {
	t.Parallel()

	var raw []config.RuleConfig
	require.NoError(t, yaml.Unmarshal([]byte(rulesYAML), &raw))

	rules, err := FromConfig(raw)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.False(t, rules[2].Enabled)
	assert.Equal(t, KindAnd, rules[0].Condition.Kind)
	assert.Equal(t, KindNot, rules[0].Condition.Operands[1].Kind)

	engine, err := NewEngine(ConfigFrom(config.PolicyConfig{DenyStatus: 451}), rules)
	require.NoError(t, err)
	assert.Equal(t, 2, engine.Snapshot().Len())

	rc := newRequest(t, http.MethodPost, "/admin/users", &auth.Claims{Subject: "bob", Scopes: []string{"read"}})
	d := engine.Evaluate(context.Background(), rc)
	assert.Equal(t, DecisionBlock, d.Kind)
	assert.Equal(t, 403, d.Status)

	rc = newRequest(t, http.MethodPost, "/mcp", nil)
	d = engine.Evaluate(context.Background(), rc)
	assert.Equal(t, DecisionMutate, d.Kind)
	assert.Equal(t, []HeaderOp{{Name: "X-Tool-Call", Value: "1"}}, d.HeaderOps)
}

func TestFromConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rule config.RuleConfig
	}{
		{name: "empty condition", rule: config.RuleConfig{ID: "a", Actions: []config.ActionConfig{{Type: config.ActionAllow}}}},
		{name: "empty nested condition", rule: config.RuleConfig{
			ID:        "a",
			Condition: config.ConditionConfig{Not: &config.ConditionConfig{}},
			Actions:   []config.ActionConfig{{Type: config.ActionAllow}},
		}},
		{name: "unknown action", rule: config.RuleConfig{
			ID:        "a",
			Condition: config.ConditionConfig{Always: true},
			Actions:   []config.ActionConfig{{Type: "teleport"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := FromConfig([]config.RuleConfig{tt.rule})
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}
