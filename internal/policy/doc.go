// Package policy evaluates request rules for the MCP gateway.
//
// Rules carry a Condition and an ordered list of Actions. Conditions form a
// closed set of kinds (path, method, header, auth scope, auth subject, auth
// claim, CEL expression and the and/or/not combinators) evaluated by a
// single switch. Rules are compiled into an immutable Snapshot; the Engine
// swaps snapshots atomically so every evaluation sees one rule set.
//
// Evaluation walks rules by descending priority. Header actions accumulate
// into a Mutate decision; allow, block and redirect are terminal and stop
// evaluation. When nothing terminal matches, the engine's default applies.
//
// # Example Usage
//
//	rules := []policy.Rule{{
//	    ID:       "admin-only",
//	    Priority: 100,
//	    Enabled:  true,
//	    Condition: policy.And(
//	        policy.PathPrefix("/admin/"),
//	        policy.Not(policy.ScopeAny("admin")),
//	    ),
//	    Actions: []policy.Action{policy.Block(403, "admin scope required")},
//	}}
//
//	engine, err := policy.NewEngine(policy.Config{}, rules, policy.WithAuditLogger(auditLogger))
//	decision := engine.Evaluate(ctx, rc)
package policy
