package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// ErrInvalidRule is returned by Compile for a malformed rule set.
var ErrInvalidRule = errors.New("invalid policy rule")

// snapshotVersion numbers compiled snapshots process-wide.
var snapshotVersion atomic.Uint64

// Rule is a prioritized condition with ordered actions.
type Rule struct {
	ID        string
	Priority  int
	Enabled   bool
	Condition Condition
	Actions   []Action
}

// Snapshot is an immutable, compiled rule set ordered for evaluation.
type Snapshot struct {
	version uint64
	rules   []Rule
}

// Version returns the snapshot version.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Len returns the number of enabled rules.
func (s *Snapshot) Len() int {
	return len(s.rules)
}

// RuleIDs returns the rule IDs in evaluation order.
func (s *Snapshot) RuleIDs() []string {
	ids := make([]string, len(s.rules))
	for i, r := range s.rules {
		ids[i] = r.ID
	}
	return ids
}

// Compile validates rules, precompiles their regexes and CEL programs, drops
// disabled rules and orders the rest by descending priority, then by ID.
func Compile(rules []Rule) (*Snapshot, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rules))
	compiled := make([]Rule, 0, len(rules))
	for i, r := range rules {
		field := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			return nil, fmt.Errorf("%w: %s: id is required", ErrInvalidRule, field)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: %s: duplicate rule %q", ErrInvalidRule, field, r.ID)
		}
		seen[r.ID] = true
		field = fmt.Sprintf("rule %q", r.ID)

		cond, err := compileCondition(r.Condition, env, field+".condition")
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}

		if len(r.Actions) == 0 {
			return nil, fmt.Errorf("%w: %s: at least one action is required", ErrInvalidRule, field)
		}
		for j, a := range r.Actions {
			if err := validateAction(a, fmt.Sprintf("%s.actions[%d]", field, j)); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidRule, err)
			}
		}

		if !r.Enabled {
			continue
		}
		compiled = append(compiled, Rule{
			ID:        r.ID,
			Priority:  r.Priority,
			Enabled:   true,
			Condition: cond,
			Actions:   append([]Action(nil), r.Actions...),
		})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority > compiled[j].Priority
		}
		return compiled[i].ID < compiled[j].ID
	})

	return &Snapshot{
		version: snapshotVersion.Add(1),
		rules:   compiled,
	}, nil
}
