package policy

import (
	"fmt"
	"net/http"
)

// ActionKind identifies an Action variant.
type ActionKind int

// Action kinds.
const (
	ActionAllow ActionKind = iota + 1
	ActionBlock
	ActionRedirect
	ActionSetHeader
	ActionRemoveHeader
	ActionLog
)

// String returns the action name.
func (k ActionKind) String() string {
	switch k {
	case ActionAllow:
		return "allow"
	case ActionBlock:
		return "block"
	case ActionRedirect:
		return "redirect"
	case ActionSetHeader:
		return "set_header"
	case ActionRemoveHeader:
		return "remove_header"
	case ActionLog:
		return "log"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is a tagged union. Kind selects which fields apply.
type Action struct {
	Kind ActionKind

	// Status applies to Block and Redirect.
	Status int

	// Body applies to Block.
	Body string

	// Location applies to Redirect.
	Location string

	// Header and Value apply to SetHeader; Header to RemoveHeader.
	Header string
	Value  string

	// Message applies to Log.
	Message string
}

// Terminal reports whether the action ends evaluation.
func (a Action) Terminal() bool {
	switch a.Kind {
	case ActionAllow, ActionBlock, ActionRedirect:
		return true
	default:
		return false
	}
}

// Allow returns an explicit allow action.
func Allow() Action { return Action{Kind: ActionAllow} }

// Block returns a block action. A zero status uses the engine deny status.
func Block(status int, body string) Action {
	return Action{Kind: ActionBlock, Status: status, Body: body}
}

// Redirect returns a redirect action. A zero status means 302.
func Redirect(location string, status int) Action {
	return Action{Kind: ActionRedirect, Location: location, Status: status}
}

// SetHeader returns an action that sets an upstream request header.
func SetHeader(name, value string) Action {
	return Action{Kind: ActionSetHeader, Header: name, Value: value}
}

// RemoveHeader returns an action that removes an upstream request header.
func RemoveHeader(name string) Action {
	return Action{Kind: ActionRemoveHeader, Header: name}
}

// Log returns an action that logs message when the rule matches.
func Log(message string) Action {
	return Action{Kind: ActionLog, Message: message}
}

func validateAction(a Action, field string) error {
	switch a.Kind {
	case ActionAllow, ActionLog:
	case ActionBlock:
		if a.Status != 0 && (a.Status < 400 || a.Status > 599) {
			return fmt.Errorf("%s: block status must be 4xx or 5xx", field)
		}
	case ActionRedirect:
		if a.Location == "" {
			return fmt.Errorf("%s: redirect location is required", field)
		}
		if a.Status != 0 && (a.Status < http.StatusMultipleChoices || a.Status > http.StatusPermanentRedirect) {
			return fmt.Errorf("%s: redirect status must be 3xx", field)
		}
	case ActionSetHeader, ActionRemoveHeader:
		if a.Header == "" {
			return fmt.Errorf("%s: header name is required", field)
		}
		if a.Kind == ActionSetHeader && http.CanonicalHeaderKey(a.Header) == "Authorization" {
			return fmt.Errorf("%s: rules may not set Authorization", field)
		}
	default:
		return fmt.Errorf("%s: unknown action %s", field, a.Kind)
	}
	return nil
}

// DecisionKind identifies a Decision variant.
type DecisionKind int

// Decision kinds.
const (
	DecisionAllow DecisionKind = iota
	DecisionBlock
	DecisionRedirect
	DecisionMutate
)

// String returns the decision name.
func (k DecisionKind) String() string {
	switch k {
	case DecisionAllow:
		return "allow"
	case DecisionBlock:
		return "block"
	case DecisionRedirect:
		return "redirect"
	case DecisionMutate:
		return "mutate"
	default:
		return fmt.Sprintf("decision(%d)", int(k))
	}
}

// HeaderOp is a header mutation applied to the upstream request.
type HeaderOp struct {
	Remove bool
	Name   string
	Value  string
}

// Apply performs the operation on h.
func (op HeaderOp) Apply(h http.Header) {
	if op.Remove {
		h.Del(op.Name)
		return
	}
	h.Set(op.Name, op.Value)
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Kind      DecisionKind
	Status    int
	Body      string
	Location  string
	HeaderOps []HeaderOp

	// RuleID is the rule that produced a terminal decision.
	RuleID string

	// Matched summarizes the condition of RuleID.
	Matched string

	// Default is set when no terminal rule matched.
	Default bool

	// Version is the snapshot version the decision was made against.
	Version uint64
}

// Terminal reports whether the decision ends the request before dispatch.
func (d Decision) Terminal() bool {
	return d.Kind == DecisionBlock || d.Kind == DecisionRedirect
}

// ApplyHeaders performs every header operation on h in order.
func (d Decision) ApplyHeaders(h http.Header) {
	for _, op := range d.HeaderOps {
		op.Apply(h)
	}
}
