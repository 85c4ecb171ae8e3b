package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/vyrodovalexey/mcpgw/internal/reqctx"
)

// celCostLimit bounds the work a single expression may do per evaluation.
const celCostLimit = 10000

// Expression is a compiled CEL condition. Expressions see two variables:
//
//	request: method, rpc_method, path, endpoint, session_id,
//	         client_address, headers (lower-cased name to first value)
//	auth:    authenticated, subject, issuer, scopes, audiences, claims
//
// For anonymous requests auth.authenticated is false and the remaining
// fields are empty.
type Expression struct {
	Source string

	prg cel.Program
}

type celEnv struct {
	env *cel.Env
}

func newCELEnv() (*celEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("auth", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &celEnv{env: env}, nil
}

func (e *celEnv) compile(source string) (*Expression, error) {
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return &Expression{Source: source, prg: prg}, nil
}

// eval reports whether the expression holds for rc. Evaluation errors and
// non-bool results count as a non-match.
func (x *Expression) eval(rc *reqctx.RequestContext) bool {
	out, _, err := x.prg.Eval(activation(rc))
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func activation(rc *reqctx.RequestContext) map[string]interface{} {
	headers := make(map[string]string, len(rc.Headers))
	for name, values := range rc.Headers {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	request := map[string]interface{}{
		"method":         rc.Method,
		"rpc_method":     rc.RPCMethod,
		"path":           rc.Path,
		"endpoint":       rc.EndpointKey(),
		"session_id":     rc.SessionID,
		"client_address": rc.ClientAddress,
		"headers":        headers,
	}

	authVars := map[string]interface{}{
		"authenticated": false,
		"subject":       "",
		"issuer":        "",
		"scopes":        []string{},
		"audiences":     []string{},
		"claims":        map[string]interface{}{},
	}
	if a := rc.Auth(); a != nil {
		claims := make(map[string]interface{})
		for _, name := range a.ClaimNames() {
			if v, ok := a.Claim(name); ok {
				claims[name] = v
			}
		}
		authVars["authenticated"] = true
		authVars["subject"] = a.Subject()
		authVars["issuer"] = a.Issuer()
		authVars["scopes"] = a.Scopes()
		authVars["audiences"] = a.Audiences()
		authVars["claims"] = claims
	}

	return map[string]interface{}{
		"request": request,
		"auth":    authVars,
	}
}
