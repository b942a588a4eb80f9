// Package policy evaluates per-endpoint accept policies written as small
// CommonJS-style scripts. A script exports a decide function and an
// optional name:
//
//	exports.name = "lan-only";
//	exports.decide = function (conn) {
//	    return { allow: conn.remoteAddr.indexOf("192.168.") === 0, rule: "lan-only" };
//	};
//
// decide receives {port, connId, remoteAddr, activeConns} and returns
// either a boolean or an object with an allow boolean and an optional
// rule string.
package policy

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

const defaultName = "policy"

// Input describes one inbound connection offered to a policy script.
type Input struct {
	Port        int
	ConnID      string
	RemoteAddr  string
	ActiveConns int
}

// Decision is a policy verdict. Rule names the matching rule when the
// script provides one.
type Decision struct {
	Allow bool
	Rule  string
}

// Engine wraps a compiled policy script. Evaluate is safe for
// concurrent use; calls are serialized because goja runtimes are not.
type Engine struct {
	name   string
	source string

	mu     sync.Mutex
	vm     *goja.Runtime
	decide goja.Callable
}

// Load compiles a policy script and validates its exports.
func Load(source string) (*Engine, error) {
	vm := goja.New()
	exports := vm.NewObject()
	vm.Set("module", vm.NewObject())
	vm.Set("exports", exports)

	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("policy: execute script: %w", err)
	}

	if moduleObj := vm.Get("module"); moduleObj != nil {
		if moduleExports := moduleObj.ToObject(vm).Get("exports"); moduleExports != nil && !goja.IsUndefined(moduleExports) {
			exports = moduleExports.ToObject(vm)
		}
	}

	engine := &Engine{
		name:   defaultName,
		source: source,
		vm:     vm,
	}

	if name := exports.Get("name"); name != nil && !goja.IsUndefined(name) {
		engine.name = name.String()
	}

	decideVal := exports.Get("decide")
	if decideVal == nil || goja.IsUndefined(decideVal) {
		return nil, fmt.Errorf("policy: script %s: missing decide function", engine.name)
	}
	decide, ok := goja.AssertFunction(decideVal)
	if !ok {
		return nil, fmt.Errorf("policy: script %s: decide must be function", engine.name)
	}
	engine.decide = decide

	return engine, nil
}

// Name returns the script's exported name, or "policy" if it has none.
func (e *Engine) Name() string {
	return e.name
}

// Source returns the script text the engine was loaded from.
func (e *Engine) Source() string {
	return e.source
}

// Evaluate runs the script's decide function against one connection.
func (e *Engine) Evaluate(in Input) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	arg := e.vm.ToValue(map[string]any{
		"port":        in.Port,
		"connId":      in.ConnID,
		"remoteAddr":  in.RemoteAddr,
		"activeConns": in.ActiveConns,
	})

	result, err := e.decide(goja.Undefined(), arg)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: script %s: decide: %w", e.name, err)
	}

	return e.decisionFrom(result)
}

func (e *Engine) decisionFrom(v goja.Value) (Decision, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return Decision{}, fmt.Errorf("policy: script %s: decide returned no value", e.name)
	}

	switch out := v.Export().(type) {
	case bool:
		return Decision{Allow: out}, nil
	case map[string]any:
		allow, ok := out["allow"].(bool)
		if !ok {
			return Decision{}, fmt.Errorf("policy: script %s: decide result missing allow boolean", e.name)
		}
		decision := Decision{Allow: allow}
		if rule, ok := out["rule"].(string); ok {
			decision.Rule = rule
		}
		return decision, nil
	default:
		return Decision{}, fmt.Errorf("policy: script %s: decide returned %T, want object or boolean", e.name, out)
	}
}
