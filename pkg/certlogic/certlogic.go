// Copyright 2022 Anapaya Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package certlogic implements the declarative rule expression language used
// by health certificate acceptance rules. Expressions arrive as JSON trees
// and are compiled into a closed set of node kinds, then evaluated against a
// data document, typically {"payload": <certificate>, "external":
// {"validationClock": <RFC 3339>, "valueSets": {...}}}.
//
// Evaluation is pure and deterministic: given identical expression and data,
// the result is identical, and no external state is mutated. An evaluation
// error (unknown operator, type mismatch) is distinct from an expression
// evaluating to a falsy value.
package certlogic

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// ErrEvaluation indicates the expression could not be evaluated, as opposed
// to evaluating to a failing value.
var ErrEvaluation = errors.New("rule evaluation error")

// Expr is a compiled rule expression.
type Expr interface {
	eval(data interface{}) (interface{}, error)
}

// Parse compiles a JSON expression tree.
func Parse(raw json.RawMessage) (Expr, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, serrors.Wrap("parsing rule expression", err)
	}
	return compile(v)
}

// Eval evaluates a compiled expression against the given data document.
func Eval(e Expr, data interface{}) (interface{}, error) {
	return e.eval(data)
}

// Truthy reports whether a rule result counts as passing. Mirrors the
// language's falsy set: null, false, 0, "", empty array, empty map.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func compile(v interface{}) (Expr, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) != 1 {
			return nil, serrors.Join(ErrEvaluation, nil,
				"reason", "operation must have exactly one operator", "operators", len(t))
		}
		for op, args := range t {
			return compileOp(op, args)
		}
		panic("unreachable")
	case []interface{}:
		items := make([]Expr, 0, len(t))
		for _, item := range t {
			e, err := compile(item)
			if err != nil {
				return nil, err
			}
			items = append(items, e)
		}
		return arrayExpr(items), nil
	default:
		return literal{v: v}, nil
	}
}

func compileOp(op string, rawArgs interface{}) (Expr, error) {
	if op == "var" {
		path, ok := rawArgs.(string)
		if !ok {
			return nil, serrors.Join(ErrEvaluation, nil, "reason", "var wants a string path")
		}
		return newVariable(path), nil
	}
	argList, ok := rawArgs.([]interface{})
	if !ok {
		argList = []interface{}{rawArgs}
	}
	args := make([]Expr, 0, len(argList))
	for _, a := range argList {
		e, err := compile(a)
		if err != nil {
			return nil, err
		}
		args = append(args, e)
	}
	switch op {
	case "now":
		if len(args) != 0 {
			return nil, arityError(op, len(args))
		}
		return nowExpr{}, nil
	case "if":
		if len(args) != 3 {
			return nil, arityError(op, len(args))
		}
		return ifExpr{cond: args[0], then: args[1], els: args[2]}, nil
	case "!":
		if len(args) != 1 {
			return nil, arityError(op, len(args))
		}
		return notExpr{arg: args[0]}, nil
	case "and", "or":
		if len(args) < 2 {
			return nil, arityError(op, len(args))
		}
		return boolExpr{op: op, args: args}, nil
	case "===", "in", "+":
		if len(args) != 2 {
			return nil, arityError(op, len(args))
		}
		return binaryExpr{op: op, args: args}, nil
	case "<", ">", "<=", ">=",
		"after", "before", "not-after", "not-before":
		if len(args) != 2 && len(args) != 3 {
			return nil, arityError(op, len(args))
		}
		return comparisonExpr{op: op, args: args}, nil
	case "plusTime":
		if len(args) != 3 {
			return nil, arityError(op, len(args))
		}
		return plusTimeExpr{value: args[0], amount: args[1], unit: args[2]}, nil
	case "reduce":
		if len(args) != 3 {
			return nil, arityError(op, len(args))
		}
		return reduceExpr{arr: args[0], lambda: args[1], initial: args[2]}, nil
	case "extractFromUVCI":
		if len(args) != 2 {
			return nil, arityError(op, len(args))
		}
		return extractExpr{uvci: args[0], index: args[1]}, nil
	default:
		return nil, serrors.Join(ErrEvaluation, nil, "reason", "unknown operator", "op", op)
	}
}

func arityError(op string, n int) error {
	return serrors.Join(ErrEvaluation, nil, "reason", "wrong operand count", "op", op, "count", n)
}

type literal struct {
	v interface{}
}

func (l literal) eval(interface{}) (interface{}, error) {
	return l.v, nil
}

type arrayExpr []Expr

func (a arrayExpr) eval(data interface{}) (interface{}, error) {
	out := make([]interface{}, 0, len(a))
	for _, e := range a {
		v, err := e.eval(data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type variable struct {
	path []string
}

func newVariable(path string) variable {
	if path == "" {
		return variable{}
	}
	return variable{path: strings.Split(path, ".")}
}

// eval walks the path into the data document. A missing member resolves to
// null; indexing into a scalar is an evaluation error.
func (v variable) eval(data interface{}) (interface{}, error) {
	cur := data
	for _, seg := range v.path {
		switch node := cur.(type) {
		case nil:
			return nil, nil
		case map[string]interface{}:
			cur = node[seg]
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, serrors.Join(ErrEvaluation, nil,
					"reason", "non-numeric array index", "segment", seg)
			}
			if idx < 0 || idx >= len(node) {
				return nil, nil
			}
			cur = node[idx]
		default:
			return nil, serrors.Join(ErrEvaluation, nil,
				"reason", "path into scalar", "segment", seg)
		}
	}
	return cur, nil
}

type ifExpr struct {
	cond, then, els Expr
}

func (e ifExpr) eval(data interface{}) (interface{}, error) {
	cond, err := e.cond.eval(data)
	if err != nil {
		return nil, err
	}
	if Truthy(cond) {
		return e.then.eval(data)
	}
	return e.els.eval(data)
}

type notExpr struct {
	arg Expr
}

func (e notExpr) eval(data interface{}) (interface{}, error) {
	v, err := e.arg.eval(data)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

// boolExpr is a short-circuit combinator. As in the source language, "and"
// returns the first falsy operand or the last operand, "or" the first truthy
// operand or the last operand.
type boolExpr struct {
	op   string
	args []Expr
}

func (e boolExpr) eval(data interface{}) (interface{}, error) {
	var last interface{}
	for _, arg := range e.args {
		v, err := arg.eval(data)
		if err != nil {
			return nil, err
		}
		if e.op == "and" && !Truthy(v) {
			return v, nil
		}
		if e.op == "or" && Truthy(v) {
			return v, nil
		}
		last = v
	}
	return last, nil
}

type binaryExpr struct {
	op   string
	args []Expr
}

func (e binaryExpr) eval(data interface{}) (interface{}, error) {
	lhs, err := e.args[0].eval(data)
	if err != nil {
		return nil, err
	}
	rhs, err := e.args[1].eval(data)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "===":
		if !isScalar(lhs) || !isScalar(rhs) {
			return nil, serrors.Join(ErrEvaluation, nil, "reason", "=== wants scalar operands")
		}
		return lhs == rhs, nil
	case "in":
		return evalIn(lhs, rhs)
	case "+":
		a, aok := lhs.(float64)
		b, bok := rhs.(float64)
		if !aok || !bok {
			return nil, serrors.Join(ErrEvaluation, nil, "reason", "+ wants numbers")
		}
		return a + b, nil
	default:
		panic("unreachable")
	}
}

// isScalar reports whether a value can be compared with ==. Rule data
// documents only ever contain the JSON scalar kinds besides arrays and
// maps, and comparing the latter with == panics.
func isScalar(v interface{}) bool {
	switch v.(type) {
	case nil, bool, float64, string:
		return true
	default:
		return false
	}
}

// evalIn implements membership: element in array, or substring in string.
func evalIn(needle, haystack interface{}) (interface{}, error) {
	switch h := haystack.(type) {
	case []interface{}:
		if !isScalar(needle) {
			return nil, serrors.Join(ErrEvaluation, nil,
				"reason", "in wants a scalar needle for array haystack")
		}
		for _, item := range h {
			if isScalar(item) && item == needle {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return nil, serrors.Join(ErrEvaluation, nil,
				"reason", "in wants a string needle for string haystack")
		}
		return strings.Contains(h, s), nil
	case nil:
		return false, nil
	default:
		return nil, serrors.Join(ErrEvaluation, nil,
			"reason", "in wants an array or string haystack")
	}
}
