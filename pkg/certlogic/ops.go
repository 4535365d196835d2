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

package certlogic

import (
	"strings"

	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// reduceExpr folds an array. The lambda is evaluated against a fresh data
// document {"current": <element>, "accumulator": <value so far>}; the outer
// document is not visible inside the lambda, as in the source language.
type reduceExpr struct {
	arr, lambda, initial Expr
}

func (e reduceExpr) eval(data interface{}) (interface{}, error) {
	arrV, err := e.arr.eval(data)
	if err != nil {
		return nil, err
	}
	acc, err := e.initial.eval(data)
	if err != nil {
		return nil, err
	}
	if arrV == nil {
		return acc, nil
	}
	arr, ok := arrV.([]interface{})
	if !ok {
		return nil, serrors.Join(ErrEvaluation, nil, "reason", "reduce wants an array")
	}
	for _, item := range arr {
		scope := map[string]interface{}{
			"current":     item,
			"accumulator": acc,
		}
		if acc, err = e.lambda.eval(scope); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// uvciPrefix is stripped before fragment extraction.
const uvciPrefix = "URN:UVCI:"

// extractExpr returns the fragment with the given index from a unique
// certificate identifier, counting fragments from 0, or null when the index
// is out of range or the operand is null.
type extractExpr struct {
	uvci, index Expr
}

func (e extractExpr) eval(data interface{}) (interface{}, error) {
	uvciV, err := e.uvci.eval(data)
	if err != nil {
		return nil, err
	}
	if uvciV == nil {
		return nil, nil
	}
	uvci, ok := uvciV.(string)
	if !ok {
		return nil, serrors.Join(ErrEvaluation, nil, "reason", "extractFromUVCI wants a string")
	}
	idxV, err := e.index.eval(data)
	if err != nil {
		return nil, err
	}
	idx, ok := idxV.(float64)
	if !ok {
		return nil, serrors.Join(ErrEvaluation, nil, "reason", "extractFromUVCI wants an index")
	}
	fragments := strings.FieldsFunc(
		strings.TrimPrefix(uvci, uvciPrefix),
		func(r rune) bool { return r == '/' || r == '#' || r == ':' },
	)
	i := int(idx)
	if i < 0 || i >= len(fragments) {
		return nil, nil
	}
	return fragments[i], nil
}
