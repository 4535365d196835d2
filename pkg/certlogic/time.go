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
	"time"

	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// validationClockPath is where the evaluation data document carries the
// current time. The "now" operator reads it.
var validationClockPath = []string{"external", "validationClock"}

type nowExpr struct{}

func (nowExpr) eval(data interface{}) (interface{}, error) {
	v, err := variable{path: validationClockPath}.eval(data)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, serrors.Join(ErrEvaluation, nil, "reason", "validation clock not set")
	}
	return toTime(v)
}

// comparisonExpr compares two or three operands pairwise. The numeric forms
// (<, >, <=, >=) want numbers, the temporal forms (after, before, not-after,
// not-before) want date-times.
type comparisonExpr struct {
	op   string
	args []Expr
}

func (e comparisonExpr) eval(data interface{}) (interface{}, error) {
	vals := make([]interface{}, len(e.args))
	for i, arg := range e.args {
		v, err := arg.eval(data)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	for i := 0; i+1 < len(vals); i++ {
		ok, err := e.comparePair(vals[i], vals[i+1])
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e comparisonExpr) comparePair(a, b interface{}) (bool, error) {
	switch e.op {
	case "<", ">", "<=", ">=":
		x, xok := a.(float64)
		y, yok := b.(float64)
		if !xok || !yok {
			return false, serrors.Join(ErrEvaluation, nil,
				"reason", "comparison wants numbers", "op", e.op)
		}
		switch e.op {
		case "<":
			return x < y, nil
		case ">":
			return x > y, nil
		case "<=":
			return x <= y, nil
		default:
			return x >= y, nil
		}
	default:
		x, err := toTime(a)
		if err != nil {
			return false, err
		}
		y, err := toTime(b)
		if err != nil {
			return false, err
		}
		switch e.op {
		case "after":
			return x.After(y), nil
		case "before":
			return x.Before(y), nil
		case "not-after":
			return !x.After(y), nil
		default: // not-before
			return !x.Before(y), nil
		}
	}
}

// plusTimeExpr shifts a date-time by an amount of time units.
type plusTimeExpr struct {
	value, amount, unit Expr
}

func (e plusTimeExpr) eval(data interface{}) (interface{}, error) {
	raw, err := e.value.eval(data)
	if err != nil {
		return nil, err
	}
	t, err := toTime(raw)
	if err != nil {
		return nil, err
	}
	amountV, err := e.amount.eval(data)
	if err != nil {
		return nil, err
	}
	amount, ok := amountV.(float64)
	if !ok {
		return nil, serrors.Join(ErrEvaluation, nil, "reason", "plusTime wants a numeric amount")
	}
	unitV, err := e.unit.eval(data)
	if err != nil {
		return nil, err
	}
	unit, ok := unitV.(string)
	if !ok {
		return nil, serrors.Join(ErrEvaluation, nil, "reason", "plusTime wants a string unit")
	}
	n := int(amount)
	switch unit {
	case "year":
		return t.AddDate(n, 0, 0), nil
	case "month":
		return t.AddDate(0, n, 0), nil
	case "day":
		return t.AddDate(0, 0, n), nil
	case "hour":
		return t.Add(time.Duration(n) * time.Hour), nil
	default:
		return nil, serrors.Join(ErrEvaluation, nil, "reason", "unknown time unit", "unit", unit)
	}
}

// toTime coerces an evaluation value into a date-time. Strings are accepted
// as RFC 3339 (with or without fractional seconds) or as a plain date. Dates
// resolve to midnight UTC; partial dates, as permitted for a date of birth,
// resolve to the first day of the month or year.
func toTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		layouts := []string{
			time.RFC3339,
			"2006-01-02T15:04:05.999Z07:00",
			"2006-01-02",
			"2006-01",
			"2006",
		}
		for _, layout := range layouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, serrors.Join(ErrEvaluation, nil,
			"reason", "unparseable date-time", "value", t)
	default:
		return time.Time{}, serrors.Join(ErrEvaluation, nil, "reason", "value is not a date-time")
	}
}
