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

// Package validate applies the data-driven acceptance policy to decoded
// certificate claims: structural schema conformance, the country's
// acceptance rules, and booster notification rules.
package validate

import (
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ehcheck/ehcheck/pkg/certlogic"
	"github.com/ehcheck/ehcheck/pkg/hcert"
	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// ErrSchema indicates the claims do not conform to the structural schema.
var ErrSchema = errors.New("schema violation")

// RuleFailure names the first rule that rejected the certificate.
type RuleFailure struct {
	// Identifier is the failing rule's identifier.
	Identifier string
	// Description is the failing rule's human readable description.
	Description string
}

func (e RuleFailure) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("rule %s failed", e.Identifier)
	}
	return fmt.Sprintf("rule %s failed: %s", e.Identifier, e.Description)
}

// Validator evaluates the loaded policy against decoded claims. The zero
// value accepts everything; populate the rule sets and value sets from the
// distribution files.
type Validator struct {
	// Rules is the acceptance rule set. A certificate passes when every
	// applicable rule's logic evaluates truthy.
	Rules []Rule
	// BoosterRules is the booster notification rule set, evaluated with
	// inverted expectation: a truthy result means a notification is due and
	// the certificate is rejected.
	BoosterRules []Rule
	// ValueSets is keyed by value set id and consumed by rule expressions
	// through set membership.
	ValueSets map[string]interface{}
	// Schema optionally checks claims conformance before any rule runs.
	Schema *jsonschema.Schema
	// Now returns the validation time. Defaults to time.Now.
	Now func() time.Time
}

// LoadSchema compiles the structural schema document at the given path.
func LoadSchema(path string) (*jsonschema.Schema, error) {
	schema, err := jsonschema.Compile(path)
	if err != nil {
		return nil, serrors.Wrap("compiling schema", err, "file", path)
	}
	return schema, nil
}

// Validate checks the claims against schema and rule sets. The first
// failing rule wins; rules outside their validity window are skipped and
// count as passed. Only if schema, all applicable acceptance rules and all
// applicable booster rules pass does validation succeed.
func (v *Validator) Validate(claims *hcert.Claims) error {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	payload, err := claims.Certificate.Map()
	if err != nil {
		return serrors.Wrap("preparing claims", err)
	}
	if v.Schema != nil {
		if err := v.Schema.Validate(payload); err != nil {
			return serrors.Join(ErrSchema, err)
		}
	}
	data := map[string]interface{}{
		"payload": payload,
		"external": map[string]interface{}{
			"validationClock": now.UTC().Format(time.RFC3339),
			"valueSets":       v.ValueSets,
		},
	}
	if err := evalRules(v.Rules, claims.Issuer, now, data, true); err != nil {
		return err
	}
	return evalRules(v.BoosterRules, claims.Issuer, now, data, false)
}

// evalRules runs one rule set, fail-fast. Expectation true is the
// acceptance semantics, false the booster notification semantics.
func evalRules(rules []Rule, country string, now time.Time, data interface{},
	expectation bool) error {

	for _, rule := range rules {
		if rule.Country != "" && rule.Country != country {
			continue
		}
		if !inWindow(rule, now) {
			continue
		}
		result, err := certlogic.Eval(rule.Logic, data)
		if err != nil {
			return serrors.Join(
				RuleFailure{Identifier: rule.Identifier, Description: rule.Description},
				err,
			)
		}
		if certlogic.Truthy(result) != expectation {
			return RuleFailure{Identifier: rule.Identifier, Description: rule.Description}
		}
	}
	return nil
}

// inWindow reports whether now falls into the half-open validity window
// [ValidFrom, ValidTo). Zero bounds are open.
func inWindow(rule Rule, now time.Time) bool {
	if !rule.ValidFrom.IsZero() && now.Before(rule.ValidFrom) {
		return false
	}
	if !rule.ValidTo.IsZero() && !now.Before(rule.ValidTo) {
		return false
	}
	return true
}
