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

package validate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ehcheck/ehcheck/pkg/certlogic"
	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// Rule is one acceptance rule, immutable once loaded.
type Rule struct {
	// Identifier is the rule identifier, e.g. "VR-DE-0001".
	Identifier string
	// Description is the human readable description, preferring English.
	Description string
	// Country scopes the rule to certificates of one issuer country; empty
	// applies to all.
	Country string
	// ValidFrom and ValidTo bound the half-open validity window
	// [ValidFrom, ValidTo). A rule outside its window is skipped entirely.
	ValidFrom, ValidTo time.Time
	// Logic is the compiled rule expression.
	Logic certlogic.Expr
}

// ruleWire is the distribution file shape of a rule.
type ruleWire struct {
	Identifier  string `json:"Identifier"`
	Country     string `json:"Country"`
	Description []struct {
		Lang string `json:"lang"`
		Desc string `json:"desc"`
	} `json:"Description"`
	ValidFrom time.Time       `json:"ValidFrom"`
	ValidTo   time.Time       `json:"ValidTo"`
	Logic     json.RawMessage `json:"Logic"`
}

// LoadResult reports which files were loaded and which were ignored.
type LoadResult struct {
	Loaded  []string
	Ignored map[string]error
}

// LoadRules loads all rule files in a directory. Files that do not parse
// are ignored, not fatal. The returned rules are sorted by identifier so
// that the first failing rule is reproducible across platforms.
func LoadRules(dir string) ([]Rule, LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, LoadResult{}, serrors.Wrap("reading rule directory", err, "dir", dir)
	}
	res := LoadResult{Ignored: map[string]error{}}
	var rules []Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(f)
		if err != nil {
			res.Ignored[f] = err
			continue
		}
		rule, err := parseRule(raw)
		if err != nil {
			res.Ignored[f] = err
			continue
		}
		rules = append(rules, rule)
		res.Loaded = append(res.Loaded, f)
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Identifier < rules[j].Identifier
	})
	return rules, res, nil
}

func parseRule(raw []byte) (Rule, error) {
	var wire ruleWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Rule{}, serrors.Wrap("parsing rule", err)
	}
	if wire.Identifier == "" {
		return Rule{}, serrors.New("rule without identifier")
	}
	logic, err := certlogic.Parse(wire.Logic)
	if err != nil {
		return Rule{}, serrors.Wrap("compiling rule logic", err, "identifier", wire.Identifier)
	}
	rule := Rule{
		Identifier: wire.Identifier,
		Country:    wire.Country,
		ValidFrom:  wire.ValidFrom,
		ValidTo:    wire.ValidTo,
		Logic:      logic,
	}
	for _, d := range wire.Description {
		if rule.Description == "" || d.Lang == "en" {
			rule.Description = d.Desc
		}
	}
	return rule, nil
}

// valueSetWire is the distribution file shape of a value set.
type valueSetWire struct {
	ID     string                     `json:"valueSetId"`
	Values map[string]json.RawMessage `json:"valueSetValues"`
}

// LoadValueSets loads all value set files in a directory into the shape the
// rule engine consumes: value set id to the list of accepted codes.
func LoadValueSets(dir string) (map[string]interface{}, LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, LoadResult{}, serrors.Wrap("reading value set directory", err, "dir", dir)
	}
	res := LoadResult{Ignored: map[string]error{}}
	sets := make(map[string]interface{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(f)
		if err != nil {
			res.Ignored[f] = err
			continue
		}
		var wire valueSetWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			res.Ignored[f] = err
			continue
		}
		if wire.ID == "" {
			res.Ignored[f] = serrors.New("value set without id")
			continue
		}
		codes := make([]interface{}, 0, len(wire.Values))
		for code := range wire.Values {
			codes = append(codes, code)
		}
		sort.Slice(codes, func(i, j int) bool {
			return codes[i].(string) < codes[j].(string)
		})
		sets[wire.ID] = codes
		res.Loaded = append(res.Loaded, f)
	}
	return sets, res, nil
}
