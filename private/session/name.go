// Copyright 2021 Anapaya Systems
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

package session

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// germanFold maps the German umlauts and sharp s to their conventional
// ASCII digraphs before generic diacritic stripping, so that "Müller"
// becomes "Mueller" rather than "Muller".
var germanFold = strings.NewReplacer(
	"Ä", "Ae", "Ö", "Oe", "Ü", "Ue",
	"ä", "ae", "ö", "oe", "ü", "ue",
	"ß", "ss",
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize folds a subject name into its locale-invariant ASCII-ish form:
// German digraph folding, then decomposition and removal of any remaining
// combining marks, then whitespace trimming. Normalize is idempotent.
func Normalize(s string) string {
	folded, _, err := transform.String(stripMarks, germanFold.Replace(s))
	if err != nil {
		// Transformation only fails on malformed input; keep the folded
		// form in that case.
		folded = germanFold.Replace(s)
	}
	return strings.TrimSpace(folded)
}
