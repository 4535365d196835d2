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
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/ehcheck/ehcheck/pkg/hcert"
	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// AllowList restricts acceptance to a known set of subjects. Entries are
// loaded from a text file with one "SURNAME;GIVEN NAMES" pair per line.
type AllowList struct {
	entries []allowEntry
}

type allowEntry struct {
	family string
	given  string
}

// LoadAllowList reads an allow list from the file at path.
func LoadAllowList(path string) (*AllowList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, serrors.Wrap("opening allow list", err, "file", path)
	}
	defer f.Close()
	l, err := ParseAllowList(f)
	if err != nil {
		return nil, serrors.Wrap("parsing allow list", err, "file", path)
	}
	return l, nil
}

// ParseAllowList parses allow list entries from r. Empty lines and lines
// starting with '#' are skipped. Entries without a semicolon match on the
// surname alone.
func ParseAllowList(r io.Reader) (*AllowList, error) {
	var l AllowList
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		family, given, _ := strings.Cut(line, ";")
		l.entries = append(l.entries, allowEntry{
			family: Normalize(strings.TrimSpace(family)),
			given:  Normalize(strings.TrimSpace(given)),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, serrors.Wrap("reading allow list", err)
	}
	return &l, nil
}

// Len returns the number of entries.
func (l *AllowList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// Match reports whether the subject name is covered by any entry. A name
// matches an entry if either the normalized Latin name components or the
// ICAO transliterated components are contained in the entry's fields. An
// entry without a given name field matches on the surname alone.
func (l *AllowList) Match(name hcert.Name) bool {
	if l == nil {
		return false
	}
	family := Normalize(name.FamilyName)
	given := Normalize(name.GivenName)
	familyICAO := strings.ReplaceAll(name.FamilyNameICAO, "<", " ")
	givenICAO := strings.ReplaceAll(name.GivenNameICAO, "<", " ")
	for _, e := range l.entries {
		if strings.Contains(e.family, family) && containsGiven(e.given, given) {
			return true
		}
		if strings.Contains(strings.ToUpper(e.family), familyICAO) &&
			containsGiven(strings.ToUpper(e.given), givenICAO) {
			return true
		}
	}
	return false
}

// containsGiven treats an empty given name field as a wildcard.
func containsGiven(entry, given string) bool {
	return entry == "" || strings.Contains(entry, given)
}
