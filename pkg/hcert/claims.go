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

package hcert

import (
	"encoding/json"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// CWT claim keys, RFC 8392 plus the -260 health claim container.
const (
	claimIssuer    = 1
	claimExpiresAt = 4
	claimIssuedAt  = 6
	claimHCert     = -260
	hcertEUDGCv1   = 1
)

// Claims is the decoded certificate payload. It is immutable after decode.
type Claims struct {
	// Issuer is the issuing country code.
	Issuer string
	// IssuedAt is the issuance time of the credential.
	IssuedAt time.Time
	// ExpiresAt is the expiry time of the credential, if any.
	ExpiresAt *time.Time
	// Certificate is the embedded health certificate record.
	Certificate Certificate
}

// Certificate is the health certificate record carried in the -260 claim.
// Exactly one of Vaccinations, Tests and Recoveries is non-empty.
type Certificate struct {
	Version      string        `cbor:"ver" json:"ver"`
	Name         Name          `cbor:"nam" json:"nam"`
	DateOfBirth  string        `cbor:"dob" json:"dob"`
	Vaccinations []Vaccination `cbor:"v,omitempty" json:"v,omitempty"`
	Tests        []Test        `cbor:"t,omitempty" json:"t,omitempty"`
	Recoveries   []Recovery    `cbor:"r,omitempty" json:"r,omitempty"`
}

// Name carries the subject name in Latin and ICAO transliterated forms.
type Name struct {
	FamilyName     string `cbor:"fn,omitempty" json:"fn,omitempty"`
	FamilyNameICAO string `cbor:"fnt" json:"fnt"`
	GivenName      string `cbor:"gn,omitempty" json:"gn,omitempty"`
	GivenNameICAO  string `cbor:"gnt,omitempty" json:"gnt,omitempty"`
}

// Vaccination is the vaccination record variant.
type Vaccination struct {
	Target       string `cbor:"tg" json:"tg"`
	Vaccine      string `cbor:"vp" json:"vp"`
	Product      string `cbor:"mp" json:"mp"`
	Manufacturer string `cbor:"ma" json:"ma"`
	DoseNumber   int    `cbor:"dn" json:"dn"`
	SeriesDoses  int    `cbor:"sd" json:"sd"`
	Date         string `cbor:"dt" json:"dt"`
	Country      string `cbor:"co" json:"co"`
	Issuer       string `cbor:"is" json:"is"`
	ID           string `cbor:"ci" json:"ci"`
}

// Test is the test record variant.
type Test struct {
	Target       string `cbor:"tg" json:"tg"`
	Type         string `cbor:"tt" json:"tt"`
	Name         string `cbor:"nm,omitempty" json:"nm,omitempty"`
	Manufacturer string `cbor:"ma,omitempty" json:"ma,omitempty"`
	SampleTime   string `cbor:"sc" json:"sc"`
	Result       string `cbor:"tr" json:"tr"`
	Centre       string `cbor:"tc,omitempty" json:"tc,omitempty"`
	Country      string `cbor:"co" json:"co"`
	Issuer       string `cbor:"is" json:"is"`
	ID           string `cbor:"ci" json:"ci"`
}

// Recovery is the recovery record variant.
type Recovery struct {
	Target        string `cbor:"tg" json:"tg"`
	FirstPositive string `cbor:"fr" json:"fr"`
	Country       string `cbor:"co" json:"co"`
	Issuer        string `cbor:"is" json:"is"`
	ValidFrom     string `cbor:"df" json:"df"`
	ValidUntil    string `cbor:"du" json:"du"`
	ID            string `cbor:"ci" json:"ci"`
}

// RecordKind identifies which record variant a certificate carries.
type RecordKind int

// The three record variants.
const (
	KindVaccination RecordKind = iota
	KindTest
	KindRecovery
)

func (k RecordKind) String() string {
	switch k {
	case KindVaccination:
		return "vaccination"
	case KindTest:
		return "test"
	case KindRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Kind returns the record variant of the certificate. Decode guarantees
// exactly one variant is present.
func (c *Certificate) Kind() RecordKind {
	switch {
	case len(c.Vaccinations) > 0:
		return KindVaccination
	case len(c.Tests) > 0:
		return KindTest
	default:
		return KindRecovery
	}
}

// Map returns the certificate as a generic JSON-shaped map, the form the rule
// engine evaluates variable paths against.
func (c *Certificate) Map() (map[string]interface{}, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, serrors.Wrap("encoding certificate", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, serrors.Wrap("decoding certificate", err)
	}
	return m, nil
}

// rawClaims is the wire shape of the CWT payload.
type rawClaims struct {
	Issuer    string                  `cbor:"1,keyasint,omitempty"`
	ExpiresAt *int64                  `cbor:"4,keyasint,omitempty"`
	IssuedAt  *int64                  `cbor:"6,keyasint,omitempty"`
	HCert     map[int]cbor.RawMessage `cbor:"-260,keyasint,omitempty"`
}

// parseClaims parses the CWT payload bytes into Claims. It enforces the
// mandatory fields: issuance time, the health certificate container, and
// exactly one record variant.
func parseClaims(payload []byte) (*Claims, error) {
	var raw rawClaims
	if err := cbor.Unmarshal(payload, &raw); err != nil {
		return nil, serrors.Join(ErrPayload, err)
	}
	if raw.IssuedAt == nil {
		return nil, serrors.Join(ErrPayload, nil, "reason", "missing issuance time")
	}
	container, ok := raw.HCert[hcertEUDGCv1]
	if !ok {
		return nil, serrors.Join(ErrPayload, nil, "reason", "missing health certificate")
	}
	var cert Certificate
	if err := cbor.Unmarshal(container, &cert); err != nil {
		return nil, serrors.Join(ErrPayload, err, "reason", "malformed health certificate")
	}
	variants := 0
	for _, n := range []int{len(cert.Vaccinations), len(cert.Tests), len(cert.Recoveries)} {
		if n > 0 {
			variants++
		}
	}
	if variants != 1 {
		return nil, serrors.Join(ErrPayload, nil,
			"reason", "expected exactly one record variant", "variants", variants)
	}
	claims := &Claims{
		Issuer:      raw.Issuer,
		IssuedAt:    time.Unix(*raw.IssuedAt, 0).UTC(),
		Certificate: cert,
	}
	if raw.ExpiresAt != nil {
		t := time.Unix(*raw.ExpiresAt, 0).UTC()
		claims.ExpiresAt = &t
	}
	return claims, nil
}
