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

// Package hcerttest generates signed test certificates for use in unit
// tests. The generated strings go through the full production encode path:
// CWT claims, COSE Sign1 signature, zlib compression, base45, scheme prefix.
package hcerttest

import (
	"bytes"
	"compress/zlib"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"github.com/veraison/go-cose"

	"github.com/ehcheck/ehcheck/pkg/hcert"
	"github.com/ehcheck/ehcheck/pkg/hcert/base45"
)

// CWT is the claim set of a test certificate.
type CWT struct {
	Issuer      string
	IssuedAt    time.Time
	ExpiresAt   *time.Time
	Certificate hcert.Certificate
}

type cwtWire struct {
	Issuer    string                    `cbor:"1,keyasint,omitempty"`
	ExpiresAt *int64                    `cbor:"4,keyasint,omitempty"`
	IssuedAt  int64                     `cbor:"6,keyasint"`
	HCert     map[int]hcert.Certificate `cbor:"-260,keyasint"`
}

// NewKey generates a P-256 signing key.
func NewKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// Vaccinated returns a claim set with a two-of-two vaccination record for
// the given subject.
func Vaccinated(issuer string, issuedAt time.Time) CWT {
	return CWT{
		Issuer:   issuer,
		IssuedAt: issuedAt,
		Certificate: hcert.Certificate{
			Version: "1.3.0",
			Name: hcert.Name{
				FamilyName:     "Müller",
				FamilyNameICAO: "MUELLER",
				GivenName:      "Erika",
				GivenNameICAO:  "ERIKA",
			},
			DateOfBirth: "1964-08-12",
			Vaccinations: []hcert.Vaccination{{
				Target:       "840539006",
				Vaccine:      "1119349007",
				Product:      "EU/1/20/1528",
				Manufacturer: "ORG-100030215",
				DoseNumber:   2,
				SeriesDoses:  2,
				Date:         issuedAt.AddDate(0, -1, 0).Format("2006-01-02"),
				Country:      issuer,
				Issuer:       "Robert Koch-Institut",
				ID:           "URN:UVCI:01DE/IZ12345A/5CWLU12RNOB9RXSEOP6FG8#W",
			}},
		},
	}
}

// Tested returns a claim set with a rapid antigen test record whose sample
// was collected at the given time.
func Tested(issuer string, issuedAt, sampleTime time.Time) CWT {
	return CWT{
		Issuer:   issuer,
		IssuedAt: issuedAt,
		Certificate: hcert.Certificate{
			Version: "1.3.0",
			Name: hcert.Name{
				FamilyName:     "Straße",
				FamilyNameICAO: "STRASSE",
				GivenName:      "Max",
				GivenNameICAO:  "MAX",
			},
			DateOfBirth: "1990-01-01",
			Tests: []hcert.Test{{
				Target:     "840539006",
				Type:       "LP217198-3",
				SampleTime: sampleTime.UTC().Format(time.RFC3339),
				Result:     "260415000",
				Country:    issuer,
				Issuer:     "Robert Koch-Institut",
				ID:         "URN:UVCI:01DE/IZ12345A/2DCLU12RNOB9RXSEOP6FG8#E",
			}},
		},
	}
}

// Sign encodes and signs the claim set, returning the raw certificate string
// a scanner would observe.
func Sign(t *testing.T, key *ecdsa.PrivateKey, kid []byte, claims CWT) string {
	t.Helper()
	wire := cwtWire{
		Issuer:   claims.Issuer,
		IssuedAt: claims.IssuedAt.Unix(),
		HCert:    map[int]hcert.Certificate{1: claims.Certificate},
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Unix()
		wire.ExpiresAt = &exp
	}
	payload, err := cbor.Marshal(wire)
	require.NoError(t, err)

	signer, err := cose.NewSigner(cose.AlgorithmES256, key)
	require.NoError(t, err)
	msg := cose.Sign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmES256,
				cose.HeaderLabelKeyID:     kid,
			},
		},
		Payload: payload,
	}
	require.NoError(t, msg.Sign(rand.Reader, nil, signer))
	data, err := msg.MarshalCBOR()
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err = zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return hcert.SchemePrefix + base45.Encode(buf.Bytes())
}
