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

package hcert_test

import (
	"crypto/ecdsa"
	"crypto/rand"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veraison/go-cose"

	"github.com/ehcheck/ehcheck/pkg/hcert"
	"github.com/ehcheck/ehcheck/pkg/hcert/base45"
	"github.com/ehcheck/ehcheck/pkg/hcert/hcerttest"
)

func TestDecodeRoundTrip(t *testing.T) {
	key := hcerttest.NewKey(t)
	kid := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4}
	issued := time.Now().Add(-time.Hour).Truncate(time.Second)
	raw := hcerttest.Sign(t, key, kid, hcerttest.Vaccinated("DE", issued))

	msg, claims, err := hcert.Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, cose.AlgorithmES256, msg.Algorithm)
	assert.Equal(t, kid, msg.KeyID)
	assert.NotEmpty(t, msg.Protected)
	assert.NotEmpty(t, msg.Payload)
	assert.NotEmpty(t, msg.Signature)

	assert.Equal(t, "DE", claims.Issuer)
	assert.Equal(t, issued.UTC(), claims.IssuedAt)
	assert.Nil(t, claims.ExpiresAt)
	assert.Equal(t, hcert.KindVaccination, claims.Certificate.Kind())
	assert.Equal(t, "Müller", claims.Certificate.Name.FamilyName)
	assert.Equal(t, 2, claims.Certificate.Vaccinations[0].DoseNumber)

	verifier, err := cose.NewVerifier(cose.AlgorithmES256, key.Public())
	require.NoError(t, err)
	assert.NoError(t, msg.Verify(verifier))
}

func TestDecodeExpiry(t *testing.T) {
	key := hcerttest.NewKey(t)
	issued := time.Now().Truncate(time.Second)
	expires := issued.Add(48 * time.Hour)
	claims := hcerttest.Vaccinated("AT", issued)
	claims.ExpiresAt = &expires
	raw := hcerttest.Sign(t, key, []byte{1}, claims)

	_, decoded, err := hcert.Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, decoded.ExpiresAt)
	assert.Equal(t, expires.UTC(), *decoded.ExpiresAt)
}

func TestDecodeStageErrors(t *testing.T) {
	key := hcerttest.NewKey(t)
	now := time.Now()

	testCases := map[string]struct {
		input string
		kind  error
	}{
		"bad alphabet": {
			input: "HC1:~~~",
			kind:  hcert.ErrEncoding,
		},
		"odd trailing group": {
			input: "HC1:ABCA",
			kind:  hcert.ErrEncoding,
		},
		"corrupt zlib stream": {
			input: "HC1:" + base45.Encode([]byte{0x78, 0x9c, 0xff, 0xff, 0xff}),
			kind:  hcert.ErrCompression,
		},
		"wrong arity": {
			input: "HC1:" + base45.Encode(mustCBOR(t, []interface{}{1, 2})),
			kind:  hcert.ErrStructure,
		},
		"not a signed message": {
			input: "HC1:" + base45.Encode(mustCBOR(t, "hello")),
			kind:  hcert.ErrStructure,
		},
		"missing key identifier": {
			input: "HC1:" + base45.Encode(signRaw(t, key, nil,
				mustCBOR(t, map[int]interface{}{6: now.Unix()}))),
			kind: hcert.ErrStructure,
		},
		"garbage payload": {
			input: "HC1:" + base45.Encode(signRaw(t, key, []byte{1},
				[]byte{0xff, 0x00, 0x01})),
			kind: hcert.ErrPayload,
		},
		"missing issuance time": {
			input: "HC1:" + base45.Encode(signRaw(t, key, []byte{1},
				mustCBOR(t, map[int]interface{}{1: "DE"}))),
			kind: hcert.ErrPayload,
		},
		"missing health certificate": {
			input: "HC1:" + base45.Encode(signRaw(t, key, []byte{1},
				mustCBOR(t, map[int]interface{}{6: now.Unix()}))),
			kind: hcert.ErrPayload,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, _, err := hcert.Decode(tc.input)
			assert.ErrorIs(t, err, tc.kind)
		})
	}
}

func TestDecodeVariantCount(t *testing.T) {
	key := hcerttest.NewKey(t)
	issued := time.Now().Truncate(time.Second)

	none := hcerttest.Vaccinated("DE", issued)
	none.Certificate.Vaccinations = nil
	_, _, err := hcert.Decode(hcerttest.Sign(t, key, []byte{1}, none))
	assert.ErrorIs(t, err, hcert.ErrPayload)

	both := hcerttest.Vaccinated("DE", issued)
	both.Certificate.Tests = hcerttest.Tested("DE", issued, issued).Certificate.Tests
	_, _, err = hcert.Decode(hcerttest.Sign(t, key, []byte{1}, both))
	assert.ErrorIs(t, err, hcert.ErrPayload)
}

func TestDecodeUncompressed(t *testing.T) {
	// A message that skips the zlib stage must decode as-is.
	key := hcerttest.NewKey(t)
	payload := mustCBOR(t, map[int]interface{}{
		1: "DE",
		6: time.Now().Unix(),
	})
	_, _, err := hcert.Decode("HC1:" + base45.Encode(signRaw(t, key, []byte{1}, payload)))
	// The payload misses the health certificate, but the earlier stages
	// must have run through without a compression error.
	assert.ErrorIs(t, err, hcert.ErrPayload)
}

func mustCBOR(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}

// signRaw builds a COSE Sign1 message over an arbitrary payload, without the
// zlib stage, optionally without a key identifier.
func signRaw(t *testing.T, key *ecdsa.PrivateKey, kid []byte, payload []byte) []byte {
	t.Helper()
	signer, err := cose.NewSigner(cose.AlgorithmES256, key)
	require.NoError(t, err)
	protected := cose.ProtectedHeader{cose.HeaderLabelAlgorithm: cose.AlgorithmES256}
	if kid != nil {
		protected[cose.HeaderLabelKeyID] = kid
	}
	msg := cose.Sign1Message{
		Headers: cose.Headers{Protected: protected},
		Payload: payload,
	}
	require.NoError(t, msg.Sign(rand.Reader, nil, signer))
	data, err := msg.MarshalCBOR()
	require.NoError(t, err)
	return data
}
