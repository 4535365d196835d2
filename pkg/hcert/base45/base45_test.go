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

package base45_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehcheck/ehcheck/pkg/hcert/base45"
)

func TestDecode(t *testing.T) {
	// Vectors from RFC 9285, section 4.3.
	testCases := map[string]struct {
		input     string
		want      string
		assertErr assert.ErrorAssertionFunc
	}{
		"AB":              {input: "BB8", want: "AB", assertErr: assert.NoError},
		"Hello!!":         {input: "%69 VD92EX0", want: "Hello!!", assertErr: assert.NoError},
		"base-45":         {input: "UJCLQE7W581", want: "base-45", assertErr: assert.NoError},
		"ietf!":           {input: "QED8WEX0", want: "ietf!", assertErr: assert.NoError},
		"empty":           {input: "", want: "", assertErr: assert.NoError},
		"odd trailing":    {input: "BB8A", assertErr: assert.Error},
		"bad alphabet":    {input: "BB~", assertErr: assert.Error},
		"triplet too big": {input: "FGX", assertErr: assert.Error},
		"pair too big":    {input: "GB", assertErr: assert.Error},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got, err := base45.Decode(tc.input)
			tc.assertErr(t, err)
			if err != nil {
				return
			}
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	inputs := []string{"", "A", "AB", "ABC", "base-45", "\x00\xff\x00\xff\x01"}
	for _, in := range inputs {
		enc := base45.Encode([]byte(in))
		dec, err := base45.Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, in, string(dec))
	}
}

func TestDecodeErrorKinds(t *testing.T) {
	_, err := base45.Decode("A")
	assert.ErrorIs(t, err, base45.ErrInvalidLength)
	_, err = base45.Decode("ab~")
	assert.ErrorIs(t, err, base45.ErrInvalidCharacter)
	_, err = base45.Decode("GB")
	assert.ErrorIs(t, err, base45.ErrValueOutOfRange)
}
