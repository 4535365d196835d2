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

// Package base45 implements the base45 encoding defined in RFC 9285, the
// text encoding used by health certificate QR payloads. Two input bytes map
// to three alphabet characters, a trailing single byte maps to two.
package base45

import (
	"errors"

	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ $%*+-./:"

var (
	// ErrInvalidLength indicates an encoded length of 3n+1, which no byte
	// sequence encodes to.
	ErrInvalidLength = errors.New("invalid base45 length")
	// ErrInvalidCharacter indicates a character outside the base45 alphabet.
	ErrInvalidCharacter = errors.New("invalid base45 character")
	// ErrValueOutOfRange indicates a character group whose value exceeds what
	// the decoded byte group can represent.
	ErrValueOutOfRange = errors.New("base45 value out of range")
)

var reverse = func() [256]int16 {
	var t [256]int16
	for i := range t {
		t[i] = -1
	}
	for i, c := range alphabet {
		t[c] = int16(i)
	}
	return t
}()

// Decode reverses the base45 text encoding into raw bytes.
func Decode(s string) ([]byte, error) {
	if len(s)%3 == 1 {
		return nil, serrors.Join(ErrInvalidLength, nil, "len", len(s))
	}
	out := make([]byte, 0, len(s)/3*2+1)
	for i := 0; i < len(s); i += 3 {
		rest := len(s) - i
		v := 0
		n := 3
		if rest == 2 {
			n = 2
		}
		for j := n - 1; j >= 0; j-- {
			d := reverse[s[i+j]]
			if d < 0 {
				return nil, serrors.Join(ErrInvalidCharacter, nil,
					"char", string(s[i+j]), "offset", i+j)
			}
			v = v*45 + int(d)
		}
		if n == 3 {
			if v > 0xffff {
				return nil, serrors.Join(ErrValueOutOfRange, nil, "offset", i)
			}
			out = append(out, byte(v>>8), byte(v))
		} else {
			if v > 0xff {
				return nil, serrors.Join(ErrValueOutOfRange, nil, "offset", i)
			}
			out = append(out, byte(v))
		}
	}
	return out, nil
}

// Encode encodes raw bytes into base45 text.
func Encode(b []byte) string {
	out := make([]byte, 0, (len(b)/2)*3+2)
	for i := 0; i < len(b); i += 2 {
		if len(b)-i >= 2 {
			v := int(b[i])<<8 | int(b[i+1])
			out = append(out, alphabet[v%45], alphabet[v/45%45], alphabet[v/45/45])
		} else {
			v := int(b[i])
			out = append(out, alphabet[v%45], alphabet[v/45])
		}
	}
	return string(out)
}
