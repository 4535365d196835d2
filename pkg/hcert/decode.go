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

// Package hcert decodes electronic health certificate strings into a COSE
// Sign1 message and the claims it carries. The decode pipeline is a pure
// function of the input: scheme prefix strip, base45, optional zlib
// inflation, COSE structural parse, CWT claims parse. Each stage fails with
// its own error kind.
package hcert

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"
	"strings"

	"github.com/veraison/go-cose"

	"github.com/ehcheck/ehcheck/pkg/hcert/base45"
	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// SchemePrefix is the fixed prefix of health certificate QR payloads.
const SchemePrefix = "HC1:"

// zlibHeader is the first byte of a zlib stream with deflate compression.
const zlibHeader = 0x78

// Decode stage error kinds. Callers distinguish stages with errors.Is.
var (
	// ErrEncoding indicates the base45 text could not be decoded.
	ErrEncoding = errors.New("invalid certificate encoding")
	// ErrCompression indicates a corrupt compressed stream.
	ErrCompression = errors.New("corrupt compressed stream")
	// ErrStructure indicates the signed message structure is malformed or
	// misses required header fields.
	ErrStructure = errors.New("malformed signed message")
	// ErrPayload indicates the claims payload is malformed or misses
	// mandatory fields.
	ErrPayload = errors.New("malformed certificate payload")
)

// SignedMessage is the parsed COSE Sign1 structure of a certificate. It is
// immutable after decode.
type SignedMessage struct {
	// Algorithm is the declared signature algorithm.
	Algorithm cose.Algorithm
	// KeyID is the short key identifier naming the signing key. It is not a
	// full certificate and may collide across countries.
	KeyID []byte
	// Protected is the serialized protected header.
	Protected []byte
	// Payload is the serialized claims.
	Payload []byte
	// Signature is the raw signature over protected header and payload.
	Signature []byte

	msg *cose.Sign1Message
}

// Verify checks the message signature with the given verifier. The verifier
// must match the declared algorithm.
func (m *SignedMessage) Verify(verifier cose.Verifier) error {
	return m.msg.Verify(nil, verifier)
}

// Decode turns a raw certificate string into the signed message and the
// decoded claims. It has no side effects.
func Decode(raw string) (*SignedMessage, *Claims, error) {
	compact, err := base45.Decode(strings.TrimPrefix(raw, SchemePrefix))
	if err != nil {
		return nil, nil, serrors.Join(ErrEncoding, err)
	}
	data := compact
	if len(data) > 0 && data[0] == zlibHeader {
		if data, err = inflate(data); err != nil {
			return nil, nil, serrors.Join(ErrCompression, err)
		}
	}
	msg, err := parseSign1(data)
	if err != nil {
		return nil, nil, err
	}
	claims, err := parseClaims(msg.Payload)
	if err != nil {
		return nil, nil, err
	}
	return msg, claims, nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// parseSign1 parses the four-element COSE Sign1 structure and extracts the
// algorithm and key identifier from its headers. Both tagged and untagged
// messages are accepted.
func parseSign1(data []byte) (*SignedMessage, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(data); err != nil {
		var untagged cose.UntaggedSign1Message
		if err := untagged.UnmarshalCBOR(data); err != nil {
			return nil, serrors.Join(ErrStructure, err)
		}
		msg = cose.Sign1Message(untagged)
	}
	alg, err := msg.Headers.Protected.Algorithm()
	if err != nil {
		return nil, serrors.Join(ErrStructure, err, "reason", "missing algorithm header")
	}
	kid := headerKeyID(msg.Headers)
	if len(kid) == 0 {
		return nil, serrors.Join(ErrStructure, nil, "reason", "missing key identifier")
	}
	return &SignedMessage{
		Algorithm: alg,
		KeyID:     kid,
		Protected: msg.Headers.RawProtected,
		Payload:   msg.Payload,
		Signature: msg.Signature,
		msg:       &msg,
	}, nil
}

// headerKeyID returns the key identifier, preferring the protected header.
// Some issuers put the kid in the unprotected bucket.
func headerKeyID(h cose.Headers) []byte {
	if kid, ok := h.Protected[cose.HeaderLabelKeyID].([]byte); ok {
		return kid
	}
	if kid, ok := h.Unprotected[cose.HeaderLabelKeyID].([]byte); ok {
		return kid
	}
	return nil
}
