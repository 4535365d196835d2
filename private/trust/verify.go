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

package trust

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/ehcheck/ehcheck/pkg/hcert"
	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// Verify stage error kinds.
var (
	// ErrExpired indicates the credential's expiry time has passed.
	ErrExpired = errors.New("certificate expired")
	// ErrUnknownIssuer indicates no trust anchor matches the key identifier.
	ErrUnknownIssuer = errors.New("unknown issuer")
	// ErrSignatureMismatch indicates no matching anchor verifies the
	// signature.
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Verifier checks a decoded message's signature against the store, and the
// embedded expiry timestamp.
type Verifier struct {
	Store *Store
	// Now returns the verification time. Defaults to time.Now.
	Now func() time.Time
}

// Verify checks the message. The expiry check runs before any cryptographic
// work: an expired credential is rejected cheaply, independent of signature
// validity. An unknown key identifier is a distinct failure from a signature
// mismatch.
func (v *Verifier) Verify(msg *hcert.SignedMessage, claims *hcert.Claims) error {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	if claims.ExpiresAt != nil && now.After(*claims.ExpiresAt) {
		return serrors.Join(ErrExpired, nil, "expired_at", claims.ExpiresAt.Format(time.RFC3339))
	}
	anchors := v.Store.Lookup(msg.KeyID)
	if len(anchors) == 0 {
		return serrors.Join(ErrUnknownIssuer, nil, "key_id", hex.EncodeToString(msg.KeyID))
	}
	for _, anchor := range anchors {
		verifier, err := algorithmVerifier(msg.Algorithm, anchor)
		if err != nil {
			// Key type does not fit the declared algorithm; not a candidate.
			continue
		}
		if msg.Verify(verifier) == nil {
			return nil
		}
	}
	return serrors.Join(ErrSignatureMismatch, nil,
		"key_id", hex.EncodeToString(msg.KeyID), "candidates", len(anchors))
}
