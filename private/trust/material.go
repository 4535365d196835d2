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
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"

	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// kidLen is the length of a key identifier: the first eight bytes of the
// SHA-256 digest of the DER signer certificate.
const kidLen = 8

// ParseKeyMaterial interprets raw bytes as public-key material: a PEM or DER
// X.509 certificate, or a bare PKIX public key.
func ParseKeyMaterial(raw []byte) (crypto.PublicKey, error) {
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}
	if cert, err := x509.ParseCertificate(raw); err == nil {
		return cert.PublicKey, nil
	}
	pub, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, serrors.Wrap("parsing key material", err)
	}
	return pub, nil
}

// KeyID derives the short key identifier of a DER-encoded signer
// certificate.
func KeyID(der []byte) []byte {
	sum := sha256.Sum256(der)
	return sum[:kidLen]
}

// listEntry is one signer entry of a serialized trust list.
type listEntry struct {
	CertificateType string `json:"certificateType,omitempty"`
	Country         string `json:"country"`
	KID             string `json:"kid"`
	RawData         string `json:"rawData"`
}

// trustList is the serialized trust list shape, either a bare entry array or
// wrapped in a "certificates" object.
type trustList struct {
	Certificates []listEntry `json:"certificates"`
}

// ParseList deserializes a previously saved trust list into anchors.
// Entries that are not document signer certificates, or whose key material
// does not parse, are skipped; the whole list fails only if it is not valid
// JSON of either accepted shape.
func ParseList(raw []byte) ([]Anchor, error) {
	var list trustList
	if err := json.Unmarshal(raw, &list); err != nil {
		if err := json.Unmarshal(raw, &list.Certificates); err != nil {
			return nil, serrors.Wrap("parsing trust list", err)
		}
	}
	var anchors []Anchor
	var skipped serrors.List
	for _, entry := range list.Certificates {
		if entry.CertificateType != "" && entry.CertificateType != "DSC" {
			continue
		}
		anchor, err := entry.anchor()
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		anchors = append(anchors, anchor)
	}
	if len(anchors) == 0 && len(skipped) > 0 {
		return nil, serrors.Wrap("no usable trust list entry", skipped.ToError())
	}
	return anchors, nil
}

func (e listEntry) anchor() (Anchor, error) {
	kid, err := base64.StdEncoding.DecodeString(e.KID)
	if err != nil {
		return Anchor{}, serrors.Wrap("decoding kid", err, "country", e.Country)
	}
	der, err := base64.StdEncoding.DecodeString(e.RawData)
	if err != nil {
		return Anchor{}, serrors.Wrap("decoding raw data", err, "country", e.Country)
	}
	pub, err := ParseKeyMaterial(der)
	if err != nil {
		return Anchor{}, serrors.Wrap("parsing entry", err, "country", e.Country)
	}
	if len(kid) == 0 {
		kid = KeyID(der)
	}
	return Anchor{Country: e.Country, KeyID: kid, PublicKey: pub}, nil
}
