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
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// Fetcher fetches trust anchors from a distribution point. The listing for a
// country is an ordered collection of {identifier, hash} entries; the key
// material itself is content-addressed by hash.
type Fetcher struct {
	// BaseURL is the distribution point, e.g. "https://de.dscg.ubirch.com/trustList".
	BaseURL string
	// Client is the HTTP client to use. Defaults to http.DefaultClient.
	Client *http.Client
}

type listingEntry struct {
	Identifier string `json:"identifier"`
	Hash       string `json:"hash"`
}

// Anchors implements Source. One unusable entry skips that entry only; a
// failed listing fails the whole country.
func (f *Fetcher) Anchors(ctx context.Context, country string) ([]Anchor, error) {
	raw, err := f.get(ctx, fmt.Sprintf("%s/%s", f.BaseURL, url.PathEscape(country)))
	if err != nil {
		return nil, serrors.Wrap("fetching trust listing", err, "country", country)
	}
	var listing []listingEntry
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, serrors.Wrap("parsing trust listing", err, "country", country)
	}
	var anchors []Anchor
	var skipped serrors.List
	for _, entry := range listing {
		content, err := f.get(ctx, fmt.Sprintf("%s/%s/%s",
			f.BaseURL, url.PathEscape(country), url.PathEscape(entry.Hash)))
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		pub, err := ParseKeyMaterial(content)
		if err != nil {
			skipped = append(skipped, serrors.Wrap("parsing anchor", err, "kid", entry.Identifier))
			continue
		}
		kid, err := base64.StdEncoding.DecodeString(entry.Identifier)
		if err != nil || len(kid) == 0 {
			kid = KeyID(content)
		}
		anchors = append(anchors, Anchor{Country: country, KeyID: kid, PublicKey: pub})
	}
	if len(anchors) == 0 && len(skipped) > 0 {
		return nil, serrors.Wrap("no usable anchor", skipped.ToError(), "country", country)
	}
	return anchors, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, serrors.Wrap("building request", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, serrors.Wrap("fetching", err, "url", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, serrors.New("unexpected status", "url", rawURL, "status", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
