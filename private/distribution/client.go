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

// Package distribution downloads rule sets and value sets from a business
// rule distribution service. Listings name documents by identifier and
// content hash; document content is addressed by hash.
package distribution

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/ehcheck/ehcheck/pkg/log"
	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// DefaultBaseURL is the public distribution service for German acceptance
// rules.
const DefaultBaseURL = "https://distribution.dcc-rules.de"

// Client downloads policy documents from a distribution service.
type Client struct {
	// BaseURL is the distribution service, without trailing slash.
	BaseURL string
	// Client is the HTTP client to use. Defaults to http.DefaultClient.
	Client *http.Client
}

type listingEntry struct {
	Identifier string `json:"identifier"`
	ID         string `json:"id"`
	Hash       string `json:"hash"`
}

// name returns the document name, depending on the listing flavor.
func (e listingEntry) name() string {
	if e.Identifier != "" {
		return e.Identifier
	}
	return e.ID
}

// FetchRules downloads the acceptance rules for one country into dir, one
// file per rule named by its identifier. It returns the identifiers.
func (c *Client) FetchRules(ctx context.Context, country, dir string) ([]string, error) {
	return c.fetchAll(ctx, "rules/"+url.PathEscape(country), dir, "rule")
}

// FetchBoosterRules downloads the booster notification rules into dir.
func (c *Client) FetchBoosterRules(ctx context.Context, dir string) ([]string, error) {
	return c.fetchAll(ctx, "bnrules", dir, "booster rule")
}

// FetchValueSets downloads the value sets into dir, one file per set named
// by its id.
func (c *Client) FetchValueSets(ctx context.Context, dir string) ([]string, error) {
	return c.fetchAll(ctx, "valuesets", dir, "value set")
}

// fetchAll downloads one listing flavor. A failed listing fails the whole
// fetch; a failed document download fails the whole fetch too, since a
// partial rule set would silently change acceptance semantics.
func (c *Client) fetchAll(ctx context.Context, path, dir, kind string) ([]string, error) {
	logger := log.FromCtx(ctx)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, serrors.Wrap("creating directory", err, "dir", dir)
	}
	raw, err := c.get(ctx, fmt.Sprintf("%s/%s", c.BaseURL, path))
	if err != nil {
		return nil, serrors.Wrap("fetching listing", err, "kind", kind)
	}
	var listing []listingEntry
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, serrors.Wrap("parsing listing", err, "kind", kind)
	}
	var names []string
	for _, entry := range listing {
		logger.Info("Loading document", "kind", kind, "identifier", entry.name())
		content, err := c.get(ctx, fmt.Sprintf("%s/%s/%s",
			c.BaseURL, path, url.PathEscape(entry.Hash)))
		if err != nil {
			return nil, serrors.Wrap("fetching document", err,
				"kind", kind, "identifier", entry.name())
		}
		file := filepath.Join(dir, entry.name())
		if err := os.WriteFile(file, content, 0644); err != nil {
			return nil, serrors.Wrap("writing document", err, "file", file)
		}
		names = append(names, entry.name())
	}
	return names, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, serrors.Wrap("building request", err)
	}
	client := c.Client
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
