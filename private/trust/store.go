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

// Package trust holds the trust anchors certificates are verified against,
// and the signature verifier operating on them. Anchors are indexed by the
// short key identifier carried in the signed message; identifiers may
// collide across issuing countries, so a lookup returns all candidates.
package trust

import (
	"context"
	"crypto"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/veraison/go-cose"

	"github.com/ehcheck/ehcheck/pkg/log"
	"github.com/ehcheck/ehcheck/pkg/private/serrors"
)

// ErrEmptyStore indicates that no trust anchors are present at all. This is
// fatal to the whole session: without anchors every certificate would be
// rejected, which is indistinguishable from a checker misconfiguration.
var ErrEmptyStore = errors.New("empty trust store")

// Anchor is one public key of an issuing authority.
type Anchor struct {
	// Country is the issuing country code.
	Country string
	// KeyID is the short key identifier. Not unique across countries.
	KeyID []byte
	// PublicKey is the parsed public key material.
	PublicKey crypto.PublicKey
}

// Source supplies trust anchors for an issuer country. Implementations fetch
// from the distribution point or read pinned local material.
type Source interface {
	Anchors(ctx context.Context, country string) ([]Anchor, error)
}

// snapshot is an immutable view of the anchor set. Lookups observe either
// the pre- or post-refresh snapshot, never a partially updated one.
type snapshot struct {
	byKeyID   map[string][]Anchor
	byCountry map[string][]Anchor
	count     int
}

func newSnapshot(anchors []Anchor) *snapshot {
	s := &snapshot{
		byKeyID:   make(map[string][]Anchor),
		byCountry: make(map[string][]Anchor),
		count:     len(anchors),
	}
	for _, a := range anchors {
		s.byKeyID[string(a.KeyID)] = append(s.byKeyID[string(a.KeyID)], a)
		s.byCountry[a.Country] = append(s.byCountry[a.Country], a)
	}
	return s
}

// Store is a read-mostly trust anchor store. Lookups are lock-free;
// refreshes build a new snapshot and swap it in atomically.
type Store struct {
	current atomic.Pointer[snapshot]
	// refreshMtx serializes refreshes, not lookups.
	refreshMtx sync.Mutex
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(newSnapshot(nil))
	return s
}

// Lookup returns all anchors whose key identifier matches, across all
// countries. Ordering is unspecified; the caller tries each.
func (s *Store) Lookup(keyID []byte) []Anchor {
	return s.current.Load().byKeyID[string(keyID)]
}

// Count returns the number of anchors currently held.
func (s *Store) Count() int {
	return s.current.Load().count
}

// Check returns ErrEmptyStore if the store holds no anchors at all.
func (s *Store) Check() error {
	if s.Count() == 0 {
		return ErrEmptyStore
	}
	return nil
}

// Load replaces the whole anchor set, bypassing any source. Used for
// offline operation from a pinned trust list.
func (s *Store) Load(anchors []Anchor) {
	s.refreshMtx.Lock()
	defer s.refreshMtx.Unlock()
	s.current.Store(newSnapshot(anchors))
}

// Refresh replaces or adds the anchors of the given issuer countries from
// the source. A country whose fetch fails does not invalidate anchors
// already loaded for others; the returned slice names the countries that
// failed, in input order.
func (s *Store) Refresh(ctx context.Context, src Source, countries []string) []string {
	s.refreshMtx.Lock()
	defer s.refreshMtx.Unlock()

	logger := log.FromCtx(ctx)
	fresh := make(map[string][]Anchor, len(countries))
	var failed []string
	for _, country := range countries {
		anchors, err := src.Anchors(ctx, country)
		if err != nil {
			logger.Error("Refreshing trust anchors failed", "country", country, "err", err)
			failed = append(failed, country)
			continue
		}
		fresh[country] = anchors
		logger.Debug("Refreshed trust anchors", "country", country, "count", len(anchors))
	}

	prev := s.current.Load()
	var merged []Anchor
	for country, anchors := range prev.byCountry {
		if _, ok := fresh[country]; ok {
			continue
		}
		merged = append(merged, anchors...)
	}
	for _, country := range countries {
		merged = append(merged, fresh[country]...)
	}
	s.current.Store(newSnapshot(merged))
	return failed
}

// algorithmVerifier builds a verifier for the message's declared algorithm
// over the anchor's key. A key incompatible with the algorithm is simply not
// a candidate.
func algorithmVerifier(alg cose.Algorithm, a Anchor) (cose.Verifier, error) {
	v, err := cose.NewVerifier(alg, a.PublicKey)
	if err != nil {
		return nil, serrors.Wrap("building verifier", err, "country", a.Country)
	}
	return v, nil
}
