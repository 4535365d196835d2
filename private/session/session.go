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

// Package session ties decoding, signature verification, rule validation
// and the allow list together into a scan session. A session memoizes
// results per raw certificate string so that repeated scans of the same
// code are answered from cache, tracks which subjects were already seen,
// and keeps a running count of accepted scans.
package session

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ehcheck/ehcheck/pkg/hcert"
	"github.com/ehcheck/ehcheck/pkg/log"
	"github.com/ehcheck/ehcheck/private/trust"
	"github.com/ehcheck/ehcheck/private/validate"
)

// InvalidName is the display name for scans that do not decode.
const InvalidName = "(invalid certificate)"

// accessLogFormat is the timestamp layout of access log lines.
const accessLogFormat = "2006-01-02 15:04:05"

// Result is the outcome of processing one raw certificate string.
type Result struct {
	// Name is the normalized display name, "Given Family", or InvalidName
	// if the certificate did not decode.
	Name string
	// UID identifies the subject across certificates, derived from the
	// ICAO transliterated name and date of birth.
	UID string
	// Valid reports whether signature and rule checks passed.
	Valid bool
	// Unique reports whether the subject was seen for the first time.
	// Always true for invalid scans.
	Unique bool
	// Allowed reports whether the subject is covered by the allow list.
	// True when no allow list is configured.
	Allowed bool
	// Err carries the failure cause of an invalid scan.
	Err error
}

// Config configures a scan session.
type Config struct {
	// Verifier checks certificate signatures. If nil, signatures are not
	// checked.
	Verifier *trust.Verifier
	// Validator evaluates acceptance and booster rules. If nil, rules are
	// not checked.
	Validator *validate.Validator
	// AllowList optionally restricts acceptance to known subjects.
	AllowList *AllowList
	// AccessLog receives one line per distinct valid scan.
	AccessLog io.Writer
	// Metrics counts scan outcomes.
	Metrics *Metrics
	// InitialCount offsets the accepted scan counter, e.g. to continue a
	// previous session.
	InitialCount int
	// SkipVerify disables signature verification. Debugging only.
	SkipVerify bool
	// SkipRules disables rule validation. Debugging only.
	SkipRules bool
	// SkipUnique disables subject deduplication. Debugging only.
	SkipUnique bool
	// Now returns the wall clock for access log timestamps. Defaults to
	// time.Now.
	Now func() time.Time
}

// Session processes certificate scans. It is safe for concurrent use.
type Session struct {
	cfg    Config
	decode func(string) (*hcert.SignedMessage, *hcert.Claims, error)

	group   singleflight.Group
	results *cache.Cache

	mtx        sync.Mutex
	seen       map[string]struct{}
	validCount int
}

// New creates a session with the given configuration.
func New(cfg Config) *Session {
	return &Session{
		cfg:        cfg,
		decode:     hcert.Decode,
		results:    cache.New(cache.NoExpiration, 0),
		seen:       make(map[string]struct{}),
		validCount: cfg.InitialCount,
	}
}

// UID derives the subject identifier from the machine readable name parts
// and the date of birth.
func UID(cert hcert.Certificate) string {
	return fmt.Sprintf("%s<<<%s<<<<%s",
		cert.Name.FamilyNameICAO, cert.Name.GivenNameICAO, cert.DateOfBirth)
}

// ProcessOne processes a single raw certificate string. The full pipeline
// runs at most once per distinct string; repeated and concurrent calls
// with the same string share one cached result. The error is non-nil only
// when the context is cancelled before a result is available, in which
// case nothing is cached.
func (s *Session) ProcessOne(ctx context.Context, raw string) (*Result, error) {
	if res, ok := s.results.Get(raw); ok {
		return res.(*Result), nil
	}
	v, err, _ := s.group.Do(raw, func() (interface{}, error) {
		if res, ok := s.results.Get(raw); ok {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := s.evaluate(ctx, raw)
		s.commit(res)
		s.results.Set(raw, res, cache.NoExpiration)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// ProcessAll processes a batch of raw certificate strings concurrently and
// returns the results in input order.
func (s *Session) ProcessAll(ctx context.Context, raws []string) ([]*Result, error) {
	results := make([]*Result, len(raws))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, raw := range raws {
		i, raw := i, raw
		g.Go(func() error {
			res, err := s.ProcessOne(ctx, raw)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Count returns the number of accepted scans, including the configured
// initial offset.
func (s *Session) Count() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.validCount
}

// evaluate runs the per-scan pipeline without touching session state.
func (s *Session) evaluate(ctx context.Context, raw string) *Result {
	msg, claims, err := s.decode(raw)
	if err != nil {
		return &Result{Name: InvalidName, Unique: true, Err: err}
	}
	name := claims.Certificate.Name
	res := &Result{
		Name: strings.TrimSpace(
			Normalize(name.GivenName) + " " + Normalize(name.FamilyName)),
		UID:    UID(claims.Certificate),
		Valid:  true,
		Unique: true,
	}
	if !s.cfg.SkipVerify && s.cfg.Verifier != nil {
		if err := s.cfg.Verifier.Verify(msg, claims); err != nil {
			log.FromCtx(ctx).Debug("Signature check failed",
				"name", res.Name, "err", err)
			res.Valid = false
			res.Err = err
			return res
		}
	}
	if !s.cfg.SkipRules && s.cfg.Validator != nil {
		if err := s.cfg.Validator.Validate(claims); err != nil {
			log.FromCtx(ctx).Debug("Rule validation failed",
				"name", res.Name, "err", err)
			res.Valid = false
			res.Err = err
			return res
		}
	}
	res.Allowed = s.cfg.AllowList == nil || s.cfg.AllowList.Match(name)
	return res
}

// commit folds a freshly evaluated result into the session state: subject
// registry, accepted count, metrics and the access log. It runs exactly
// once per distinct raw string.
func (s *Session) commit(res *Result) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !res.Valid {
		s.cfg.Metrics.rejected()
		return
	}
	if !s.cfg.SkipUnique {
		if _, ok := s.seen[res.UID]; ok {
			res.Unique = false
			s.cfg.Metrics.duplicate()
		} else {
			s.seen[res.UID] = struct{}{}
		}
	}
	if res.Allowed {
		s.validCount++
		s.cfg.Metrics.accepted()
	} else {
		s.cfg.Metrics.notAllowed()
	}
	s.logAccess(res)
}

// logAccess writes one access log line for a valid scan.
func (s *Session) logAccess(res *Result) {
	if s.cfg.AccessLog == nil {
		return
	}
	now := time.Now()
	if s.cfg.Now != nil {
		now = s.cfg.Now()
	}
	line := now.Format(accessLogFormat) + " " + res.Name
	if !res.Allowed {
		line += " (not allowed)"
	}
	fmt.Fprintln(s.cfg.AccessLog, line)
}
