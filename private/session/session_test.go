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

package session_test

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ehcheck/ehcheck/pkg/certlogic"
	"github.com/ehcheck/ehcheck/pkg/hcert"
	"github.com/ehcheck/ehcheck/pkg/hcert/hcerttest"
	"github.com/ehcheck/ehcheck/private/session"
	"github.com/ehcheck/ehcheck/private/trust"
	"github.com/ehcheck/ehcheck/private/validate"
)

var testClock = time.Date(2022, 5, 1, 10, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNormalize(t *testing.T) {
	testCases := map[string]struct {
		Input    string
		Expected string
	}{
		"umlaut":      {Input: "Müller", Expected: "Mueller"},
		"sharp s":     {Input: "Straße", Expected: "Strasse"},
		"upper":       {Input: "Ärzte", Expected: "Aerzte"},
		"cedilla":     {Input: "Çelik", Expected: "Celik"},
		"accent":      {Input: "André", Expected: "Andre"},
		"plain":       {Input: "Erika", Expected: "Erika"},
		"whitespace":  {Input: "  Erika ", Expected: "Erika"},
		"combination": {Input: "Özgür Weiß", Expected: "Oezguer Weiss"},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.Expected, session.Normalize(tc.Input))
			assert.Equal(t, tc.Expected, session.Normalize(tc.Expected),
				"normalization must be idempotent")
		})
	}
}

func TestUID(t *testing.T) {
	cert := hcerttest.Vaccinated("DE", testClock).Certificate
	assert.Equal(t, "MUELLER<<<ERIKA<<<<1964-08-12", session.UID(cert))
}

func TestParseAllowList(t *testing.T) {
	input := strings.Join([]string{
		"# staff",
		"",
		"MUELLER;ERIKA",
		"Weiß; Hans ",
		"SOLO",
	}, "\n")
	list, err := session.ParseAllowList(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 3, list.Len())
}

func TestAllowListMatch(t *testing.T) {
	list, err := session.ParseAllowList(strings.NewReader(
		"MUELLER;ERIKA\nSTRASSE MEIER;MAX MORITZ\nWEISS\n"))
	require.NoError(t, err)

	testCases := map[string]struct {
		Name    hcert.Name
		Matches bool
	}{
		"latin name": {
			Name: hcert.Name{
				FamilyName: "Müller", GivenName: "Erika",
				FamilyNameICAO: "MUELLER", GivenNameICAO: "ERIKA",
			},
			Matches: true,
		},
		"icao only": {
			Name: hcert.Name{
				FamilyNameICAO: "MUELLER", GivenNameICAO: "ERIKA",
			},
			Matches: true,
		},
		"partial name in entry": {
			Name: hcert.Name{
				FamilyName: "Meier", GivenName: "Moritz",
				FamilyNameICAO: "MEIER", GivenNameICAO: "MORITZ",
			},
			Matches: true,
		},
		"multi part icao": {
			Name: hcert.Name{
				FamilyNameICAO: "STRASSE<MEIER", GivenNameICAO: "MAX",
			},
			Matches: true,
		},
		"unknown subject": {
			Name: hcert.Name{
				FamilyName: "Schmidt", GivenName: "Anna",
				FamilyNameICAO: "SCHMIDT", GivenNameICAO: "ANNA",
			},
			Matches: false,
		},
		"surname only entry matches any given name": {
			Name: hcert.Name{
				FamilyName: "Weiß", GivenName: "Hans",
				FamilyNameICAO: "WEISS", GivenNameICAO: "HANS",
			},
			Matches: true,
		},
		"surname only entry still checks the surname": {
			Name: hcert.Name{
				FamilyName: "Schwarz", GivenName: "Hans",
				FamilyNameICAO: "SCHWARZ", GivenNameICAO: "HANS",
			},
			Matches: false,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.Matches, list.Match(tc.Name))
		})
	}
}

func TestProcessOneMemoized(t *testing.T) {
	key := hcerttest.NewKey(t)
	kid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	raw := hcerttest.Sign(t, key, kid, hcerttest.Vaccinated("DE", testClock))

	s := session.New(session.Config{
		Verifier: newVerifier(t, key, kid),
	})
	var decodes atomic.Int64
	s.SetDecodeForTesting(
		func(raw string) (*hcert.SignedMessage, *hcert.Claims, error) {
			decodes.Add(1)
			return hcert.Decode(raw)
		},
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ProcessOne(context.Background(), raw)
			assert.NoError(t, err)
			assert.True(t, res.Valid)
		}()
	}
	wg.Wait()
	res, err := s.ProcessOne(context.Background(), raw)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.EqualValues(t, 1, decodes.Load())
	assert.Equal(t, 1, s.Count())
}

func TestProcessOneCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := session.New(session.Config{})
	_, err := s.ProcessOne(ctx, "HC1:whatever")
	assert.ErrorIs(t, err, context.Canceled)

	// Nothing was cached, a live context still gets a result.
	res, err := s.ProcessOne(context.Background(), "HC1:whatever")
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestSessionScenarios(t *testing.T) {
	key := hcerttest.NewKey(t)
	kid := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	first := hcerttest.Sign(t, key, kid, hcerttest.Vaccinated("DE", testClock))
	second := hcerttest.Sign(t, key, kid,
		hcerttest.Vaccinated("DE", testClock.Add(-24*time.Hour)))
	strayKey := hcerttest.NewKey(t)
	stray := hcerttest.Sign(t, strayKey, kid,
		hcerttest.Vaccinated("DE", testClock))

	reg := prometheus.NewRegistry()
	metrics := session.NewMetrics(reg)
	var accessLog strings.Builder
	s := session.New(session.Config{
		Verifier:  newVerifier(t, key, kid),
		Validator: newValidator(),
		AccessLog: &accessLog,
		Metrics:   metrics,
		Now:       func() time.Time { return testClock },
	})
	ctx := context.Background()

	// A fresh valid certificate is accepted and logged.
	res, err := s.ProcessOne(ctx, first)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Unique)
	assert.True(t, res.Allowed)
	assert.Equal(t, "Erika Mueller", res.Name)
	assert.Equal(t, "MUELLER<<<ERIKA<<<<1964-08-12", res.UID)
	assert.Equal(t, 1, s.Count())

	// A different certificate for the same subject is valid but no longer
	// unique.
	res, err = s.ProcessOne(ctx, second)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.False(t, res.Unique)
	assert.Equal(t, 2, s.Count())

	// Garbage does not decode and does not count.
	res, err = s.ProcessOne(ctx, "not a certificate")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, session.InvalidName, res.Name)
	assert.ErrorIs(t, res.Err, hcert.ErrEncoding)
	assert.Equal(t, 2, s.Count())

	// A certificate signed by an unknown key is rejected.
	res, err = s.ProcessOne(ctx, stray)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.ErrorIs(t, res.Err, trust.ErrSignatureMismatch)
	assert.Equal(t, 2, s.Count())

	lines := strings.Split(strings.TrimSpace(accessLog.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2022-05-01 10:00:00 Erika Mueller", lines[0])
	assert.Equal(t, "2022-05-01 10:00:00 Erika Mueller", lines[1])

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ScansAccepted))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ScansRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Duplicates))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.NotAllowed))
}

func TestSessionAllowList(t *testing.T) {
	key := hcerttest.NewKey(t)
	kid := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	erika := hcerttest.Sign(t, key, kid, hcerttest.Vaccinated("DE", testClock))
	max := hcerttest.Sign(t, key, kid,
		hcerttest.Tested("DE", testClock, testClock.Add(-2*time.Hour)))

	list, err := session.ParseAllowList(strings.NewReader("MUELLER;ERIKA\n"))
	require.NoError(t, err)

	var accessLog strings.Builder
	s := session.New(session.Config{
		Verifier:  newVerifier(t, key, kid),
		AllowList: list,
		AccessLog: &accessLog,
		Now:       func() time.Time { return testClock },
	})
	ctx := context.Background()

	res, err := s.ProcessOne(ctx, erika)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, s.Count())

	// A valid certificate for a subject off the list is logged but not
	// counted.
	res, err = s.ProcessOne(ctx, max)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, s.Count())

	lines := strings.Split(strings.TrimSpace(accessLog.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2022-05-01 10:00:00 Erika Mueller", lines[0])
	assert.Equal(t, "2022-05-01 10:00:00 Max Strasse (not allowed)", lines[1])
}

func TestSessionSkipFlags(t *testing.T) {
	key := hcerttest.NewKey(t)
	strayKey := hcerttest.NewKey(t)
	kid := []byte{1, 1, 2, 2, 3, 3, 4, 4}
	stray := hcerttest.Sign(t, strayKey, kid,
		hcerttest.Vaccinated("DE", testClock))
	dupe := hcerttest.Sign(t, strayKey, kid,
		hcerttest.Vaccinated("DE", testClock.Add(-time.Hour)))

	s := session.New(session.Config{
		Verifier:   newVerifier(t, key, kid),
		SkipVerify: true,
		SkipUnique: true,
	})
	ctx := context.Background()

	res, err := s.ProcessOne(ctx, stray)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Unique)

	res, err = s.ProcessOne(ctx, dupe)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Unique, "deduplication is disabled")
	assert.Equal(t, 2, s.Count())
}

func TestSessionInitialCount(t *testing.T) {
	key := hcerttest.NewKey(t)
	kid := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	raw := hcerttest.Sign(t, key, kid, hcerttest.Vaccinated("DE", testClock))

	s := session.New(session.Config{
		Verifier:     newVerifier(t, key, kid),
		InitialCount: 41,
	})
	res, err := s.ProcessOne(context.Background(), raw)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 42, s.Count())
}

func TestProcessAll(t *testing.T) {
	key := hcerttest.NewKey(t)
	kid := []byte{2, 4, 6, 8, 10, 12, 14, 16}
	erika := hcerttest.Sign(t, key, kid, hcerttest.Vaccinated("DE", testClock))
	max := hcerttest.Sign(t, key, kid,
		hcerttest.Tested("DE", testClock, testClock.Add(-time.Hour)))

	s := session.New(session.Config{
		Verifier: newVerifier(t, key, kid),
	})
	raws := []string{erika, max, "garbage", erika}
	results, err := s.ProcessAll(context.Background(), raws)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.True(t, results[0].Valid)
	assert.True(t, results[1].Valid)
	assert.False(t, results[2].Valid)
	assert.Same(t, results[0], results[3], "identical scans share one result")
	assert.Equal(t, 3, s.Count())
}

func newVerifier(t *testing.T, key *ecdsa.PrivateKey, kid []byte) *trust.Verifier {
	t.Helper()
	store := trust.NewStore()
	store.Load([]trust.Anchor{{
		Country:   "DE",
		KeyID:     kid,
		PublicKey: key.Public(),
	}})
	return &trust.Verifier{
		Store: store,
		Now:   func() time.Time { return testClock },
	}
}

func newValidator() *validate.Validator {
	logic, err := certlogic.Parse([]byte(
		`{"if":[{"var":"payload.v.0"},` +
			`{">=":[{"var":"payload.v.0.dn"},{"var":"payload.v.0.sd"}]},` +
			`true]}`,
	))
	if err != nil {
		panic(err)
	}
	return &validate.Validator{
		Rules: []validate.Rule{{
			Identifier:  "VR-DE-0001",
			Description: "Vaccination series must be complete",
			Country:     "DE",
			Logic:       logic,
		}},
		Now: func() time.Time { return testClock },
	}
}
