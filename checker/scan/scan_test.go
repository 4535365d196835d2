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

package scan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehcheck/ehcheck/pkg/private/serrors"
	"github.com/ehcheck/ehcheck/private/session"
)

func TestCollect(t *testing.T) {
	file := filepath.Join(t.TempDir(), "codes.txt")
	content := "HC1:AAA\n\n  HC1:BBB  \n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))

	t.Run("mixed arguments", func(t *testing.T) {
		raws, err := collect(strings.NewReader(""), []string{"HC1:CCC", file})
		require.NoError(t, err)
		assert.Equal(t, []string{"HC1:CCC", "HC1:AAA", "HC1:BBB"}, raws)
	})
	t.Run("stdin fallback", func(t *testing.T) {
		raws, err := collect(strings.NewReader("HC1:DDD\n"), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"HC1:DDD"}, raws)
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := collect(strings.NewReader(""), []string{"no-such-file"})
		assert.Error(t, err)
	})
}

func TestSessionMetricsRegistered(t *testing.T) {
	first := sessionMetrics()
	require.NotNil(t, first)
	assert.Same(t, first, sessionMetrics(), "registration must happen once")

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["checker_scans_accepted_total"])
	assert.True(t, names["checker_scans_rejected_total"])
	assert.True(t, names["checker_scans_duplicate_total"])
	assert.True(t, names["checker_scans_not_allowed_total"])
}

func TestReport(t *testing.T) {
	restore := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = restore })

	testCases := map[string]struct {
		Result   *session.Result
		Expected string
	}{
		"accepted": {
			Result:   &session.Result{Name: "Erika Mueller", Valid: true, Unique: true, Allowed: true},
			Expected: "ACCEPT Erika Mueller\n",
		},
		"accepted duplicate": {
			Result:   &session.Result{Name: "Erika Mueller", Valid: true, Allowed: true},
			Expected: "ACCEPT Erika Mueller (seen before)\n",
		},
		"not on allow list": {
			Result:   &session.Result{Name: "Max Strasse", Valid: true, Unique: true},
			Expected: "REJECT Max Strasse: not on the allow list\n",
		},
		"invalid": {
			Result:   &session.Result{Name: "Max Strasse", Err: serrors.New("expired certificate")},
			Expected: "REJECT Max Strasse: expired certificate\n",
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			var buf strings.Builder
			report(&buf, tc.Result)
			assert.Equal(t, tc.Expected, buf.String())
		})
	}
}
