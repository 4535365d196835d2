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

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts scan outcomes. All fields are optional; a nil Metrics
// or a nil counter is a no-op.
type Metrics struct {
	// ScansAccepted counts distinct scans that passed all checks.
	ScansAccepted prometheus.Counter
	// ScansRejected counts distinct scans that failed verification or
	// rule validation.
	ScansRejected prometheus.Counter
	// Duplicates counts valid scans whose subject was already seen.
	Duplicates prometheus.Counter
	// NotAllowed counts valid scans whose subject is not on the allow list.
	NotAllowed prometheus.Counter
}

// NewMetrics creates scan metrics registered with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ScansAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "checker_scans_accepted_total",
			Help: "Number of distinct certificate scans that were accepted.",
		}),
		ScansRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "checker_scans_rejected_total",
			Help: "Number of distinct certificate scans that were rejected.",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "checker_scans_duplicate_total",
			Help: "Number of valid scans whose subject was seen before.",
		}),
		NotAllowed: factory.NewCounter(prometheus.CounterOpts{
			Name: "checker_scans_not_allowed_total",
			Help: "Number of valid scans rejected by the allow list.",
		}),
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func (m *Metrics) accepted() {
	if m != nil {
		inc(m.ScansAccepted)
	}
}

func (m *Metrics) rejected() {
	if m != nil {
		inc(m.ScansRejected)
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		inc(m.Duplicates)
	}
}

func (m *Metrics) notAllowed() {
	if m != nil {
		inc(m.NotAllowed)
	}
}
