// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gcjob"

type metrics struct {
	triggers *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	jobs     prometheus.GaugeFunc
}

func newMetrics(m *Manager) *metrics {
	return &metrics{
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "triggers_total",
			Help:      "Number of job triggers.",
		}, []string{"runner"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "outcomes_total",
			Help:      "Number of reported job outcomes.",
		}, []string{"runner", "outcome"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "skipped_total",
			Help:      "Number of triggers skipped because the job or the manager was busy.",
		}, []string{"runner", "reason"}),
		jobs: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "registered_jobs",
			Help:      "Number of jobs registered with the manager.",
		}, func() float64 {
			return float64(m.jobs.Count())
		}),
	}
}

func (mx *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{mx.triggers, mx.outcomes, mx.skipped, mx.jobs} {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "gcjob: register metrics")
		}
	}
	return nil
}

func (mx *metrics) trigger(runner string) {
	mx.triggers.WithLabelValues(runner).Inc()
}

func (mx *metrics) outcome(runner, outcome string) {
	mx.outcomes.WithLabelValues(runner, outcome).Inc()
}

func (mx *metrics) skip(runner, reason string) {
	mx.skipped.WithLabelValues(runner, reason).Inc()
}
