/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metric exposes escrow coordinator metrics to prometheus and to the
// expvar based /debug/metrics page.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CovenantSQL/escrow/chainbus"
)

const namespace = "escrow"

// Metrics holds the coordinator instruments. The zero value is unusable, use New.
type Metrics struct {
	Registry *prometheus.Registry

	Requests    *prometheus.CounterVec
	Settlements *prometheus.CounterVec
	Attempts    *prometheus.CounterVec
	CASRetries  prometheus.Counter
	Outstanding prometheus.Gauge
	SettleTime  prometheus.Histogram
}

// New creates the instruments on a private registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Coordinator operations by name and result.",
		}, []string{"operation", "result"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Terminal settlement operations by kind and status.",
		}, []string{"kind", "status"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_attempts_total",
			Help:      "Reconciliation attempts by outcome.",
		}, []string{"outcome"}),
		CASRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_retries_total",
			Help:      "Ledger compare-and-swap conflicts that were retried.",
		}),
		Outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_operations",
			Help:      "Settlement operations waiting for a terminal status.",
		}),
		SettleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settle_seconds",
			Help:      "Time from operation creation to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	m.Registry.MustRegister(
		m.Requests, m.Settlements, m.Attempts, m.CASRetries, m.Outstanding, m.SettleTime,
		prometheus.NewGoCollector(),
	)
	return m
}

// Request counts one coordinator operation.
func (m *Metrics) Request(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Requests.WithLabelValues(operation, result).Inc()
}

// Bind counts terminal settlement events published on bus.
func (m *Metrics) Bind(bus *chainbus.Bus) {
	observe := func(ev chainbus.Event) {
		m.Settlements.WithLabelValues(ev.Kind.String(), ev.Status.String()).Inc()
	}
	bus.Subscribe(chainbus.TopicConfirmed, observe)
	bus.Subscribe(chainbus.TopicFailed, observe)
}

// ObserveSettle records the latency of an operation created at created.
func (m *Metrics) ObserveSettle(created time.Time) {
	m.SettleTime.Observe(time.Since(created).Seconds())
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
