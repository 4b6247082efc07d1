// Copyright (C) 2017-2021  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Package metrics exposes ambient prometheus counters/gauges for the
// ordering server and the perturbation harness. Nothing in either decision
// path consults these; they exist purely for external observability.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RunsAccumulated counts perturbed runs recorded by the pipeline's
	// accumulation worker pool, labelled by outcome ("success" or "crash").
	RunsAccumulated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordserv",
		Subsystem: "pipeline",
		Name:      "runs_accumulated_total",
		Help:      "Perturbed runs recorded by the accumulation worker pool.",
	}, []string{"outcome"})

	// ProbeRetries counts retry attempts taken by traceexec.Runner.Probe.
	ProbeRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ordserv",
		Subsystem: "pipeline",
		Name:      "probe_retries_total",
		Help:      "Retry attempts taken while probing an executable's hook invocation counts.",
	})

	// AxiomViolations counts ViolationErrors raised while evaluating the
	// rule/axiom set over a realizable trace.
	AxiomViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordserv",
		Subsystem: "axiom",
		Name:      "violations_total",
		Help:      "Axiom violations detected while evaluating a realizable trace.",
	}, []string{"rule"})

	// TranspositionCumsum tracks the running total of out-of-order pairs
	// observed by a StreamingTranspositions accumulator, per test.
	TranspositionCumsum = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ordserv",
		Subsystem: "transpositions",
		Name:      "cumsum",
		Help:      "Cumulative out-of-order pair count observed so far.",
	}, []string{"test"})

	// OrderingServerConnections tracks currently-connected ordering clients.
	OrderingServerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ordserv",
		Subsystem: "server",
		Name:      "connections",
		Help:      "Currently connected ordering clients.",
	})
)

func init() {
	prometheus.MustRegister(
		RunsAccumulated,
		ProbeRetries,
		AxiomViolations,
		TranspositionCumsum,
		OrderingServerConnections,
	)
}
