// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics instruments the engine. The Collector interface keeps
// the engine decoupled from the exporter; the Prometheus implementation
// is the production one and Nop serves tests and embedders who opt out.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives engine lifecycle signals.
type Collector interface {
	// RunStarted is called when a run begins executing on a worker.
	RunStarted(workflowID string)

	// RunCompleted is called when a run reaches a terminal status.
	RunCompleted(workflowID, status string, duration time.Duration)

	// RunRetried is called each time a failed run is requeued.
	RunRetried(workflowID string)

	// StepExecuted is called after a step body runs to success or failure.
	StepExecuted(workflowID, stepID string, duration time.Duration, success bool)

	// EventReceived is called for each event delivered to paused runs.
	EventReceived(eventName string, resumed int)
}

// Prometheus exports engine metrics through a prometheus registry.
type Prometheus struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runRetries    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	events        *prometheus.CounterVec
	runsResumed   *prometheus.CounterVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus builds and registers the engine's collectors. Pass
// prometheus.DefaultRegisterer unless the embedder owns a registry.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "windlass_runs_started_total",
			Help: "Workflow runs picked up by a worker.",
		}, []string{"workflow"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "windlass_runs_completed_total",
			Help: "Workflow runs that reached a terminal status.",
		}, []string{"workflow", "status"}),
		runRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "windlass_run_retries_total",
			Help: "Failed runs requeued for another attempt.",
		}, []string{"workflow"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "windlass_step_duration_seconds",
			Help:    "Wall time of step body executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow", "step", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "windlass_events_received_total",
			Help: "Events delivered to the engine.",
		}, []string{"event"}),
		runsResumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "windlass_runs_resumed_total",
			Help: "Paused runs resumed by an event.",
		}, []string{"event"}),
	}
	reg.MustRegister(p.runsStarted, p.runsCompleted, p.runRetries,
		p.stepDuration, p.events, p.runsResumed)
	return p
}

func (p *Prometheus) RunStarted(workflowID string) {
	p.runsStarted.WithLabelValues(workflowID).Inc()
}

func (p *Prometheus) RunCompleted(workflowID, status string, duration time.Duration) {
	p.runsCompleted.WithLabelValues(workflowID, status).Inc()
}

func (p *Prometheus) RunRetried(workflowID string) {
	p.runRetries.WithLabelValues(workflowID).Inc()
}

func (p *Prometheus) StepExecuted(workflowID, stepID string, duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	p.stepDuration.WithLabelValues(workflowID, stepID, outcome).Observe(duration.Seconds())
}

func (p *Prometheus) EventReceived(eventName string, resumed int) {
	p.events.WithLabelValues(eventName).Inc()
	if resumed > 0 {
		p.runsResumed.WithLabelValues(eventName).Add(float64(resumed))
	}
}

// Nop discards all signals.
type Nop struct{}

var _ Collector = Nop{}

func (Nop) RunStarted(string)                               {}
func (Nop) RunCompleted(string, string, time.Duration)      {}
func (Nop) RunRetried(string)                               {}
func (Nop) StepExecuted(string, string, time.Duration, bool) {}
func (Nop) EventReceived(string, int)                       {}
