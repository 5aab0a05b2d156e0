// Package metrics exposes Prometheus gauges and counters: per-phase
// workflow gauges and cluster-call counters, registered against the
// default registry and served at /metrics by the service facade.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkflowsByPhase tracks the number of known workflows currently in
// each lifecycle phase.
var WorkflowsByPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "workflow_api_workflows_by_phase",
	Help: "Number of workflows currently in each lifecycle phase.",
}, []string{"phase"})

// ClusterCallsTotal counts Cluster Adapter operations by operation name
// and outcome ("ok" / "error").
var ClusterCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "workflow_api_cluster_calls_total",
	Help: "Cluster Adapter operations, by operation and outcome.",
}, []string{"op", "outcome"})

// WorkflowsSubmittedTotal counts workflow submissions by service id.
var WorkflowsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "workflow_api_workflows_submitted_total",
	Help: "Workflow submissions, by service id.",
}, []string{"service_id"})

// ObserveClusterCall records the outcome of one Cluster Adapter call.
func ObserveClusterCall(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ClusterCallsTotal.WithLabelValues(op, outcome).Inc()
}

// SetWorkflowPhase moves one workflow's membership from prev to next in
// WorkflowsByPhase. prev is empty for a workflow's first phase
// assignment.
func SetWorkflowPhase(prev, next string) {
	if prev != "" {
		WorkflowsByPhase.WithLabelValues(prev).Dec()
	}
	WorkflowsByPhase.WithLabelValues(next).Inc()
}
