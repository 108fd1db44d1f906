package metrics

import (
	"errors"
	"time"
)

// Demo groups the metrics recorded around model-server runs.
type Demo struct {
	reg *Registry

	Active        *Gauge
	ProbeFailures *Counter
	Duration      *Histogram
}

// NewDemo registers the demo metric set on reg.
func NewDemo(reg *Registry) *Demo {
	return &Demo{
		reg:           reg,
		Active:        reg.Gauge("ollama_demo_active_runs", "Runs currently holding a model server."),
		ProbeFailures: reg.Counter("ollama_demo_ready_probe_failures_total", "Readiness probes that did not return 200."),
		Duration:      reg.Histogram("ollama_demo_run_duration_seconds", "End-to-end run duration.", nil),
	}
}

// ProbeFailed records one failed readiness probe. It fits supervisor.Options.OnProbe.
func (d *Demo) ProbeFailed(_ int, _ error) {
	d.ProbeFailures.Inc()
}

// Begin marks a run as started and returns the func that finishes it.
// outcome labels the run counter, e.g. "ok", "not_ready" or "error".
func (d *Demo) Begin() func(outcome string) {
	start := time.Now()
	d.Active.Inc()
	return func(outcome string) {
		d.Active.Dec()
		d.Duration.Since(start)
		d.reg.Counter(WithLabels("ollama_demo_runs_total", "outcome", outcome), "Completed runs by outcome.").Inc()
	}
}

// Outcome maps err to a run outcome label using the given sentinels,
// checked in order. A nil err is "ok"; an unmatched one is "error".
func Outcome(err error, labels map[string]error, order ...string) string {
	if err == nil {
		return "ok"
	}
	for _, name := range order {
		if target, ok := labels[name]; ok && errors.Is(err, target) {
			return name
		}
	}
	return "error"
}
