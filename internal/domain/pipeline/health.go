package pipeline

import (
	"fmt"
	"time"
)

// HealthSample is one reading of the live error rate and p95 latency.
type HealthSample struct {
	ErrorRate float64
	P95Ms     float64
	At        time.Time
}

// Tolerance bounds how far a stage may drift from the pre-deployment baseline.
// ErrorRate is an absolute delta; Latency is relative to the baseline p95.
type Tolerance struct {
	ErrorRate float64
	Latency   float64
}

// Breach describes why a sample or stage exceeded tolerance.
type Breach struct {
	Metric   string
	Baseline float64
	Observed float64
	Delta    float64
	Limit    float64
}

func (b Breach) Reason() string {
	switch b.Metric {
	case "error_rate":
		return fmt.Sprintf("error-rate delta %.4f exceeds tolerance %.4f (baseline %.4f, observed %.4f)", b.Delta, b.Limit, b.Baseline, b.Observed)
	default:
		return fmt.Sprintf("p95 latency delta %.1f%% exceeds tolerance %.1f%% (baseline %.1fms, observed %.1fms)", b.Delta*100, b.Limit*100, b.Baseline, b.Observed)
	}
}

// ErrorRateDelta is the absolute change against the baseline.
func ErrorRateDelta(baseline HealthSample, observed HealthSample) float64 {
	return observed.ErrorRate - baseline.ErrorRate
}

// LatencyDelta is the relative p95 change against the baseline.
// A zero baseline is treated as 1ms so a fresh service still has a finite delta.
func LatencyDelta(baseline HealthSample, observed HealthSample) float64 {
	base := baseline.P95Ms
	if base <= 0 {
		base = 1
	}
	return (observed.P95Ms - base) / base
}

// Evaluate checks a sample against the baseline. Error rate is checked first.
func Evaluate(baseline HealthSample, observed HealthSample, tol Tolerance) (Breach, bool) {
	if d := ErrorRateDelta(baseline, observed); d > tol.ErrorRate {
		return Breach{Metric: "error_rate", Baseline: baseline.ErrorRate, Observed: observed.ErrorRate, Delta: d, Limit: tol.ErrorRate}, true
	}
	if d := LatencyDelta(baseline, observed); d > tol.Latency {
		return Breach{Metric: "p95_latency", Baseline: baseline.P95Ms, Observed: observed.P95Ms, Delta: d, Limit: tol.Latency}, true
	}
	return Breach{}, false
}

// MeanSample averages a window of samples; ok is false for an empty window.
func MeanSample(samples []HealthSample) (HealthSample, bool) {
	if len(samples) == 0 {
		return HealthSample{}, false
	}
	var mean HealthSample
	for _, s := range samples {
		mean.ErrorRate += s.ErrorRate
		mean.P95Ms += s.P95Ms
	}
	n := float64(len(samples))
	mean.ErrorRate /= n
	mean.P95Ms /= n
	mean.At = samples[len(samples)-1].At
	return mean, true
}
