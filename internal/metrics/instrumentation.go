// Package metrics provides the instrumentation sinks observed by the read
// path. Sinks never take part in control flow: a failing sink must not
// change what a resolution returns.
package metrics

import (
	"github.com/lp-portfolio/internal/logging"
)

// Metric and timer names emitted by the read path
const (
	CacheHit        = "cache.hit"
	CacheMiss       = "cache.miss"
	CacheError      = "cache.error"
	EndpointSuccess = "endpoint.success"
	EndpointFailure = "endpoint.failure"
	BackupHit       = "backup.hit"
	BackupMiss      = "backup.miss"
	EmptyFallback   = "resolve.empty"
	BackgroundError = "background.error"
	QueryRetry      = "query.retry"

	TimerResolve       = "resolve"
	TimerCacheGet      = "cache.get"
	TimerEndpointFetch = "endpoint.fetch"
	TimerBackupLoad    = "backup.load"
)

// Instrumentation receives timings and counters from every tier
type Instrumentation interface {
	// StartTimer starts a named timer; calling the returned func stops it
	StartTimer(name string) func()
	// RecordMetric records a named numeric observation
	RecordMetric(name string, value float64)
}

// Nop discards everything
type Nop struct{}

func (Nop) StartTimer(string) func()     { return func() {} }
func (Nop) RecordMetric(string, float64) {}

// Multi fans out to several sinks
type Multi []Instrumentation

// StartTimer starts the timer on every sink
func (m Multi) StartTimer(name string) func() {
	stops := make([]func(), 0, len(m))
	for _, sink := range m {
		stops = append(stops, sink.StartTimer(name))
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// RecordMetric records on every sink
func (m Multi) RecordMetric(name string, value float64) {
	for _, sink := range m {
		sink.RecordMetric(name, value)
	}
}

// safe recovers panics raised by the wrapped sink
type safe struct {
	inner Instrumentation
}

// Safe wraps a sink so that a panic inside it is logged and swallowed.
// A nil sink becomes Nop.
func Safe(inner Instrumentation) Instrumentation {
	if inner == nil {
		return Nop{}
	}
	if s, ok := inner.(safe); ok {
		return s
	}
	return safe{inner: inner}
}

func (s safe) StartTimer(name string) (stop func()) {
	defer func() {
		if r := recover(); r != nil {
			logPanic("start_timer", name, r)
			stop = func() {}
		}
	}()

	inner := s.inner.StartTimer(name)
	if inner == nil {
		return func() {}
	}
	return func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic("stop_timer", name, r)
			}
		}()
		inner()
	}
}

func (s safe) RecordMetric(name string, value float64) {
	defer func() {
		if r := recover(); r != nil {
			logPanic("record_metric", name, r)
		}
	}()
	s.inner.RecordMetric(name, value)
}

func logPanic(op, name string, r interface{}) {
	logging.GetGlobalLogger().Component("metrics").WithFields(map[string]interface{}{
		"op":     op,
		"metric": name,
		"panic":  r,
	}).Warn("Instrumentation sink panicked")
}
