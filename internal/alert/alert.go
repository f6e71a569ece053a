// Package alert routes pipeline failures to an external alerting channel.
// Delivery is fire-and-forget: a sink's own failure never affects ingestion
// or refresh correctness.
package alert

import (
	"sync"

	"github.com/rs/zerolog"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one escalated failure or notable condition.
type Alert struct {
	Severity  Severity
	Subsystem string
	Message   string
	Context   map[string]string
}

// Sink accepts alerts. Implementations must not block for long and must not
// panic into the caller; Emit wraps Send with a recover for that reason.
type Sink interface {
	Send(a Alert)
}

// Emit delivers a to sink, swallowing panics from misbehaving sinks.
// A nil sink is a no-op.
func Emit(sink Sink, a Alert) {
	if sink == nil {
		return
	}
	defer func() { _ = recover() }()
	sink.Send(a)
}

// LogSink writes alerts to a zerolog logger. The default sink in serve mode.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Send(a Alert) {
	var ev *zerolog.Event
	switch a.Severity {
	case SeverityCritical:
		ev = s.Log.Error()
	case SeverityWarning:
		ev = s.Log.Warn()
	default:
		ev = s.Log.Info()
	}
	ev = ev.Str("subsystem", a.Subsystem)
	for k, v := range a.Context {
		ev = ev.Str(k, v)
	}
	ev.Msg(a.Message)
}

// FanOut delivers each alert to every child sink.
type FanOut []Sink

func (f FanOut) Send(a Alert) {
	for _, s := range f {
		Emit(s, a)
	}
}

// Capture records alerts in memory. Used by tests to assert escalations.
type Capture struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *Capture) Send(a Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

// Alerts returns a copy of everything captured so far.
func (c *Capture) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}
