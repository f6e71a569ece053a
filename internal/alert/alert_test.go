package alert

import "testing"

type panicSink struct{}

func (panicSink) Send(a Alert) { panic("sink exploded") }

func TestEmit_NilSinkIsNoOp(t *testing.T) {
	Emit(nil, Alert{Severity: SeverityInfo, Message: "hello"})
}

func TestEmit_SinkPanicDoesNotPropagate(t *testing.T) {
	// A broken alerting channel must never take down ingestion or refresh.
	Emit(panicSink{}, Alert{Severity: SeverityCritical, Message: "boom"})
}

func TestEmit_Delivers(t *testing.T) {
	c := &Capture{}
	Emit(c, Alert{Severity: SeverityWarning, Subsystem: "refresh", Message: "late"})

	got := c.Alerts()
	if len(got) != 1 {
		t.Fatalf("captured: got %d alerts, want 1", len(got))
	}
	if got[0].Severity != SeverityWarning || got[0].Message != "late" {
		t.Errorf("captured alert: %+v", got[0])
	}
}

func TestFanOut_SurvivesPanickingChild(t *testing.T) {
	c := &Capture{}
	f := FanOut{panicSink{}, c}

	Emit(f, Alert{Severity: SeverityInfo, Message: "still delivered"})

	got := c.Alerts()
	if len(got) != 1 || got[0].Message != "still delivered" {
		t.Errorf("delivery past a panicking child failed: %+v", got)
	}
}
