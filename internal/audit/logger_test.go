package audit

import (
	"context"
	"testing"
	"time"
)

func TestLog_AttachesRequestID(t *testing.T) {
	l := NewLogger(4, nil)
	ctx := WithRequestID(context.Background(), "req-123")

	l.Log(ctx, Event{Type: EventValidation, Action: "request"})

	select {
	case evt := <-l.backend:
		if evt.RequestID != "req-123" {
			t.Errorf("RequestID = %q, want req-123", evt.RequestID)
		}
		if evt.ID == "" {
			t.Error("expected Log to assign an event ID")
		}
	case <-time.After(time.Second):
		t.Fatal("event never reached the backend channel")
	}
}

func TestLog_DropsEventWhenBufferFull(t *testing.T) {
	l := &Logger{backend: make(chan Event, 1)}
	l.Log(context.Background(), Event{Type: EventValidation})
	l.Log(context.Background(), Event{Type: EventValidation}) // buffer full, should drop not block

	if len(l.backend) != 1 {
		t.Errorf("backend len = %d, want 1 (second event dropped)", len(l.backend))
	}
}

func TestLogAuth_SetsFailureSeverity(t *testing.T) {
	l := &Logger{backend: make(chan Event, 1)}
	l.LogAuth(context.Background(), false, "1.2.3.4", "bad key")

	evt := <-l.backend
	if evt.Type != EventAuthFailure || evt.Severity != SevWarning || evt.Status != "failure" {
		t.Errorf("event = %+v, want auth_failure/warning/failure", evt)
	}
}

func TestLogValidation_ReflectsAllowedState(t *testing.T) {
	l := &Logger{backend: make(chan Event, 1)}
	l.LogValidation(context.Background(), "1.2.3.4", "request", false, "rate limited")

	evt := <-l.backend
	if evt.Status != "denied" {
		t.Errorf("Status = %q, want denied", evt.Status)
	}
	if evt.Details["reason"] != "rate limited" {
		t.Errorf("Details[reason] = %v, want %q", evt.Details["reason"], "rate limited")
	}
}

func TestLogPolicyFetch_RecordsErrorDetails(t *testing.T) {
	l := &Logger{backend: make(chan Event, 1)}
	l.LogPolicyFetch(context.Background(), "database-abstractor", 0, context.DeadlineExceeded)

	evt := <-l.backend
	if evt.Status != "failure" || evt.Severity != SevCritical {
		t.Errorf("event = %+v, want failure/critical", evt)
	}
	if evt.Details["error"] != context.DeadlineExceeded.Error() {
		t.Errorf("Details[error] = %v, want %q", evt.Details["error"], context.DeadlineExceeded.Error())
	}
}

func TestLogThreatReported_TracksSendOutcome(t *testing.T) {
	l := &Logger{backend: make(chan Event, 1)}
	l.LogThreatReported(context.Background(), "MCPGuardrails", false)

	evt := <-l.backend
	if evt.Status != "failure" || evt.Resource != "MCPGuardrails" {
		t.Errorf("event = %+v, want failure/MCPGuardrails", evt)
	}
}
