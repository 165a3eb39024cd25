package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/config"
)

// EventType represents categories of ambient security/ops audit events.
// This is distinct from the Audit Validator's AuditPolicy data model —
// this logger records what the engine *did*, AuditPolicy records what
// a human *decided* about a resource.
type EventType string

const (
	EventAuthSuccess    EventType = "auth_success"
	EventAuthFailure    EventType = "auth_failure"
	EventValidation     EventType = "validation"
	EventPolicyFetch    EventType = "policy_fetch"
	EventConfigChange   EventType = "config_change"
	EventAccessDenied   EventType = "access_denied"
	EventThreatReported EventType = "threat_reported"
)

// Severity represents event severity.
type Severity string

const (
	SevInfo     Severity = "info"
	SevWarning  Severity = "warning"
	SevCritical Severity = "critical"
)

// Event represents a single audit event.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Actor     string                 `json:"actor"`    // client IP or hashed key
	Action    string                 `json:"action"`   // what was done
	Resource  string                 `json:"resource"` // tool/resource/policy id affected
	Status    string                 `json:"status"`   // success, failure
	Details   map[string]interface{} `json:"details"`
	ClientIP  string                 `json:"client_ip"`
	UserAgent string                 `json:"user_agent"`
	RequestID string                 `json:"request_id"`
}

// Logger handles audit event recording.
type Logger struct {
	backend   chan Event
	cfgSource config.Source
}

// NewLogger creates an audit logger with a bounded buffer; a full
// buffer drops the event rather than blocking the caller. cfgSource may
// be nil, in which case ENABLE_AUDIT_LOGGING is treated as always true.
func NewLogger(bufferSize int, cfgSource config.Source) *Logger {
	l := &Logger{
		backend:   make(chan Event, bufferSize),
		cfgSource: cfgSource,
	}
	go l.process()
	return l
}

// Log records an audit event, unless ENABLE_AUDIT_LOGGING has been
// turned off since the logger started.
func (l *Logger) Log(ctx context.Context, event Event) {
	if l.cfgSource != nil && !l.cfgSource.Current().EnableAuditLogging {
		return
	}

	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC()

	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		event.RequestID = reqID
	}

	select {
	case l.backend <- event:
	default:
		slog.Error("audit buffer full, dropping event", "type", event.Type)
	}
}

// requestIDKey is the context key the web layer stores the request ID
// under; a private type avoids collisions with other packages' keys.
type requestIDKey struct{}

// WithRequestID attaches a request ID to ctx for audit correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func (l *Logger) process() {
	for event := range l.backend {
		data, _ := json.Marshal(event)
		slog.Info("AUDIT", "event", string(data))
	}
}

// LogAuth logs authentication events against the gateway API.
func (l *Logger) LogAuth(ctx context.Context, success bool, actor, reason string) {
	eventType := EventAuthSuccess
	severity := SevInfo
	status := "success"
	if !success {
		eventType = EventAuthFailure
		severity = SevWarning
		status = "failure"
	}

	l.Log(ctx, Event{
		Type:     eventType,
		Severity: severity,
		Actor:    actor,
		Action:   "authenticate",
		Status:   status,
		Details:  map[string]interface{}{"reason": reason},
	})
}

// LogValidation logs one validateRequest/validateResponse outcome.
func (l *Logger) LogValidation(ctx context.Context, actor, direction string, allowed bool, reason string) {
	status := "allowed"
	if !allowed {
		status = "denied"
	}

	l.Log(ctx, Event{
		Type:     EventValidation,
		Severity: SevInfo,
		Actor:    actor,
		Action:   direction,
		Status:   status,
		Details:  map[string]interface{}{"reason": reason},
	})
}

// LogPolicyFetch logs a policy-store fetch outcome.
func (l *Logger) LogPolicyFetch(ctx context.Context, source string, policyCount int, err error) {
	status := "success"
	severity := SevInfo
	details := map[string]interface{}{"policy_count": policyCount}
	if err != nil {
		status = "failure"
		severity = SevCritical
		details["error"] = err.Error()
	}

	l.Log(ctx, Event{
		Type:     EventPolicyFetch,
		Severity: severity,
		Actor:    "system",
		Action:   "fetch",
		Resource: source,
		Status:   status,
		Details:  details,
	})
}

// LogThreatReported logs a successful/failed threat-backend submission.
func (l *Logger) LogThreatReported(ctx context.Context, filterID string, sent bool) {
	status := "success"
	if !sent {
		status = "failure"
	}

	l.Log(ctx, Event{
		Type:     EventThreatReported,
		Severity: SevCritical,
		Actor:    "system",
		Action:   "report",
		Resource: filterID,
		Status:   status,
	})
}
