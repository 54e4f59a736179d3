package monitoring

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// AuditLevel represents the severity of an audit event
type AuditLevel string

const (
	DEBUG    AuditLevel = "DEBUG"
	INFO     AuditLevel = "INFO"
	WARNING  AuditLevel = "WARNING"
	ERROR    AuditLevel = "ERROR"
	CRITICAL AuditLevel = "CRITICAL"
)

// Audit event names emitted across the gateway. Dashboards and alert routes
// key off these strings, so they are constants rather than ad-hoc literals.
const (
	EventServerAtCapacity       = "ServerAtCapacity"
	EventSlowClientDisconnected = "SlowClientDisconnected"
	EventPoolDimensionWarning   = "PoolDimensionWarning"
	EventPoolDimensionCritical  = "PoolDimensionCritical"
	EventCircuitBreakerTripped  = "CircuitBreakerTripped"
	EventCircuitBreakerClosed   = "CircuitBreakerClosed"
	EventMapLeakWarning         = "MapLeakWarning"
	EventZombieConnectionSwept  = "ZombieConnectionSwept"
	EventMemoryBudgetExceeded   = "MemoryBudgetExceeded"
	EventGatewayUnavailable     = "GatewayUnavailable"
	EventRecoveryQueueSaturated = "RecoveryQueueSaturated"
	EventServerShutdown         = "ServerShutdown"
)

// AuditEvent is a single auditable event. Events are logged as JSON to
// stdout for log aggregation.
type AuditEvent struct {
	Level     AuditLevel     `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	ClientID  *string        `json:"client_id,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AuditLogger handles structured logging of auditable events. Events at
// WARNING and above are also forwarded to the configured alerter.
type AuditLogger struct {
	logger   *log.Logger
	minLevel AuditLevel
	alerter  Alerter
}

// NewAuditLogger creates an audit logger with the given minimum level.
// Events below minLevel are dropped.
func NewAuditLogger(minLevel AuditLevel) *AuditLogger {
	return &AuditLogger{
		logger:   log.New(os.Stdout, "", 0),
		minLevel: minLevel,
	}
}

// SetAlerter sets the alerter used for WARNING, ERROR, and CRITICAL events.
func (a *AuditLogger) SetAlerter(alerter Alerter) {
	a.alerter = alerter
}

// Log logs an audit event if it meets the minimum level requirement.
func (a *AuditLogger) Log(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !a.shouldLog(event.Level) {
		return
	}

	jsonBytes, err := json.Marshal(event)
	if err != nil {
		a.logger.Printf("Failed to marshal audit event: %v", err)
		return
	}
	a.logger.Println(string(jsonBytes))

	if a.alerter != nil && (event.Level == WARNING || event.Level == ERROR || event.Level == CRITICAL) {
		a.alerter.Alert(event.Level, event.Message, event.Metadata)
	}
}

func (a *AuditLogger) shouldLog(level AuditLevel) bool {
	levels := map[AuditLevel]int{
		DEBUG:    0,
		INFO:     1,
		WARNING:  2,
		ERROR:    3,
		CRITICAL: 4,
	}
	return levels[level] >= levels[a.minLevel]
}

// Debug logs a debug-level event
func (a *AuditLogger) Debug(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: DEBUG, Event: event, Message: message, Metadata: metadata})
}

// Info logs an info-level event
func (a *AuditLogger) Info(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: INFO, Event: event, Message: message, Metadata: metadata})
}

// Warning logs a warning-level event
func (a *AuditLogger) Warning(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: WARNING, Event: event, Message: message, Metadata: metadata})
}

// Error logs an error-level event
func (a *AuditLogger) Error(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: ERROR, Event: event, Message: message, Metadata: metadata})
}

// Critical logs a critical-level event
func (a *AuditLogger) Critical(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: CRITICAL, Event: event, Message: message, Metadata: metadata})
}

// ForClient logs an event carrying a client id.
func (a *AuditLogger) ForClient(level AuditLevel, clientID, event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: level, Event: event, ClientID: &clientID, Message: message, Metadata: metadata})
}
