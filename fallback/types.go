// Package fallback implements the Fallback Manager (C7): the mode state
// machine that routes admission between Redis and the relational store,
// the reconnection schedule, and alert dispatch.
package fallback

import "time"

// Mode is the Fallback Manager's state machine value.
type Mode string

const (
	ModeRQOnly   Mode = "rq_only"
	ModeHybrid   Mode = "hybrid"
	ModeDBOnly   Mode = "db_only"
	ModeRecovery Mode = "recovery"
)

// AlertLevel tags the severity of a dispatched Alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// Alert is a structured notification the manager never assumes a transport
// for; it is handed verbatim to every registered AlertSink.
type Alert struct {
	Level     AlertLevel
	Message   string
	Details   map[string]any
	At        time.Time
}

// AlertSink receives dispatched alerts. Implementations must not block --
// the manager calls sinks synchronously from its own state-transition and
// monitoring goroutines.
type AlertSink interface {
	HandleAlert(Alert)
}

// AlertSinkFunc adapts a function to an AlertSink.
type AlertSinkFunc func(Alert)

func (f AlertSinkFunc) HandleAlert(a Alert) { f(a) }

// State is the process-wide value owned exclusively by the Manager.
type State struct {
	Mode                 Mode
	FallbackStartedAt    *time.Time
	RecoveryStartedAt    *time.Time
	ReconnectionAttempts int
	LastCheckAt          time.Time
}

// MigrationStats accumulates the results of Migrate batches. The Manager
// keeps it internally and has no accessor for it; queue Stats.DBFallbackRows
// is computed from durable-store row counts instead.
type MigrationStats struct {
	MigratedToRQ      int64
	MigrationFailures int64
	LastMigrationAt   time.Time
}
