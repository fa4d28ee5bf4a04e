// Package audit provides security audit logging for SIEM consumption.
// It logs destructive and access-changing operations on the target deployment
// in structured JSON format so they can be filtered out of the run log.
package audit

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	EventUserCreated         SecurityEventType = "user_created"
	EventUserRolesChanged    SecurityEventType = "user_roles_changed"
	EventUserDeleted         SecurityEventType = "user_deleted"
	EventCollectionDropped   SecurityEventType = "collection_dropped"
	EventCollectionTruncated SecurityEventType = "collection_truncated"
)

// severity per event type; unknown types are "info"
var severities = map[SecurityEventType]string{
	EventUserCreated:         "info",
	EventUserRolesChanged:    "warning",
	EventUserDeleted:         "warning",
	EventCollectionDropped:   "warning",
	EventCollectionTruncated: "warning",
}

// SecurityEvent represents an auditable event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	Actor     string            `json:"actor,omitempty"` // authenticated target user
	Database  string            `json:"database"`
	Subject   string            `json:"subject"` // user or collection acted on
	Details   any               `json:"details,omitempty"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// UserChangeDetails lists the roles granted by a user change.
type UserChangeDetails struct {
	Roles []string `json:"roles"`
}

// CollectionResetDetails records how many documents a reset removed. -1 when
// the collection was dropped and the count is unknown.
type CollectionResetDetails struct {
	DocumentsRemoved int64 `json:"documents_removed"`
}

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
	actor  string
	now    func() time.Time
}

// NewSecurityAuditor creates an auditor logging under the "security_audit"
// namespace. actor is the identity the process authenticates as.
func NewSecurityAuditor(logger *zap.Logger, actor string) *SecurityAuditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecurityAuditor{
		logger: logger.Named("security_audit"),
		actor:  actor,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// LogUserChange records the creation, role change or deletion of user.
func (a *SecurityAuditor) LogUserChange(eventType SecurityEventType, database, user string, roles []string) {
	var details any
	if eventType != EventUserDeleted {
		if roles == nil {
			roles = []string{}
		}
		details = UserChangeDetails{Roles: roles}
	}
	a.log(SecurityEvent{EventType: eventType, Database: database, Subject: user, Details: details})
}

// LogCollectionReset records a collection dropped or truncated before a transfer.
func (a *SecurityAuditor) LogCollectionReset(eventType SecurityEventType, database, collection string, removed int64) {
	a.log(SecurityEvent{
		EventType: eventType,
		Database:  database,
		Subject:   collection,
		Details:   CollectionResetDetails{DocumentsRemoved: removed},
	})
}

func (a *SecurityAuditor) log(event SecurityEvent) {
	if a == nil {
		return
	}
	event.Timestamp = a.now()
	event.Actor = a.actor
	event.Severity = severities[event.EventType]
	if event.Severity == "" {
		event.Severity = "info"
	}

	// marshaling known types does not fail
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", string(event.EventType)),
		zap.String("database", event.Database),
		zap.String("subject", event.Subject),
		zap.String("actor", event.Actor),
		zap.String("severity", event.Severity),
	}
	if event.Severity == "info" {
		a.logger.Info("Security event", fields...)
		return
	}
	a.logger.Warn("Security event", fields...)
}
