package security

import (
	"fmt"
	"sync"
	"time"

	"pasofino/internal/constants"
	"pasofino/internal/logger"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	IP        string    `json:"ip"`
	Subject   string    `json:"subject,omitempty"`
	Details   string    `json:"details"`
	Severity  string    `json:"severity"`
}

// AuditLogger writes security-relevant events as structured log entries,
// capped at MaxAuditLogsPerMinute so a flood cannot drown the log.
type AuditLogger struct {
	mu          sync.Mutex
	log         logger.Logger
	logCount    map[string]int
	windowStart time.Time
	now         func() time.Time
}

func NewAuditLogger(log logger.Logger) *AuditLogger {
	return &AuditLogger{
		log:         logger.OrDefault(log).WithField("audit", true),
		logCount:    make(map[string]int),
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// Log reports whether the event was written.
func (al *AuditLogger) Log(event AuditEvent) bool {
	al.mu.Lock()
	now := al.now()

	if now.Sub(al.windowStart) > time.Minute {
		al.windowStart = now
		al.logCount = make(map[string]int)
	}

	totalLogs := 0
	for _, count := range al.logCount {
		totalLogs += count
	}

	if totalLogs >= constants.MaxAuditLogsPerMinute {
		al.mu.Unlock()
		return false
	}

	al.logCount[event.EventType]++
	al.mu.Unlock()

	event.Timestamp = now
	entry := al.log.WithFields(map[string]interface{}{
		"event_type": event.EventType,
		"ip":         event.IP,
		"subject":    event.Subject,
		"severity":   event.Severity,
	})
	switch event.Severity {
	case "critical":
		entry.Errorf("🚨 %s", event.Details)
	case "warning":
		entry.Warnf("%s", event.Details)
	default:
		entry.Infof("%s", event.Details)
	}
	return true
}

func (al *AuditLogger) LogAdminDenied(ip, path, reason string) {
	al.Log(AuditEvent{
		EventType: "admin_denied",
		IP:        ip,
		Subject:   path,
		Details:   fmt.Sprintf("Admin access denied: %s", reason),
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogRefreshFailure(ip, reason string) {
	al.Log(AuditEvent{
		EventType: "session_refresh_failure",
		IP:        ip,
		Details:   reason,
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogBruteForce(ip string, attempts int) {
	al.Log(AuditEvent{
		EventType: "brute_force",
		IP:        ip,
		Details:   fmt.Sprintf("Multiple failed refresh attempts: %d", attempts),
		Severity:  "critical",
	})
}

func (al *AuditLogger) LogConnectionLimit(ip string) {
	al.Log(AuditEvent{
		EventType: "connection_limit",
		IP:        ip,
		Details:   "Connection limit exceeded",
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogRateLimit(ip, connID string) {
	al.Log(AuditEvent{
		EventType: "rate_limit",
		IP:        ip,
		Subject:   connID,
		Details:   "Inbound realtime events rate limited",
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogRealtimeConnect(ip, connID, userID string) {
	al.Log(AuditEvent{
		EventType: "realtime_connect",
		IP:        ip,
		Subject:   connID,
		Details:   fmt.Sprintf("Realtime connection opened (user %q)", userID),
		Severity:  "info",
	})
}

func (al *AuditLogger) LogRealtimeDisconnect(ip, connID, reason string) {
	al.Log(AuditEvent{
		EventType: "realtime_disconnect",
		IP:        ip,
		Subject:   connID,
		Details:   fmt.Sprintf("Realtime connection closed: %s", reason),
		Severity:  "info",
	})
}

func (al *AuditLogger) LogPushBroadcast(ip, userID string, total, sent, cleaned int) {
	al.Log(AuditEvent{
		EventType: "push_broadcast",
		IP:        ip,
		Subject:   userID,
		Details:   fmt.Sprintf("Push broadcast: %d/%d sent, %d cleaned", sent, total, cleaned),
		Severity:  "info",
	})
}

func (al *AuditLogger) LogCacheWrite(ip, op, key string) {
	al.Log(AuditEvent{
		EventType: "cache_write",
		IP:        ip,
		Subject:   key,
		Details:   fmt.Sprintf("Cache %s", op),
		Severity:  "info",
	})
}

func (al *AuditLogger) LogInvalidRequest(ip, path, reason string) {
	al.Log(AuditEvent{
		EventType: "invalid_request",
		IP:        ip,
		Subject:   path,
		Details:   fmt.Sprintf("Invalid request to %s: %s", path, reason),
		Severity:  "warning",
	})
}
