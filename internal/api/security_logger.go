package api

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"os"
	"time"
)

// SecurityLogger writes audit and auth events. Tokens never reach the log
// and domain sources are logged as a short hash.
type SecurityLogger struct {
	logger *log.Logger
}

// NewSecurityLogger creates a security logger; nil logs to stdout.
func NewSecurityLogger(logger *log.Logger) *SecurityLogger {
	if logger == nil {
		logger = log.New(os.Stdout, "[SECURITY] ", log.LstdFlags|log.LUTC)
	}
	return &SecurityLogger{logger: logger}
}

// LogSecurityEvent logs failed auth and other suspicious requests.
func (sl *SecurityLogger) LogSecurityEvent(requestID, eventType, description string, context map[string]interface{}, remoteAddr string) {
	sl.logger.Printf(
		"security_event request_id=%s type=%s description=%q context=%+v remote_addr=%s version=%s timestamp=%s",
		requestID,
		eventType,
		description,
		sl.sanitizeContext(context),
		remoteAddr,
		Version,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// LogAuditEvent records a state-changing action.
func (sl *SecurityLogger) LogAuditEvent(requestID, action, resource, outcome string, details map[string]interface{}) {
	sl.logger.Printf(
		"audit_event request_id=%s action=%s resource=%s outcome=%s details=%+v version=%s timestamp=%s",
		requestID,
		action,
		resource,
		outcome,
		sl.sanitizeContext(details),
		Version,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// LogSystemStartup logs the effective configuration.
func (sl *SecurityLogger) LogSystemStartup(addr string, config map[string]interface{}) {
	sl.logger.Printf(
		"system_startup addr=%s config=%+v version=%s git_commit=%s build_time=%s timestamp=%s",
		addr,
		sl.sanitizeContext(config),
		Version,
		GitCommit,
		BuildTime,
		time.Now().UTC().Format(time.RFC3339),
	)
}

func (sl *SecurityLogger) LogSystemShutdown(reason string, uptime time.Duration) {
	sl.logger.Printf(
		"system_shutdown reason=%s uptime=%v version=%s timestamp=%s",
		reason,
		uptime,
		Version,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// hashSource returns the first 16 hex chars of the source's SHA-256.
func hashSource(src string) string {
	if src == "" {
		return "empty"
	}
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])[:16]
}

func (sl *SecurityLogger) sanitizeContext(context map[string]interface{}) map[string]interface{} {
	if context == nil {
		return nil
	}
	sanitized := make(map[string]interface{}, len(context))
	for key, value := range context {
		switch key {
		case "source":
			if s, ok := value.(string); ok {
				sanitized["source_hash"] = hashSource(s)
			} else {
				sanitized["source_hash"] = "non_string_value"
			}
		case "token", "secret", "password", "authorization":
			sanitized[key] = "[REDACTED]"
		default:
			sanitized[key] = value
		}
	}
	return sanitized
}
