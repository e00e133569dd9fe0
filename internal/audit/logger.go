// Package audit records who triggered imports through the HTTP API.
package audit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Outcome values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	Subject   string            `json:"subject"`
	IPAddress string            `json:"ip_address"`
	Status    string            `json:"status"`
	Details   map[string]string `json:"details,omitempty"`
}

// Logger writes entries as an "audit" object on a zerolog logger.
type Logger struct {
	out zerolog.Logger
	now func() time.Time
}

func NewLogger(out zerolog.Logger) *Logger {
	return &Logger{
		out: out.With().Str("component", "audit").Logger(),
		now: time.Now,
	}
}

// Log writes entry, stamping it when Timestamp is zero. A nil Logger
// discards entries.
func (l *Logger) Log(entry Entry) {
	if l == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	ev := l.out.Info()
	if entry.Status == StatusFailure {
		ev = l.out.Warn()
	}
	ev.Interface("audit", entry).Msg("audit")
}

// LogFromRequest records action for subject with the caller's address.
func (l *Logger) LogFromRequest(r *http.Request, subject, action, status string, details map[string]string) {
	if subject == "" {
		subject = "unknown"
	}
	l.Log(Entry{
		Action:    action,
		Subject:   subject,
		IPAddress: ClientIP(r),
		Status:    status,
		Details:   details,
	})
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
