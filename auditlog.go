package mitmca

import (
	"context"
	"log/slog"
	"time"
)

// AuditLogger writes structured entries for certificate issuance and CA
// lifecycle commands. It uses slog.LogAttrs for low-allocation logging on
// the handshake path.
type AuditLogger struct {
	logger *slog.Logger
}

// AuditEntry contains all fields for a single audit record.
type AuditEntry struct {
	// Timestamp when the event occurred.
	Timestamp time.Time

	// Action is one of "bootstrap", "issue", "regenerate", "reset", "export".
	Action string

	// Host is the intercepted host for issuance events.
	Host string

	// Serial is the issued certificate's serial for issuance events.
	Serial string

	// Subject is the root CA subject CN for lifecycle events.
	Subject string

	// Hint is the operator-supplied hint for regenerate events.
	Hint string

	// Duration is the time spent issuing, for issuance events.
	Duration time.Duration
}

// NewAuditLogger creates an AuditLogger that writes to the given
// slog.Logger. For machine consumption, pass a logger configured with
// slog.NewJSONHandler.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

// Log writes an audit entry using slog.LogAttrs to minimize allocations.
func (al *AuditLogger) Log(e AuditEntry) {
	attrs := make([]slog.Attr, 0, 7)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("action", e.Action),
	)
	if e.Host != "" {
		attrs = append(attrs, slog.String("host", e.Host))
	}
	if e.Serial != "" {
		attrs = append(attrs, slog.String("serial", e.Serial))
	}
	if e.Subject != "" {
		attrs = append(attrs, slog.String("subject", e.Subject))
	}
	if e.Hint != "" {
		attrs = append(attrs, slog.String("hint", e.Hint))
	}
	if e.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", e.Duration))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "ca audit", attrs...)
}

// Issue records a leaf issuance.
func (al *AuditLogger) Issue(host, serial string, d time.Duration) {
	al.Log(AuditEntry{Timestamp: time.Now(), Action: "issue", Host: host, Serial: serial, Duration: d})
}

// Bootstrap records an initialization of root material.
func (al *AuditLogger) Bootstrap(subject string) {
	al.Log(AuditEntry{Timestamp: time.Now(), Action: "bootstrap", Subject: subject})
}

// Regenerate records a root CA regeneration.
func (al *AuditLogger) Regenerate(hint string) {
	al.Log(AuditEntry{Timestamp: time.Now(), Action: "regenerate", Hint: hint})
}

// Reset records a reset to the bundled default root.
func (al *AuditLogger) Reset() {
	al.Log(AuditEntry{Timestamp: time.Now(), Action: "reset"})
}

// Export records a trust bundle export.
func (al *AuditLogger) Export(subject string) {
	al.Log(AuditEntry{Timestamp: time.Now(), Action: "export", Subject: subject})
}
