// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AuditEvent records a security-relevant action for later review.
//
// Event types used by the gateway:
//   - "auth.login" / "auth.login_failed" / "auth.logout"
//   - "chat.created" / "chat.deleted" / "chat.truncated"
//
// Example:
//
//	auditor.Record(ctx, extensions.AuditEvent{
//	    EventType: "auth.login",
//	    Username:  user.Username,
//	    Outcome:   "success",
//	})
type AuditEvent struct {
	// EventType categorizes the event, formatted "category.action".
	EventType string

	// Timestamp is when the event occurred (UTC). Zero means "now";
	// implementations fill it in.
	Timestamp time.Time

	// Username identifies who performed the action. The anonymous
	// identity appears here under its configured name.
	Username string

	// Resource is the id of the object acted on, when there is one
	// (chat id for chat events, empty for auth events).
	Resource string

	// Outcome is "success", "failure", or "denied".
	Outcome string

	// Detail carries event-specific context (error text, counts).
	Detail string
}

// AuditLogger receives audit events from the gateway.
//
// Implementations must be safe for concurrent use and must not block the
// request path; buffer internally if delivery is slow.
//
// The default deployment logs events through slog. A no-op implementation
// exists for tests and for operators who explicitly disable auditing.
type AuditLogger interface {
	// Record delivers one event. Errors are logged by the caller but
	// never fail the request that produced the event.
	Record(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Record discards the event.
func (l *NopAuditLogger) Record(_ context.Context, _ AuditEvent) error { return nil }

// SlogAuditLogger writes audit events to a structured logger at Info level.
// This is the open source default: the audit trail rides the normal log
// pipeline instead of a dedicated store.
type SlogAuditLogger struct {
	// Logger to write to. Nil means slog.Default().
	Logger *slog.Logger
}

// Record writes the event as a single structured log line.
func (l *SlogAuditLogger) Record(_ context.Context, event AuditEvent) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	logger.Info("audit",
		"event_type", event.EventType,
		"username", event.Username,
		"resource", event.Resource,
		"outcome", event.Outcome,
		"detail", event.Detail,
		"at", event.Timestamp,
	)
	return nil
}

// MemoryAuditLogger collects events in memory for test assertions.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
}

// Record appends the event to the in-memory buffer.
func (l *MemoryAuditLogger) Record(_ context.Context, event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.events = append(l.events, event)
	return nil
}

// Events returns a copy of all recorded events.
func (l *MemoryAuditLogger) Events() []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
