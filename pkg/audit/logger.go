// Package audit records structured operational events: collection cycles,
// approval transitions, dispatches, and credential lifecycle changes.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/core/pkg/canonical"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventCollection EventType = "COLLECTION"
	EventApproval   EventType = "APPROVAL"
	EventDispatch   EventType = "DISPATCH"
	EventCredential EventType = "CREDENTIAL"
	EventSystem     EventType = "SYSTEM"
)

// Event represents a structured audit record. PayloadHash is the canonical
// SHA-256 of Metadata so downstream consumers can detect tampering without
// re-parsing the JSON.
type Event struct {
	ID          string         `json:"id"`
	StartupID   string         `json:"startup_id"`
	ActorID     string         `json:"actor_id"`
	Type        EventType      `json:"type"`
	Action      string         `json:"action"`
	Resource    string         `json:"resource"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	PayloadHash string         `json:"payload_hash,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(startupID, actorID string, eventType EventType, action, resource string, metadata map[string]any) error
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: func() time.Time { return time.Now().UTC() }}
}

func (l *logger) Record(startupID, actorID string, eventType EventType, action, resource string, metadata map[string]any) error {
	if startupID == "" {
		startupID = "system"
	}
	if actorID == "" {
		actorID = "system"
	}

	event := Event{
		ID:        uuid.New().String(),
		StartupID: startupID,
		ActorID:   actorID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock(),
		Metadata:  metadata,
	}
	if len(metadata) > 0 {
		if h, err := canonical.Hash(metadata); err == nil {
			event.PayloadHash = h
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Nop returns a Logger that discards every event.
func Nop() Logger {
	return &logger{writer: io.Discard, clock: func() time.Time { return time.Now().UTC() }}
}
