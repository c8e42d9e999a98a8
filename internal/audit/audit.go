// Package audit provides an append-only record of every state transition
// and release decision in the dispute and settlement subsystems.
//
// Entries are written after the transition commits and are never edited or
// deleted. A failed audit write is surfaced to the caller's logger, not
// rolled back into the transition.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxRequestID contextKey = "audit_request_id"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithRequestID attaches a request ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

// ActorFromContext extracts actor info, defaulting to the system actor.
func ActorFromContext(ctx context.Context) (actorType, actorID, requestID string) {
	if v, ok := ctx.Value(ctxActorType).(string); ok {
		actorType = v
	} else {
		actorType = "system"
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// Entry is a single audit record.
type Entry struct {
	ID          int64     `json:"id"`
	SubjectKind string    `json:"subjectKind"` // "dispute", "contract", "user"
	SubjectID   string    `json:"subjectId"`
	ActorType   string    `json:"actorType"`
	ActorID     string    `json:"actorId,omitempty"`
	Operation   string    `json:"operation"`
	BeforeState string    `json:"beforeState,omitempty"`
	AfterState  string    `json:"afterState,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Logger persists audit entries.
type Logger interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, subjectKind, subjectID string, limit int) ([]*Entry, error)
}

// Record builds and appends an entry, pulling actor info from the context.
func Record(ctx context.Context, l Logger, subjectKind, subjectID, operation, before, after, description string) error {
	actorType, actorID, requestID := ActorFromContext(ctx)
	return l.Append(ctx, &Entry{
		SubjectKind: subjectKind,
		SubjectID:   subjectID,
		ActorType:   actorType,
		ActorID:     actorID,
		Operation:   operation,
		BeforeState: before,
		AfterState:  after,
		RequestID:   requestID,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

// Snapshot renders any state value as a compact JSON string for
// before/after fields.
func Snapshot(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// MemoryLogger stores audit entries in memory for demo/testing.
type MemoryLogger struct {
	entries []*Entry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryLogger creates an in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Append(_ context.Context, entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *entry
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryLogger) Query(_ context.Context, subjectKind, subjectID string, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Entry
	// Iterate in reverse for descending order
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.entries[i]
		if subjectKind != "" && e.SubjectKind != subjectKind {
			continue
		}
		if subjectID != "" && e.SubjectID != subjectID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Entries returns all stored audit entries (for testing).
func (l *MemoryLogger) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Entry, len(l.entries))
	copy(result, l.entries)
	return result
}
