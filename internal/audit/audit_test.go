package audit

import (
	"context"
	"testing"
)

func TestRecordUsesContextActor(t *testing.T) {
	l := NewMemoryLogger()
	ctx := WithActor(context.Background(), "user", "judge42")
	ctx = WithRequestID(ctx, "req-1")

	err := Record(ctx, l, "dispute", "dsp_1", "vote_cast", `{"status":"voting"}`, `{"status":"voting"}`, "judge42 voted")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ActorType != "user" || e.ActorID != "judge42" {
		t.Errorf("actor not taken from context: %+v", e)
	}
	if e.RequestID != "req-1" {
		t.Errorf("request ID not taken from context: %s", e.RequestID)
	}
	if e.ID == 0 {
		t.Error("expected assigned entry ID")
	}
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	l := NewMemoryLogger()

	if err := Record(context.Background(), l, "contract", "ctr_1", "funds_released", "", "", ""); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if got := l.Entries()[0].ActorType; got != "system" {
		t.Errorf("expected system actor, got %s", got)
	}
}

func TestQueryFiltersBySubject(t *testing.T) {
	l := NewMemoryLogger()
	ctx := context.Background()

	_ = Record(ctx, l, "dispute", "dsp_1", "filed", "", "", "")
	_ = Record(ctx, l, "dispute", "dsp_2", "filed", "", "", "")
	_ = Record(ctx, l, "contract", "ctr_1", "signed", "", "", "")

	got, err := l.Query(ctx, "dispute", "dsp_1", 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 || got[0].SubjectID != "dsp_1" {
		t.Fatalf("unexpected query result: %+v", got)
	}

	all, err := l.Query(ctx, "", "", 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	// Descending order: newest first.
	if all[0].SubjectID != "ctr_1" {
		t.Errorf("expected newest entry first, got %s", all[0].SubjectID)
	}
}

func TestSnapshot(t *testing.T) {
	if got := Snapshot(nil); got != "{}" {
		t.Errorf("nil snapshot = %s", got)
	}
	if got := Snapshot(map[string]string{"status": "open"}); got != `{"status":"open"}` {
		t.Errorf("snapshot = %s", got)
	}
}
