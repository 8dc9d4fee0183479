package annotationlog

import (
	"testing"

	"github.com/reviewcrdt/trackchanges/internal/annotation"
	"github.com/reviewcrdt/trackchanges/internal/positiontext"
)

func insertSuggestionPartial(id annotation.ID, start positiontext.Position) annotation.PartialRecord {
	return annotation.PartialRecord{
		ID:          id,
		Kind:        annotation.KindSuggestion,
		Action:      annotation.ActionAddition,
		Description: annotation.DescriptionInsertSuggestion,
		UserID:      "u1",
		Range:       annotation.Range{Start: &start},
	}
}

func TestAppendStampsLamportAndBroadcasts(t *testing.T) {
	log := NewMemoryLog("replica-a")
	var got []annotation.Record
	log.Subscribe(func(rec annotation.Record) { got = append(got, rec) })

	id := annotation.NewID()
	start := positiontext.Position{Replica: "r1", Counter: 1}
	rec, err := log.Append(insertSuggestionPartial(id, start))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if rec.Lamport != 1 {
		t.Fatalf("Lamport = %d, want 1", rec.Lamport)
	}
	if rec.SenderID != "replica-a" {
		t.Fatalf("SenderID = %q, want %q", rec.SenderID, "replica-a")
	}
	if len(got) != 1 {
		t.Fatalf("subscriber got %d records, want 1", len(got))
	}
}

func TestIntegrateRejectsMissingStamp(t *testing.T) {
	log := NewMemoryLog("replica-a")
	id := annotation.NewID()
	start := positiontext.Position{Replica: "r1", Counter: 1}
	rec := annotation.Record{PartialRecord: insertSuggestionPartial(id, start)}

	if err := log.Integrate(rec); err == nil {
		t.Fatal("expected ErrTransportContract for unstamped record")
	}
}

func TestIntegrateIsIdempotent(t *testing.T) {
	log := NewMemoryLog("replica-a")
	id := annotation.NewID()
	start := positiontext.Position{Replica: "r1", Counter: 1}
	rec := annotation.Record{PartialRecord: insertSuggestionPartial(id, start), Lamport: 1, SenderID: "replica-b"}

	var count int
	log.Subscribe(func(annotation.Record) { count++ })

	if err := log.Integrate(rec); err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if err := log.Integrate(rec); err != nil {
		t.Fatalf("Integrate (duplicate): %v", err)
	}
	if count != 1 {
		t.Fatalf("broadcast count = %d, want 1", count)
	}
	if len(log.History(id)) != 1 {
		t.Fatalf("history length = %d, want 1", len(log.History(id)))
	}
}

func TestMalformedRecordRejected(t *testing.T) {
	log := NewMemoryLog("replica-a")
	bad := annotation.PartialRecord{
		ID:          annotation.NewID(),
		Action:      annotation.ActionAddition,
		Description: annotation.DescriptionAcceptSuggestion, // invalid combination
	}
	if _, err := log.Append(bad); err == nil {
		t.Fatal("expected MalformedRecord error")
	}
}

func TestSnapshotRestoreRoundTripIsIdempotent(t *testing.T) {
	src := NewMemoryLog("replica-a")
	id := annotation.NewID()
	start := positiontext.Position{Replica: "r1", Counter: 1}
	if _, err := src.Append(insertSuggestionPartial(id, start)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	snap := src.Snapshot()

	dst := NewMemoryLog("replica-b")
	if err := dst.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := dst.Restore(snap); err != nil {
		t.Fatalf("Restore (second load): %v", err)
	}
	if got := len(dst.History(id)); got != 1 {
		t.Fatalf("history length after double restore = %d, want 1", got)
	}
}

func TestRestoreIgnoresStaleLamport(t *testing.T) {
	id := annotation.NewID()
	start := positiontext.Position{Replica: "r1", Counter: 1}
	fresh := annotation.Record{PartialRecord: insertSuggestionPartial(id, start), Lamport: 5, SenderID: "replica-b"}
	stale := annotation.Record{PartialRecord: insertSuggestionPartial(id, start), Lamport: 1, SenderID: "replica-c"}

	dst := NewMemoryLog("replica-a")
	if err := dst.Integrate(fresh); err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	snap := Snapshot{
		ChangeIDs: []annotation.ID{id},
		Lengths:   []int{1},
		Records:   []annotation.Record{stale},
		Lamports:  []uint64{stale.Lamport},
	}
	if err := dst.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := len(dst.History(id)); got != 1 {
		t.Fatalf("history length = %d, want 1 (stale record must be ignored)", got)
	}
}
