package review

import (
	"testing"

	"github.com/reviewcrdt/trackchanges/internal/annotationlog"
	"github.com/reviewcrdt/trackchanges/internal/positiontext"
	"github.com/reviewcrdt/trackchanges/internal/trackchanges"
)

func newTestReplica(t *testing.T, replicaName, userID string) *Replica {
	t.Helper()
	doc := positiontext.NewDocument(replicaName)
	log := annotationlog.NewMemoryLog(replicaName)
	engine := trackchanges.NewEngine(doc, log, nil)
	return NewReplica(userID, doc, log, engine)
}

// S1: direct, non-suggestion edits never produce annotations.
func TestDirectEditsProduceNoAnnotations(t *testing.T) {
	r := newTestReplica(t, "r1", "u1")
	if err := r.Insert(0, "Hi", false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.Insert(2, " world", false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := r.Document().String(); got != "Hi world" {
		t.Fatalf("doc = %q, want %q", got, "Hi world")
	}
	if got := r.Engine().ActiveAnnotations(); len(got) != 0 {
		t.Fatalf("ActiveAnnotations = %v, want []", got)
	}
}

// S6: a same-user adjacent suggestion-mode insert is absorbed by
// extending the existing InsertSuggestion rather than creating a new one.
func TestAdjacentInsertSuggestionsAreAbsorbedByUpdate(t *testing.T) {
	r := newTestReplica(t, "r1", "u1")
	if err := r.Insert(0, "ab", true); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.Insert(2, "cd", true); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := r.Document().String(); got != "abcd" {
		t.Fatalf("doc = %q, want %q", got, "abcd")
	}
	active := r.Engine().ActiveAnnotations()
	if len(active) != 1 {
		t.Fatalf("ActiveAnnotations = %v, want exactly 1 (absorbed via Update)", active)
	}
	start, end := r.Engine().IndexRange(active[0])
	if start != 0 || end != 4 {
		t.Fatalf("suggestion range = [%d,%d), want [0,4)", start, end)
	}
}

// S3: issuing and accepting a DeleteSuggestion deletes exactly its
// covered range, once, and leaves the annotation tombstoned.
func TestAcceptDeleteSuggestionCollapsesText(t *testing.T) {
	r := newTestReplica(t, "r1", "u1")
	if err := r.Insert(0, "abcdef", false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.Delete(1, 3, true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := r.Document().String(); got != "abcdef" {
		t.Fatalf("doc = %q before accept, want unchanged", got)
	}
	active := r.Engine().ActiveAnnotations()
	if len(active) != 1 {
		t.Fatalf("ActiveAnnotations = %v, want exactly 1", active)
	}
	id := active[0].ID
	if err := r.AcceptSuggestion(id); err != nil {
		t.Fatalf("AcceptSuggestion: %v", err)
	}
	if got := r.Document().String(); got != "aef" {
		t.Fatalf("doc = %q after accept, want %q", got, "aef")
	}
	if got := r.Engine().ActiveAnnotations(); len(got) != 0 {
		t.Fatalf("ActiveAnnotations after accept = %v, want []", got)
	}
}

func TestAddCommentValidatesRange(t *testing.T) {
	r := newTestReplica(t, "r1", "u1")
	if err := r.Insert(0, "abcdef", false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.AddComment(2, 4, "why?"); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if err := r.AddComment(10, 12, "oob"); err == nil {
		t.Fatal("expected InvalidRange error for out-of-bounds comment")
	}
	if err := r.AddComment(4, 2, "inverted"); err == nil {
		t.Fatal("expected InvalidRange error for inverted comment range")
	}

	active := r.Engine().ActiveAnnotations()
	if len(active) != 1 {
		t.Fatalf("ActiveAnnotations = %v, want exactly 1", active)
	}
	if err := r.RemoveComment(active[0].ID); err != nil {
		t.Fatalf("RemoveComment: %v", err)
	}
	if got := r.Engine().ActiveAnnotations(); len(got) != 0 {
		t.Fatalf("ActiveAnnotations after RemoveComment = %v, want []", got)
	}
}

// S5: a comment survives direct deletion of its underlying text (the
// positions are tombstoned but remembered) and can still be removed
// cleanly.
func TestCommentSurvivesUnderlyingDeletion(t *testing.T) {
	r := newTestReplica(t, "r1", "u1")
	if err := r.Insert(0, "abcdef", false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.AddComment(2, 4, "why?"); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	active := r.Engine().ActiveAnnotations()
	if len(active) != 1 {
		t.Fatalf("ActiveAnnotations = %v, want 1", active)
	}
	commentID := active[0].ID

	if err := r.Delete(2, 2, false); err != nil { // direct delete of "cd"
		t.Fatalf("Delete: %v", err)
	}
	if got := r.Document().String(); got != "abef" {
		t.Fatalf("doc = %q, want %q", got, "abef")
	}

	// The comment's positions are tombstoned but still resolvable.
	if got := r.Engine().ActiveAnnotations(); len(got) != 1 {
		t.Fatalf("ActiveAnnotations after underlying delete = %v, want still 1", got)
	}

	if err := r.RemoveComment(commentID); err != nil {
		t.Fatalf("RemoveComment: %v", err)
	}
	if got := r.Engine().ActiveAnnotations(); len(got) != 0 {
		t.Fatalf("ActiveAnnotations after RemoveComment = %v, want []", got)
	}
}
