package trackchanges

import (
	"testing"

	"github.com/reviewcrdt/trackchanges/internal/annotation"
	"github.com/reviewcrdt/trackchanges/internal/annotationlog"
	"github.com/reviewcrdt/trackchanges/internal/positiontext"
)

func newTestEngine(replica string) (*positiontext.Document, annotationlog.Log, *Engine) {
	doc := positiontext.NewDocument(replica)
	log := annotationlog.NewMemoryLog(replica)
	engine := NewEngine(doc, log, nil)
	return doc, log, engine
}

func appendAddition(t *testing.T, log annotationlog.Log, id annotation.ID, kind annotation.Kind, desc annotation.Description, user string, start, end *positiontext.Position, startClosed, endClosed bool, value string) annotation.Record {
	t.Helper()
	rec, err := log.Append(annotation.PartialRecord{
		ID:          id,
		Kind:        kind,
		Action:      annotation.ActionAddition,
		Description: desc,
		UserID:      user,
		Value:       value,
		Range:       annotation.Range{Start: start, End: end, StartClosed: startClosed, EndClosed: endClosed},
	})
	if err != nil {
		t.Fatalf("Append addition: %v", err)
	}
	return rec
}

func TestAddAnnotationThenAnnotationsAtRespectsClosedFlags(t *testing.T) {
	doc, log, engine := newTestEngine("r1")
	doc.Insert(0, "abcdef")

	id := annotation.NewID()
	start := doc.PositionOf(2)
	end := doc.PositionOf(4)
	appendAddition(t, log, id, annotation.KindComment, annotation.DescriptionAddComment, "u1", &start, &end, true, true, "")

	at := engine.AnnotationsAt(doc.PositionOf(2))
	if len(at) != 1 || at[0].ID != id {
		t.Fatalf("AnnotationsAt(start, closed) = %v, want [id]", at)
	}
	at = engine.AnnotationsAt(doc.PositionOf(4))
	if len(at) != 1 || at[0].ID != id {
		t.Fatalf("AnnotationsAt(end, closed) = %v, want [id]", at)
	}
	at = engine.AnnotationsAt(doc.PositionOf(5))
	if len(at) != 0 {
		t.Fatalf("AnnotationsAt(past end) = %v, want []", at)
	}
}

func TestAnnotationsAtSkipsOpenEndpoint(t *testing.T) {
	doc, log, engine := newTestEngine("r1")
	doc.Insert(0, "abcdef")

	id := annotation.NewID()
	start := doc.PositionOf(1)
	end := doc.PositionOf(4)
	appendAddition(t, log, id, annotation.KindSuggestion, annotation.DescriptionInsertSuggestion, "u1", &start, &end, false, false, "")

	if at := engine.AnnotationsAt(doc.PositionOf(1)); len(at) != 0 {
		t.Fatalf("AnnotationsAt(open start) = %v, want []", at)
	}
	if at := engine.AnnotationsAt(doc.PositionOf(2)); len(at) != 1 {
		t.Fatalf("AnnotationsAt(strictly inside) = %v, want 1 entry", at)
	}
	if at := engine.AnnotationsAt(doc.PositionOf(4)); len(at) != 0 {
		t.Fatalf("AnnotationsAt(open end) = %v, want []", at)
	}
}

func TestAcceptSuggestionDeletesCoveredRange(t *testing.T) {
	doc, log, engine := newTestEngine("r1")
	doc.Insert(0, "abcdef")

	id := annotation.NewID()
	start := doc.PositionOf(1)
	end := doc.PositionOf(3)
	appendAddition(t, log, id, annotation.KindSuggestion, annotation.DescriptionDeleteSuggestion, "u1", &start, &end, true, true, "")

	if doc.String() != "abcdef" {
		t.Fatalf("doc = %q before accept, want unchanged", doc.String())
	}

	if _, err := log.Append(annotation.PartialRecord{
		ID:          id,
		Action:      annotation.ActionRemoval,
		Description: annotation.DescriptionAcceptSuggestion,
		DependentOn: id,
	}); err != nil {
		t.Fatalf("Append removal: %v", err)
	}

	if doc.String() != "aef" {
		t.Fatalf("doc = %q after accept, want %q", doc.String(), "aef")
	}
	if got := engine.ActiveAnnotations(); len(got) != 0 {
		t.Fatalf("ActiveAnnotations after accept = %v, want []", got)
	}
}

func TestDeclineInsertSuggestionDeletesInsertedText(t *testing.T) {
	doc, log, engine := newTestEngine("r1")
	doc.Insert(0, "ab")

	id := annotation.NewID()
	start := doc.PositionOf(0)
	appendAddition(t, log, id, annotation.KindSuggestion, annotation.DescriptionInsertSuggestion, "u1", &start, nil, false, false, "")

	if _, err := log.Append(annotation.PartialRecord{
		ID:          id,
		Action:      annotation.ActionRemoval,
		Description: annotation.DescriptionDeclineSuggestion,
		DependentOn: id,
	}); err != nil {
		t.Fatalf("Append removal: %v", err)
	}

	// Open start/open end over doc.PositionOf(0) excludes char 0 itself and
	// spans to the end, so declining deletes index 1 onward ("b").
	if doc.String() != "a" {
		t.Fatalf("doc = %q after decline, want %q", doc.String(), "a")
	}
	_ = engine
}

func TestWinsDeterminesAcceptDeclineRace(t *testing.T) {
	doc, log, engine := newTestEngine("r1")
	doc.Insert(0, "hello")

	id := annotation.NewID()
	start := doc.PositionOf(0)
	end := doc.PositionOf(4)
	appendAddition(t, log, id, annotation.KindSuggestion, annotation.DescriptionDeleteSuggestion, "u1", &start, &end, true, true, "")

	decline := annotation.Record{
		PartialRecord: annotation.PartialRecord{ID: id, Action: annotation.ActionRemoval, Description: annotation.DescriptionDeclineSuggestion, DependentOn: id},
		Lamport:       10,
		SenderID:      "replica-x",
	}
	accept := annotation.Record{
		PartialRecord: annotation.PartialRecord{ID: id, Action: annotation.ActionRemoval, Description: annotation.DescriptionAcceptSuggestion, DependentOn: id},
		Lamport:       20,
		SenderID:      "replica-y",
	}

	if err := log.Integrate(decline); err != nil {
		t.Fatalf("Integrate decline: %v", err)
	}
	if err := log.Integrate(accept); err != nil {
		t.Fatalf("Integrate accept: %v", err)
	}

	if doc.String() != "" {
		t.Fatalf("doc = %q, want empty (accept, higher lamport, wins)", doc.String())
	}
	_ = engine
}

func TestUpdateResurrectsAfterDominatingRemoval(t *testing.T) {
	doc, log, engine := newTestEngine("r1")
	doc.Insert(0, "hello world")

	id := annotation.NewID()
	start := doc.PositionOf(0)
	end := doc.PositionOf(4)
	rec := appendAddition(t, log, id, annotation.KindComment, annotation.DescriptionAddComment, "u1", &start, &end, true, true, "note")
	_ = rec

	removal := annotation.Record{
		PartialRecord: annotation.PartialRecord{ID: id, Action: annotation.ActionRemoval, Description: annotation.DescriptionRemoveComment, DependentOn: id},
		Lamport:       5,
		SenderID:      "replica-x",
	}
	if err := log.Integrate(removal); err != nil {
		t.Fatalf("Integrate removal: %v", err)
	}
	if got := engine.ActiveAnnotations(); len(got) != 0 {
		t.Fatalf("ActiveAnnotations after removal = %v, want []", got)
	}

	newEnd := doc.PositionOf(6)
	resurrect := annotation.Record{
		PartialRecord: annotation.PartialRecord{
			ID: id, Action: annotation.ActionUpdate, Description: annotation.DescriptionUpdateRange,
			DependentOn: id, Value: "note2",
			Range: annotation.Range{Start: &start, End: &newEnd, StartClosed: true, EndClosed: true},
		},
		Lamport:  10,
		SenderID: "replica-z",
	}
	if err := log.Integrate(resurrect); err != nil {
		t.Fatalf("Integrate resurrect: %v", err)
	}

	got := engine.ActiveAnnotations()
	if len(got) != 1 || got[0].ID != id || got[0].Value != "note2" {
		t.Fatalf("ActiveAnnotations after resurrection = %v, want one live annotation with updated value", got)
	}
}
