// Package trackchanges consumes the annotation log and maintains the
// local, position-indexed derived view of effective annotations, the
// Peritext data-point technique applied to review-mode suggestions and
// comments. It mediates opposing operations (accept vs decline races),
// performs follow-up text mutations, and emits the UI-facing event
// stream. Grounded on the teacher's server.Session: one record processed
// at a time (serialized by the Engine's mutex, on whichever goroutine
// delivers it), no suspension points mid-record.
package trackchanges

import (
	"sync"

	"go.uber.org/zap"

	"github.com/reviewcrdt/trackchanges/internal/annotation"
	"github.com/reviewcrdt/trackchanges/internal/annotationlog"
	"github.com/reviewcrdt/trackchanges/internal/positiontext"
)

// Engine holds one replica's derived view: the text document it
// annotates, the log it subscribes to, and the position-indexed set of
// data points built from delivered records.
type Engine struct {
	mu sync.Mutex

	doc    *positiontext.Document
	log    annotationlog.Log
	logger *zap.Logger

	dataPoints map[positiontext.Position]*dataPoint
	live       map[annotation.ID]Annotation
	removals   map[annotation.ID]removalOutcome

	subscribers []func(Event)
}

// removalOutcome records which removal an id's text side-effect currently
// reflects, so a later-arriving removal that outranks it can be compared
// against the one already applied instead of against whichever record
// happened to trigger the previous call.
type removalOutcome struct {
	lamport    uint64
	senderID   string
	tombstones []positiontext.Position
}

// NewEngine wires an Engine to doc and log, subscribing to log so every
// local or remote record is processed as it is delivered. logger may be
// nil, in which case a no-op logger is used.
func NewEngine(doc *positiontext.Document, log annotationlog.Log, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		doc:        doc,
		log:        log,
		logger:     logger,
		dataPoints: make(map[positiontext.Position]*dataPoint),
		live:       make(map[annotation.ID]Annotation),
		removals:   make(map[annotation.ID]removalOutcome),
	}
	log.Subscribe(e.handleRecord)
	return e
}

// Document exposes the underlying text CRDT for the public API package.
func (e *Engine) Document() *positiontext.Document {
	return e.doc
}

// Log exposes the underlying annotation log for the public API package.
func (e *Engine) Log() annotationlog.Log {
	return e.log
}

// Subscribe registers a callback invoked for every emitted UI event.
func (e *Engine) Subscribe(onEvent func(Event)) {
	e.mu.Lock()
	e.subscribers = append(e.subscribers, onEvent)
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	for _, sub := range e.subscribers {
		sub(ev)
	}
}

func (e *Engine) handleRecord(rec annotation.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processRecord(rec)
}

// processRecord implements spec §4.2.1's dispatch on rec.Action.
func (e *Engine) processRecord(rec annotation.Record) {
	switch rec.Action {
	case annotation.ActionAddition:
		e.processAddition(rec)
	case annotation.ActionUpdate:
		e.processUpdate(rec)
	case annotation.ActionRemoval:
		e.processRemoval(rec)
	}
}

func (e *Engine) processAddition(rec annotation.Record) {
	history := e.log.History(rec.ID)
	if dominatingRemovalExists(history, rec) {
		e.logger.Debug("addition overridden by a dominating removal", zap.String("id", string(rec.ID)))
		return
	}
	effective := foldEffective(rec, updatesBefore(history, rec))
	e.addAnnotation(effective)
	e.live[rec.ID] = effective
}

func (e *Engine) processUpdate(rec annotation.Record) {
	history := e.log.History(rec.ID)
	if dominatingRemovalExists(history, rec) {
		e.logger.Debug("update dropped, stale against a dominating removal", zap.String("id", string(rec.ID)))
		return
	}
	addition, ok := findAddition(history)
	if !ok {
		e.logger.Warn("missing dependency for update", zap.String("id", string(rec.ID)))
		return
	}
	prior := updatesBefore(history, rec)
	aOld := foldEffective(addition, prior)
	aNew := foldEffective(addition, append(append([]annotation.Record(nil), prior...), rec))

	e.removeAnnotation(aOld, annotation.ReasonReplaced)
	e.addAnnotation(aNew)
	e.live[rec.ID] = aNew
}

// processRemoval re-derives id's dominant removal from the full history on
// every delivery, not just from rec, so a removal that only looked
// dominant against a replica's partial history at the time never leaves
// an unrecoverable side-effect behind once the genuinely dominant removal
// (per spec §4.2.6's (lamport, sender) order) arrives.
func (e *Engine) processRemoval(rec annotation.Record) {
	history := e.log.History(rec.ID)
	addition, ok := findAddition(history)
	if !ok {
		e.logger.Warn("missing dependency for removal", zap.String("id", string(rec.ID)))
		return
	}
	dominant, ok := lastRemoval(history)
	if !ok {
		return
	}
	if prev, seen := e.removals[rec.ID]; seen && prev.lamport == dominant.Lamport && prev.senderID == dominant.SenderID {
		// Already reflects the current dominant removal; a weaker removal
		// arriving after it (or a duplicate delivery of it) changes nothing.
		return
	}

	effective := foldEffective(addition, updatesBefore(history, dominant))
	reason := annotation.ReasonFor(dominant.Description)
	e.removeAnnotation(effective, reason)
	delete(e.live, rec.ID)

	tombstones := e.reconcileSideEffect(e.removals[rec.ID].tombstones, effective, dominant.Description)
	e.removals[rec.ID] = removalOutcome{lamport: dominant.Lamport, senderID: dominant.SenderID, tombstones: tombstones}
}

// reconcileSideEffect derives the Text CRDT mutation the dominant
// removal's outcome requires (spec §4.2.1: accepting a DeleteSuggestion
// deletes its covered range, declining an InsertSuggestion deletes its
// covered (suggested) range) and applies only the delta against what is
// already tombstoned for this id: if the dominant outcome no longer wants
// a deletion but a previous, since-overturned removal already applied
// one, it restores exactly those characters. Returns the tombstones now
// in effect, for comparison on the next call.
func (e *Engine) reconcileSideEffect(prevTombstones []positiontext.Position, effective Annotation, removalDescription annotation.Description) []positiontext.Position {
	wantsDelete := removalDescription == annotation.DescriptionAcceptSuggestion && effective.Description == annotation.DescriptionDeleteSuggestion ||
		removalDescription == annotation.DescriptionDeclineSuggestion && effective.Description == annotation.DescriptionInsertSuggestion

	if wantsDelete {
		if prevTombstones != nil {
			return prevTombstones
		}
		return e.deleteEffectiveRange(effective.Range)
	}

	if prevTombstones != nil {
		e.doc.Restore(prevTombstones)
	}
	return nil
}

// deleteEffectiveRange deletes exactly the characters r covers, honoring
// open endpoints: an endpoint that is not *_closed marks a boundary
// position that is itself excluded from the range. Returns the positions
// tombstoned, so a later-overturned removal can restore precisely them.
func (e *Engine) deleteEffectiveRange(r annotation.Range) []positiontext.Position {
	// A tombstoned endpoint resolves to a neighbouring visible character
	// outside the range, so only a visible, closed endpoint is kept.
	startIdx := 0
	if r.Start != nil {
		startIdx = e.doc.IndexOf(*r.Start, positiontext.Left) + 1
		if r.StartClosed && e.doc.Has(*r.Start) {
			startIdx--
		}
	}
	endIdx := e.doc.Length() - 1
	if r.End != nil {
		endIdx = e.doc.IndexOf(*r.End, positiontext.Right) - 1
		if r.EndClosed && e.doc.Has(*r.End) {
			endIdx++
		}
	}
	if startIdx > endIdx || startIdx >= e.doc.Length() || endIdx < 0 {
		return nil
	}
	ops := e.doc.Delete(startIdx, endIdx-startIdx+1)
	positions := make([]positiontext.Position, len(ops))
	for i, op := range ops {
		positions[i] = op.Target
	}
	return positions
}

// addAnnotation implements spec §4.2.2.
func (e *Engine) addAnnotation(a Annotation) {
	var resolvedStart positiontext.Position
	if a.Range.Start != nil {
		resolvedStart = *a.Range.Start
	} else if e.doc.Length() > 0 {
		resolvedStart = e.doc.PositionOf(0)
	} else {
		return // empty document, nothing to anchor a data point to.
	}
	startIdx := e.doc.IndexOf(resolvedStart, positiontext.Left)
	if startIdx < 0 {
		startIdx = 0
	}

	hasEnd := a.Range.End != nil
	endIdx := e.doc.Length()
	if hasEnd {
		endIdx = e.doc.IndexOf(*a.Range.End, positiontext.Right)
	}

	e.ensureDataPoint(resolvedStart)
	if hasEnd {
		e.ensureDataPoint(*a.Range.End)
	}

	for pos, dp := range e.dataPoints {
		idx := e.doc.IndexOf(pos, positiontext.Left)
		if idx < startIdx || idx > endIdx {
			continue
		}
		dp.add(bucketEntry{
			Annotation:   a,
			StartingHere: idx == startIdx,
			EndingHere:   hasEnd && idx == endIdx,
		})
	}

	e.emit(Event{Kind: EventAnnotationAdded, StartIndex: startIdx, EndIndex: endIdx, Annotation: a})
}

// removeAnnotation implements spec §4.2.3.
func (e *Engine) removeAnnotation(a Annotation, reason RemovalReason) {
	var resolvedStart positiontext.Position
	if a.Range.Start != nil {
		resolvedStart = *a.Range.Start
	} else if e.doc.Length() > 0 {
		resolvedStart = e.doc.PositionOf(0)
	}
	startIdx := e.doc.IndexOf(resolvedStart, positiontext.Left)
	if startIdx < 0 {
		startIdx = 0
	}

	endIdx := e.doc.Length()
	if a.Range.End != nil {
		endIdx = e.doc.IndexOf(*a.Range.End, positiontext.Right)
	}

	for pos, dp := range e.dataPoints {
		idx := e.doc.IndexOf(pos, positiontext.Left)
		if idx < startIdx || idx > endIdx {
			continue
		}
		dp.removeByID(a.ID)
		if dp.isEmpty() {
			delete(e.dataPoints, pos)
		}
	}

	e.emit(Event{Kind: EventAnnotationRemoved, StartIndex: startIdx, EndIndex: endIdx, Annotation: a, Reason: reason, Author: a.UserID})
}

// ensureDataPoint materializes a data point at pos if one does not
// already exist, copying the still-crossing entries (ending_here ==
// false) from the nearest data point to its left.
func (e *Engine) ensureDataPoint(pos positiontext.Position) *dataPoint {
	if dp, ok := e.dataPoints[pos]; ok {
		return dp
	}
	targetIdx := e.doc.IndexOf(pos, positiontext.Left)

	var nearest *dataPoint
	nearestIdx := -1
	for key, dp := range e.dataPoints {
		idx := e.doc.IndexOf(key, positiontext.Left)
		if idx <= targetIdx && idx > nearestIdx {
			nearestIdx = idx
			nearest = dp
		}
	}

	dp := newDataPoint()
	if nearest != nil {
		for kind, entries := range nearest.buckets {
			for _, entry := range entries {
				if entry.EndingHere {
					continue
				}
				entry.StartingHere = false
				entry.EndingHere = false
				dp.buckets[kind] = append(dp.buckets[kind], entry)
			}
		}
	}
	e.dataPoints[pos] = dp
	return dp
}

// AnnotationsAt implements spec §4.2.4's annotations_at query.
func (e *Engine) AnnotationsAt(pos positiontext.Position) []Annotation {
	e.mu.Lock()
	defer e.mu.Unlock()

	targetIdx := e.doc.IndexOf(pos, positiontext.Left)
	var nearest *dataPoint
	nearestIdx := -1
	for key, dp := range e.dataPoints {
		idx := e.doc.IndexOf(key, positiontext.Left)
		if idx <= targetIdx && idx > nearestIdx {
			nearestIdx = idx
			nearest = dp
		}
	}
	if nearest == nil {
		return nil
	}

	var out []Annotation
	for _, entries := range nearest.buckets {
		for _, entry := range entries {
			if !e.coversIndexLocked(entry.Annotation, targetIdx) {
				continue
			}
			out = append(out, entry.Annotation)
		}
	}
	return out
}

// coversIndexLocked reports whether a's effective range covers idx per
// spec §4.2.4/P5: strictly-inside always counts; a closed endpoint counts
// exactly at that index; an open (nil) endpoint has no boundary to
// exclude. Unlike the StartingHere/EndingHere bits recorded at a's own
// data points, this is evaluated against idx directly, so it stays
// correct for any query position that merely resolves to the same
// nearest data point as one of a's endpoints.
func (e *Engine) coversIndexLocked(a Annotation, idx int) bool {
	startIdx, endIdx := e.indexRangeLocked(a)
	passStart := a.Range.Start == nil || idx > startIdx || (idx == startIdx && a.Range.StartClosed)
	passEnd := a.Range.End == nil || idx < endIdx || (idx == endIdx && a.Range.EndClosed)
	return passStart && passEnd
}

// ActiveAnnotations implements spec §4.2.4's active_annotations query:
// one entry per annotation id, deduplicated across data points.
func (e *Engine) ActiveAnnotations() []Annotation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Annotation, 0, len(e.live))
	for _, a := range e.live {
		out = append(out, a)
	}
	return out
}

// LiveAnnotationsByUser returns every live annotation authored by userID
// matching kind/description, for the public API's adjacency-absorption
// checks (spec §4.2.5).
func (e *Engine) LiveAnnotationsByUser(userID string, kind annotation.Kind, description annotation.Description) []Annotation {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Annotation
	for _, a := range e.live {
		if a.UserID == userID && a.Kind == kind && a.Description == description {
			out = append(out, a)
		}
	}
	return out
}

// IndexRange resolves a's effective range to the current document
// indices, using Left bias for the start and Right bias for the end
// (open end resolves to the document length), for callers that need the
// same resolution the engine uses internally.
func (e *Engine) IndexRange(a Annotation) (start, end int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.indexRangeLocked(a)
}

func (e *Engine) indexRangeLocked(a Annotation) (start, end int) {
	if a.Range.Start != nil {
		start = e.doc.IndexOf(*a.Range.Start, positiontext.Left)
		if start < 0 {
			start = 0
		}
	}
	end = e.doc.Length()
	if a.Range.End != nil {
		end = e.doc.IndexOf(*a.Range.End, positiontext.Right)
	}
	return start, end
}

func dominatingRemovalExists(history []annotation.Record, rec annotation.Record) bool {
	for _, r := range history {
		if r.Action == annotation.ActionRemoval && annotation.Wins(r, rec) {
			return true
		}
	}
	return false
}

func findAddition(history []annotation.Record) (annotation.Record, bool) {
	for _, r := range history {
		if r.Action == annotation.ActionAddition {
			return r, true
		}
	}
	return annotation.Record{}, false
}

// updatesBefore returns the Update records in history that sort strictly
// before rec, in order. history is assumed sorted by (lamport, sender).
func updatesBefore(history []annotation.Record, rec annotation.Record) []annotation.Record {
	var out []annotation.Record
	for _, r := range history {
		if sameRecord(r, rec) {
			break
		}
		if r.Action == annotation.ActionUpdate {
			out = append(out, r)
		}
	}
	return out
}

// lastRemoval returns the removal record that currently dominates id's
// lifecycle. history is sorted ascending by (lamport, sender), so the
// last Removal entry is the one no other removal in history outranks,
// independent of which record triggered this call.
func lastRemoval(history []annotation.Record) (annotation.Record, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Action == annotation.ActionRemoval {
			return history[i], true
		}
	}
	return annotation.Record{}, false
}

func sameRecord(a, b annotation.Record) bool {
	return a.ID == b.ID && a.Lamport == b.Lamport && a.SenderID == b.SenderID
}
