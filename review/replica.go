// Package review is the public API: the six operations a review-mode
// editor invokes (insert, delete, acceptSuggestion, declineSuggestion,
// addComment, removeComment), adapted from the teacher's ot.Document
// method set onto the annotation-log/track-changes-engine pair.
package review

import (
	"fmt"

	"github.com/reviewcrdt/trackchanges/internal/annotation"
	"github.com/reviewcrdt/trackchanges/internal/annotationlog"
	"github.com/reviewcrdt/trackchanges/internal/positiontext"
	"github.com/reviewcrdt/trackchanges/internal/trackchanges"
)

// Replica is one participating process's view of the document: the
// text CRDT, the annotation log, and the engine that derives the
// review-mode view from it. Constructed with { user_id } per spec §6.
type Replica struct {
	UserID string

	doc    *positiontext.Document
	log    annotationlog.Log
	engine *trackchanges.Engine
}

// NewReplica builds a Replica for userID around an existing document,
// log and the engine already wired to them.
func NewReplica(userID string, doc *positiontext.Document, log annotationlog.Log, engine *trackchanges.Engine) *Replica {
	return &Replica{UserID: userID, doc: doc, log: log, engine: engine}
}

// Document exposes the underlying text CRDT, e.g. for String()/Length().
func (r *Replica) Document() *positiontext.Document {
	return r.doc
}

// Engine exposes the underlying track-changes engine for derived-view
// queries (AnnotationsAt, ActiveAnnotations).
func (r *Replica) Engine() *trackchanges.Engine {
	return r.engine
}

// Insert implements spec §4.2.5's insert(index, text, is_suggestion).
func (r *Replica) Insert(index int, text string, isSuggestion bool) error {
	if text == "" {
		return nil
	}
	runeLen := len([]rune(text))

	var covering, adjacentForward, adjacentBackward *trackchanges.Annotation
	if isSuggestion {
		candidates := r.engine.LiveAnnotationsByUser(r.UserID, annotation.KindSuggestion, annotation.DescriptionInsertSuggestion)
		for i := range candidates {
			ann := &candidates[i]
			startIdx, endIdx := r.engine.IndexRange(*ann)
			switch {
			case startIdx < index && index < endIdx:
				covering = ann
			case index == endIdx:
				adjacentForward = ann
			case index == startIdx:
				adjacentBackward = ann
			}
		}
	}

	ops := r.doc.Insert(index, text)
	if len(ops) == 0 {
		return nil
	}
	if !isSuggestion || covering != nil {
		return nil
	}

	parentBefore := ops[0].Parent
	var startOpen *positiontext.Position
	if index > 0 {
		startOpen = &parentBefore
	}
	newLen := r.doc.Length()
	var endOpen *positiontext.Position
	if index+runeLen < newLen {
		p := r.doc.PositionOf(index + runeLen)
		endOpen = &p
	}

	switch {
	case adjacentForward != nil:
		return r.appendUpdate(adjacentForward.ID, adjacentForward.Range.Start, endOpen, false, false, "")
	case adjacentBackward != nil:
		return r.appendUpdate(adjacentBackward.ID, startOpen, adjacentBackward.Range.End, false, false, "")
	default:
		_, err := r.log.Append(annotation.PartialRecord{
			ID:          annotation.NewID(),
			Kind:        annotation.KindSuggestion,
			Action:      annotation.ActionAddition,
			Description: annotation.DescriptionInsertSuggestion,
			UserID:      r.UserID,
			Range:       annotation.Range{Start: startOpen, End: endOpen, StartClosed: false, EndClosed: false},
		})
		return err
	}
}

// Delete implements spec §4.2.5's delete(index, count, is_suggestion).
func (r *Replica) Delete(index, count int, isSuggestion bool) error {
	if count <= 0 {
		return nil
	}
	if !isSuggestion {
		r.doc.Delete(index, count)
		return nil
	}

	for _, ann := range r.engine.LiveAnnotationsByUser(r.UserID, annotation.KindSuggestion, annotation.DescriptionInsertSuggestion) {
		startIdx, endIdx := r.engine.IndexRange(ann)
		if startIdx <= index && index+count <= endIdx {
			r.doc.Delete(index, count)
			return nil
		}
	}

	firstPos := r.doc.PositionOf(index)
	lastPos := r.doc.PositionOf(index + count - 1)

	for _, ann := range r.engine.LiveAnnotationsByUser(r.UserID, annotation.KindSuggestion, annotation.DescriptionDeleteSuggestion) {
		startIdx, endIdx := r.engine.IndexRange(ann)
		switch {
		case endIdx+1 == index:
			return r.appendUpdate(ann.ID, ann.Range.Start, &lastPos, true, true, "")
		case startIdx == index+count:
			return r.appendUpdate(ann.ID, &firstPos, ann.Range.End, true, true, "")
		}
	}

	_, err := r.log.Append(annotation.PartialRecord{
		ID:          annotation.NewID(),
		Kind:        annotation.KindSuggestion,
		Action:      annotation.ActionAddition,
		Description: annotation.DescriptionDeleteSuggestion,
		UserID:      r.UserID,
		Range:       annotation.Range{Start: &firstPos, End: &lastPos, StartClosed: true, EndClosed: true},
	})
	return err
}

// AcceptSuggestion implements spec §4.2.5's acceptSuggestion(id). The
// follow-up Text CRDT deletion (if the annotation is a DeleteSuggestion)
// happens during the ensuing event processing, never inline here (spec
// §9's design note).
func (r *Replica) AcceptSuggestion(id annotation.ID) error {
	_, err := r.log.Append(annotation.PartialRecord{
		ID:          id,
		Action:      annotation.ActionRemoval,
		Description: annotation.DescriptionAcceptSuggestion,
		DependentOn: id,
	})
	return err
}

// DeclineSuggestion implements spec §4.2.5's declineSuggestion(id).
func (r *Replica) DeclineSuggestion(id annotation.ID) error {
	_, err := r.log.Append(annotation.PartialRecord{
		ID:          id,
		Action:      annotation.ActionRemoval,
		Description: annotation.DescriptionDeclineSuggestion,
		DependentOn: id,
	})
	return err
}

// AddComment implements spec §4.2.5's addComment(start_index, end_index, text).
func (r *Replica) AddComment(startIndex, endIndex int, text string) error {
	length := r.doc.Length()
	if startIndex < 0 || startIndex >= length || startIndex > endIndex || endIndex > length {
		return fmt.Errorf("%w: start=%d end=%d length=%d", annotation.ErrInvalidRange, startIndex, endIndex, length)
	}
	start := r.doc.PositionOf(startIndex)
	end := r.doc.PositionOf(endIndex)
	_, err := r.log.Append(annotation.PartialRecord{
		ID:          annotation.NewID(),
		Kind:        annotation.KindComment,
		Action:      annotation.ActionAddition,
		Description: annotation.DescriptionAddComment,
		UserID:      r.UserID,
		Value:       text,
		Range:       annotation.Range{Start: &start, End: &end, StartClosed: true, EndClosed: true},
	})
	return err
}

// RemoveComment implements spec §4.2.5's removeComment(id).
func (r *Replica) RemoveComment(id annotation.ID) error {
	_, err := r.log.Append(annotation.PartialRecord{
		ID:          id,
		Action:      annotation.ActionRemoval,
		Description: annotation.DescriptionRemoveComment,
		DependentOn: id,
	})
	return err
}

// appendUpdate appends an Update record. It reuses dependentOn as the
// record's own ID (not a fresh one) so the log groups it with the
// Addition and every other record for the same annotation, per spec
// §4.1's id-or-dependent_on grouping.
func (r *Replica) appendUpdate(dependentOn annotation.ID, start, end *positiontext.Position, startClosed, endClosed bool, value string) error {
	_, err := r.log.Append(annotation.PartialRecord{
		ID:            dependentOn,
		Action:        annotation.ActionUpdate,
		Description:   annotation.DescriptionUpdateRange,
		UserID:        r.UserID,
		DependentOn:   dependentOn,
		Value:         value,
		UpdatedFields: []string{"start_pos", "end_pos"},
		Range:         annotation.Range{Start: start, End: end, StartClosed: startClosed, EndClosed: endClosed},
	})
	return err
}
