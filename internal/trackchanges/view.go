package trackchanges

import (
	"github.com/reviewcrdt/trackchanges/internal/annotation"
	"github.com/reviewcrdt/trackchanges/internal/positiontext"
)

// Annotation is the effective shape of one annotation id: its Addition
// folded with every Update applied on top of it so far (spec §3,
// "Effective annotation").
type Annotation struct {
	ID          annotation.ID
	Kind        annotation.Kind
	Description annotation.Description
	UserID      string
	Range       annotation.Range
	Value       string
	Lamport     uint64
	SenderID    string
}

func foldEffective(addition annotation.Record, updates []annotation.Record) Annotation {
	a := Annotation{
		ID:          addition.ID,
		Kind:        addition.Kind,
		Description: addition.Description,
		UserID:      addition.UserID,
		Range:       addition.Range,
		Value:       addition.Value,
		Lamport:     addition.Lamport,
		SenderID:    addition.SenderID,
	}
	for _, u := range updates {
		a.Range = u.Range
		if u.Value != "" {
			a.Value = u.Value
		}
		a.Lamport = u.Lamport
		a.SenderID = u.SenderID
	}
	return a
}

// bucketEntry is one annotation's presence at a data point.
type bucketEntry struct {
	Annotation   Annotation
	StartingHere bool
	EndingHere   bool
}

// dataPoint is the Peritext "state marker": the set of annotations
// applicable immediately at and after this position, organized by kind.
type dataPoint struct {
	buckets map[annotation.Kind][]bucketEntry
}

func newDataPoint() *dataPoint {
	return &dataPoint{buckets: make(map[annotation.Kind][]bucketEntry)}
}

func (dp *dataPoint) add(entry bucketEntry) {
	dp.buckets[entry.Annotation.Kind] = append(dp.buckets[entry.Annotation.Kind], entry)
}

func (dp *dataPoint) removeByID(id annotation.ID) {
	for kind, entries := range dp.buckets {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Annotation.ID != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(dp.buckets, kind)
		} else {
			dp.buckets[kind] = filtered
		}
	}
}

func (dp *dataPoint) isEmpty() bool {
	return len(dp.buckets) == 0
}

// RemovalReason re-exports annotation.RemovalReason for callers of this
// package that only need the derived-view API.
type RemovalReason = annotation.RemovalReason

// Event is the union of UI-facing events the engine emits (spec §6).
type Event struct {
	Kind       EventKind
	StartIndex int
	EndIndex   int
	Annotation Annotation
	Reason     RemovalReason
	Author     string
}

// EventKind tags which Event field set is populated.
type EventKind int

const (
	EventAnnotationAdded EventKind = iota
	EventAnnotationRemoved
)

// TextEvent mirrors positiontext.Event for subscribers that only care
// about direct text mutations (Insert/Delete), independent of annotations.
type TextEvent = positiontext.Event
