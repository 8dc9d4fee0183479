// Package annotationlog implements the append-only, causally-delivered
// annotation log of spec §4.1: durable storage for annotation records plus
// a broadcast to subscribers (normally the track-changes engine).
package annotationlog

import (
	"errors"
	"fmt"

	"github.com/reviewcrdt/trackchanges/internal/annotation"
)

// ErrTransportContract is returned when a remote record arrives without
// the causal metadata the transport is required to stamp.
var ErrTransportContract = errors.New("annotationlog: record missing lamport/sender stamp")

// Log is the public contract of the annotation log (spec §4.1).
type Log interface {
	// Append stamps partial with this replica's next Lamport tick and
	// sender id, stores it, and broadcasts it to subscribers.
	Append(partial annotation.PartialRecord) (annotation.Record, error)
	// Integrate delivers an already-stamped remote record. The caller
	// (the transport) guarantees causal order: a record's dependencies
	// have already been delivered.
	Integrate(rec annotation.Record) error
	// Subscribe registers a callback invoked once per delivered record,
	// local or remote, in causal order.
	Subscribe(onAdd func(annotation.Record))
	// History returns the full, ordered record list for id.
	History(id annotation.ID) []annotation.Record
	// Snapshot serializes the log for persistence or snapshot-driven join.
	Snapshot() Snapshot
	// Restore merges a snapshot into the log. Idempotent: reloading the
	// same snapshot twice is a no-op the second time.
	Restore(snap Snapshot) error
}

// Snapshot is the wire-stable format of spec §6: parallel arrays grouping
// records by the annotation id they belong to.
type Snapshot struct {
	ChangeIDs []annotation.ID
	Lengths   []int
	Records   []annotation.Record
	Lamports  []uint64
}

func recordKey(rec annotation.Record) string {
	return fmt.Sprintf("%s|%d|%s|%d|%d", rec.ID, rec.Action, rec.SenderID, rec.Lamport, rec.Description)
}

func sortHistory(history []annotation.Record) {
	// Stable insertion sort: histories are short and almost-sorted on
	// arrival, and stability is what preserves "later emission wins" for
	// exact (lamport, sender) ties, per spec §4.2.6.
	for i := 1; i < len(history); i++ {
		j := i
		for j > 0 && less(history[j], history[j-1]) {
			history[j], history[j-1] = history[j-1], history[j]
			j--
		}
	}
}

func less(a, b annotation.Record) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	return a.SenderID < b.SenderID
}
