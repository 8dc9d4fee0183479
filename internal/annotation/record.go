// Package annotation defines the closed tagged union of operation records
// that make up the annotation log: the wire-stable unit this CRDT
// replicates, and the total order records are compared under.
package annotation

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/reviewcrdt/trackchanges/internal/positiontext"
)

// ID identifies one annotation across its whole lifecycle: every record
// that introduces, mutates, or terminates the same annotation carries the
// same ID.
type ID string

// NewID mints a fresh, globally unique annotation identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Kind distinguishes the two families of annotation.
type Kind int

const (
	KindSuggestion Kind = iota
	KindComment
)

func (k Kind) String() string {
	switch k {
	case KindSuggestion:
		return "Suggestion"
	case KindComment:
		return "Comment"
	default:
		return "Unknown"
	}
}

// Action is the outer tag of the record union.
type Action int

const (
	ActionAddition Action = iota
	ActionRemoval
	ActionUpdate
)

func (a Action) String() string {
	switch a {
	case ActionAddition:
		return "Addition"
	case ActionRemoval:
		return "Removal"
	case ActionUpdate:
		return "Update"
	default:
		return "Unknown"
	}
}

// Description is the inner tag narrowing Action's meaning. Only the
// combinations in spec §3's action/description matrix are valid; anything
// else is MalformedRecord.
type Description int

const (
	DescriptionInsertSuggestion Description = iota
	DescriptionDeleteSuggestion
	DescriptionAddComment
	DescriptionAcceptSuggestion
	DescriptionDeclineSuggestion
	DescriptionRemoveComment
	DescriptionUpdateRange
)

func (d Description) String() string {
	switch d {
	case DescriptionInsertSuggestion:
		return "InsertSuggestion"
	case DescriptionDeleteSuggestion:
		return "DeleteSuggestion"
	case DescriptionAddComment:
		return "AddComment"
	case DescriptionAcceptSuggestion:
		return "AcceptSuggestion"
	case DescriptionDeclineSuggestion:
		return "DeclineSuggestion"
	case DescriptionRemoveComment:
		return "RemoveComment"
	case DescriptionUpdateRange:
		return "UpdateRange"
	default:
		return "Unknown"
	}
}

// RemovalReason explains why a Removal terminated an annotation, derived
// from its Description (spec §4.2.1).
type RemovalReason int

const (
	ReasonAccepted RemovalReason = iota
	ReasonDeclined
	ReasonRemoved
	ReasonReplaced
)

func (r RemovalReason) String() string {
	switch r {
	case ReasonAccepted:
		return "Accepted"
	case ReasonDeclined:
		return "Declined"
	case ReasonRemoved:
		return "Removed"
	case ReasonReplaced:
		return "Replaced"
	default:
		return "Unknown"
	}
}

// Range is the span an Addition or Update record covers. A nil Start means
// open-to-document-start; a nil End means open-to-document-end. Closed
// flags are meaningless (and ignored) on an open endpoint.
type Range struct {
	Start       *positiontext.Position
	End         *positiontext.Position
	StartClosed bool
	EndClosed   bool
}

// PartialRecord is what a caller supplies to Append; the log stamps
// Lamport, SenderID, and Timestamp on delivery.
type PartialRecord struct {
	ID            ID
	Kind          Kind
	Action        Action
	Description   Description
	UserID        string
	Range         Range
	Value         string
	DependentOn   ID
	UpdatedFields []string
}

// Record is one entry in the annotation log, fully stamped.
type Record struct {
	PartialRecord
	Lamport   uint64
	SenderID  string
	Timestamp int64
}

// Wins reports whether a dominates b under the total order of spec
// §4.2.6: higher Lamport wins; ties broken by SenderID; an exact
// (Lamport, SenderID) tie can only happen within one transaction, where
// the record emitted later is considered newer — callers preserve that by
// keeping records in emission order and treating a tie as "not dominant"
// here so stable sorts keep the later one last.
func Wins(a, b Record) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	if a.SenderID != b.SenderID {
		return a.SenderID > b.SenderID
	}
	return false
}

// Validate checks that action/description/field combinations are one of
// the ones spec §3's matrix allows. A failure here is MalformedRecord.
func (p PartialRecord) Validate() error {
	switch {
	case p.Action == ActionAddition && p.Description == DescriptionInsertSuggestion:
		// start_pos and end_pos are both nullable/open (spec §3): an
		// insert at the very start of the document, or one that reaches
		// the document's end, legitimately has a nil endpoint.
		return nil
	case p.Action == ActionAddition && p.Description == DescriptionDeleteSuggestion:
		if err := requireRange(p.Range, requireStart|requireEnd); err != nil {
			return err
		}
		if !p.Range.StartClosed || !p.Range.EndClosed {
			return fmt.Errorf("%w: DeleteSuggestion must be closed on both ends", ErrMalformedRecord)
		}
		return nil
	case p.Action == ActionAddition && p.Description == DescriptionAddComment:
		if err := requireRange(p.Range, requireStart|requireEnd); err != nil {
			return err
		}
		if !p.Range.StartClosed || !p.Range.EndClosed {
			return fmt.Errorf("%w: AddComment must be closed on both ends", ErrMalformedRecord)
		}
		return nil
	case p.Action == ActionRemoval && p.Description == DescriptionAcceptSuggestion,
		p.Action == ActionRemoval && p.Description == DescriptionDeclineSuggestion,
		p.Action == ActionRemoval && p.Description == DescriptionRemoveComment:
		if p.DependentOn == "" {
			return fmt.Errorf("%w: Removal missing dependent_on", ErrMalformedRecord)
		}
		return nil
	case p.Action == ActionUpdate && p.Description == DescriptionUpdateRange:
		if p.DependentOn == "" {
			return fmt.Errorf("%w: Update missing dependent_on", ErrMalformedRecord)
		}
		return nil
	default:
		return fmt.Errorf("%w: invalid action/description combination %s/%s", ErrMalformedRecord, p.Action, p.Description)
	}
}

type rangeRequirement int

const (
	requireStart rangeRequirement = 1 << 0
	requireEnd   rangeRequirement = 1 << 1
)

func requireRange(r Range, req rangeRequirement) error {
	if req&requireStart != 0 && r.Start == nil {
		return fmt.Errorf("%w: missing start_pos", ErrMalformedRecord)
	}
	if req&requireEnd != 0 && r.End == nil {
		return fmt.Errorf("%w: missing end_pos", ErrMalformedRecord)
	}
	return nil
}

// ReasonFor maps a terminating Removal's Description to its UI reason.
func ReasonFor(d Description) RemovalReason {
	switch d {
	case DescriptionAcceptSuggestion:
		return ReasonAccepted
	case DescriptionDeclineSuggestion:
		return ReasonDeclined
	case DescriptionRemoveComment:
		return ReasonRemoved
	default:
		return ReasonReplaced
	}
}
