// Package transport is the demo WebSocket server: a gorilla/websocket
// read/write pump pair per connection and a Hub that looks up or
// creates the single review document session for a document id,
// grounded on the teacher's server package (client.go, hub.go,
// handler.go, message.go).
package transport

import (
	"encoding/json"

	"github.com/reviewcrdt/trackchanges/internal/annotation"
	"github.com/reviewcrdt/trackchanges/internal/positiontext"
)

// Message types exchanged over WebSocket.
const (
	MsgJoin          = "join"
	MsgLeave         = "leave"
	MsgDoc           = "doc"
	MsgRecord        = "record"
	MsgInsert        = "insert"
	MsgDelete        = "delete"
	MsgAccept        = "accept"
	MsgDecline       = "decline"
	MsgAddComment    = "addComment"
	MsgRemoveComment = "removeComment"
	MsgError         = "error"
)

// ClientMessage is a message from client to server: either a join
// request or one of the six review operations of spec §4.2.5.
type ClientMessage struct {
	Type         string `json:"type"`
	DocID        string `json:"docId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	Index        int    `json:"index"`
	Count        int    `json:"count"`
	Text         string `json:"text,omitempty"`
	IsSuggestion bool   `json:"isSuggestion"`
	StartIndex   int    `json:"startIndex"`
	EndIndex     int    `json:"endIndex"`
	AnnotationID string `json:"annotationId,omitempty"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type    string      `json:"type"`
	DocID   string      `json:"docId,omitempty"`
	Content string      `json:"content,omitempty"`
	Record  *WireRecord `json:"record,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// WirePosition is the JSON-friendly mirror of positiontext.Position.
type WirePosition struct {
	Replica string `json:"replica"`
	Counter uint64 `json:"counter"`
}

func toWirePosition(p *positiontext.Position) *WirePosition {
	if p == nil {
		return nil
	}
	return &WirePosition{Replica: p.Replica, Counter: p.Counter}
}

func fromWirePosition(p *WirePosition) *positiontext.Position {
	if p == nil {
		return nil
	}
	return &positiontext.Position{Replica: p.Replica, Counter: p.Counter}
}

// WireRecord is the JSON envelope for an annotation.Record: tag values
// for action/description surfaced as JSON enums (ints) rather than the
// raw tag bytes of spec §6's bit-stable wire format, since this is the
// demo transport's debug-friendly encoding, not the canonical byte
// format an implementation-free spec leaves open.
type WireRecord struct {
	ID          string        `json:"id"`
	Kind        int           `json:"kind"`
	Action      int           `json:"action"`
	Description int           `json:"description"`
	UserID      string        `json:"userId,omitempty"`
	Value       string        `json:"value,omitempty"`
	DependentOn string        `json:"dependentOn,omitempty"`
	StartPos    *WirePosition `json:"startPos,omitempty"`
	EndPos      *WirePosition `json:"endPos,omitempty"`
	StartClosed bool          `json:"startClosed"`
	EndClosed   bool          `json:"endClosed"`
	Lamport     uint64        `json:"lamport"`
	SenderID    string        `json:"senderId"`
	Timestamp   int64         `json:"timestamp"`
}

// EncodeRecord converts a stamped annotation.Record to its wire form.
func EncodeRecord(rec annotation.Record) *WireRecord {
	return &WireRecord{
		ID:          string(rec.ID),
		Kind:        int(rec.Kind),
		Action:      int(rec.Action),
		Description: int(rec.Description),
		UserID:      rec.UserID,
		Value:       rec.Value,
		DependentOn: string(rec.DependentOn),
		StartPos:    toWirePosition(rec.Range.Start),
		EndPos:      toWirePosition(rec.Range.End),
		StartClosed: rec.Range.StartClosed,
		EndClosed:   rec.Range.EndClosed,
		Lamport:     rec.Lamport,
		SenderID:    rec.SenderID,
		Timestamp:   rec.Timestamp,
	}
}

// DecodeRecord converts a wire record back to annotation.Record.
func DecodeRecord(w *WireRecord) annotation.Record {
	return annotation.Record{
		PartialRecord: annotation.PartialRecord{
			ID:          annotation.ID(w.ID),
			Kind:        annotation.Kind(w.Kind),
			Action:      annotation.Action(w.Action),
			Description: annotation.Description(w.Description),
			UserID:      w.UserID,
			Value:       w.Value,
			DependentOn: annotation.ID(w.DependentOn),
			Range: annotation.Range{
				Start:       fromWirePosition(w.StartPos),
				End:         fromWirePosition(w.EndPos),
				StartClosed: w.StartClosed,
				EndClosed:   w.EndClosed,
			},
		},
		Lamport:   w.Lamport,
		SenderID:  w.SenderID,
		Timestamp: w.Timestamp,
	}
}
