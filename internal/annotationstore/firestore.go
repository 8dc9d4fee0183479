// Package annotationstore provides a Firestore-backed annotation log,
// grounded on the teacher's store.FirestoreStore, for durable persistence
// of the log behind an annotationlog.CachedLog.
package annotationstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/reviewcrdt/trackchanges/internal/annotation"
	"github.com/reviewcrdt/trackchanges/internal/annotationlog"
	"github.com/reviewcrdt/trackchanges/internal/positiontext"
)

// FirestoreLog is a Firestore-backed annotationlog.Log: one document per
// annotation id under collection, with a "records" subcollection holding
// the ordered history, zero-padded by index exactly as the teacher's
// FirestoreStore orders operations under a document.
type FirestoreLog struct {
	client     *firestore.Client
	collection string
	senderID   string

	mu          sync.Mutex
	subscribers []func(annotation.Record)
}

// NewFirestoreLog returns a FirestoreLog using client, storing annotation
// groups under collection (defaults to "annotations" if empty). senderID
// stamps any record minted locally by Append.
func NewFirestoreLog(client *firestore.Client, collection, senderID string) *FirestoreLog {
	if collection == "" {
		collection = "annotations"
	}
	return &FirestoreLog{client: client, collection: collection, senderID: senderID}
}

func (s *FirestoreLog) groupRef(id annotation.ID) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(string(id))
}

func (s *FirestoreLog) recordsCollection(id annotation.ID) *firestore.CollectionRef {
	return s.groupRef(id).Collection("records")
}

func zeroPad(index int) string {
	return fmt.Sprintf("%010d", index)
}

// Append mints the next Lamport tick for id via a Firestore transaction on
// the group document's counter field, so concurrent writers from the same
// process family still get a monotonically increasing stamp.
func (s *FirestoreLog) Append(partial annotation.PartialRecord) (annotation.Record, error) {
	if err := partial.Validate(); err != nil {
		return annotation.Record{}, err
	}

	var rec annotation.Record
	err := s.client.RunTransaction(context.Background(), func(ctx context.Context, tx *firestore.Transaction) error {
		ref := s.groupRef(partial.ID)
		snap, err := tx.Get(ref)
		lamport := int64(0)
		if err == nil {
			if v, ok := snap.Data()["lamport"].(int64); ok {
				lamport = v
			}
		} else if status.Code(err) != codes.NotFound {
			return err
		}
		lamport++
		if err := tx.Set(ref, map[string]interface{}{"lamport": lamport}, firestore.MergeAll); err != nil {
			return err
		}
		rec = annotation.Record{PartialRecord: partial, Lamport: uint64(lamport), SenderID: s.senderID, Timestamp: time.Now().Unix()}
		return tx.Create(s.recordsCollection(partial.ID).Doc(zeroPad(int(lamport)-1)), encodeRecord(rec))
	})
	if err != nil {
		return annotation.Record{}, err
	}
	s.broadcast(rec)
	return rec, nil
}

// Integrate persists an already-stamped record, keyed by its Lamport tick
// so repeated delivery of the same record is a harmless overwrite.
func (s *FirestoreLog) Integrate(rec annotation.Record) error {
	if rec.Lamport == 0 || rec.SenderID == "" {
		return fmt.Errorf("%w: id=%s", annotationlog.ErrTransportContract, rec.ID)
	}
	if err := rec.PartialRecord.Validate(); err != nil {
		return err
	}
	ctx := context.Background()
	_, err := s.recordsCollection(rec.ID).Doc(zeroPad(int(rec.Lamport)-1)).Set(ctx, encodeRecord(rec))
	if err != nil {
		return err
	}
	s.broadcast(rec)
	return nil
}

func (s *FirestoreLog) Subscribe(onAdd func(annotation.Record)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, onAdd)
	s.mu.Unlock()
}

func (s *FirestoreLog) broadcast(rec annotation.Record) {
	s.mu.Lock()
	subs := append([]func(annotation.Record){}, s.subscribers...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub(rec)
	}
}

func (s *FirestoreLog) History(id annotation.ID) []annotation.Record {
	ctx := context.Background()
	iter := s.recordsCollection(id).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var history []annotation.Record
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return history
		}
		rec, err := decodeRecord(id, snap)
		if err != nil {
			continue
		}
		history = append(history, rec)
	}
	return history
}

func (s *FirestoreLog) Snapshot() annotationlog.Snapshot {
	ctx := context.Background()
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	snap := annotationlog.Snapshot{}
	for {
		groupSnap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			break
		}
		id := annotation.ID(groupSnap.Ref.ID)
		history := s.History(id)
		snap.ChangeIDs = append(snap.ChangeIDs, id)
		snap.Lengths = append(snap.Lengths, len(history))
		snap.Records = append(snap.Records, history...)
		for _, rec := range history {
			snap.Lamports = append(snap.Lamports, rec.Lamport)
		}
	}
	return snap
}

func (s *FirestoreLog) Restore(snap annotationlog.Snapshot) error {
	if len(snap.ChangeIDs) != len(snap.Lengths) {
		return fmt.Errorf("%w: change_ids/lengths length mismatch", annotation.ErrMalformedRecord)
	}
	offset := 0
	for i, id := range snap.ChangeIDs {
		length := snap.Lengths[i]
		if offset+length > len(snap.Records) {
			return fmt.Errorf("%w: records shorter than declared group length", annotation.ErrMalformedRecord)
		}
		existing := s.History(id)
		highest := uint64(0)
		for _, rec := range existing {
			if rec.Lamport > highest {
				highest = rec.Lamport
			}
		}
		for _, rec := range snap.Records[offset : offset+length] {
			if rec.Lamport > highest {
				if err := s.Integrate(rec); err != nil {
					return err
				}
			}
		}
		offset += length
	}
	return nil
}

func encodeRecord(rec annotation.Record) map[string]interface{} {
	data := map[string]interface{}{
		"id":          string(rec.ID),
		"kind":        int(rec.Kind),
		"action":      int(rec.Action),
		"description": int(rec.Description),
		"userId":      rec.UserID,
		"lamport":     int64(rec.Lamport),
		"senderId":    rec.SenderID,
		"timestamp":   rec.Timestamp,
		"value":       rec.Value,
		"dependentOn": string(rec.DependentOn),
		"startClosed": rec.Range.StartClosed,
		"endClosed":   rec.Range.EndClosed,
	}
	if rec.Range.Start != nil {
		data["startPos"] = encodePosition(*rec.Range.Start)
	}
	if rec.Range.End != nil {
		data["endPos"] = encodePosition(*rec.Range.End)
	}
	return data
}

func encodePosition(pos positiontext.Position) map[string]interface{} {
	return map[string]interface{}{"replica": pos.Replica, "counter": int64(pos.Counter)}
}

func decodePosition(raw interface{}) *positiontext.Position {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	replica, _ := m["replica"].(string)
	counter, _ := m["counter"].(int64)
	pos := positiontext.Position{Replica: replica, Counter: uint64(counter)}
	return &pos
}

func decodeRecord(id annotation.ID, snap *firestore.DocumentSnapshot) (annotation.Record, error) {
	data := snap.Data()
	lamport, _ := data["lamport"].(int64)
	userID, _ := data["userId"].(string)
	senderID, _ := data["senderId"].(string)
	timestamp, _ := data["timestamp"].(int64)
	value, _ := data["value"].(string)
	dependentOn, _ := data["dependentOn"].(string)
	startClosed, _ := data["startClosed"].(bool)
	endClosed, _ := data["endClosed"].(bool)
	kind, _ := data["kind"].(int64)
	action, _ := data["action"].(int64)
	description, _ := data["description"].(int64)

	rec := annotation.Record{
		PartialRecord: annotation.PartialRecord{
			ID:          id,
			Kind:        annotation.Kind(kind),
			Action:      annotation.Action(action),
			Description: annotation.Description(description),
			UserID:      userID,
			Value:       value,
			DependentOn: annotation.ID(dependentOn),
			Range: annotation.Range{
				Start:       decodePosition(data["startPos"]),
				End:         decodePosition(data["endPos"]),
				StartClosed: startClosed,
				EndClosed:   endClosed,
			},
		},
		Lamport:   uint64(lamport),
		SenderID:  senderID,
		Timestamp: timestamp,
	}
	return rec, nil
}
