package annotationlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/reviewcrdt/trackchanges/internal/annotation"
)

// MemoryLog is an in-memory Log, grounded on the teacher's MemoryStore:
// a map of change-id to a history slice, guarded by one mutex.
type MemoryLog struct {
	mu          sync.Mutex
	senderID    string
	lamport     uint64
	groups      map[annotation.ID][]annotation.Record
	seen        map[string]bool
	subscribers []func(annotation.Record)
	now         func() time.Time
}

// NewMemoryLog returns an empty log that stamps its own Append calls as
// senderID.
func NewMemoryLog(senderID string) *MemoryLog {
	return &MemoryLog{
		senderID: senderID,
		groups:   make(map[annotation.ID][]annotation.Record),
		seen:     make(map[string]bool),
		now:      time.Now,
	}
}

func (l *MemoryLog) Append(partial annotation.PartialRecord) (annotation.Record, error) {
	if err := partial.Validate(); err != nil {
		return annotation.Record{}, err
	}
	l.mu.Lock()
	l.lamport++
	rec := annotation.Record{
		PartialRecord: partial,
		Lamport:       l.lamport,
		SenderID:       l.senderID,
		Timestamp:      l.now().Unix(),
	}
	l.store(rec)
	l.mu.Unlock()

	l.broadcast(rec)
	return rec, nil
}

func (l *MemoryLog) Integrate(rec annotation.Record) error {
	if rec.Lamport == 0 || rec.SenderID == "" {
		return fmt.Errorf("%w: id=%s", ErrTransportContract, rec.ID)
	}
	if err := rec.PartialRecord.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.seen[recordKey(rec)] {
		l.mu.Unlock()
		return nil
	}
	l.store(rec)
	l.mu.Unlock()

	l.broadcast(rec)
	return nil
}

// store appends rec to its group and keeps the group sorted, advancing
// the Lamport clock to at least rec's stamp. Caller must hold l.mu.
func (l *MemoryLog) store(rec annotation.Record) {
	if rec.Lamport > l.lamport {
		l.lamport = rec.Lamport
	}
	l.seen[recordKey(rec)] = true
	l.groups[rec.ID] = append(l.groups[rec.ID], rec)
	sortHistory(l.groups[rec.ID])
}

func (l *MemoryLog) broadcast(rec annotation.Record) {
	for _, sub := range l.subscribers {
		sub(rec)
	}
}

func (l *MemoryLog) Subscribe(onAdd func(annotation.Record)) {
	l.mu.Lock()
	l.subscribers = append(l.subscribers, onAdd)
	l.mu.Unlock()
}

func (l *MemoryLog) History(id annotation.ID) []annotation.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	history := l.groups[id]
	out := make([]annotation.Record, len(history))
	copy(out, history)
	return out
}

func (l *MemoryLog) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]annotation.ID, 0, len(l.groups))
	for id := range l.groups {
		ids = append(ids, id)
	}
	sortIDs(ids)

	snap := Snapshot{ChangeIDs: ids, Lengths: make([]int, len(ids))}
	for i, id := range ids {
		history := l.groups[id]
		snap.Lengths[i] = len(history)
		for _, rec := range history {
			snap.Records = append(snap.Records, rec)
			snap.Lamports = append(snap.Lamports, rec.Lamport)
		}
	}
	return snap
}

func (l *MemoryLog) Restore(snap Snapshot) error {
	if len(snap.ChangeIDs) != len(snap.Lengths) {
		return fmt.Errorf("%w: change_ids/lengths length mismatch", annotation.ErrMalformedRecord)
	}

	var merged []annotation.Record
	offset := 0
	l.mu.Lock()
	for i, id := range snap.ChangeIDs {
		length := snap.Lengths[i]
		if offset+length > len(snap.Records) {
			l.mu.Unlock()
			return fmt.Errorf("%w: records shorter than declared group length", annotation.ErrMalformedRecord)
		}
		group := snap.Records[offset : offset+length]
		offset += length

		highest := uint64(0)
		for _, rec := range l.groups[id] {
			if rec.Lamport > highest {
				highest = rec.Lamport
			}
		}
		for _, rec := range group {
			if rec.Lamport <= highest {
				continue
			}
			if l.seen[recordKey(rec)] {
				continue
			}
			l.store(rec)
			merged = append(merged, rec)
		}
	}
	l.mu.Unlock()

	for _, rec := range merged {
		l.broadcast(rec)
	}
	return nil
}

func sortIDs(ids []annotation.ID) {
	for i := 1; i < len(ids); i++ {
		j := i
		for j > 0 && ids[j] < ids[j-1] {
			ids[j], ids[j-1] = ids[j-1], ids[j]
			j--
		}
	}
}
