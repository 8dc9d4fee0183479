package annotationlog

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewcrdt/trackchanges/internal/annotation"
)

// dirtyState tracks how much of a change-id's history still needs
// flushing to the backing log.
type dirtyState struct {
	flushed int
}

// CachedLog wraps a backing Log with an in-memory MemoryLog cache. Reads
// and local appends are served from the cache; newly appended records are
// flushed to the backing log on a background interval, grounded on the
// teacher's CachedStore write-back pattern.
type CachedLog struct {
	cache         *MemoryLog
	backing       Log
	logger        *zap.Logger
	mu            sync.Mutex
	dirty         map[annotation.ID]*dirtyState
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedLog creates a CachedLog that flushes dirty change-ids to
// backing every flushInterval.
func NewCachedLog(senderID string, backing Log, flushInterval time.Duration, logger *zap.Logger) *CachedLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := &CachedLog{
		cache:         NewMemoryLog(senderID),
		backing:       backing,
		logger:        logger,
		dirty:         make(map[annotation.ID]*dirtyState),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cl.flushLoop()
	return cl
}

func (cl *CachedLog) Append(partial annotation.PartialRecord) (annotation.Record, error) {
	rec, err := cl.cache.Append(partial)
	if err != nil {
		return annotation.Record{}, err
	}
	cl.markDirty(rec.ID)
	return rec, nil
}

func (cl *CachedLog) Integrate(rec annotation.Record) error {
	if err := cl.cache.Integrate(rec); err != nil {
		return err
	}
	cl.markDirty(rec.ID)
	return nil
}

func (cl *CachedLog) markDirty(id annotation.ID) {
	cl.mu.Lock()
	if cl.dirty[id] == nil {
		cl.dirty[id] = &dirtyState{}
	}
	cl.mu.Unlock()
}

func (cl *CachedLog) Subscribe(onAdd func(annotation.Record)) {
	cl.cache.Subscribe(onAdd)
}

func (cl *CachedLog) History(id annotation.ID) []annotation.Record {
	return cl.cache.History(id)
}

func (cl *CachedLog) Snapshot() Snapshot {
	return cl.cache.Snapshot()
}

func (cl *CachedLog) Restore(snap Snapshot) error {
	if err := cl.cache.Restore(snap); err != nil {
		return err
	}
	for _, id := range snap.ChangeIDs {
		cl.markDirty(id)
	}
	return nil
}

func (cl *CachedLog) flushLoop() {
	ticker := time.NewTicker(cl.flushInterval)
	defer ticker.Stop()
	defer close(cl.done)

	for {
		select {
		case <-ticker.C:
			cl.flush()
		case <-cl.stop:
			cl.flush()
			return
		}
	}
}

// flush writes the unflushed tail of every dirty change-id's history to
// the backing log.
func (cl *CachedLog) flush() {
	cl.mu.Lock()
	snapshot := make(map[annotation.ID]int, len(cl.dirty))
	for id, ds := range cl.dirty {
		snapshot[id] = ds.flushed
	}
	cl.mu.Unlock()

	for id, flushed := range snapshot {
		history := cl.cache.History(id)
		if flushed >= len(history) {
			cl.clearIfClean(id, flushed)
			continue
		}
		newFlushed := flushed
		for _, rec := range history[flushed:] {
			if err := cl.backing.Integrate(rec); err != nil {
				cl.logger.Warn("annotationlog: flush failed, will retry",
					zap.String("id", string(id)), zap.Error(err))
				break
			}
			newFlushed++
		}
		cl.mu.Lock()
		if ds := cl.dirty[id]; ds != nil {
			ds.flushed = newFlushed
		}
		cl.mu.Unlock()
		cl.clearIfClean(id, newFlushed)
	}
}

func (cl *CachedLog) clearIfClean(id annotation.ID, flushed int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if ds := cl.dirty[id]; ds != nil && ds.flushed >= flushed && ds.flushed >= len(cl.cache.History(id)) {
		delete(cl.dirty, id)
	}
}

// Close signals the flush loop to perform one final flush and waits for
// it to complete.
func (cl *CachedLog) Close() {
	close(cl.stop)
	<-cl.done
}
