package positiontext

import "sort"

// InsertOp inserts Value immediately after Parent, materializing at ID.
type InsertOp struct {
	ID     Position
	Parent Position
	Value  rune
}

// DeleteOp tombstones the element at Target. Deleting an already-tombstoned
// or not-yet-seen Target is a no-op (the latter is buffered).
type DeleteOp struct {
	Target Position
}

// Event is delivered to subscribers after a local or remote operation is
// integrated into the document.
type Event struct {
	Index     int
	Values    []rune
	Positions []Position
	Deleted   bool
}

type element struct {
	pos     Position
	parent  Position
	value   rune
	visible bool
}

// Document is one replica's copy of the text CRDT: an RGA (Replicated
// Growable Array) keyed by Position instead of by index, so annotations
// can anchor to character identity rather than to a volatile offset.
type Document struct {
	replica string
	counter uint64

	elements map[Position]element
	children map[Position][]Position

	waitingInserts map[Position][]InsertOp
	waitingDeletes map[Position]bool

	head Position

	dirty         bool
	fullOrder     []Position
	visibleOrder  []Position
	posSeq        map[Position]int
	posVisibleIdx map[Position]int

	subscribers []func(Event)
}

// NewDocument returns an empty document for the given replica identity.
func NewDocument(replica string) *Document {
	head := Position{Replica: "HEAD", Counter: 0}
	d := &Document{
		replica:        replica,
		elements:       make(map[Position]element),
		children:       make(map[Position][]Position),
		waitingInserts: make(map[Position][]InsertOp),
		waitingDeletes: make(map[Position]bool),
		head:           head,
		dirty:          true,
	}
	d.elements[head] = element{pos: head, visible: false}
	return d
}

// Subscribe registers a callback invoked for every integrated operation.
func (d *Document) Subscribe(onEvent func(Event)) {
	d.subscribers = append(d.subscribers, onEvent)
}

func (d *Document) emit(ev Event) {
	for _, sub := range d.subscribers {
		sub(ev)
	}
}

func (d *Document) nextPosition() Position {
	d.counter++
	return Position{Replica: d.replica, Counter: d.counter}
}

// Length returns the number of currently visible characters.
func (d *Document) Length() int {
	d.rebuildIfDirty()
	return len(d.visibleOrder)
}

// Has reports whether pos currently identifies a visible character.
func (d *Document) Has(pos Position) bool {
	e, ok := d.elements[pos]
	return ok && e.visible
}

// CharAt returns the rune at the given visible index.
func (d *Document) CharAt(index int) rune {
	d.rebuildIfDirty()
	return d.elements[d.visibleOrder[index]].value
}

// PositionOf returns the Position of the character currently at index. An
// index equal to Length() returns the zero Position, the convention this
// package and the annotation layer use for "document end".
func (d *Document) PositionOf(index int) Position {
	d.rebuildIfDirty()
	if index < 0 || index >= len(d.visibleOrder) {
		return Position{}
	}
	return d.visibleOrder[index]
}

// IndexOf resolves pos to a currently visible index using bias.
func (d *Document) IndexOf(pos Position, bias Bias) int {
	d.rebuildIfDirty()
	if idx, ok := d.posVisibleIdx[pos]; ok {
		return idx
	}
	seq, ok := d.posSeq[pos]
	if !ok {
		if bias == Right {
			return len(d.visibleOrder)
		}
		return -1
	}
	switch bias {
	case Exact:
		return -1
	case Left:
		for j := seq - 1; j >= 0; j-- {
			if idx, ok := d.posVisibleIdx[d.fullOrder[j]]; ok {
				return idx
			}
		}
		return -1
	case Right:
		for j := seq + 1; j < len(d.fullOrder); j++ {
			if idx, ok := d.posVisibleIdx[d.fullOrder[j]]; ok {
				return idx
			}
		}
		return len(d.visibleOrder)
	}
	return -1
}

// Insert materializes text starting at index and returns the ops that did
// so, in order. Applying them via ApplyInsert on another replica converges.
func (d *Document) Insert(index int, text string) []InsertOp {
	if text == "" {
		return nil
	}
	d.rebuildIfDirty()
	parent := d.parentForIndex(index)
	ops := make([]InsertOp, 0, len(text))
	positions := make([]Position, 0, len(text))
	values := make([]rune, 0, len(text))
	for _, r := range text {
		id := d.nextPosition()
		op := InsertOp{ID: id, Parent: parent, Value: r}
		d.ApplyInsert(op)
		ops = append(ops, op)
		positions = append(positions, id)
		values = append(values, r)
		parent = id
	}
	d.emit(Event{Index: index, Values: values, Positions: positions})
	return ops
}

func (d *Document) parentForIndex(index int) Position {
	if index <= 0 {
		return d.head
	}
	if index > len(d.visibleOrder) {
		index = len(d.visibleOrder)
	}
	return d.visibleOrder[index-1]
}

// Delete tombstones count visible characters starting at index and returns
// the ops that did so.
func (d *Document) Delete(index, count int) []DeleteOp {
	d.rebuildIfDirty()
	if count <= 0 || index < 0 || index >= len(d.visibleOrder) {
		return nil
	}
	if index+count > len(d.visibleOrder) {
		count = len(d.visibleOrder) - index
	}
	targets := append([]Position(nil), d.visibleOrder[index:index+count]...)
	ops := make([]DeleteOp, 0, len(targets))
	values := make([]rune, 0, len(targets))
	for _, pos := range targets {
		values = append(values, d.elements[pos].value)
		op := DeleteOp{Target: pos}
		d.ApplyDelete(op)
		ops = append(ops, op)
	}
	d.emit(Event{Index: index, Values: values, Positions: targets, Deleted: true})
	return ops
}

// DeleteRange tombstones every visible character between start and end
// (inclusive) by Position rather than by index, for follow-up deletes
// driven by the annotation layer.
func (d *Document) DeleteRange(start, end Position) []DeleteOp {
	d.rebuildIfDirty()
	startIdx := d.IndexOf(start, Right)
	var endIdx int
	if end.IsZero() {
		endIdx = len(d.visibleOrder) - 1
	} else {
		endIdx = d.IndexOf(end, Right)
		if endIdx < len(d.visibleOrder) && !d.visibleOrder[endIdx].Equal(end) {
			endIdx--
		}
	}
	if startIdx < 0 || endIdx < startIdx {
		return nil
	}
	return d.Delete(startIdx, endIdx-startIdx+1)
}

// Restore marks previously tombstoned characters at targets visible
// again, reversing an earlier Delete/DeleteRange over those exact
// positions. A target that is already visible, or unknown, is a no-op.
func (d *Document) Restore(targets []Position) {
	d.rebuildIfDirty()
	var values []rune
	var positions []Position
	for _, pos := range targets {
		e, ok := d.elements[pos]
		if !ok || e.visible {
			continue
		}
		e.visible = true
		d.elements[pos] = e
		d.dirty = true
		values = append(values, e.value)
		positions = append(positions, pos)
	}
	if len(positions) == 0 {
		return
	}
	d.rebuildIfDirty()
	d.emit(Event{Index: d.posVisibleIdx[positions[0]], Values: values, Positions: positions})
}

// ApplyInsert integrates a local or remote insertion. Idempotent: a
// duplicate ID is ignored. If Parent has not arrived yet, the op is
// buffered until it does.
func (d *Document) ApplyInsert(op InsertOp) {
	if _, exists := d.elements[op.ID]; exists {
		return
	}
	if _, ok := d.elements[op.Parent]; !ok {
		d.waitingInserts[op.Parent] = append(d.waitingInserts[op.Parent], op)
		return
	}
	d.elements[op.ID] = element{pos: op.ID, parent: op.Parent, value: op.Value, visible: true}
	d.children[op.Parent] = insertSorted(d.children[op.Parent], op.ID)
	d.dirty = true

	if deleted := d.waitingDeletes[op.ID]; deleted {
		delete(d.waitingDeletes, op.ID)
		d.ApplyDelete(DeleteOp{Target: op.ID})
	}
	if queued := d.waitingInserts[op.ID]; len(queued) > 0 {
		delete(d.waitingInserts, op.ID)
		for _, child := range queued {
			d.ApplyInsert(child)
		}
	}
}

// ApplyDelete integrates a local or remote tombstone. If Target hasn't
// arrived yet, the delete is buffered and applied once it does.
func (d *Document) ApplyDelete(op DeleteOp) {
	e, ok := d.elements[op.Target]
	if !ok {
		d.waitingDeletes[op.Target] = true
		return
	}
	if !e.visible {
		return
	}
	e.visible = false
	d.elements[op.Target] = e
	d.dirty = true
}

// String renders the currently visible text.
func (d *Document) String() string {
	d.rebuildIfDirty()
	runes := make([]rune, len(d.visibleOrder))
	for i, pos := range d.visibleOrder {
		runes[i] = d.elements[pos].value
	}
	return string(runes)
}

func (d *Document) rebuildIfDirty() {
	if !d.dirty {
		return
	}
	d.fullOrder = d.fullOrder[:0]
	d.posSeq = make(map[Position]int)
	d.visibleOrder = d.visibleOrder[:0]
	d.posVisibleIdx = make(map[Position]int)

	var walk func(parent Position)
	walk = func(parent Position) {
		for _, pos := range d.children[parent] {
			e := d.elements[pos]
			d.posSeq[pos] = len(d.fullOrder)
			d.fullOrder = append(d.fullOrder, pos)
			if e.visible {
				d.posVisibleIdx[pos] = len(d.visibleOrder)
				d.visibleOrder = append(d.visibleOrder, pos)
			}
			walk(pos)
		}
	}
	walk(d.head)
	d.dirty = false
}

// insertSorted inserts x into a sibling list kept sorted by Position.Less,
// so concurrent inserts at the same spot converge on the same order across
// replicas regardless of arrival order.
func insertSorted(ids []Position, x Position) []Position {
	idx := sort.Search(len(ids), func(i int) bool { return !ids[i].Less(x) })
	ids = append(ids, Position{})
	copy(ids[idx+1:], ids[idx:])
	ids[idx] = x
	return ids
}
