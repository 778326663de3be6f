// Package mref implements the mutable cell and relaxed-memory layer: a
// non-blocking cell obeying a configurable memory model (sequential
// consistency, total store order, or partial store order), with
// explicit commit scheduling for the relaxed models.
package mref

import (
	"github.com/detconc-dev/detconc/ident"
)

// Model selects the relaxed-memory semantics writes are committed under.
type Model int

const (
	SequentialConsistency Model = iota
	TotalStoreOrder
	PartialStoreOrder
)

func (m Model) String() string {
	switch m {
	case SequentialConsistency:
		return "SequentialConsistency"
	case TotalStoreOrder:
		return "TotalStoreOrder"
	case PartialStoreOrder:
		return "PartialStoreOrder"
	default:
		return "Model(?)"
	}
}

type cell struct {
	ID           ident.ID
	Committed    any
	WriteCounter uint64
}

type pendingWrite struct {
	MRef    ident.ID
	Value   any
	Ordinal uint64
}

// pendingKey identifies one commit FIFO: under TSO the MRef field is
// always the zero value (one FIFO per thread, across every ref); under
// PSO it is set (one FIFO per thread-ref pair).
type pendingKey struct {
	Thread ident.ID
	MRef   ident.ID
}

// CommitHandle tells the caller a commit pseudo-thread needs to exist (or
// be updated) in the thread table after a Write or Commit under a
// relaxed model.
type CommitHandle struct {
	ID     ident.ID // synthetic commit-thread id, Num < 0
	Thread ident.ID // the originating thread whose FIFO this drains
	MRef   ident.ID // the ref the now-front pending write targets
}

// Store owns every MR created during a run plus, under TSO/PSO, the
// per-FIFO queues of not-yet-committed writes.
type Store struct {
	model   Model
	cells   map[ident.ID]*cell
	pending map[pendingKey][]pendingWrite

	commitIDs   map[pendingKey]ident.ID
	nextCommit  int
	nextOrdinal uint64
}

func NewStore(model Model) *Store {
	return &Store{
		model:      model,
		cells:      make(map[ident.ID]*cell),
		pending:    make(map[pendingKey][]pendingWrite),
		commitIDs:  make(map[pendingKey]ident.ID),
		nextCommit: -1, // ident.MainThread is Num 0, so pseudo-thread ids start at -1
	}
}

func (s *Store) Model() Model { return s.model }

func (s *Store) New(id ident.ID, value any) {
	s.cells[id] = &cell{ID: id, Committed: value}
}

func (s *Store) get(id ident.ID) *cell {
	c, ok := s.cells[id]
	if !ok {
		panic("mref: unknown id " + id.String())
	}
	return c
}

// key picks the FIFO a write from tid to ref belongs to, per model.
func (s *Store) key(tid, ref ident.ID) pendingKey {
	if s.model == PartialStoreOrder {
		return pendingKey{Thread: tid, MRef: ref}
	}
	return pendingKey{Thread: tid}
}

// Read returns tid's own most recent pending write to ref if one exists,
// else the committed value.
func (s *Store) Read(tid, ref ident.ID) any {
	q := s.pending[s.key(tid, ref)]
	for i := len(q) - 1; i >= 0; i-- {
		if q[i].MRef == ref {
			return q[i].Value
		}
	}
	return s.get(ref).Committed
}

// Write performs a write from tid to ref. Under sequential consistency it
// commits immediately and returns nil. Under TSO/PSO it enqueues a
// pending write and returns a CommitHandle describing the commit
// pseudo-thread the caller (the scheduler loop) must ensure exists.
func (s *Store) Write(tid, ref ident.ID, value any) *CommitHandle {
	if s.model == SequentialConsistency {
		c := s.get(ref)
		c.Committed = value
		c.WriteCounter++
		return nil
	}

	k := s.key(tid, ref)
	s.pending[k] = append(s.pending[k], pendingWrite{MRef: ref, Value: value, Ordinal: s.nextOrdinal})
	s.nextOrdinal++

	id, ok := s.commitIDs[k]
	if !ok {
		id = ident.ID{Kind: ident.KindThread, Num: s.nextCommit}
		s.nextCommit--
		s.commitIDs[k] = id
	}
	return &CommitHandle{ID: id, Thread: tid, MRef: s.pending[k][0].MRef}
}

// Commit publishes the front pending write of tid's FIFO for ref,
// consumed strictly in the order it was written. It returns the commit
// handle for the FIFO's new front if one remains, or nil if the FIFO
// drained -- in which case the caller must remove the pseudo-thread from
// the table.
func (s *Store) Commit(tid, ref ident.ID) *CommitHandle {
	k := s.key(tid, ref)
	q := s.pending[k]
	if len(q) == 0 {
		panic("mref: commit with empty pending queue")
	}
	w := q[0]
	c := s.get(w.MRef)
	c.Committed = w.Value
	c.WriteCounter++

	q = q[1:]
	if len(q) == 0 {
		delete(s.pending, k)
		delete(s.commitIDs, k)
		return nil
	}
	s.pending[k] = q
	return &CommitHandle{ID: s.commitIDs[k], Thread: tid, MRef: q[0].MRef}
}

// Flush commits every one of tid's pending writes immediately, in FIFO
// order, without scheduler interleaving. Used by Modify and Cas to
// implement their full-barrier semantics. It returns the ids of any
// commit pseudo-threads that were fully drained and must be removed from
// the thread table.
func (s *Store) Flush(tid ident.ID) []ident.ID {
	var drained []ident.ID
	for k, q := range s.pending {
		if k.Thread != tid {
			continue
		}
		for _, w := range q {
			c := s.get(w.MRef)
			c.Committed = w.Value
			c.WriteCounter++
		}
		delete(s.pending, k)
		drained = append(drained, s.commitIDs[k])
		delete(s.commitIDs, k)
	}
	return drained
}

// Modify performs an atomic read-modify-write after flushing tid's
// pending writes (full barrier).
func (s *Store) Modify(tid, ref ident.ID, f func(old any) (newValue, result any)) (result any, drained []ident.ID) {
	drained = s.Flush(tid)
	c := s.get(ref)
	newValue, res := f(c.Committed)
	c.Committed = newValue
	c.WriteCounter++
	return res, drained
}

// ReadForCas returns a ticket snapshotting ref's visible value (per Read)
// and its current write counter.
func (s *Store) ReadForCas(tid, ref ident.ID) (value any, counter uint64) {
	return s.Read(tid, ref), s.get(ref).WriteCounter
}

// Cas validates ticketValue/ticketCounter against ref's current committed
// state after flushing tid's own pending writes (full barrier); on
// success it commits newValue immediately.
func (s *Store) Cas(tid, ref ident.ID, ticketValue any, ticketCounter uint64, newValue any) (ok bool, resultValue any, resultCounter uint64, drained []ident.ID) {
	drained = s.Flush(tid)
	c := s.get(ref)
	if !equal(c.Committed, ticketValue) || c.WriteCounter != ticketCounter {
		return false, c.Committed, c.WriteCounter, drained
	}
	c.Committed = newValue
	c.WriteCounter++
	return true, c.Committed, c.WriteCounter, drained
}

func equal(a, b any) bool {
	defer func() { recover() }() //nolint: errcheck -- non-comparable values are simply treated as unequal
	return a == b
}
