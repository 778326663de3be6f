// Package mvar implements the blocking cell: a single-slot cell
// supporting put/take/read with blocking and try-variants. Operations
// are pure state transitions over a Store owned by the scheduler loop --
// there is exactly one mutator, so no locking is needed.
//
// A successful put wakes WaitEmpty waiters (blocked takers/readers); a
// successful take wakes WaitFull waiters (blocked putters). Each queue
// wakes the *other* kind of waiter, not its own: a taker or reader never
// blocks against a full cell and a putter never blocks against an empty
// one, so whichever state the cell is in, only the complementary kind of
// waiter can possibly still be queued against it -- "full ⇒ every queued
// waiter is a putter, empty ⇒ every queued waiter is a taker or reader."
package mvar

import (
	"github.com/detconc-dev/detconc/ident"
	"github.com/detconc-dev/detconc/threadtbl"
)

// MVar is a single-slot cell's state.
type MVar struct {
	ID    ident.ID
	Full  bool
	Value any
}

// Store owns every MVar created during a run.
type Store struct {
	cells map[ident.ID]*MVar
}

func NewStore() *Store { return &Store{cells: make(map[ident.ID]*MVar)} }

// New creates a cell with the given id, initially full (with value) or
// empty.
func (s *Store) New(id ident.ID, full bool, value any) {
	s.cells[id] = &MVar{ID: id, Full: full, Value: value}
}

func (s *Store) get(id ident.ID) *MVar {
	mv, ok := s.cells[id]
	if !ok {
		panic("mvar: unknown id " + id.String())
	}
	return mv
}

// Outcome is the result of stepping one MV operation. Exactly one of
// Block or (possibly nil) Wake is meaningful per call; Value carries a
// take/read result.
type Outcome struct {
	Block threadtbl.Reason // non-nil: the calling thread must block on this
	Wake  threadtbl.Reason // non-nil: the interpreter should threadtbl.Wake(this)
	Value any
}

// Put fills an empty cell with v, or blocks if the cell is already full.
func (s *Store) Put(id ident.ID, v any) Outcome {
	mv := s.get(id)
	if mv.Full {
		return Outcome{Block: threadtbl.WaitFull{MVar: id}}
	}
	mv.Full = true
	mv.Value = v
	return Outcome{Wake: threadtbl.WaitEmpty{MVar: id}}
}

// Take empties a full cell and returns its value, or blocks if empty.
func (s *Store) Take(id ident.ID) Outcome {
	mv := s.get(id)
	if !mv.Full {
		return Outcome{Block: threadtbl.WaitEmpty{MVar: id}}
	}
	v := mv.Value
	mv.Full = false
	mv.Value = nil
	return Outcome{Wake: threadtbl.WaitFull{MVar: id}, Value: v}
}

// Read returns a full cell's value without emptying it, or blocks if
// empty. It never wakes anyone, since it doesn't change the cell's
// fullness.
func (s *Store) Read(id ident.ID) Outcome {
	mv := s.get(id)
	if !mv.Full {
		return Outcome{Block: threadtbl.WaitEmpty{MVar: id}}
	}
	return Outcome{Value: mv.Value}
}

// TryPut never blocks; OK reports success.
func (s *Store) TryPut(id ident.ID, v any) (ok bool, wake threadtbl.Reason) {
	mv := s.get(id)
	if mv.Full {
		return false, nil
	}
	mv.Full = true
	mv.Value = v
	return true, threadtbl.WaitEmpty{MVar: id}
}

// TryTake never blocks.
func (s *Store) TryTake(id ident.ID) (ok bool, value any, wake threadtbl.Reason) {
	mv := s.get(id)
	if !mv.Full {
		return false, nil, nil
	}
	v := mv.Value
	mv.Full = false
	mv.Value = nil
	return true, v, threadtbl.WaitFull{MVar: id}
}

// TryRead never blocks.
func (s *Store) TryRead(id ident.ID) (ok bool, value any) {
	mv := s.get(id)
	if !mv.Full {
		return false, nil
	}
	return true, mv.Value
}

// IsFull reports the cell's current fullness, used by invariant checks
// in tests.
func (s *Store) IsFull(id ident.ID) bool { return s.get(id).Full }
