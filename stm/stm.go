// Package stm implements the transactional-memory kernel: TVar storage,
// a log-based transaction executor over the action.TAction algebra, and
// commit-time invariant checking.
package stm

import (
	"fmt"

	"github.com/detconc-dev/detconc/action"
	"github.com/detconc-dev/detconc/ident"
)

type tvar struct {
	ID      ident.ID
	Value   any
	Counter uint64
}

// Invariant is a user-registered always-true check, evaluated against
// every transaction's post-commit state.
type Invariant struct {
	Name  string
	Check func() bool
}

// Store owns every TVar created during a run plus the registered
// invariants checked on each commit.
type Store struct {
	vars       map[ident.ID]*tvar
	invariants []Invariant
}

func NewStore() *Store {
	return &Store{vars: make(map[ident.ID]*tvar)}
}

func (s *Store) New(id ident.ID, value any) {
	s.vars[id] = &tvar{ID: id, Value: value}
}

func (s *Store) get(id ident.ID) *tvar {
	v, ok := s.vars[id]
	if !ok {
		panic("stm: unknown tvar " + id.String())
	}
	return v
}

// RegisterInvariant adds check to the invariants every later transaction
// commit is checked against: a failing invariant is reported by throwing
// an InvariantViolation as an ordinary exception from the transaction
// whose commit broke it, rather than introducing a new failure kind.
func (s *Store) RegisterInvariant(name string, check func() bool) {
	s.invariants = append(s.invariants, Invariant{Name: name, Check: check})
}

// InvariantViolation is the value thrown when a registered invariant
// fails to hold after a commit.
type InvariantViolation struct{ Name string }

func (v InvariantViolation) Error() string {
	return fmt.Sprintf("stm: invariant %q violated", v.Name)
}

// log is one attempt's working state: writes made so far (visible to
// later reads in the same attempt) and the counter observed by every
// read; the keys of reads are the set of TVars a retry should block on.
type log struct {
	store  *Store
	reads  map[ident.ID]uint64
	writes map[ident.ID]any
}

func newLog(store *Store) *log {
	return &log{store: store, reads: make(map[ident.ID]uint64), writes: make(map[ident.ID]any)}
}

func (l *log) fork() *log {
	f := newLog(l.store)
	for k, v := range l.reads {
		f.reads[k] = v
	}
	for k, v := range l.writes {
		f.writes[k] = v
	}
	return f
}

// adopt merges a completed sub-attempt's reads and writes into l, used
// when the sub-attempt's effects should survive (it didn't retry or, for
// catch, didn't throw).
func (l *log) adopt(sub *log) {
	for k, v := range sub.reads {
		l.reads[k] = v
	}
	for k, v := range sub.writes {
		l.writes[k] = v
	}
}

// mergeReads folds only the read set forward, used when a sub-attempt's
// writes must be discarded (it retried) but its reads still count toward
// the enclosing retry's wake set.
func (l *log) mergeReads(sub *log) {
	for k, v := range sub.reads {
		if _, ok := l.reads[k]; !ok {
			l.reads[k] = v
		}
	}
}

func (l *log) read(id ident.ID) any {
	if v, ok := l.writes[id]; ok {
		return v
	}
	tv := l.store.get(id)
	if _, seen := l.reads[id]; !seen {
		l.reads[id] = tv.Counter
	}
	return tv.Value
}

func (l *log) write(id ident.ID, v any) {
	l.store.get(id) // validate existence
	l.writes[id] = v
}

type kind int

const (
	done kind = iota
	retried
	thrown
)

type result struct {
	kind  kind
	value any
	exc   any
}

// IDAllocator mints the id of a TVar created inside a transaction (TNew);
// the scheduler passes its ident.Source's Next, so the store and the
// enclosing run share one identifier namespace.
type IDAllocator func(kind ident.Kind, name string) ident.ID

func eval(l *log, alloc IDAllocator, act action.TAction) result {
	for {
		switch a := act.(type) {
		case action.TNew:
			id := alloc(ident.KindTVar, a.Name)
			l.store.New(id, a.Value)
			l.writes[id] = a.Value
			act = a.Next(id)

		case action.TRead:
			act = a.Next(l.read(a.TVar))

		case action.TWrite:
			l.write(a.TVar, a.Value)
			act = a.Next()

		case action.TRetry:
			return result{kind: retried}

		case action.TOrElse:
			sub1 := l.fork()
			r1 := eval(sub1, alloc, a.A)
			if r1.kind == retried {
				sub2 := l.fork()
				r2 := eval(sub2, alloc, a.B)
				l.mergeReads(sub1)
				if r2.kind == retried {
					l.mergeReads(sub2)
					return result{kind: retried}
				}
				l.adopt(sub2)
				if r2.kind == thrown {
					return r2
				}
				act = a.Next(r2.value)
				continue
			}
			l.adopt(sub1)
			if r1.kind == thrown {
				return r1
			}
			act = a.Next(r1.value)

		case action.TCatch:
			sub := l.fork()
			r := eval(sub, alloc, a.Body)
			if r.kind == thrown && a.Handler.Matches(r.exc) {
				l.mergeReads(sub)
				hr := eval(l, alloc, a.Handler.Run(r.exc))
				if hr.kind != done {
					return hr
				}
				act = a.Next(hr.value)
				continue
			}
			l.adopt(sub)
			if r.kind != done {
				return r
			}
			act = a.Next(r.value)

		case action.TThrow:
			return result{kind: thrown, exc: a.Exc}

		case action.TDone:
			return result{kind: done, value: a.Value}

		default:
			panic(fmt.Sprintf("stm: unhandled TAction %T", act))
		}
	}
}

// Outcome is the result of attempting one transaction, reported back to
// the scheduler loop.
type Outcome struct {
	// Committed is true when the transaction ran to completion and its
	// writes (and bumped counters) have already been applied to Store.
	Committed bool
	Value     any

	// Retried is true when the transaction hit retry; ReadSet names the
	// TVars the calling thread should block on.
	Retried bool
	ReadSet map[ident.ID]struct{}

	// WriteSet names every TVar a committed transaction wrote, so the
	// caller can wake every thread blocked on a retry touching one of
	// them.
	WriteSet map[ident.ID]struct{}

	// Thrown is set when the transaction ended in an uncaught throw (no
	// registered TCatch matched); the thread delivers Exc as an ordinary
	// exception.
	Thrown bool
	Exc    any
}

// Run attempts tx once. On success it applies the writes and then checks
// every registered invariant against the new state; a violated invariant
// rolls the writes back and turns the attempt into a Thrown outcome.
func (s *Store) Run(tx action.TAction, alloc IDAllocator) Outcome {
	l := newLog(s)
	r := eval(l, alloc, tx)

	switch r.kind {
	case retried:
		set := make(map[ident.ID]struct{}, len(l.reads))
		for id := range l.reads {
			set[id] = struct{}{}
		}
		return Outcome{Retried: true, ReadSet: set}

	case thrown:
		return Outcome{Thrown: true, Exc: r.exc}

	case done:
		type saved struct {
			tv    *tvar
			value any
		}
		before := make([]saved, 0, len(l.writes))
		for id, v := range l.writes {
			tv := s.get(id)
			before = append(before, saved{tv: tv, value: tv.Value})
			tv.Value = v
			tv.Counter++
		}
		for _, inv := range s.invariants {
			if !inv.Check() {
				for _, b := range before {
					b.tv.Value = b.value
					b.tv.Counter--
				}
				return Outcome{Thrown: true, Exc: InvariantViolation{Name: inv.Name}}
			}
		}
		writeSet := make(map[ident.ID]struct{}, len(l.writes))
		for id := range l.writes {
			writeSet[id] = struct{}{}
		}
		return Outcome{Committed: true, Value: r.value, WriteSet: writeSet}

	default:
		panic("stm: unreachable")
	}
}
