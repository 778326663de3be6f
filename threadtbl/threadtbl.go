// Package threadtbl implements the thread table: the mapping from thread
// id to thread state, plus the block/wake/kill operations the scheduler
// loop drives. There is exactly one mutator -- the scheduler loop runs
// single-threaded -- so no locking is used here.
package threadtbl

import (
	"sort"

	"github.com/detconc-dev/detconc/action"
	"github.com/detconc-dev/detconc/ident"
)

// Reason is a thread's blocked-on cause. A thread is runnable iff its
// Reason is nil.
type Reason interface{ isReason() }

type WaitFull struct{ MVar ident.ID }

func (WaitFull) isReason() {}

type WaitEmpty struct{ MVar ident.ID }

func (WaitEmpty) isReason() {}

// WaitTVars blocks a thread on retry until one of Vars is written.
type WaitTVars struct{ Vars map[ident.ID]struct{} }

func (WaitTVars) isReason() {}

// WaitMask blocks a ThrowTo sender until Target becomes interruptible.
type WaitMask struct{ Target ident.ID }

func (WaitMask) isReason() {}

// Thread is one live thread's state.
type Thread struct {
	ID           ident.ID
	Current      action.Action
	HandlerStack []action.Handler
	Masking      action.Masking
	BlockedOn    Reason
	Started      bool // true once this thread has executed at least one step
}

func (t *Thread) Runnable() bool { return t.BlockedOn == nil }

// Table is the run's thread map.
type Table struct {
	threads map[ident.ID]*Thread
}

func New() *Table {
	return &Table{threads: make(map[ident.ID]*Thread)}
}

// Launch inserts a new thread with the given id and initial action,
// inheriting parent's masking state.
func (tb *Table) Launch(parent *Thread, id ident.ID, initial action.Action) *Thread {
	mask := action.Unmasked
	if parent != nil {
		mask = parent.Masking
	}
	th := &Thread{ID: id, Current: initial, Masking: mask}
	tb.threads[id] = th
	return th
}

// Get returns the thread with the given id, or (nil, false) if absent
// (killed, or never existed).
func (tb *Table) Get(id ident.ID) (*Thread, bool) {
	th, ok := tb.threads[id]
	return th, ok
}

// Goto replaces a thread's continuation.
func (tb *Table) Goto(id ident.ID, next action.Action) {
	if th, ok := tb.threads[id]; ok {
		th.Current = next
	}
}

// Kill removes a thread from the table entirely.
func (tb *Table) Kill(id ident.ID) {
	delete(tb.threads, id)
}

// Block marks a thread as blocked on reason.
func (tb *Table) Block(id ident.ID, reason Reason) {
	if th, ok := tb.threads[id]; ok {
		th.BlockedOn = reason
	}
}

// Unblock clears a thread's blocked-on reason, making it runnable again.
func (tb *Table) Unblock(id ident.ID) {
	if th, ok := tb.threads[id]; ok {
		th.BlockedOn = nil
	}
}

// Wake unblocks every thread whose Reason matches trigger, and returns
// their ids in ascending order (a stable, deterministic order
// independent of map iteration).
func (tb *Table) Wake(trigger Reason) []ident.ID {
	var woken []ident.ID
	for id, th := range tb.threads {
		if th.BlockedOn == nil {
			continue
		}
		if matches(th.BlockedOn, trigger) {
			th.BlockedOn = nil
			woken = append(woken, id)
		}
	}
	sort.Slice(woken, func(i, j int) bool { return woken[i].Less(woken[j]) })
	return woken
}

func matches(blocked, trigger Reason) bool {
	switch tg := trigger.(type) {
	case WaitFull:
		bf, ok := blocked.(WaitFull)
		return ok && bf.MVar == tg.MVar
	case WaitEmpty:
		be, ok := blocked.(WaitEmpty)
		return ok && be.MVar == tg.MVar
	case WaitTVars:
		bv, ok := blocked.(WaitTVars)
		if !ok {
			return false
		}
		for v := range tg.Vars {
			if _, in := bv.Vars[v]; in {
				return true
			}
		}
		return false
	case WaitMask:
		bm, ok := blocked.(WaitMask)
		return ok && bm.Target == tg.Target
	default:
		return false
	}
}

// Runnable returns every runnable thread id in ascending order, the
// order a scheduler is presented with the set of eligible threads in.
func (tb *Table) Runnable() []ident.ID {
	var out []ident.ID
	for id, th := range tb.threads {
		if th.BlockedOn == nil {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Len returns the number of live threads.
func (tb *Table) Len() int { return len(tb.threads) }

// Blocked returns every blocked thread's reason, in no particular order.
// Used to tell
// an ordinary deadlock (some thread blocked on an MV or a ThrowTo mask)
// apart from one where every blocked thread is waiting on a transaction
// retry.
func (tb *Table) Blocked() []Reason {
	var out []Reason
	for _, th := range tb.threads {
		if th.BlockedOn != nil {
			out = append(out, th.BlockedOn)
		}
	}
	return out
}

// PushHandler pushes a handler onto a thread's handler stack (for Catch).
func (tb *Table) PushHandler(id ident.ID, h action.Handler) {
	if th, ok := tb.threads[id]; ok {
		th.HandlerStack = append(th.HandlerStack, h)
	}
}

// PopHandler pops the top handler off a thread's stack. It panics if the
// stack is empty, which would indicate an unbalanced PopCatching -- a
// programming error in the action tree, not a runtime condition a
// well-formed program can trigger.
func (tb *Table) PopHandler(id ident.ID) {
	th, ok := tb.threads[id]
	if !ok {
		return
	}
	if len(th.HandlerStack) == 0 {
		panic("threadtbl: PopCatching with empty handler stack")
	}
	th.HandlerStack = th.HandlerStack[:len(th.HandlerStack)-1]
}

// FindHandler walks id's handler stack top-down looking for the first
// handler that accepts exc. It truncates the stack down to (and
// including) the matching frame as a side effect of "finding" it, since
// a matched handler is always immediately delivered to.
func (tb *Table) FindHandler(id ident.ID, exc any) (action.Handler, bool) {
	th, ok := tb.threads[id]
	if !ok {
		return action.Handler{}, false
	}
	for i := len(th.HandlerStack) - 1; i >= 0; i-- {
		if th.HandlerStack[i].Matches(exc) {
			h := th.HandlerStack[i]
			th.HandlerStack = th.HandlerStack[:i]
			return h, true
		}
	}
	return action.Handler{}, false
}
