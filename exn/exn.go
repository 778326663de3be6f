// Package exn implements synchronous and asynchronous exception delivery
// and masking-state transitions on top of threadtbl's handler stack and
// block/wake primitives.
package exn

import (
	"github.com/detconc-dev/detconc/action"
	"github.com/detconc-dev/detconc/ident"
	"github.com/detconc-dev/detconc/threadtbl"
)

// ThrowOutcome is the result of walking a thread's handler stack for exc.
type ThrowOutcome struct {
	// Handled is true when a handler matched; Next is the action tree
	// the target thread should continue with.
	Handled bool
	Next    action.Action

	// KillThread is true when no handler matched and the target isn't
	// the main thread: the thread is removed from the table.
	KillThread bool

	// Uncaught is true when no handler matched and the target is the
	// main thread: the whole run ends in an UncaughtException failure.
	Uncaught bool
}

// Throw walks tid's handler stack top-down for the first handler
// accepting exc, per threadtbl.FindHandler. If none matches, the
// outcome depends on whether tid is the main thread.
func Throw(tb *threadtbl.Table, tid ident.ID, exc any) ThrowOutcome {
	if h, ok := tb.FindHandler(tid, exc); ok {
		return ThrowOutcome{Handled: true, Next: h.Run(exc)}
	}
	if tid == ident.MainThread {
		return ThrowOutcome{Uncaught: true}
	}
	return ThrowOutcome{KillThread: true}
}

// Interruptible reports whether a thread with the given masking state and
// blocked-on reason can currently receive an asynchronous exception: it
// is Unmasked, or MaskedInterruptible while already blocked on something
// else.
func Interruptible(mask action.Masking, blocked threadtbl.Reason) bool {
	switch mask {
	case action.Unmasked:
		return true
	case action.MaskedInterruptible:
		return blocked != nil
	default: // action.MaskedUninterruptible
		return false
	}
}

// ThrowToOutcome is the result of attempting an asynchronous throwTo.
type ThrowToOutcome struct {
	// Delivered is true when exc was handed to the target immediately;
	// Throw carries the delivery's own outcome and the sender may
	// proceed (unblocking is the sender-visible effect of delivery).
	Delivered bool
	Throw     ThrowOutcome

	// Block is true when the target is currently uninterruptible; the
	// sender must block as threadtbl.WaitMask{Target: target} and retry
	// the same ThrowTo action once woken.
	Block bool
}

// ThrowTo attempts to deliver exc to target. A target that has already
// finished (no longer in the table) silently absorbs the throw, since
// nothing remains that could observe it.
func ThrowTo(tb *threadtbl.Table, target ident.ID, exc any) ThrowToOutcome {
	th, ok := tb.Get(target)
	if !ok {
		return ThrowToOutcome{Delivered: true}
	}
	if !Interruptible(th.Masking, th.BlockedOn) {
		return ThrowToOutcome{Block: true}
	}
	return ThrowToOutcome{Delivered: true, Throw: Throw(tb, target, exc)}
}

// SetMasking applies newMask to tid and returns the reason any blocked
// throwTo senders targeting tid should be woken on: a masking change is
// the only event that can make a previously-uninterruptible thread
// interruptible, so every transition re-offers blocked senders a chance
// to retry delivery.
func SetMasking(tb *threadtbl.Table, tid ident.ID, newMask action.Masking) threadtbl.Reason {
	if th, ok := tb.Get(tid); ok {
		th.Masking = newMask
	}
	return threadtbl.WaitMask{Target: tid}
}
