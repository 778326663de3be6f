// Package sched implements the scheduler loop (component C8): it picks a
// runnable thread, steps it by exactly one action, records the step, and
// detects termination, deadlock, and abort. It also implements nested
// sub-computation (C9) by recursing into a fresh Interpreter that shares
// every store except the thread table.
package sched

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/detconc-dev/detconc/action"
	"github.com/detconc-dev/detconc/exn"
	"github.com/detconc-dev/detconc/ident"
	"github.com/detconc-dev/detconc/mref"
	"github.com/detconc-dev/detconc/mvar"
	"github.com/detconc-dev/detconc/stm"
	"github.com/detconc-dev/detconc/threadtbl"
	"github.com/detconc-dev/detconc/trace"
)

// Scheduler picks the next thread to run given its own opaque state, the
// previously-run thread id, and the current non-empty runnable set
// (presented in ascending id order, including any commit pseudo-threads).
// It returns the chosen id and its possibly-updated state.
type Scheduler func(state any, prior ident.ID, runnable []ident.ID) (ident.ID, any)

// Interpreter holds every store a run needs. The outer Run entry point
// constructs one; Subconcurrency steps construct a nested one that
// shares every store except Threads and keeps its own trace and
// preemption bookkeeping, merged back when it finishes.
type Interpreter struct {
	IDs     *ident.Source
	MVars   *mvar.Store
	MRefs   *mref.Store
	TVars   *stm.Store
	Threads *threadtbl.Table

	caps int

	scheduler  Scheduler
	schedState any

	steps trace.Trace

	preemptions      int
	lastStepWasYield bool
	beforeCommit     ident.ID
	haveBeforeCommit bool
}

// NewInterpreter builds a fresh top-level Interpreter with its own stores
// under the given memory model.
func NewInterpreter(model mref.Model) *Interpreter {
	return &Interpreter{
		IDs:     ident.New(),
		MVars:   mvar.NewStore(),
		MRefs:   mref.NewStore(model),
		TVars:   stm.NewStore(),
		Threads: threadtbl.New(),
		caps:    1,
	}
}

// Run installs program as the main thread's body and drives the
// scheduler loop to completion.
func Run[T any](ip *Interpreter, program action.M[T], scheduler Scheduler, initialState any) trace.Outcome {
	var result T
	var resultSet bool
	initial := action.Run(program, func(v T) action.Action {
		result, resultSet = v, true
		return action.Stop{}
	})
	ip.Threads.Launch(nil, ident.MainThread, initial)
	ip.scheduler = scheduler
	ip.schedState = initialState

	outcome := ip.loop(ident.MainThread)
	if outcome.Failure == nil && resultSet {
		outcome.Value = result
	}
	return outcome
}

func isCommitThread(id ident.ID) bool { return id.Num < 0 }

func allBlockedOnSTM(tb *threadtbl.Table) bool {
	reasons := tb.Blocked()
	if len(reasons) == 0 {
		return false
	}
	for _, r := range reasons {
		if _, isSTM := r.(threadtbl.WaitTVars); !isSTM {
			return false
		}
	}
	return true
}

func (ip *Interpreter) finish() trace.Outcome {
	return trace.Outcome{SchedulerState: ip.schedState, Trace: ip.steps, Preemptions: ip.preemptions}
}

func (ip *Interpreter) fail(f trace.Failure) trace.Outcome {
	return trace.Outcome{Failure: f, SchedulerState: ip.schedState, Trace: ip.steps, Preemptions: ip.preemptions}
}

// loop drives the scheduler to completion. main is the id of this
// interpreter's designated entry thread: the run ends in success once
// main is no longer in the table, and main is the first thread chosen
// (the scheduler is never consulted for the very first step).
func (ip *Interpreter) loop(main ident.ID) trace.Outcome {
	var prior ident.ID
	hasPrior := false

	for {
		if _, ok := ip.Threads.Get(main); !ok {
			return ip.finish()
		}

		runnable := ip.Threads.Runnable()
		if len(runnable) == 0 {
			if allBlockedOnSTM(ip.Threads) {
				return ip.fail(trace.STMDeadlock{})
			}
			return ip.fail(trace.Deadlock{})
		}

		var chosen ident.ID
		if !hasPrior {
			chosen = main
		} else {
			chosen, ip.schedState = ip.scheduler(ip.schedState, prior, runnable)
		}

		th, ok := ip.Threads.Get(chosen)
		if !ok || !th.Runnable() {
			log.Trace().Str("requested", chosen.String()).Msg("loop: scheduler chose an unrunnable thread")
			return ip.fail(trace.Abort{Requested: chosen})
		}

		decision := trace.Decision{Kind: trace.Continue, Thread: chosen}
		if !th.Started {
			decision.Kind = trace.Start
		} else if hasPrior && chosen != prior {
			decision.Kind = trace.SwitchTo
		}
		if hasPrior && chosen != prior {
			ip.countPreemption(prior, chosen)
		}
		th.Started = true

		log.Trace().
			Str("thread", chosen.String()).
			Str("decision", decision.Kind.String()).
			Int("runnable", len(runnable)).
			Int("preemptions", ip.preemptions).
			Msg("loop: scheduler picked thread")

		stepIsYield := isYield(th)
		failure := ip.step(chosen, th, decision)
		if failure != nil {
			return ip.fail(*failure)
		}

		ip.lastStepWasYield = stepIsYield
		prior, hasPrior = chosen, true
	}
}

func isYield(th *threadtbl.Thread) bool {
	_, ok := th.Current.(action.Yield)
	return ok
}

// countPreemption is called on every actual thread switch (chosen !=
// prior), regardless of whether the table marks it Start or SwitchTo --
// a thread's very first step is still a switch away from whatever ran
// immediately before it. Switching into a commit pseudo-thread chain is
// always transparent; switching back out of one is transparent only if
// it returns to the thread that was interrupted to enter it, since that
// is the expected shape of a relaxed-memory commit interleaving rather
// than a scheduler-chosen preemption.
func (ip *Interpreter) countPreemption(prior, chosen ident.ID) {
	switch {
	case isCommitThread(chosen):
		if !isCommitThread(prior) {
			ip.beforeCommit, ip.haveBeforeCommit = prior, true
		}
	case isCommitThread(prior):
		if !ip.haveBeforeCommit || chosen != ip.beforeCommit {
			ip.preemptions++
		}
		ip.haveBeforeCommit = false
	case !ip.lastStepWasYield:
		ip.preemptions++
	}
}

// step executes exactly one action of th (the thread currently bound to
// tid) and appends the resulting trace entry (or, for Subconcurrency,
// entries). It returns a non-nil failure when the step ends the whole
// run.
func (ip *Interpreter) step(tid ident.ID, th *threadtbl.Thread, decision trace.Decision) *trace.Failure {
	log.Trace().
		Str("thread", tid.String()).
		Str("action", fmt.Sprintf("%T", th.Current)).
		Msg("step: executing action")

	switch a := th.Current.(type) {

	case action.Fork:
		child := ip.IDs.Next(ident.KindThread, a.Name)
		ip.Threads.Launch(th, child, a.Child)
		th.Current = a.Next(child)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindFork, Thread: tid, Child: child})

	case action.MyThreadID:
		th.Current = a.Next(tid)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindMyThreadID, Thread: tid})

	case action.GetCaps:
		th.Current = a.Next(ip.caps)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindGetCaps, Thread: tid, Value: ip.caps})

	case action.SetCaps:
		ip.caps = a.N
		th.Current = a.Next()
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindSetCaps, Thread: tid, Value: a.N})

	case action.Yield:
		th.Current = a.Next()
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindYield, Thread: tid})

	case action.NewMV:
		id := ip.IDs.Next(ident.KindMVar, a.Name)
		ip.MVars.New(id, a.Full, a.Value)
		th.Current = a.Next(id)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindNewMV, Thread: tid, MVar: id})

	case action.PutMV:
		out := ip.MVars.Put(a.MVar, a.Value)
		if out.Block != nil {
			ip.Threads.Block(tid, out.Block)
			ip.emit(decision, trace.ThreadAction{Kind: trace.KindBlockedPutMV, Thread: tid, MVar: a.MVar})
			return nil
		}
		woken := ip.Threads.Wake(out.Wake)
		th.Current = a.Next()
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindPutMV, Thread: tid, MVar: a.MVar, Value: a.Value, Woken: woken})

	case action.TakeMV:
		out := ip.MVars.Take(a.MVar)
		if out.Block != nil {
			ip.Threads.Block(tid, out.Block)
			ip.emit(decision, trace.ThreadAction{Kind: trace.KindBlockedTakeMV, Thread: tid, MVar: a.MVar})
			return nil
		}
		woken := ip.Threads.Wake(out.Wake)
		th.Current = a.Next(out.Value)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindTakeMV, Thread: tid, MVar: a.MVar, Value: out.Value, Woken: woken})

	case action.ReadMV:
		out := ip.MVars.Read(a.MVar)
		if out.Block != nil {
			ip.Threads.Block(tid, out.Block)
			ip.emit(decision, trace.ThreadAction{Kind: trace.KindBlockedReadMV, Thread: tid, MVar: a.MVar})
			return nil
		}
		th.Current = a.Next(out.Value)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindReadMV, Thread: tid, MVar: a.MVar, Value: out.Value})

	case action.TryPutMV:
		ok, wake := ip.MVars.TryPut(a.MVar, a.Value)
		woken := ip.Threads.Wake(wake)
		th.Current = a.Next(ok)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindTryPutMV, Thread: tid, MVar: a.MVar, OK: ok, Woken: woken})

	case action.TryTakeMV:
		ok, v, wake := ip.MVars.TryTake(a.MVar)
		woken := ip.Threads.Wake(wake)
		th.Current = a.Next(ok, v)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindTryTakeMV, Thread: tid, MVar: a.MVar, OK: ok, Value: v, Woken: woken})

	case action.TryReadMV:
		ok, v := ip.MVars.TryRead(a.MVar)
		th.Current = a.Next(ok, v)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindTryReadMV, Thread: tid, MVar: a.MVar, OK: ok, Value: v})

	case action.NewMR:
		id := ip.IDs.Next(ident.KindMRef, a.Name)
		ip.MRefs.New(id, a.Value)
		th.Current = a.Next(id)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindNewMR, Thread: tid, MRef: id})

	case action.ReadMR:
		v := ip.MRefs.Read(tid, a.MRef)
		th.Current = a.Next(v)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindReadMR, Thread: tid, MRef: a.MRef, Value: v})

	case action.WriteMR:
		handle := ip.MRefs.Write(tid, a.MRef, a.Value)
		ip.ensureCommitThread(handle)
		th.Current = a.Next()
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindWriteMR, Thread: tid, MRef: a.MRef, Value: a.Value})

	case action.ModifyMR:
		result, drained := ip.MRefs.Modify(tid, a.MRef, a.F)
		ip.killDrained(drained)
		th.Current = a.Next(result)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindModifyMR, Thread: tid, MRef: a.MRef, Value: result})

	case action.ReadForCas:
		v, counter := ip.MRefs.ReadForCas(tid, a.MRef)
		ticket := action.Ticket{MRef: a.MRef, Value: v, Counter: counter}
		th.Current = a.Next(ticket)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindReadForCas, Thread: tid, MRef: a.MRef, Value: v})

	case action.CasMR:
		ok, newVal, newCounter, drained := ip.MRefs.Cas(tid, a.MRef, a.Ticket.Value, a.Ticket.Counter, a.NewValue)
		ip.killDrained(drained)
		newTicket := action.Ticket{MRef: a.MRef, Value: newVal, Counter: newCounter}
		th.Current = a.Next(ok, newTicket)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindCasMR, Thread: tid, MRef: a.MRef, OK: ok, Value: newVal})

	case action.CommitMR:
		next := ip.MRefs.Commit(a.Thread, a.MRef)
		if next == nil {
			ip.Threads.Kill(tid)
		} else {
			th.Current = action.CommitMR{Thread: next.Thread, MRef: next.MRef}
		}
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindCommitMR, Thread: tid, MRef: a.MRef})

	case action.AtomicallySTM:
		return ip.stepAtomically(tid, th, a, decision)

	case action.Throw:
		out := exn.Throw(ip.Threads, tid, a.Exc)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindThrow, Thread: tid, Exc: a.Exc})
		switch {
		case out.Handled:
			th.Current = out.Next
		case out.Uncaught:
			f := trace.Failure(trace.UncaughtException{Exc: a.Exc, Thread: tid})
			return &f
		default:
			ip.Threads.Kill(tid)
		}

	case action.ThrowTo:
		return ip.stepThrowTo(tid, th, a, decision)

	case action.Catch:
		ip.Threads.PushHandler(tid, a.Handler)
		th.Current = a.Body
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindCatching, Thread: tid})

	case action.PopCatching:
		ip.Threads.PopHandler(tid)
		th.Current = a.Next()
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindPopCatching, Thread: tid})

	case action.SetMasking:
		reason := exn.SetMasking(ip.Threads, tid, a.NewMask)
		woken := ip.Threads.Wake(reason)
		th.Current = a.Next()
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindSetMasking, Thread: tid, Value: a.NewMask, Woken: woken})

	case action.ResetMasking:
		reason := exn.SetMasking(ip.Threads, tid, a.NewMask)
		woken := ip.Threads.Wake(reason)
		th.Current = a.Next()
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindResetMasking, Thread: tid, Value: a.NewMask, Woken: woken})

	case action.GetMaskingState:
		th.Current = a.Next(th.Masking)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindGetMaskingState, Thread: tid, Value: th.Masking})

	case action.Lift:
		v, err := a.Effect()
		if err != nil {
			f := trace.Failure(trace.InternalError{Detail: fmt.Sprintf("lifted effect failed: %v", err)})
			return &f
		}
		th.Current = a.Next(v)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindLift, Thread: tid, Value: v})

	case action.Return:
		th.Current = a.Next(a.Value)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindReturn, Thread: tid, Value: a.Value})

	case action.Stop:
		ip.Threads.Kill(tid)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindStop, Thread: tid})

	case action.Subconcurrency:
		ip.stepSubconcurrency(tid, th, a, decision)

	default:
		f := trace.Failure(trace.InternalError{Detail: fmt.Sprintf("unhandled action %T", a)})
		return &f
	}
	return nil
}

func (ip *Interpreter) emit(d trace.Decision, a trace.ThreadAction) {
	ip.steps = append(ip.steps, trace.Step{Decision: d, Action: a})
}

func (ip *Interpreter) ensureCommitThread(h *mref.CommitHandle) {
	if h == nil {
		return
	}
	if _, ok := ip.Threads.Get(h.ID); !ok {
		ip.Threads.Launch(nil, h.ID, action.CommitMR{Thread: h.Thread, MRef: h.MRef})
	}
}

func (ip *Interpreter) killDrained(drained []ident.ID) {
	for _, id := range drained {
		ip.Threads.Kill(id)
	}
}

// stepAtomically runs one transaction attempt to completion. A retry
// with an empty read set can never be woken by any future commit, so it
// is reported the same way any other permanently-blocked thread is: the
// thread blocks on an empty WaitTVars and the next empty-runnable check
// resolves it (as an STMDeadlock, since every other blocked thread -- if
// any -- blocking on WaitTVars too is exactly what that check looks for).
func (ip *Interpreter) stepAtomically(tid ident.ID, th *threadtbl.Thread, a action.AtomicallySTM, decision trace.Decision) *trace.Failure {
	out := ip.TVars.Run(a.Tx, ip.IDs.Next)

	switch {
	case out.Committed:
		woken := ip.Threads.Wake(threadtbl.WaitTVars{Vars: out.WriteSet})
		th.Current = a.Next(out.Value)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindAtomically, Thread: tid, Value: out.Value, Woken: woken})
		return nil

	case out.Retried:
		ip.Threads.Block(tid, threadtbl.WaitTVars{Vars: out.ReadSet})
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindAtomically, Thread: tid})
		return nil

	default: // out.Thrown
		res := exn.Throw(ip.Threads, tid, out.Exc)
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindAtomically, Thread: tid, Exc: out.Exc})
		switch {
		case res.Handled:
			th.Current = res.Next
		case res.Uncaught:
			f := trace.Failure(trace.UncaughtException{Exc: out.Exc, Thread: tid})
			return &f
		default:
			ip.Threads.Kill(tid)
		}
		return nil
	}
}

func (ip *Interpreter) stepThrowTo(tid ident.ID, th *threadtbl.Thread, a action.ThrowTo, decision trace.Decision) *trace.Failure {
	out := exn.ThrowTo(ip.Threads, a.Target, a.Exc)
	if out.Block {
		ip.Threads.Block(tid, threadtbl.WaitMask{Target: a.Target})
		ip.emit(decision, trace.ThreadAction{Kind: trace.KindBlockedThrowTo, Thread: tid, Target: a.Target})
		return nil
	}

	ip.emit(decision, trace.ThreadAction{Kind: trace.KindThrowTo, Thread: tid, Target: a.Target, Exc: a.Exc})
	var failure *trace.Failure
	switch {
	case out.Throw.Handled:
		ip.Threads.Goto(a.Target, out.Throw.Next)
	case out.Throw.Uncaught:
		f := trace.Failure(trace.UncaughtException{Exc: a.Exc, Thread: a.Target})
		failure = &f
	case out.Throw.KillThread:
		ip.Threads.Kill(a.Target)
	}
	// A throwTo targeting the caller's own thread unwinds tid to its
	// matched handler (just installed via Goto above) instead of
	// resuming the post-throwTo continuation -- only a throwTo to some
	// other thread leaves tid free to keep running past it.
	if a.Target != tid {
		th.Current = a.Next()
	}
	return failure
}

// FailureKind names a trace.Failure's taxonomy entry, used to reify a
// sub-computation's failure into an action.SubResult, which names it by
// string so that action does not depend on trace.
func FailureKind(f trace.Failure) string {
	switch f.(type) {
	case trace.InternalError:
		return "InternalError"
	case trace.Abort:
		return "Abort"
	case trace.Deadlock:
		return "Deadlock"
	case trace.STMDeadlock:
		return "STMDeadlock"
	case trace.UncaughtException:
		return "UncaughtException"
	default:
		return "InternalError"
	}
}

func (ip *Interpreter) stepSubconcurrency(tid ident.ID, th *threadtbl.Thread, a action.Subconcurrency, decision trace.Decision) {
	ip.emit(decision, trace.ThreadAction{Kind: trace.KindStartSubconcurrency, Thread: tid})

	inner := &Interpreter{
		IDs:        ip.IDs,
		MVars:      ip.MVars,
		MRefs:      ip.MRefs,
		TVars:      ip.TVars,
		Threads:    threadtbl.New(),
		caps:       ip.caps,
		scheduler:  ip.scheduler,
		schedState: ip.schedState,
	}
	parent := &threadtbl.Thread{Masking: th.Masking}
	inner.Threads.Launch(parent, tid, a.Body)

	innerOutcome := inner.loop(tid)
	ip.schedState = innerOutcome.SchedulerState
	ip.preemptions += innerOutcome.Preemptions
	ip.steps = append(ip.steps, innerOutcome.Trace...)

	var result action.SubResult
	if innerOutcome.Failure != nil {
		result = action.SubResult{Failed: true, Kind: FailureKind(innerOutcome.Failure), Detail: innerOutcome.Failure.String()}
	} else {
		result = action.SubResult{Value: action.Unit{}}
	}

	ip.emit(trace.Decision{Kind: trace.Continue, Thread: tid}, trace.ThreadAction{Kind: trace.KindStopSubconcurrency, Thread: tid})
	th.Current = a.Next(result)
}
