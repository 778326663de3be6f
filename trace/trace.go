// Package trace defines the canonical record of a run's scheduling
// decisions and thread actions, the closed failure taxonomy a run can
// end in, and determinism fingerprinting over a recorded trace.
package trace

import (
	"bytes"
	"fmt"

	"github.com/dgryski/go-farm"
	"github.com/shamaton/msgpack/v2"

	"github.com/detconc-dev/detconc/ident"
)

// DecisionKind is the scheduler's choice that produced one step.
type DecisionKind int

const (
	Start DecisionKind = iota
	Continue
	SwitchTo
)

func (k DecisionKind) String() string {
	switch k {
	case Start:
		return "Start"
	case Continue:
		return "Continue"
	case SwitchTo:
		return "SwitchTo"
	default:
		return "DecisionKind(?)"
	}
}

// Decision records which thread ran and how the scheduler arrived there.
// Thread is meaningful for Start and SwitchTo; Continue always refers to
// whatever thread ran immediately before it.
type Decision struct {
	Kind   DecisionKind
	Thread ident.ID
}

// ActionKind narrows a stepped action.Action down to the logging-friendly
// tag recorded in a trace.
type ActionKind string

const (
	KindFork               ActionKind = "Fork"
	KindMyThreadID         ActionKind = "MyThreadID"
	KindGetCaps            ActionKind = "GetCaps"
	KindSetCaps            ActionKind = "SetCaps"
	KindYield              ActionKind = "Yield"
	KindNewMV              ActionKind = "NewMV"
	KindPutMV              ActionKind = "PutMV"
	KindBlockedPutMV       ActionKind = "BlockedPutMV"
	KindTakeMV             ActionKind = "TakeMV"
	KindBlockedTakeMV      ActionKind = "BlockedTakeMV"
	KindReadMV             ActionKind = "ReadMV"
	KindBlockedReadMV      ActionKind = "BlockedReadMV"
	KindTryPutMV           ActionKind = "TryPutMV"
	KindTryTakeMV          ActionKind = "TryTakeMV"
	KindTryReadMV          ActionKind = "TryReadMV"
	KindNewMR              ActionKind = "NewMR"
	KindReadMR             ActionKind = "ReadMR"
	KindWriteMR            ActionKind = "WriteMR"
	KindModifyMR           ActionKind = "ModifyMR"
	KindReadForCas         ActionKind = "ReadForCas"
	KindCasMR              ActionKind = "CasMR"
	KindCommitMR           ActionKind = "CommitMR"
	KindAtomically         ActionKind = "Atomically"
	KindThrow              ActionKind = "Throw"
	KindThrowTo            ActionKind = "ThrowTo"
	KindBlockedThrowTo     ActionKind = "BlockedThrowTo"
	KindCatching           ActionKind = "Catching"
	KindPopCatching        ActionKind = "PopCatching"
	KindSetMasking         ActionKind = "SetMasking"
	KindResetMasking       ActionKind = "ResetMasking"
	KindGetMaskingState    ActionKind = "GetMaskingState"
	KindLift               ActionKind = "Lift"
	KindReturn             ActionKind = "Return"
	KindStop               ActionKind = "Stop"
	KindStartSubconcurrency ActionKind = "StartSubconcurrency"
	KindStopSubconcurrency  ActionKind = "StopSubconcurrency"
)

// ThreadAction is the narrowed record of one stepped action: which ids it
// touched, which threads it woke, and any value it produced. Only the
// fields relevant to Kind are populated.
type ThreadAction struct {
	Kind   ActionKind
	Thread ident.ID

	MVar   ident.ID `msgpack:",omitempty"`
	MRef   ident.ID `msgpack:",omitempty"`
	Target ident.ID `msgpack:",omitempty"`
	Child  ident.ID `msgpack:",omitempty"`

	Woken []ident.ID `msgpack:",omitempty"`
	Value any        `msgpack:",omitempty"`
	OK    bool       `msgpack:",omitempty"`
	Exc   any        `msgpack:",omitempty"`
}

// Lookahead is a single pattern-match on the action that *would* run next
// for the stepped thread. The sched package does not compute it.
type Lookahead struct {
	Kind ActionKind
	MVar ident.ID `msgpack:",omitempty"`
	MRef ident.ID `msgpack:",omitempty"`
}

// Step is one trace entry: the scheduler's decision and the action
// executed. Lookahead is always nil in traces produced by the sched
// package's loop.
type Step struct {
	Decision  Decision
	Action    ThreadAction
	Lookahead *Lookahead `msgpack:",omitempty"`
}

// Trace is delivered to callers in forward order: Trace[0] is the first
// step the scheduler loop took.
type Trace []Step

// Failure is the closed taxonomy of ways a run can end unsuccessfully.
type Failure interface {
	isFailure()
	String() string
}

type InternalError struct{ Detail string }

func (InternalError) isFailure()        {}
func (e InternalError) String() string { return fmt.Sprintf("InternalError: %s", e.Detail) }

// Abort is emitted when the scheduler names a thread that doesn't exist
// or isn't runnable.
type Abort struct{ Requested ident.ID }

func (Abort) isFailure()        {}
func (a Abort) String() string { return fmt.Sprintf("Abort: scheduler chose %s", a.Requested) }

// Deadlock is emitted when no thread is runnable and not every blocked
// thread is blocked purely on STM.
type Deadlock struct{}

func (Deadlock) isFailure()        {}
func (Deadlock) String() string { return "Deadlock" }

// STMDeadlock is emitted when no thread is runnable and every blocked
// thread is blocked on a transaction retry.
type STMDeadlock struct{}

func (STMDeadlock) isFailure()        {}
func (STMDeadlock) String() string { return "STMDeadlock" }

// UncaughtException is emitted when an exception escapes the main
// thread's handler stack.
type UncaughtException struct {
	Exc    any
	Thread ident.ID
}

func (UncaughtException) isFailure() {}
func (e UncaughtException) String() string {
	return fmt.Sprintf("UncaughtException: %v on %s", e.Exc, e.Thread)
}

// Outcome is the full result of a run: either Value is meaningful (the
// main thread's return value) or Failure is, never both.
type Outcome struct {
	Value          any
	Failure        Failure
	SchedulerState any
	Trace          Trace

	// Preemptions counts scheduler switches not preceded by an explicit
	// yield, the figure external schedule-bounding strategies use to
	// limit how deep a search explores. A switch to a commit
	// pseudo-thread never counts; a switch back from one counts only
	// when it lands on a thread other than the one it interrupted.
	Preemptions int
}

func (o Outcome) Succeeded() bool { return o.Failure == nil }

// Fingerprint hashes a trace's msgpack encoding with a 64-bit
// non-cryptographic hash, for cheaply comparing two runs' traces for
// equality without keeping full trace history around (used by schedulers
// that search for distinct interleavings and want to dedupe explored
// traces).
func Fingerprint(t Trace) (uint64, error) {
	var buf bytes.Buffer
	if err := msgpack.MarshalWrite(&buf, t); err != nil {
		return 0, fmt.Errorf("trace: marshal for fingerprint: %w", err)
	}
	return farm.Hash64(buf.Bytes()), nil
}

// Marshal serialises a trace to msgpack.
func Marshal(t Trace) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.MarshalWrite(&buf, t); err != nil {
		return nil, fmt.Errorf("trace: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal parses a trace previously produced by Marshal.
func Unmarshal(data []byte) (Trace, error) {
	var t Trace
	if err := msgpack.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("trace: unmarshal: %w", err)
	}
	return t, nil
}
