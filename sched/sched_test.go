package sched

import (
	"testing"

	"github.com/detconc-dev/detconc/action"
	"github.com/detconc-dev/detconc/ident"
	"github.com/detconc-dev/detconc/mref"
	"github.com/detconc-dev/detconc/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundRobin always picks the runnable thread immediately after prior in
// ascending id order, wrapping around -- enough determinism for the fork
// scenarios below to exercise a specific interleaving.
func roundRobin(_ any, prior ident.ID, runnable []ident.ID) (ident.ID, any) {
	for _, id := range runnable {
		if id.Num > prior.Num {
			return id, nil
		}
	}
	return runnable[0], nil
}

// stayOnCurrent keeps running whoever ran last if still runnable, else
// falls back to the lowest-numbered runnable thread -- models a fair
// scheduler that doesn't gratuitously switch.
func stayOnCurrent(_ any, prior ident.ID, runnable []ident.ID) (ident.ID, any) {
	for _, id := range runnable {
		if id == prior {
			return id, nil
		}
	}
	return runnable[0], nil
}

func TestEmptyTakeBlocksDeadlock(t *testing.T) {
	ip := NewInterpreter(mref.SequentialConsistency)
	program := action.Bind(action.NewEmptyMV("m"), func(m ident.ID) action.M[any] {
		return action.TakeMVM(m)
	})

	out := Run(ip, program, roundRobin, nil)
	require.False(t, out.Succeeded())
	assert.Equal(t, trace.Deadlock{}, out.Failure)
}

func TestTryTakeOnEmptyReturnsFalse(t *testing.T) {
	ip := NewInterpreter(mref.SequentialConsistency)
	program := action.Bind(action.NewEmptyMV("m"), func(m ident.ID) action.M[action.TryTakeResult] {
		return action.TryTakeMVM(m)
	})

	out := Run(ip, program, roundRobin, nil)
	require.True(t, out.Succeeded())
	res := out.Value.(action.TryTakeResult)
	assert.False(t, res.OK)
	assert.Nil(t, res.Value)
}

func TestForkAndJoinRendezvous(t *testing.T) {
	ip := NewInterpreter(mref.SequentialConsistency)
	program := action.Bind(action.NewEmptyMV("m"), func(m ident.ID) action.M[any] {
		child := action.MapM(action.PutMVM(m, 7), func(action.Unit) action.Unit { return action.Unit{} })
		return action.Then(action.MapM(action.ForkM("putter", child), func(ident.ID) action.Unit { return action.Unit{} }), action.TakeMVM(m))
	})

	out := Run(ip, program, stayOnCurrent, nil)
	require.True(t, out.Succeeded())
	assert.Equal(t, 7, out.Value)

	var sawFork, sawBlockedTake, sawPut, sawTake bool
	for _, s := range out.Trace {
		switch s.Action.Kind {
		case trace.KindFork:
			sawFork = true
		case trace.KindBlockedTakeMV:
			sawBlockedTake = true
		case trace.KindPutMV:
			sawPut = true
		case trace.KindTakeMV:
			sawTake = true
		}
	}
	assert.True(t, sawFork)
	assert.True(t, sawBlockedTake)
	assert.True(t, sawPut)
	assert.True(t, sawTake)
}

func TestCasFailsAfterInterveningWrite(t *testing.T) {
	ip := NewInterpreter(mref.SequentialConsistency)
	program := action.Bind(action.NewMRM("r", 5), func(r ident.ID) action.M[any] {
		return action.Bind(action.ReadForCasM(r), func(ticket action.Ticket) action.M[any] {
			return action.Then(
				action.WriteMRM(r, 6),
				action.Bind(action.CasMRM(r, ticket, 7), func(cr action.CasResult) action.M[any] {
					return action.MapM(action.ReadMRM(r), func(v any) any {
						return []any{cr.OK, v}
					})
				}),
			)
		})
	})

	out := Run(ip, program, roundRobin, nil)
	require.True(t, out.Succeeded())
	got := out.Value.([]any)
	assert.Equal(t, false, got[0])
	assert.Equal(t, 6, got[1])
}

func TestSTMRetryWakesOnWrite(t *testing.T) {
	ip := NewInterpreter(mref.SequentialConsistency)

	var tv ident.ID
	full := action.Bind(
		action.AtomicallyM(action.MainTM(action.NewTVarM("v", 0))),
		func(id any) action.M[any] {
			tv = id.(ident.ID)
			observer := action.MapM(action.AtomicallyM(action.MainTM(action.BindTM(action.ReadTVarM(tv), func(x any) action.TM[any] {
				if x.(int) == 0 {
					return action.RetryM[any]()
				}
				return action.PureTM[any](x)
			}))), func(v any) any { return v })

			writer := action.MapM(action.AtomicallyM(action.MainTM(action.WriteTVarM(tv, 1))), func(any) action.Unit { return action.Unit{} })

			return action.Bind(action.ForkM("writer", writer), func(ident.ID) action.M[any] {
				return observer
			})
		},
	)

	out := Run(ip, full, stayOnCurrent, nil)
	require.True(t, out.Succeeded())
	assert.Equal(t, 1, out.Value)
}

func TestUncaughtToMainWithoutHandler(t *testing.T) {
	ip := NewInterpreter(mref.SequentialConsistency)
	program := action.Bind(action.MyThreadIDM(), func(tid ident.ID) action.M[action.Unit] {
		return action.ThrowToM(tid, "Overflow")
	})

	out := Run(ip, program, roundRobin, nil)
	require.False(t, out.Succeeded())
	uncaught, ok := out.Failure.(trace.UncaughtException)
	require.True(t, ok)
	assert.Equal(t, "Overflow", uncaught.Exc)
}

func TestUncaughtToMainWithHandlerCatches(t *testing.T) {
	ip := NewInterpreter(mref.SequentialConsistency)
	body := action.Bind(action.MyThreadIDM(), func(tid ident.ID) action.M[bool] {
		return action.MapM(action.ThrowToM(tid, "Overflow"), func(action.Unit) bool { return true })
	})
	program := action.CatchM(body, func(e any) bool { return e == "Overflow" }, func(any) action.M[bool] {
		return action.Pure(true)
	})

	out := Run(ip, program, roundRobin, nil)
	require.True(t, out.Succeeded())
	assert.Equal(t, true, out.Value)
}

func TestAbortOnSchedulerNamingDeadThread(t *testing.T) {
	ip := NewInterpreter(mref.SequentialConsistency)
	ghost := ident.ID{Kind: ident.KindThread, Num: 99}
	badScheduler := func(_ any, prior ident.ID, runnable []ident.ID) (ident.ID, any) {
		return ghost, nil
	}
	program := action.Then(action.YieldM(), action.Pure[any](nil))

	out := Run(ip, program, badScheduler, nil)
	require.False(t, out.Succeeded())
	assert.Equal(t, trace.Abort{Requested: ghost}, out.Failure)
}

func TestDecisionKindsStartContinueSwitch(t *testing.T) {
	ip := NewInterpreter(mref.SequentialConsistency)
	program := action.Bind(action.NewEmptyMV("m"), func(m ident.ID) action.M[any] {
		child := action.MapM(action.PutMVM(m, 1), func(action.Unit) action.Unit { return action.Unit{} })
		return action.Then(action.MapM(action.ForkM("c", child), func(ident.ID) action.Unit { return action.Unit{} }), action.TakeMVM(m))
	})

	out := Run(ip, program, roundRobin, nil)
	require.True(t, out.Succeeded())

	require.NotEmpty(t, out.Trace)
	assert.Equal(t, trace.Start, out.Trace[0].Decision.Kind)

	seenSwitch := false
	for _, s := range out.Trace {
		if s.Decision.Kind == trace.SwitchTo {
			seenSwitch = true
		}
	}
	assert.True(t, seenSwitch)
}

func TestSubconcurrencySucceedsAndEmbedsInnerTrace(t *testing.T) {
	ip := NewInterpreter(mref.SequentialConsistency)
	inner := action.Bind(action.NewEmptyMV("inner"), func(m ident.ID) action.M[action.Unit] {
		return action.Then(action.PutMVM(m, 1), action.MapM(action.TakeMVM(m), func(any) action.Unit { return action.Unit{} }))
	})
	program := action.SubconcurrencyM(inner)

	out := Run(ip, program, roundRobin, nil)
	require.True(t, out.Succeeded())
	res := out.Value.(action.SubResult)
	assert.False(t, res.Failed)

	var sawStart, sawStop, sawInnerPut bool
	for _, s := range out.Trace {
		switch s.Action.Kind {
		case trace.KindStartSubconcurrency:
			sawStart = true
		case trace.KindStopSubconcurrency:
			sawStop = true
		case trace.KindPutMV:
			sawInnerPut = true
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawStop)
	assert.True(t, sawInnerPut)
}

func TestSubconcurrencyReportsInnerDeadlock(t *testing.T) {
	ip := NewInterpreter(mref.SequentialConsistency)
	inner := action.Bind(action.NewEmptyMV("inner"), func(m ident.ID) action.M[action.Unit] {
		return action.MapM(action.TakeMVM(m), func(any) action.Unit { return action.Unit{} })
	})
	program := action.SubconcurrencyM(inner)

	out := Run(ip, program, roundRobin, nil)
	require.True(t, out.Succeeded())
	res := out.Value.(action.SubResult)
	assert.True(t, res.Failed)
	assert.Equal(t, "Deadlock", res.Kind)
}

func TestTotalStoreOrderCommitIsInterleavable(t *testing.T) {
	ip := NewInterpreter(mref.TotalStoreOrder)
	program := action.Bind(action.NewMRM("r", 0), func(r ident.ID) action.M[any] {
		return action.Then(action.WriteMRM(r, 1), action.ReadMRM(r))
	})

	out := Run(ip, program, roundRobin, nil)
	require.True(t, out.Succeeded())
	// round-robin wraps to the commit pseudo-thread (-1) right after the
	// write, so the read sees the committed value
	assert.Equal(t, 1, out.Value)

	var sawCommit bool
	for _, s := range out.Trace {
		if s.Action.Kind == trace.KindCommitMR {
			sawCommit = true
		}
	}
	assert.True(t, sawCommit)
}
