package main

import (
	"fmt"
	"math/rand"

	"github.com/detconc-dev/detconc/action"
	"github.com/detconc-dev/detconc/examples"
	"github.com/detconc-dev/detconc/ident"
	"github.com/detconc-dev/detconc/mref"
	"github.com/detconc-dev/detconc/sched"
)

var exampleRegistry = map[string]func() action.M[any]{
	"empty_take_blocks": examples.EmptyTakeBlocks,
	"try_on_empty": func() action.M[any] {
		return action.MapM(examples.TryOnEmpty(), func(r action.TryTakeResult) any { return r })
	},
	"fork_and_join":    examples.ForkAndJoin,
	"cas_on_modified":  examples.CasOnModified,
	"stm_retry_wakeup": examples.STMRetryWakeup,
	"uncaught_to_main": func() action.M[any] {
		return action.MapM(examples.UncaughtToMain(), func(action.Unit) any { return nil })
	},
	"uncaught_to_main_caught": func() action.M[any] {
		return action.MapM(examples.UncaughtToMainCaught(), func(b bool) any { return b })
	},
}

func lookupExample(name string) (action.M[any], error) {
	build, ok := exampleRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown example %q", name)
	}
	return build(), nil
}

func lookupMemoryModel(name string) (mref.Model, error) {
	switch name {
	case "sc", "":
		return mref.SequentialConsistency, nil
	case "tso":
		return mref.TotalStoreOrder, nil
	case "pso":
		return mref.PartialStoreOrder, nil
	default:
		return 0, fmt.Errorf("unknown memory model %q", name)
	}
}

// roundRobinScheduler always advances to the next higher-numbered
// runnable thread, wrapping around to the lowest -- a simple, fully
// deterministic scheduler with no hidden state.
func roundRobinScheduler(_ any, prior ident.ID, runnable []ident.ID) (ident.ID, any) {
	for _, id := range runnable {
		if id.Num > prior.Num {
			return id, nil
		}
	}
	return runnable[0], nil
}

// stayScheduler keeps running whoever ran last if still runnable,
// falling back to the lowest-numbered runnable thread otherwise --
// models a fair scheduler that never switches gratuitously.
func stayScheduler(_ any, prior ident.ID, runnable []ident.ID) (ident.ID, any) {
	for _, id := range runnable {
		if id == prior {
			return id, nil
		}
	}
	return runnable[0], nil
}

// randomScheduler picks uniformly among the runnable set, threading a
// seeded *rand.Rand through as its opaque scheduler state so two runs
// with the same seed pick the same sequence of threads.
func randomScheduler(state any, _ ident.ID, runnable []ident.ID) (ident.ID, any) {
	rng := state.(*rand.Rand)
	return runnable[rng.Intn(len(runnable))], rng
}

// stepBoundSentinel is an id no real thread ever holds; returning it
// forces the interpreter loop to report Abort once a run has taken more
// than the requested number of steps, instead of letting it run forever.
var stepBoundSentinel = ident.ID{Kind: ident.KindThread, Num: -1 << 30}

type boundState struct {
	remaining int
	inner     any
}

// withStepBound wraps a scheduler so a run aborts after maxSteps choices
// rather than exploring indefinitely. Call only when maxSteps > 0; the
// returned scheduler expects its state to be the *boundState produced by
// initialBoundState, starting with that call's baseState as its inner
// state.
func withStepBound(s sched.Scheduler) sched.Scheduler {
	return func(state any, prior ident.ID, runnable []ident.ID) (ident.ID, any) {
		bs := state.(*boundState)
		if bs.remaining <= 0 {
			return stepBoundSentinel, bs
		}
		bs.remaining--
		chosen, inner := s(bs.inner, prior, runnable)
		bs.inner = inner
		return chosen, bs
	}
}

func initialBoundState(maxSteps int, baseState any) *boundState {
	return &boundState{remaining: maxSteps, inner: baseState}
}

func lookupScheduler(name string, seed int64) (sched.Scheduler, any, error) {
	switch name {
	case "round_robin", "":
		return roundRobinScheduler, nil, nil
	case "stay":
		return stayScheduler, nil, nil
	case "random":
		return randomScheduler, rand.New(rand.NewSource(seed)), nil
	default:
		return nil, nil, fmt.Errorf("unknown scheduler %q", name)
	}
}
