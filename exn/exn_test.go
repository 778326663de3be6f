package exn

import (
	"testing"

	"github.com/detconc-dev/detconc/action"
	"github.com/detconc-dev/detconc/ident"
	"github.com/detconc-dev/detconc/threadtbl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func thread(n int) ident.ID { return ident.ID{Kind: ident.KindThread, Num: n} }

func TestThrowDeliversToMatchingHandler(t *testing.T) {
	tb := threadtbl.New()
	tid := thread(1)
	tb.Launch(nil, tid, action.Stop{})
	tb.PushHandler(tid, action.Handler{
		Matches: func(e any) bool { return e == "boom" },
		Run:     func(e any) action.Action { return action.Stop{} },
	})

	out := Throw(tb, tid, "boom")
	assert.True(t, out.Handled)
	assert.NotNil(t, out.Next)
}

func TestThrowUncaughtOnMainThread(t *testing.T) {
	tb := threadtbl.New()
	tb.Launch(nil, ident.MainThread, action.Stop{})
	out := Throw(tb, ident.MainThread, "boom")
	assert.True(t, out.Uncaught)
}

func TestThrowKillsNonMainThread(t *testing.T) {
	tb := threadtbl.New()
	tid := thread(1)
	tb.Launch(nil, tid, action.Stop{})
	out := Throw(tb, tid, "boom")
	assert.True(t, out.KillThread)
}

func TestInterruptibleStates(t *testing.T) {
	assert.True(t, Interruptible(action.Unmasked, nil))
	assert.True(t, Interruptible(action.Unmasked, threadtbl.WaitEmpty{}))
	assert.False(t, Interruptible(action.MaskedInterruptible, nil))
	assert.True(t, Interruptible(action.MaskedInterruptible, threadtbl.WaitEmpty{}))
	assert.False(t, Interruptible(action.MaskedUninterruptible, threadtbl.WaitEmpty{}))
}

func TestThrowToBlocksOnUninterruptibleTarget(t *testing.T) {
	tb := threadtbl.New()
	target := thread(2)
	th := tb.Launch(nil, target, action.Stop{})
	th.Masking = action.MaskedUninterruptible

	out := ThrowTo(tb, target, "boom")
	assert.True(t, out.Block)
	assert.False(t, out.Delivered)
}

func TestThrowToDeliversWhenUnmasked(t *testing.T) {
	tb := threadtbl.New()
	target := thread(2)
	tb.Launch(nil, target, action.Stop{})

	out := ThrowTo(tb, target, "boom")
	assert.True(t, out.Delivered)
	assert.True(t, out.Throw.KillThread)
}

func TestThrowToAbsorbedByFinishedTarget(t *testing.T) {
	tb := threadtbl.New()
	out := ThrowTo(tb, thread(9), "boom")
	assert.True(t, out.Delivered)
}

func TestSetMaskingUpdatesAndReturnsWakeReason(t *testing.T) {
	tb := threadtbl.New()
	tid := thread(1)
	tb.Launch(nil, tid, action.Stop{})

	reason := SetMasking(tb, tid, action.MaskedInterruptible)
	assert.Equal(t, threadtbl.WaitMask{Target: tid}, reason)

	got, ok := tb.Get(tid)
	require.True(t, ok)
	assert.Equal(t, action.MaskedInterruptible, got.Masking)
}
