package threadtbl

import (
	"testing"

	"github.com/detconc-dev/detconc/action"
	"github.com/detconc-dev/detconc/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchInheritsMasking(t *testing.T) {
	tb := New()
	parent := tb.Launch(nil, ident.MainThread, action.Stop{})
	parent.Masking = action.MaskedInterruptible

	childID := ident.ID{Kind: ident.KindThread, Num: 1}
	child := tb.Launch(parent, childID, action.Stop{})
	assert.Equal(t, action.MaskedInterruptible, child.Masking)
}

func TestBlockWakeWaitFull(t *testing.T) {
	tb := New()
	mv := ident.ID{Kind: ident.KindMVar, Num: 0}
	a := ident.ID{Kind: ident.KindThread, Num: 1}
	b := ident.ID{Kind: ident.KindThread, Num: 2}
	tb.Launch(nil, a, action.Stop{})
	tb.Launch(nil, b, action.Stop{})

	tb.Block(a, WaitFull{MVar: mv})
	tb.Block(b, WaitEmpty{MVar: mv})

	assert.Empty(t, tb.Runnable())

	woken := tb.Wake(WaitFull{MVar: mv})
	require.Len(t, woken, 1)
	assert.Equal(t, a, woken[0])
	assert.Equal(t, []ident.ID{a}, tb.Runnable())
}

func TestWakeAscendingOrder(t *testing.T) {
	tb := New()
	mv := ident.ID{Kind: ident.KindMVar, Num: 0}
	ids := []ident.ID{
		{Kind: ident.KindThread, Num: 3},
		{Kind: ident.KindThread, Num: 1},
		{Kind: ident.KindThread, Num: 2},
	}
	for _, id := range ids {
		tb.Launch(nil, id, action.Stop{})
		tb.Block(id, WaitEmpty{MVar: mv})
	}
	woken := tb.Wake(WaitEmpty{MVar: mv})
	require.Len(t, woken, 3)
	assert.Equal(t, 1, woken[0].Num)
	assert.Equal(t, 2, woken[1].Num)
	assert.Equal(t, 3, woken[2].Num)
}

func TestWaitTVarsIntersection(t *testing.T) {
	tb := New()
	v1 := ident.ID{Kind: ident.KindTVar, Num: 0}
	v2 := ident.ID{Kind: ident.KindTVar, Num: 1}
	v3 := ident.ID{Kind: ident.KindTVar, Num: 2}
	tid := ident.ID{Kind: ident.KindThread, Num: 1}
	tb.Launch(nil, tid, action.Stop{})
	tb.Block(tid, WaitTVars{Vars: map[ident.ID]struct{}{v1: {}, v2: {}}})

	assert.Empty(t, tb.Wake(WaitTVars{Vars: map[ident.ID]struct{}{v3: {}}}))
	woken := tb.Wake(WaitTVars{Vars: map[ident.ID]struct{}{v2: {}}})
	assert.Equal(t, []ident.ID{tid}, woken)
}

func TestFindHandlerTruncatesStack(t *testing.T) {
	tb := New()
	tid := ident.ID{Kind: ident.KindThread, Num: 1}
	tb.Launch(nil, tid, action.Stop{})

	tb.PushHandler(tid, action.Handler{Matches: func(e any) bool { return e == "inner" }})
	tb.PushHandler(tid, action.Handler{Matches: func(e any) bool { return e == "outer" }})

	h, ok := tb.FindHandler(tid, "outer")
	require.True(t, ok)
	assert.True(t, h.Matches("outer"))

	th, _ := tb.Get(tid)
	assert.Len(t, th.HandlerStack, 1, "matched frame and everything above it is popped")

	_, ok = tb.FindHandler(tid, "inner")
	assert.True(t, ok)
	th, _ = tb.Get(tid)
	assert.Len(t, th.HandlerStack, 0)
}

func TestPopHandlerEmptyPanics(t *testing.T) {
	tb := New()
	tid := ident.ID{Kind: ident.KindThread, Num: 1}
	tb.Launch(nil, tid, action.Stop{})
	assert.Panics(t, func() { tb.PopHandler(tid) })
}
