package trace

import (
	"testing"

	"github.com/detconc-dev/detconc/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func thread(n int) ident.ID { return ident.ID{Kind: ident.KindThread, Num: n} }

func sampleTrace() Trace {
	return Trace{
		{Decision: Decision{Kind: Start, Thread: thread(0)}, Action: ThreadAction{Kind: KindFork, Thread: thread(0), Child: thread(1)}},
		{Decision: Decision{Kind: SwitchTo, Thread: thread(1)}, Action: ThreadAction{Kind: KindPutMV, Thread: thread(1), MVar: ident.ID{Kind: ident.KindMVar, Num: 0}, Woken: []ident.ID{thread(0)}}},
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	tr := sampleTrace()
	f1, err := Fingerprint(tr)
	require.NoError(t, err)
	f2, err := Fingerprint(sampleTrace())
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
}

func TestFingerprintDiffersOnDifferentTrace(t *testing.T) {
	tr1 := sampleTrace()
	tr2 := sampleTrace()
	tr2[1].Action.Woken = nil
	f1, _ := Fingerprint(tr1)
	f2, _ := Fingerprint(tr2)
	assert.NotEqual(t, f1, f2)
}

func TestMarshalRoundTrip(t *testing.T) {
	tr := sampleTrace()
	data, err := Marshal(tr)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, KindFork, got[0].Action.Kind)
	assert.Equal(t, KindPutMV, got[1].Action.Kind)
}

func TestFailureTaxonomyStringers(t *testing.T) {
	assert.Equal(t, "Deadlock", Deadlock{}.String())
	assert.Equal(t, "STMDeadlock", STMDeadlock{}.String())
	assert.Contains(t, Abort{Requested: thread(3)}.String(), "thread-3")
	assert.Contains(t, UncaughtException{Exc: "boom", Thread: thread(0)}.String(), "boom")
}

func TestOutcomeSucceeded(t *testing.T) {
	ok := Outcome{Value: 42}
	assert.True(t, ok.Succeeded())

	bad := Outcome{Failure: Deadlock{}}
	assert.False(t, bad.Succeeded())
}
