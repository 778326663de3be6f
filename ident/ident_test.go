package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextAnonymous(t *testing.T) {
	s := New()
	a := s.Next(KindMVar, "")
	b := s.Next(KindMVar, "")
	require.NotEqual(t, a.Num, b.Num)
	assert.Equal(t, "", a.Name)
	assert.Equal(t, "mvar-0", a.String())
}

func TestNextNameDisambiguation(t *testing.T) {
	s := New()
	a := s.Next(KindThread, "worker")
	b := s.Next(KindThread, "worker")
	c := s.Next(KindThread, "worker")

	assert.Equal(t, "worker", a.Name)
	assert.Equal(t, "worker-1", b.Name)
	assert.Equal(t, "worker-2", c.Name)
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
}

func TestMainThreadReserved(t *testing.T) {
	assert.Equal(t, 0, MainThread.Num)
	assert.Equal(t, KindThread, MainThread.Kind)
}

func TestOwns(t *testing.T) {
	s := New()
	id := s.Next(KindTVar, "v")
	assert.True(t, s.Owns(id))

	other := New()
	otherID := other.Next(KindTVar, "v")
	// Both sources minted a "v" numbered 0, Owns can't tell them apart on
	// its own.
	assert.True(t, s.Owns(otherID))
}

func TestIndependentCountersPerKind(t *testing.T) {
	s := New()
	t1 := s.Next(KindThread, "")
	m1 := s.Next(KindMVar, "")
	assert.Equal(t, 1, t1.Num) // thread counter starts at 1, 0 is reserved
	assert.Equal(t, 0, m1.Num)
}
