package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallNumberAllocatorUnique(t *testing.T) {
	a := newCallNumberAllocator()
	seen := make(map[uint16]bool)
	for i := 0; i < 1000; i++ {
		n, err := a.Allocate()
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, uint16(callNumberMin))
		require.LessOrEqual(t, n, uint16(callNumberMax))
		require.False(t, seen[n], "call number %d allocated twice", n)
		seen[n] = true
	}
	require.Equal(t, 1000, a.InUse())
}

func TestCallNumberAllocatorRecycles(t *testing.T) {
	a := newCallNumberAllocator()
	n, err := a.Allocate()
	require.NoError(t, err)
	a.Release(n)
	require.Equal(t, 0, a.InUse())

	n2, err := a.Allocate()
	require.NoError(t, err)
	_ = n2
}

func TestCallNumberAllocatorExhaustion(t *testing.T) {
	a := newCallNumberAllocator()
	total := callNumberMax - callNumberMin + 1
	for i := 0; i < total; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}
	_, err := a.Allocate()
	require.ErrorIs(t, err, ErrCallNumbersExhausted)
}
