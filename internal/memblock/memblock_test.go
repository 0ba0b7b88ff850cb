package memblock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSizesUpToLargestTier(t *testing.T) {
	p := NewPool()
	b := p.Get(100)
	require.Len(t, b.Bytes(), 100)
}

func TestReleaseReturnsToPool(t *testing.T) {
	p := NewPool()
	b := p.Get(1024)
	b.Ref()
	b.Release()
	require.NotPanics(t, func() { b.Release() })
}

func TestHoleHasZeroLength(t *testing.T) {
	h := NewHole()
	require.Equal(t, 0, h.Len())
}

func TestSupportsSharedAlwaysFalse(t *testing.T) {
	require.False(t, NewPool().SupportsShared())
}

func TestWrapBytesPreservesData(t *testing.T) {
	b := WrapBytes([]byte{1, 2, 3})
	require.Equal(t, []byte{1, 2, 3}, b.Bytes())
	require.Equal(t, 3, b.Len())
}
