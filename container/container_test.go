package container

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOption(t *testing.T) {
	var none Option[int]
	require.False(t, none.Set())
	require.Equal(t, "None", none.String())

	opt := Some(3)
	require.Equal(t, "3", opt.String())
	v, ok := opt.Get()
	require.True(t, ok)
	require.Equal(t, 3, v)
	v, ok = opt.Take()
	require.True(t, ok)
	require.Equal(t, 3, v)
	require.False(t, opt.Set())
	_, ok = opt.Take()
	require.False(t, ok)
}

func TestSet(t *testing.T) {
	set := Set[uint64]{}
	require.True(t, set.TryAdd(1))
	require.False(t, set.TryAdd(1))
	set.Add(2)
	require.True(t, set.Has(2))
	set.Delete(2)
	require.False(t, set.Has(2))
	require.Len(t, set, 1)
}
