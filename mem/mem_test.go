package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLargeBucketSlice(t *testing.T) {
	var l LargeBucketSlice[uint64]
	ptrs := make([]*uint64, 0, largeAllocatorBucketSize+10)
	for i := 0; i < largeAllocatorBucketSize+10; i++ {
		ptrs = append(ptrs, l.Append(uint64(i)))
	}
	require.Equal(t, 2, l.Buckets())
	for i, ptr := range ptrs {
		require.Same(t, ptr, l.Ptr(i))
		require.Equal(t, uint64(i), *ptr)
	}
	require.Panics(t, func() { l.Ptr(l.Len()) })
	require.Panics(t, func() { l.Ptr(-1) })
}

func TestSlab(t *testing.T) {
	var s Slab
	require.Nil(t, s.Alloc(0))
	require.Equal(t, 0, s.Blocks())

	a := s.Copy([]byte("hello"))
	b := s.Copy([]byte("world"))
	require.Equal(t, 1, s.Blocks())
	require.Equal(t, 10, s.Used())

	// Appending must not clobber the next region.
	a = append(a, '!')
	require.Equal(t, "world", string(b))
	require.Equal(t, "hello!", string(a))

	str := s.String([]byte("interned"))
	require.Equal(t, "interned", str)
	require.Equal(t, "", s.String(nil))

	big := s.Alloc(slabSize)
	require.Len(t, big, slabSize)
	require.Equal(t, 1, s.Blocks())

	s.Alloc(slabSize / 4)
	s.Alloc(slabSize / 4)
	s.Alloc(slabSize / 4)
	s.Alloc(slabSize / 4)
	require.Equal(t, 2, s.Blocks())
}

func TestEnsureLen(t *testing.T) {
	s := []int{1, 2}
	require.Equal(t, []int{1, 2}, EnsureLen(s, 1))
	require.Equal(t, []int{1, 2, 0, 0}, EnsureLen(s, 4))
	require.Equal(t, []int{1, 2, 0}, GrowLen(s, 1))
}

func BenchmarkLargeBucketSliceAppend(b *testing.B) {
	b.ReportAllocs()
	var l LargeBucketSlice[[4]uint64]
	for i := 0; i < b.N; i++ {
		l.Append([4]uint64{uint64(i)})
	}
}
