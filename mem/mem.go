// Package mem implements the arena allocation used by the trace database. Objects are allocated in
// buckets that never move once allocated, so pointers and indices handed out stay valid for the lifetime
// of the owning database. Nothing is ever freed individually; dropping the owner frees everything at once.
package mem

import (
	"fmt"

	myunsafe "honnef.co/go/tracecap/unsafe"
)

const largeAllocatorBucketSize = 4096

// LargeBucketSlice is like a slice, but grows one fixed, large bucket at a time instead of growing
// exponentially. Elements never move, so pointers to them stay valid. It is meant for the millions of zones
// of a long capture.
type LargeBucketSlice[T any] struct {
	n       int
	buckets [][]T
}

func (l *LargeBucketSlice[T]) Grow() *T {
	a, b := l.index(l.n)
	if a >= len(l.buckets) {
		l.buckets = append(l.buckets, make([]T, largeAllocatorBucketSize))
	}
	ptr := &l.buckets[a][b]
	l.n++
	return ptr
}

// Append appends v to the slice and returns a pointer to the new element.
func (l *LargeBucketSlice[T]) Append(v T) *T {
	ptr := l.Grow()
	*ptr = v
	return ptr
}

func (l *LargeBucketSlice[T]) index(i int) (int, int) {
	// Doing the division on uint instead of int compiles this function to a shift and an AND (for power of 2
	// bucket sizes), versus a whole bunch of instructions for int.
	return int(uint(i) / largeAllocatorBucketSize), int(uint(i) % largeAllocatorBucketSize)
}

func (l *LargeBucketSlice[T]) Ptr(i int) *T {
	if i < 0 || i >= l.n {
		panic(fmt.Sprintf("index %d is out of bounds [0, %d)", i, l.n))
	}
	a, b := l.index(i)
	return &l.buckets[a][b]
}

func (l *LargeBucketSlice[T]) Get(i int) T {
	return *l.Ptr(i)
}

func (l *LargeBucketSlice[T]) Set(i int, v T) {
	*l.Ptr(i) = v
}

func (l *LargeBucketSlice[T]) Len() int { return l.n }

// Buckets returns the number of allocated buckets.
func (l *LargeBucketSlice[T]) Buckets() int { return len(l.buckets) }

const slabSize = 1024 * 1024

// Slab hands out byte regions carved from 1 MiB blocks. Regions are never grown or reused, so strings
// created from them with String stay valid for as long as the slab is reachable.
type Slab struct {
	cur    []byte
	blocks int
	used   int
}

// Alloc returns a zeroed region of n bytes.
func (s *Slab) Alloc(n int) []byte {
	if n == 0 {
		return nil
	}
	if n > slabSize/4 {
		// Large blobs get their own allocation instead of wasting the remainder of the current block.
		s.used += n
		return make([]byte, n)
	}
	if cap(s.cur)-len(s.cur) < n {
		s.cur = make([]byte, 0, slabSize)
		s.blocks++
	}
	off := len(s.cur)
	s.cur = s.cur[:off+n]
	s.used += n
	// Limit the capacity so that appending to the returned slice can never write into the next region.
	return s.cur[off : off+n : off+n]
}

// Copy copies b into the slab and returns the copy.
func (s *Slab) Copy(b []byte) []byte {
	out := s.Alloc(len(b))
	copy(out, b)
	return out
}

// String copies b into the slab and returns a string sharing the slab's memory.
func (s *Slab) String(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return myunsafe.String(s.Copy(b))
}

// Used returns the number of bytes handed out so far.
func (s *Slab) Used() int { return s.used }

// Blocks returns the number of 1 MiB blocks allocated so far.
func (s *Slab) Blocks() int { return s.blocks }

// GrowLen increases the slice's length by n elements.
func GrowLen[S ~[]E, E any](s S, n int) S {
	return append(s, make([]E, n)...)
}

func EnsureLen[S ~[]E, E any](s S, n int) S {
	if len(s) >= n {
		return s
	}
	return GrowLen(s, n-len(s))
}
