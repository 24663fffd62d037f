package container

import "fmt"

// Option holds an optional value. The zero value is None.
type Option[T any] struct {
	v   T
	set bool
}

func (opt Option[T]) String() string {
	if !opt.set {
		return "None"
	}
	return fmt.Sprintf("%v", opt.v)
}

func None[T any]() Option[T] {
	return Option[T]{}
}

func Some[T any](v T) Option[T] {
	return Option[T]{
		v:   v,
		set: true,
	}
}

func (m Option[T]) Get() (T, bool) {
	return m.v, m.set
}

func (m Option[T]) Set() bool {
	return m.set
}

// Take returns the value and resets the option to None.
func (m *Option[T]) Take() (T, bool) {
	v, ok := m.v, m.set
	*m = Option[T]{}
	return v, ok
}
