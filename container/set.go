package container

type Set[T comparable] map[T]struct{}

func (set Set[T]) Add(v T) {
	set[v] = struct{}{}
}

// TryAdd adds v and reports whether it wasn't already a member.
func (set Set[T]) TryAdd(v T) bool {
	if _, ok := set[v]; ok {
		return false
	}
	set[v] = struct{}{}
	return true
}

func (set Set[T]) Has(v T) bool {
	_, ok := set[v]
	return ok
}

func (set Set[T]) Delete(v T) {
	delete(set, v)
}
