// Package set provides an insertion-ordered set.
package set

type Set[T comparable] struct {
	set   map[T]struct{}
	order []T
}

// Of returns a set holding items.
func Of[T comparable](items ...T) *Set[T] {
	s := &Set[T]{}
	for _, item := range items {
		s.Insert(item)
	}
	return s
}

// Insert adds k and reports whether it was not already present.
func (s *Set[T]) Insert(k T) bool {
	if s.set == nil {
		s.set = make(map[T]struct{})
	}
	if _, ok := s.set[k]; ok {
		return false
	}
	s.set[k] = struct{}{}
	s.order = append(s.order, k)
	return true
}

func (s *Set[T]) Contains(k T) bool {
	_, ok := s.set[k]
	return ok
}

func (s *Set[T]) Len() int {
	return len(s.order)
}

// Items returns the elements in insertion order.
func (s *Set[T]) Items() []T {
	out := make([]T, len(s.order))
	copy(out, s.order)
	return out
}
