// Package namedlist provides a name-keyed list: insertion at the head,
// removal by handle and lookup by linear name comparison. It backs the
// module registry and the command table.
package namedlist

import (
	"container/list"
	"iter"
)

type Named interface {
	Name() string
}

// Element is a handle to an entry of a List. PushFront and Find return the
// same handle for the same entry.
type Element[T Named] struct {
	value T
	elem  *list.Element
}

func (e *Element[T]) Value() T {
	return e.value
}

type List[T Named] struct {
	l list.List
}

func New[T Named]() *List[T] {
	return &List[T]{}
}

// PushFront inserts v at the head of the list.
func (l *List[T]) PushFront(v T) *Element[T] {
	h := &Element[T]{value: v}
	h.elem = l.l.PushFront(h)
	return h
}

// Remove unlinks e. It reports false if e was already removed.
func (l *List[T]) Remove(e *Element[T]) (T, bool) {
	if e == nil || e.elem == nil {
		var zero T
		return zero, false
	}
	l.l.Remove(e.elem)
	e.elem = nil
	return e.value, true
}

// Find returns the first entry named name, searching from the head.
func (l *List[T]) Find(name string) (*Element[T], bool) {
	for e := l.l.Front(); e != nil; e = e.Next() {
		if h := e.Value.(*Element[T]); h.value.Name() == name {
			return h, true
		}
	}
	return nil, false
}

func (l *List[T]) Len() int {
	return l.l.Len()
}

// All yields entries from the head. The sequence tolerates removal of the
// entry being visited.
func (l *List[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for e := l.l.Front(); e != nil; {
			next := e.Next()
			if !yield(e.Value.(*Element[T]).value) {
				return
			}
			e = next
		}
	}
}
