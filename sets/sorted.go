// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package sets provides an ordered set type.
package sets

import (
	"cmp"
	"iter"
	"slices"
	"strings"
)

// Sorted is a sorted list of unique items.
// Iteration order is ascending,
// which makes it suitable for canonical encodings.
// The zero value is an empty set.
// nil is treated like an empty set, but any attempts to add to it will panic.
type Sorted[T cmp.Ordered] struct {
	elems []T
}

// NewSorted returns a new set with the given elements.
func NewSorted[T cmp.Ordered](elem ...T) *Sorted[T] {
	s := new(Sorted[T])
	s.Add(elem...)
	return s
}

// CollectSorted returns a new set that contains the elements of the given iterator.
func CollectSorted[T cmp.Ordered](seq iter.Seq[T]) *Sorted[T] {
	s := new(Sorted[T])
	s.AddSeq(seq)
	return s
}

// Add adds the arguments to the set.
func (s *Sorted[T]) Add(elem ...T) {
	s.AddSeq(slices.Values(elem))
}

// AddSeq adds the values from seq to the set.
func (s *Sorted[T]) AddSeq(seq iter.Seq[T]) {
	for x := range seq {
		i, present := slices.BinarySearch(s.elems, x)
		if !present {
			s.elems = slices.Insert(s.elems, i, x)
		}
	}
}

// AddSet adds the elements in other to s.
func (s *Sorted[T]) AddSet(other *Sorted[T]) {
	s.AddSeq(other.Values())
}

// Has reports whether the set contains x.
func (s *Sorted[T]) Has(x T) bool {
	if s == nil {
		return false
	}
	_, present := slices.BinarySearch(s.elems, x)
	return present
}

// Len returns the number of elements in the set.
func (s *Sorted[T]) Len() int {
	if s == nil {
		return 0
	}
	return len(s.elems)
}

// At returns the i'th element in ascending order of the set.
func (s *Sorted[T]) At(i int) T {
	return s.elems[i]
}

// All returns an iterator of the indices and elements of s in ascending order.
func (s *Sorted[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i := range s.Len() {
			if !yield(i, s.elems[i]) {
				return
			}
		}
	}
}

// Values returns an iterator of the elements of s in ascending order.
func (s *Sorted[T]) Values() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := range s.Len() {
			if !yield(s.elems[i]) {
				return
			}
		}
	}
}

// Delete removes x from the set if present.
func (s *Sorted[T]) Delete(x T) {
	if s == nil {
		return
	}
	i, present := slices.BinarySearch(s.elems, x)
	if present {
		s.elems = slices.Delete(s.elems, i, i+1)
	}
}

// Clone returns a new set that contains the same elements as s.
func (s *Sorted[T]) Clone() *Sorted[T] {
	if s == nil {
		return new(Sorted[T])
	}
	return &Sorted[T]{elems: slices.Clone(s.elems)}
}

// Equal reports whether s and other contain the same elements.
func (s *Sorted[T]) Equal(other *Sorted[T]) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i := range s.Len() {
		if s.elems[i] != other.elems[i] {
			return false
		}
	}
	return true
}

// Clear removes all elements from the set,
// but retains the space allocated for the set.
func (s *Sorted[T]) Clear() {
	if s == nil {
		return
	}
	s.elems = s.elems[:0]
}

// Join concatenates the set's elements in ascending order
// with sep placed between them.
func Join[T ~string](s *Sorted[T], sep string) string {
	sb := new(strings.Builder)
	for i, x := range s.All() {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(string(x))
	}
	return sb.String()
}
