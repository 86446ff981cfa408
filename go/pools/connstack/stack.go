// Copyright 2026 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package connstack provides the lock-free LIFO stack the connection pool
// keeps idle entries in. The most recently returned entry is handed out
// first, so a lightly loaded pool keeps reusing a few warm connections and
// lets the rest age out.
//
// The top of the stack is a pointer paired with a pop counter and both are
// swapped with one 128-bit CAS, which rules out ABA races between pops.
package connstack

import (
	"runtime"
	"sync/atomic"

	"vitess.io/vitess/go/atomic2"
)

// Node is implemented by elements that can live on a Stack. The stack is
// intrusive: it links elements through the pointer NextPtr returns.
type Node[T any] interface {
	NextPtr() *atomic.Pointer[T]
}

// Stack is a lock-free LIFO stack safe for concurrent use. The zero value is
// an empty stack.
type Stack[T Node[T]] struct {
	// top is the head element and the number of pops so far.
	top atomic2.PointerAndUint64[T]
}

// Push adds an element to the top of the stack.
func (s *Stack[T]) Push(elem T) {
	for {
		head, pops := s.top.Load()
		elem.NextPtr().Store(head)
		// Pushes leave the counter alone; only pops can cause ABA.
		if s.top.CompareAndSwap(head, pops, &elem, pops) {
			return
		}
		runtime.Gosched()
	}
}

// Pop removes and returns the element at the top of the stack. ok is false
// if the stack is empty.
func (s *Stack[T]) Pop() (elem T, ok bool) {
	for {
		head, pops := s.top.Load()
		if head == nil {
			return elem, false
		}
		next := (*head).NextPtr().Load()
		if s.top.CompareAndSwap(head, pops, next, pops+1) {
			(*head).NextPtr().Store(nil)
			return *head, true
		}
		runtime.Gosched()
	}
}

// Peek returns the element at the top of the stack without removing it.
// Another goroutine may pop it right away.
func (s *Stack[T]) Peek() (elem T, ok bool) {
	head, _ := s.top.Load()
	if head == nil {
		return elem, false
	}
	return *head, true
}

// IsEmpty reports whether the stack is empty. The answer may be stale by
// the time the caller acts on it.
func (s *Stack[T]) IsEmpty() bool {
	head, _ := s.top.Load()
	return head == nil
}

// Drain pops every element and returns them top first.
func (s *Stack[T]) Drain() []T {
	var elems []T
	for {
		elem, ok := s.Pop()
		if !ok {
			return elems
		}
		elems = append(elems, elem)
	}
}
