// Package queue implements a LIFO stack stored in an engine and linked
// through recids. It is built only on the engine's CompareAndSwap, so it
// works over any engine whose CompareAndSwap is atomic.
package queue

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/serializer"
)

// node is one stack element. next is the recid of the element below it,
// or NoRecid at the bottom.
type node struct {
	next  uint64
	value any
}

// nodeSerializer encodes a node as its 8-byte next recid, a presence byte
// and the value in the element serializer's encoding.
type nodeSerializer struct {
	elem serializer.Serializer
}

func (n nodeSerializer) Serialize(w io.Writer, value any) error {
	nd, ok := value.(node)
	if !ok {
		return fmt.Errorf("%w: expected stack node, got %T", serializer.ErrSerializer, value)
	}
	var hdr [9]byte
	binary.BigEndian.PutUint64(hdr[:8], nd.next)
	if nd.value != nil {
		hdr[8] = 1
	}
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if nd.value == nil {
		return nil
	}
	return n.elem.Serialize(w, nd.value)
}

func (n nodeSerializer) Deserialize(r io.Reader, available int) (any, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	nd := node{next: binary.BigEndian.Uint64(hdr[:8])}
	if hdr[8] == 0 {
		return nd, nil
	}
	if available >= 0 {
		available -= len(hdr)
	}
	v, err := n.elem.Deserialize(r, available)
	if err != nil {
		return nil, err
	}
	nd.value = v
	return nd, nil
}

// Option configures a Stack.
type Option func(*Stack)

// WithLocks serializes Push and Pop on a mutex. Use it when the engine's
// CompareAndSwap is not atomic, or when recids are recycled fast enough
// that a popper could see a head recid freed and reused under it.
func WithLocks() Option {
	return func(s *Stack) { s.mu = &sync.Mutex{} }
}

// Stack is a LIFO of values kept in an engine. The head record holds the
// recid of the top element.
//
// Without WithLocks, Push and Pop are lock-free CAS loops on the head
// record. Pop deletes the element it removes, so a recycled recid can make
// a concurrent Pop swap in a stale successor (the ABA problem); mix
// concurrent pushes and pops only with WithLocks.
type Stack struct {
	eng   engine.Engine
	head  uint64
	nodes nodeSerializer
	mu    *sync.Mutex
}

// NewStack allocates an empty stack in eng whose elements are encoded
// with ser.
func NewStack(eng engine.Engine, ser serializer.Serializer, opts ...Option) (*Stack, error) {
	head, err := eng.Put(uint64(engine.NoRecid), serializer.Uint64)
	if err != nil {
		return nil, err
	}
	return OpenStack(eng, head, ser, opts...), nil
}

// OpenStack attaches to the stack whose head record is head.
func OpenStack(eng engine.Engine, head uint64, ser serializer.Serializer, opts ...Option) *Stack {
	s := &Stack{eng: eng, head: head, nodes: nodeSerializer{elem: ser}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HeadRecid returns the recid of the head record, for use with OpenStack.
func (s *Stack) HeadRecid() uint64 {
	return s.head
}

func (s *Stack) lock() func() {
	if s.mu == nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Stack) top() (uint64, error) {
	v, err := s.eng.Get(s.head, serializer.Uint64)
	if err != nil {
		return engine.NoRecid, err
	}
	if v == nil {
		return engine.NoRecid, fmt.Errorf("stack head %d: %w", s.head, engine.ErrRecidNotFound)
	}
	return v.(uint64), nil
}

// Push adds value on top of the stack.
func (s *Stack) Push(value any) error {
	defer s.lock()()

	top, err := s.top()
	if err != nil {
		return err
	}
	recid, err := s.eng.Put(node{next: top, value: value}, s.nodes)
	if err != nil {
		return err
	}
	for {
		ok, err := s.eng.CompareAndSwap(s.head, top, recid, serializer.Uint64)
		if err != nil || ok {
			return err
		}
		if top, err = s.top(); err != nil {
			return err
		}
		if err := s.eng.Update(recid, node{next: top, value: value}, s.nodes); err != nil {
			return err
		}
	}
}

// Pop removes and returns the top value. ok is false when the stack is
// empty.
func (s *Stack) Pop() (value any, ok bool, err error) {
	defer s.lock()()

	for {
		top, err := s.top()
		if err != nil || top == engine.NoRecid {
			return nil, false, err
		}
		v, err := s.eng.Get(top, s.nodes)
		if err != nil {
			return nil, false, err
		}
		if v == nil {
			// popped and deleted under us
			continue
		}
		nd := v.(node)
		swapped, err := s.eng.CompareAndSwap(s.head, top, nd.next, serializer.Uint64)
		if err != nil {
			return nil, false, err
		}
		if !swapped {
			continue
		}
		if err := s.eng.Delete(top, s.nodes); err != nil {
			return nil, false, err
		}
		return nd.value, true, nil
	}
}

// Peek returns the top value without removing it.
func (s *Stack) Peek() (value any, ok bool, err error) {
	for {
		top, err := s.top()
		if err != nil || top == engine.NoRecid {
			return nil, false, err
		}
		v, err := s.eng.Get(top, s.nodes)
		if err != nil {
			return nil, false, err
		}
		if v == nil {
			continue
		}
		return v.(node).value, true, nil
	}
}

// Clear pops every element.
func (s *Stack) Clear() error {
	for {
		_, ok, err := s.Pop()
		if err != nil || !ok {
			return err
		}
	}
}

// Len is not supported: counting would need a walk that concurrent pops
// can invalidate.
func (s *Stack) Len() (int, error) {
	return 0, engine.ErrUnsupported
}

// Values is not supported for the same reason as Len.
func (s *Stack) Values() ([]any, error) {
	return nil, engine.ErrUnsupported
}

var _ serializer.Serializer = nodeSerializer{}
