// Package persistent implements the structurally-shared EVM stack and memory
// values used to take a snapshot on every interpreter step without copying
// the whole execution state each time.
package persistent

import "github.com/holiman/uint256"

// stackNode is one cell of the persistent singly-linked stack. Nodes are
// never mutated once created; Push prepends a node, Pop simply returns the
// tail, so every Stack value derived from a common ancestor shares the same
// backing nodes.
type stackNode struct {
	value uint256.Int
	next  *stackNode
	depth int
}

// Stack is an immutable EVM operand stack. The zero value is an empty stack.
type Stack struct {
	top *stackNode
}

// NewStack returns an empty persistent stack.
func NewStack() *Stack {
	return &Stack{}
}

// Len returns the number of elements currently on the stack.
func (s *Stack) Len() int {
	if s == nil || s.top == nil {
		return 0
	}
	return s.top.depth
}

// IsEmpty reports whether the stack has no elements.
func (s *Stack) IsEmpty() bool {
	return s.Len() == 0
}

// Push returns a new Stack with v on top. s is left unchanged.
func (s *Stack) Push(v uint256.Int) *Stack {
	depth := 1
	if s != nil && s.top != nil {
		depth = s.top.depth + 1
	}
	return &Stack{top: &stackNode{value: v, next: s.topNode(), depth: depth}}
}

func (s *Stack) topNode() *stackNode {
	if s == nil {
		return nil
	}
	return s.top
}

// Pop returns the top value and the stack with it removed. ok is false if
// the stack is empty, in which case the returned stack is s itself.
func (s *Stack) Pop() (v uint256.Int, rest *Stack, ok bool) {
	if s == nil || s.top == nil {
		return uint256.Int{}, s, false
	}
	return s.top.value, &Stack{top: s.top.next}, true
}

// Peek returns the element at index i counting from the top (0 = top).
func (s *Stack) Peek(i int) (uint256.Int, bool) {
	if s == nil || i < 0 {
		return uint256.Int{}, false
	}
	n := s.top
	for ; i > 0 && n != nil; i-- {
		n = n.next
	}
	if n == nil {
		return uint256.Int{}, false
	}
	return n.value, true
}

// ToSlice materializes the stack bottom-to-top, matching the orientation of
// the live interpreter's own stack (top element last), so OpcodeSnapshot
// comparisons against the live stack need no reordering.
func (s *Stack) ToSlice() []uint256.Int {
	n := s.Len()
	out := make([]uint256.Int, n)
	node := s.topNode()
	for i := n - 1; i >= 0 && node != nil; i-- {
		out[i] = node.value
		node = node.next
	}
	return out
}
