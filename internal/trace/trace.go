// Package trace defines the call tree recorded by the first replay pass and
// the inspector that builds it.
package trace

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CallScheme distinguishes the EVM call-family opcodes a TraceEntry can
// originate from.
type CallScheme int

const (
	SchemeUnknown CallScheme = iota
	SchemeCall
	SchemeCallCode
	SchemeDelegateCall
	SchemeStaticCall
	SchemeCreate
	SchemeCreate2
	SchemeCreateCustom // address predicted ahead of execution, set by the engine when the root create's init code is swapped
)

func (s CallScheme) IsCreate() bool {
	return s == SchemeCreate || s == SchemeCreate2 || s == SchemeCreateCustom
}

// ResultKind tags whether a TraceEntry has finished, and how.
type ResultKind int

const (
	ResultPending ResultKind = iota
	ResultSuccess
	ResultRevert
)

// CallResult is the tagged outcome of a call or create.
type CallResult struct {
	Kind   ResultKind
	Output []byte
}

// TraceEntry is one node of the call tree. Id equals its index in Trace.Entries.
type TraceEntry struct {
	ID       int
	ParentID int // -1 for the root
	Depth    int

	Scheme CallScheme

	Caller      common.Address
	Target      common.Address
	CodeAddress common.Address

	Input []byte
	Value *big.Int

	Result CallResult

	CreatedContract bool

	// Bytecode is captured once, on the frame's first step.
	Bytecode []byte

	// FirstSnapshotID is filled in by the snapshot store once merge/analysis
	// has run; -1 means no snapshot ever belonged to this frame.
	FirstSnapshotID int

	// TargetLabel and FunctionABI are resolved later by the (external)
	// source analyzer; either may be empty.
	TargetLabel string
	FunctionABI string
}

// HasParent reports whether this entry is not the trace root.
func (e *TraceEntry) HasParent() bool {
	return e.ParentID >= 0
}

// Trace is the ordered call tree produced by the call tracer.
type Trace struct {
	Entries []*TraceEntry
	// Visited maps every address touched by a call/create/selfdestruct to
	// whether it was deployed (created) during this transaction. Sticky:
	// once true for an address, it never reverts to false.
	Visited map[common.Address]bool
}

func NewTrace() *Trace {
	return &Trace{Visited: make(map[common.Address]bool)}
}

func (t *Trace) markVisited(addr common.Address, deployed bool) {
	if cur, ok := t.Visited[addr]; ok && cur {
		return
	}
	t.Visited[addr] = deployed
}

// Entry returns the trace entry with the given id, or nil if out of range.
func (t *Trace) Entry(id int) *TraceEntry {
	if id < 0 || id >= len(t.Entries) {
		return nil
	}
	return t.Entries[id]
}

// IsParentTrace reports whether child's ParentID is parent, mirroring the
// analyzer's upward walk over the call tree.
func (t *Trace) IsParentTrace(parentID, childID int) bool {
	child := t.Entry(childID)
	return child != nil && child.HasParent() && child.ParentID == parentID
}
