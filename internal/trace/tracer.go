package trace

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
)

// CodeAtFunc resolves the deployed bytecode for an address at replay time.
// The engine backs it with the forked StateDB's GetCode, so the tracer can
// capture a frame's bytecode on its first step without reaching into the
// interpreter's scope (tracing.OpContext exposes no code accessor).
type CodeAtFunc func(common.Address) []byte

// CallTracer drives the first replay pass: its only job is to produce a
// Trace, and its only per-opcode work is capturing each frame's bytecode on
// its first step and marking addresses visited on SELFDESTRUCT.
// It is plugged into vm.Config.Tracer the same way runtime.Config.EVMConfig
// wires a tracer today.
type CallTracer struct {
	trace     *Trace
	callStack []int // trace entry ids, top = currently executing frame
	codeAt    CodeAtFunc

	// pendingCreate holds, per in-flight create entry, the address go-ethereum
	// announced at OnEnter. Target/CodeAddress stay zero until the create
	// succeeds, so the address is parked here until OnExit.
	pendingCreate map[int]common.Address
}

// NewCallTracer returns a tracer ready to drive one replay. codeAt may be nil;
// bytecode capture is then skipped for call frames (create frames still record
// their init code, which arrives as the frame's input).
func NewCallTracer(codeAt CodeAtFunc) *CallTracer {
	return &CallTracer{
		trace:         NewTrace(),
		codeAt:        codeAt,
		pendingCreate: make(map[int]common.Address),
	}
}

// Trace returns the call tree built so far. Safe to call only after the
// replay this tracer was attached to has finished.
func (c *CallTracer) Trace() *Trace {
	return c.trace
}

// Hooks adapts this tracer to go-ethereum's tracing.Hooks extension point.
func (c *CallTracer) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter:  c.onEnter,
		OnExit:   c.onExit,
		OnOpcode: c.onOpcode,
	}
}

func schemeFromType(typ byte) CallScheme {
	switch vm.OpCode(typ) {
	case vm.CALL:
		return SchemeCall
	case vm.CALLCODE:
		return SchemeCallCode
	case vm.DELEGATECALL:
		return SchemeDelegateCall
	case vm.STATICCALL:
		return SchemeStaticCall
	case vm.CREATE:
		return SchemeCreate
	case vm.CREATE2:
		return SchemeCreate2
	default:
		return SchemeUnknown
	}
}

func (c *CallTracer) top() (int, bool) {
	if len(c.callStack) == 0 {
		return 0, false
	}
	return c.callStack[len(c.callStack)-1], true
}

func (c *CallTracer) onEnter(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
	scheme := schemeFromType(typ)

	entry := &TraceEntry{
		ID:              len(c.trace.Entries),
		ParentID:        -1,
		Depth:           depth,
		Scheme:          scheme,
		Caller:          from,
		Input:           append([]byte(nil), input...),
		Value:           new(big.Int).Set(value),
		FirstSnapshotID: -1,
	}
	if parentID, ok := c.top(); ok {
		entry.ParentID = parentID
	}
	if scheme.IsCreate() {
		// go-ethereum computes the deployment address before OnEnter fires;
		// hold it back until the create actually succeeds.
		c.pendingCreate[entry.ID] = to
		c.trace.markVisited(from, false)
	} else {
		entry.Target = to
		entry.CodeAddress = to
		if scheme == SchemeDelegateCall || scheme == SchemeCallCode {
			// The callee's code runs against the caller's own storage context.
			entry.Target = from
		}
		c.trace.markVisited(from, false)
		c.trace.markVisited(to, false)
	}

	c.trace.Entries = append(c.trace.Entries, entry)
	c.callStack = append(c.callStack, entry.ID)
}

func (c *CallTracer) onExit(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
	id, ok := c.top()
	if !ok {
		log.Error("call tracer: onExit with empty call stack", "depth", depth)
		return
	}
	c.callStack = c.callStack[:len(c.callStack)-1]

	entry := c.trace.Entry(id)
	if entry == nil {
		log.Error("call tracer: onExit referenced unknown trace entry", "id", id)
		return
	}
	if entry.Depth != depth {
		log.Error("call tracer: depth mismatch on exit", "entryID", id, "entryDepth", entry.Depth, "exitDepth", depth)
	}

	created, isCreate := c.pendingCreate[id]
	delete(c.pendingCreate, id)

	if reverted || err != nil {
		entry.Result = CallResult{Kind: ResultRevert, Output: output}
		return
	}
	entry.Result = CallResult{Kind: ResultSuccess, Output: output}

	if isCreate {
		entry.Target = created
		entry.CodeAddress = created
		entry.CreatedContract = true
		c.trace.markVisited(created, true)
	}
}

func (c *CallTracer) onOpcode(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
	id, ok := c.top()
	if !ok {
		return
	}
	entry := c.trace.Entry(id)
	if entry == nil {
		return
	}
	if entry.Bytecode == nil {
		if entry.Scheme.IsCreate() {
			entry.Bytecode = entry.Input
		} else if c.codeAt != nil {
			entry.Bytecode = c.codeAt(entry.CodeAddress)
		}
	}

	if vm.OpCode(op) == vm.SELFDESTRUCT {
		if data := scope.StackData(); len(data) >= 1 {
			beneficiary := common.Address(data[len(data)-1].Bytes20())
			c.trace.markVisited(scope.Address(), false)
			c.trace.markVisited(beneficiary, false)
		}
	}
}
