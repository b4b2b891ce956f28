package snapshot

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"github.com/edb-debugger/edb/internal/persistent"
)

// calldataCacheSize bounds how many distinct calldata byte strings the
// inspector keeps shared handles for. A long trace with a hot loop of
// identical internal calls (the common case for e.g. a repeated token
// transfer) would otherwise allocate one fresh copy of the same bytes per
// frame; capping it trades a little cache-miss duplication on eviction for a
// hard ceiling on this particular growth source across very long traces.
const calldataCacheSize = 4096

// OpcodeInspector is the second-pass inspector (C3): for every interpreter
// step on a contract without source, it records PC, opcode, stack, memory,
// calldata, db and transient storage, keyed by frame id. It never records
// steps inside an excluded (source-mapped) frame, since those are covered by
// the hook inspector instead.
//
// It keeps its own FrameStack and trace-entry-id counter rather than sharing
// one with the hook inspector: both inspectors are driven by the identical
// OnEnter/OnExit event stream of the same combined replay pass, so counting
// independently still yields matching FrameIDs on both sides.
type OpcodeInspector struct {
	excluded map[common.Address]bool
	provider DBProvider

	frames *FrameStack
	nextID int

	// byFrame accumulates captured snapshots grouped by frame id, drained by
	// the merge step.
	byFrame map[FrameID][]OpcodeSnapshot

	// shadow holds one entry per live call frame, indexed by trace entry id
	// (never reused, so no ambiguity across re-entrant calls).
	shadow map[int]*frameShadow

	// transient is shared across every frame: EIP-1153 storage is scoped to
	// the whole transaction, not to a single call.
	transient *persistent.Transient

	// calldataCache shares one *[]byte handle across every frame entered
	// with identical input, bounded so a long trace can't pin an unbounded
	// number of duplicate byte slices in memory.
	calldataCache *lru.Cache[string, *[]byte]
}

// frameShadow is the incrementally-updated persistent state for one live
// call frame.
type frameShadow struct {
	targetAddress   common.Address
	bytecodeAddress common.Address
	excludedFrame   bool

	calldata *[]byte

	rawStack []uint256.Int
	stack    *persistent.Stack

	rawMemory []byte
	memory    *persistent.Memory

	db      DBHandle
	dbDirty bool

	hasLastOp bool
	lastOp    vm.OpCode
}

// NewOpcodeInspector returns an inspector that skips frames executing in an
// excluded (source-mapped) address, pulling committed-db snapshots from
// provider.
func NewOpcodeInspector(excluded map[common.Address]bool, provider DBProvider) *OpcodeInspector {
	if excluded == nil {
		excluded = map[common.Address]bool{}
	}
	cache, _ := lru.New[string, *[]byte](calldataCacheSize)
	return &OpcodeInspector{
		excluded:      excluded,
		provider:      provider,
		frames:        NewFrameStack(),
		byFrame:       make(map[FrameID][]OpcodeSnapshot),
		shadow:        make(map[int]*frameShadow),
		transient:     persistent.NewTransient(),
		calldataCache: cache,
	}
}

// ByFrame returns the accumulated per-frame opcode snapshots, consumed (and
// drained) by Merge.
func (o *OpcodeInspector) ByFrame() map[FrameID][]OpcodeSnapshot { return o.byFrame }

func (o *OpcodeInspector) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter:  o.onEnter,
		OnExit:   o.onExit,
		OnOpcode: o.onOpcode,
	}
}

func (o *OpcodeInspector) top() (FrameID, bool) { return o.frames.Top() }

func (o *OpcodeInspector) onEnter(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
	traceEntryID := o.nextID
	o.nextID++
	o.frames.Push(traceEntryID)

	scheme := vm.OpCode(typ)
	target := to
	bytecodeAddr := to
	if scheme == vm.DELEGATECALL || scheme == vm.CALLCODE {
		// Code runs in the caller's own storage context.
		target = from
	}

	o.shadow[traceEntryID] = &frameShadow{
		targetAddress:   target,
		bytecodeAddress: bytecodeAddr,
		excludedFrame:   o.excluded[bytecodeAddr],
		calldata:        o.internCalldata(input),
		stack:           persistent.NewStack(),
		memory:          persistent.NewMemory(),
		dbDirty:         true,
	}
}

// internCalldata returns a shared *[]byte handle for input's bytes, copying
// only on a cache miss.
func (o *OpcodeInspector) internCalldata(input []byte) *[]byte {
	key := string(input)
	if handle, ok := o.calldataCache.Get(key); ok {
		return handle
	}
	inputCopy := append([]byte(nil), input...)
	handle := &inputCopy
	o.calldataCache.Add(key, handle)
	return handle
}

func (o *OpcodeInspector) onExit(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
	popped, parent, hasParent := o.frames.Pop()
	if popped.TraceEntryID < 0 {
		log.Error("opcode inspector: onExit with empty frame stack", "depth", depth)
		return
	}
	delete(o.shadow, popped.TraceEntryID)

	// The child may have written state the parent's handle predates; force a
	// fresh db on the parent's next captured step.
	if hasParent {
		if sh := o.shadow[parent.TraceEntryID]; sh != nil {
			sh.dbDirty = true
		}
	}
}

func (o *OpcodeInspector) onOpcode(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
	frameID, ok := o.top()
	if !ok {
		return
	}
	sh := o.shadow[frameID.TraceEntryID]
	if sh == nil || sh.excludedFrame {
		return
	}

	newStack := scope.StackData()
	newMemory := scope.MemoryData()

	if sh.hasLastOp {
		eff := effectOf(sh.lastOp)
		expected := len(sh.rawStack) - eff.pops + eff.pushes
		if expected != len(newStack) {
			log.Debug("opcode inspector: stack length drift",
				"frame", frameID, "op", sh.lastOp, "expected", expected, "actual", len(newStack))
		}
	}

	sh.stack, sh.rawStack = updateStack(sh.rawStack, sh.stack, newStack)
	sh.memory, sh.rawMemory = updateMemory(sh.rawMemory, sh.memory, newMemory)

	if sh.dbDirty || sh.db == nil {
		sh.db = o.provider.Current().Clone()
		sh.dbDirty = false
	}

	snap := OpcodeSnapshot{
		PC:              pc,
		TargetAddress:   sh.targetAddress,
		BytecodeAddress: sh.bytecodeAddress,
		Opcode:          op,
		Memory:          sh.memory,
		Stack:           sh.stack,
		Calldata:        sh.calldata,
		DB:              sh.db,
		Transient:       o.transient,
	}
	o.byFrame[frameID] = append(o.byFrame[frameID], snap)

	curOp := vm.OpCode(op)
	switch {
	case curOp == vm.TSTORE:
		if len(newStack) >= 2 {
			slot := common.Hash(newStack[len(newStack)-1].Bytes32())
			val := common.Hash(newStack[len(newStack)-2].Bytes32())
			o.transient = o.transient.With(sh.targetAddress.Hex()+":"+slot.Hex(), val)
		}
	case curOp == vm.SSTORE || curOp == vm.SELFDESTRUCT || effectOf(curOp).deferred:
		// Calls and creates can write state in the child frame; the handle is
		// also force-refreshed on exit, but the child may be a precompile
		// that never enters a frame of its own.
		sh.dbDirty = true
	}

	sh.lastOp = curOp
	sh.hasLastOp = true
}

// updateStack folds the live interpreter's current stack (bottom-to-top) into
// the persistent mirror, reusing prevPersistent's shared structure whenever
// the change is a pure push (the common case).
func updateStack(prevRaw []uint256.Int, prevPersistent *persistent.Stack, newRaw []uint256.Int) (*persistent.Stack, []uint256.Int) {
	raw := append([]uint256.Int(nil), newRaw...)

	if len(newRaw) == len(prevRaw)+1 && stackPrefixEqual(prevRaw, newRaw) {
		return prevPersistent.Push(newRaw[len(newRaw)-1]), raw
	}
	if len(newRaw) <= len(prevRaw) && stackPrefixEqual(newRaw, prevRaw) {
		s := prevPersistent
		for i := 0; i < len(prevRaw)-len(newRaw); i++ {
			_, s, _ = s.Pop()
		}
		return s, raw
	}

	// General case (SWAP, call/create resolution spanning a depth change,
	// or anything this fast path doesn't recognize): rebuild from scratch.
	s := persistent.NewStack()
	for _, v := range newRaw {
		s = s.Push(v)
	}
	return s, raw
}

func stackPrefixEqual(shorter, longer []uint256.Int) bool {
	if len(shorter) > len(longer) {
		return false
	}
	for i := range shorter {
		if !shorter[i].Eq(&longer[i]) {
			return false
		}
	}
	return true
}

// updateMemory folds the live interpreter's current memory into the
// persistent mirror by writing only the byte range that actually changed.
func updateMemory(prevRaw []byte, prevPersistent *persistent.Memory, newRaw []byte) (*persistent.Memory, []byte) {
	raw := append([]byte(nil), newRaw...)

	lo, hi, changed := diffRange(prevRaw, newRaw)
	if !changed {
		return prevPersistent, raw
	}
	return prevPersistent.Store(uint64(lo), newRaw[lo:hi]), raw
}

// diffRange finds the minimal [lo, hi) range in b that differs from a,
// treating missing bytes in the shorter slice as absent (not zero).
func diffRange(a, b []byte) (lo, hi int, changed bool) {
	if bytes.Equal(a, b) {
		return 0, 0, false
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	lo = 0
	for lo < n && a[lo] == b[lo] {
		lo++
	}
	if lo == len(b) {
		// b is a strict prefix of a; nothing was appended or changed within
		// b's range, but this shouldn't happen since EVM memory never
		// shrinks. Report no visible change within b.
		return 0, 0, false
	}
	hi = len(b)
	for hi > lo+1 && hi <= n && a[hi-1] == b[hi-1] {
		hi--
	}
	return lo, hi, true
}
