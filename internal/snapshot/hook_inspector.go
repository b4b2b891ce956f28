package snapshot

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
)

// MagicHookAddress is the reserved account address the recompiled source
// calls into to mark an instrumentation point. It is chosen outside any real
// account range and must never collide with a genuine contract on any chain
// this engine replays against.
var MagicHookAddress = common.HexToAddress("0x0000000000000000000000000000000000023333")

// CreateSwap is one registered (original runtime bytecode, instrumented init
// code, constructor args) triple that MatchCreateSwap matches init code
// against. The engine applies it to the root transaction's own init code
// only; CREATE/CREATE2 executed inside the replay are not swapped.
type CreateSwap struct {
	OriginalRuntimeBytecode []byte
	InstrumentedInitCode    []byte
	ConstructorArgs         []byte
}

// HookSlot is one entry of the hook inspector's chronological output: a frame
// segment and the hook snapshot recorded in it, nil if no hook fired there.
// A nil slot is a gap the merge step fills from the opcode inspector.
type HookSlot struct {
	Frame FrameID
	Snap  *HookSnapshot
}

// HookInspector is the second-pass inspector (C4): it runs alongside
// OpcodeInspector against the same OnEnter/OnExit/OnOpcode stream (see
// engine/hooks.go for the fan-out), detecting calls to MagicHookAddress and
// recording a HookSnapshot into the current frame segment's slot.
//
// It keeps its own FrameStack and trace-entry-id counter for the same reason
// OpcodeInspector does: both observe the identical event stream in the same
// replay pass, so independent counting still produces matching FrameIDs.
type HookInspector struct {
	provider DBProvider

	frames *FrameStack
	nextID int

	// slots holds one placeholder per frame segment, in chronological order:
	// a fresh one is appended when a frame is entered and again for the
	// parent each time a child call returns, so every (trace entry,
	// re-entry) pair the opcode inspector can group by has a slot here.
	slots []HookSlot

	// addrs maps a trace entry id to the (target, bytecode) address pair its
	// frame executes in, the same delegatecall/callcode adjustment
	// OpcodeInspector applies.
	addrs map[int]addrPair
}

type addrPair struct {
	target   common.Address
	bytecode common.Address
}

// NewHookInspector returns an inspector ready to drive one replay. The
// CREATE-init-code swap (see CreateSwap, MatchCreateSwap) happens once before
// the replay starts, at the engine/prepare.go level, not here: it mutates the
// root transaction's Data, which no tracing.Hooks callback can do.
func NewHookInspector(provider DBProvider) *HookInspector {
	return &HookInspector{
		provider: provider,
		frames:   NewFrameStack(),
		addrs:    make(map[int]addrPair),
	}
}

// Slots returns the ordered (frame, hook) pairs merge consumes.
func (h *HookInspector) Slots() []HookSlot { return h.slots }

func (h *HookInspector) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter: h.onEnter,
		OnExit:  h.onExit,
	}
}

func (h *HookInspector) top() (FrameID, bool) { return h.frames.Top() }

func (h *HookInspector) onEnter(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
	if to == MagicHookAddress {
		h.recordHook(input)
		return
	}

	traceEntryID := h.nextID
	h.nextID++
	frame := h.frames.Push(traceEntryID)

	target, bytecodeAddr := to, to
	if vm.OpCode(typ) == vm.DELEGATECALL || vm.OpCode(typ) == vm.CALLCODE {
		target = from
	}
	h.addrs[traceEntryID] = addrPair{target: target, bytecode: bytecodeAddr}

	h.slots = append(h.slots, HookSlot{Frame: frame})
}

func (h *HookInspector) onExit(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
	popped, parent, hasParent := h.frames.Pop()
	if popped.TraceEntryID < 0 {
		// The magic address never pushes, so an onExit paired with it would
		// land here with no matching onEnter push; any other empty-stack
		// exit is a real protocol violation.
		log.Error("hook inspector: onExit with empty frame stack", "depth", depth)
		return
	}
	delete(h.addrs, popped.TraceEntryID)

	// The parent resumes in a new frame segment; give it its own slot so the
	// merge step can interleave post-return snapshots at the right position.
	if hasParent {
		h.slots = append(h.slots, HookSlot{Frame: parent})
	}
}

func (h *HookInspector) recordHook(input []byte) {
	if len(input) < 32 {
		log.Warn("hook inspector: malformed hook calldata, dropping", "len", len(input))
		return
	}
	usid := USID(new(big.Int).SetBytes(input[:32]).Uint64())

	frame, ok := h.top()
	if !ok {
		log.Error("hook inspector: magic call observed with no enclosing frame")
		return
	}
	addr := h.addrs[frame.TraceEntryID]

	db := h.provider.Current().Clone()
	snap := &HookSnapshot{
		TargetAddress:   addr.target,
		BytecodeAddress: addr.bytecode,
		DB:              db,
		USID:            usid,
	}

	// Fill the current segment's placeholder if it is still empty; otherwise
	// this is the second (or later) hook in the segment and gets its own
	// slot.
	if n := len(h.slots); n > 0 && h.slots[n-1].Frame == frame && h.slots[n-1].Snap == nil {
		h.slots[n-1].Snap = snap
		return
	}
	h.slots = append(h.slots, HookSlot{Frame: frame, Snap: snap})
}

// MatchCreateSwap reports whether initCode matches a registered CreateSwap,
// i.e. its prefix is the swap's original runtime bytecode and its suffix is
// the swap's constructor args. The first match wins.
func MatchCreateSwap(swaps []CreateSwap, initCode []byte) (CreateSwap, bool) {
	for _, s := range swaps {
		if len(initCode) < len(s.OriginalRuntimeBytecode)+len(s.ConstructorArgs) {
			continue
		}
		if !hasPrefix(initCode, s.OriginalRuntimeBytecode) {
			continue
		}
		if !hasSuffix(initCode, s.ConstructorArgs) {
			continue
		}
		return s, true
	}
	return CreateSwap{}, false
}

func hasPrefix(b, prefix []byte) bool {
	if len(prefix) > len(b) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func hasSuffix(b, suffix []byte) bool {
	if len(suffix) == 0 {
		return true
	}
	if len(suffix) > len(b) {
		return false
	}
	off := len(b) - len(suffix)
	for i := range suffix {
		if b[off+i] != suffix[i] {
			return false
		}
	}
	return true
}
