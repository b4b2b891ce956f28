package snapshot

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/edb-debugger/edb/internal/analysis"
	"github.com/edb-debugger/edb/internal/persistent"
)

// USID is a user-defined snapshot id embedded in hook calldata; it uniquely
// identifies an instrumentation point in recompiled source. It is the same id
// space the source analyzer keys its per-step metadata by, hence the alias.
type USID = analysis.USID

// DBHandle is the committed database view a snapshot was taken against. It is
// intentionally an opaque interface here: the concrete type (fork.DB,
// wrapping core/state.StateDB) lives in the fork package, one layer below
// this one so snapshot stays free of RPC/state concerns.
type DBHandle interface {
	// Clone returns an independent handle a later mutation of the live state
	// cannot affect. Implementations that are already immutable may return
	// themselves.
	Clone() DBHandle
}

// DBProvider is how the inspectors obtain a committed-db handle without
// depending on the fork package directly (which in turn depends on this
// package for DBHandle). The engine wires a fork.DB in through this at
// construction time.
type DBProvider interface {
	Current() DBHandle
}

// OpcodeSnapshot is a per-instruction record captured before the opcode at PC
// executes.
type OpcodeSnapshot struct {
	PC              uint64
	TargetAddress   common.Address
	BytecodeAddress common.Address
	Opcode          byte

	Memory    *persistent.Memory
	Stack     *persistent.Stack
	Calldata  *[]byte
	DB        DBHandle
	Transient *persistent.Transient
}

// HookSnapshot is a per-instrumentation record captured when execution calls
// into the magic hook address. StateVars is populated later, by finalize.
type HookSnapshot struct {
	TargetAddress   common.Address
	BytecodeAddress common.Address
	DB              DBHandle
	USID            USID

	// StateVars maps a state-variable name to its decoded value, or nil if
	// resolution failed or hasn't run yet. Populated by finalize.
	StateVars map[string]*StateVarValue
}

// StateVarValue is a decoded getter result. Raw keeps the ABI-encoded return
// data around for edb_getStateVariable-style re-decoding against a different
// ABI type without re-running the call.
type StateVarValue struct {
	Raw     []byte
	Decoded interface{}
}

// Kind tags which variant a Snapshot holds.
type Kind int

const (
	KindOpcode Kind = iota
	KindHook
)

// Snapshot is the tagged union {Opcode, Hook} plus navigation links filled in
// by the analyzer. ID always equals the snapshot's index within Snapshots.
type Snapshot struct {
	ID      int
	FrameID FrameID
	Kind    Kind

	Opcode *OpcodeSnapshot
	Hook   *HookSnapshot

	// NextID/PrevID are -1 until the navigator runs.
	NextID int
	PrevID int
}

func NewOpcodeSnapshot(id int, frame FrameID, s *OpcodeSnapshot) Snapshot {
	return Snapshot{ID: id, FrameID: frame, Kind: KindOpcode, Opcode: s, NextID: -1, PrevID: -1}
}

func NewHookSnapshot(id int, frame FrameID, s *HookSnapshot) Snapshot {
	return Snapshot{ID: id, FrameID: frame, Kind: KindHook, Hook: s, NextID: -1, PrevID: -1}
}

// TargetAddress returns the address a snapshot's frame was executing in,
// regardless of which variant it is.
func (s *Snapshot) TargetAddress() common.Address {
	if s.Kind == KindHook {
		return s.Hook.TargetAddress
	}
	return s.Opcode.TargetAddress
}

// BytecodeAddress returns the code address a snapshot's frame was executing,
// which differs from TargetAddress under delegatecall/callcode.
func (s *Snapshot) BytecodeAddress() common.Address {
	if s.Kind == KindHook {
		return s.Hook.BytecodeAddress
	}
	return s.Opcode.BytecodeAddress
}

func (s *Snapshot) DB() DBHandle {
	if s.Kind == KindHook {
		return s.Hook.DB
	}
	return s.Opcode.DB
}

// Snapshots is the time-ordered sequence of all snapshots produced by merge.
// Snapshots[i].ID == i is maintained by every mutator in this package.
type Snapshots struct {
	items []Snapshot
}

func NewSnapshots() *Snapshots {
	return &Snapshots{}
}

func (s *Snapshots) Append(snap Snapshot) int {
	snap.ID = len(s.items)
	s.items = append(s.items, snap)
	return snap.ID
}

func (s *Snapshots) Len() int { return len(s.items) }

func (s *Snapshots) Get(id int) *Snapshot {
	if id < 0 || id >= len(s.items) {
		return nil
	}
	return &s.items[id]
}

func (s *Snapshots) All() []Snapshot { return s.items }

// Stats summarizes a Snapshots sequence for diagnostics/logging, grounded on
// the original engine's get_snapshot_stats.
type Stats struct {
	Total             int
	HookSnapshots     int
	OpcodeSnapshots   int
	Frames            int
	FramesWithHooks   int
	FramesWithOpcodes int
}

func (s *Snapshots) Stats() Stats {
	var st Stats
	st.Total = len(s.items)
	frames := make(map[FrameID]bool)
	framesWithHooks := make(map[FrameID]bool)
	framesWithOpcodes := make(map[FrameID]bool)
	for _, snap := range s.items {
		frames[snap.FrameID] = true
		switch snap.Kind {
		case KindHook:
			st.HookSnapshots++
			framesWithHooks[snap.FrameID] = true
		case KindOpcode:
			st.OpcodeSnapshots++
			framesWithOpcodes[snap.FrameID] = true
		}
	}
	st.Frames = len(frames)
	st.FramesWithHooks = len(framesWithHooks)
	st.FramesWithOpcodes = len(framesWithOpcodes)
	return st
}
