package engine

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"

	"github.com/edb-debugger/edb/internal/analysis"
	"github.com/edb-debugger/edb/internal/fork"
	"github.com/edb-debugger/edb/internal/snapshot"
	"github.com/edb-debugger/edb/internal/trace"
)

// Context is the immutable result of a successful Prepare: the call tree,
// the merged and navigated snapshot sequence, and everything needed to
// resolve state variables or run a derived-EVM pure call against any
// snapshot. It owns everything until the hosting server session is closed;
// readers only ever take shared references.
type Context struct {
	Fork  fork.Info
	From  common.Address // the debugged transaction's sender
	Trace *trace.Trace

	Snapshots *snapshot.Snapshots

	results   map[string]*analysis.Result
	artifacts map[common.Address]*Artifact

	// blockCtx/chainConfig are kept so finalize.go and edb_callPure can run a
	// derived EVM against an arbitrary hook snapshot's captured db, under the
	// same block rules the original replay ran under.
	blockCtx    vm.BlockContext
	chainConfig *params.ChainConfig

	addrCodeOnce sync.Once
	addrCode     map[common.Address]map[common.Address]bool
}

// SnapshotCount returns how many snapshots this context holds.
func (c *Context) SnapshotCount() int {
	return c.Snapshots.Len()
}

// Snapshot returns the snapshot with the given id, or nil if out of range.
func (c *Context) Snapshot(id int) *snapshot.Snapshot {
	return c.Snapshots.Get(id)
}

// NextStep returns the id of the snapshot that follows id, or an error if id
// is out of range.
func (c *Context) NextStep(id int) (int, error) {
	s := c.Snapshots.Get(id)
	if s == nil {
		return 0, fmt.Errorf("engine: snapshot %d not found", id)
	}
	return s.NextID, nil
}

// PrevStep returns the id of the snapshot that precedes id, or an error if
// id is out of range.
func (c *Context) PrevStep(id int) (int, error) {
	s := c.Snapshots.Get(id)
	if s == nil {
		return 0, fmt.Errorf("engine: snapshot %d not found", id)
	}
	return s.PrevID, nil
}

// Frame returns every snapshot id belonging to the given trace entry, in
// time order, mirroring the original engine's get_frame.
func (c *Context) Frame(traceEntryID int) []int {
	var ids []int
	for _, s := range c.Snapshots.All() {
		if s.FrameID.TraceEntryID == traceEntryID {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// AddressCodeAddresses lazily builds, once, a map from every target address
// touched by the replay to the set of code addresses ever executed against
// it — the delegatecall-proxy case, where TargetAddress stays the proxy but
// BytecodeAddress varies per call. Nothing inside the engine calls it; the
// state-variable resolver looks Artifacts up by a hook snapshot's
// BytecodeAddress directly.
func (c *Context) AddressCodeAddresses() map[common.Address]map[common.Address]bool {
	c.addrCodeOnce.Do(func() {
		m := make(map[common.Address]map[common.Address]bool)
		for _, e := range c.Trace.Entries {
			if m[e.Target] == nil {
				m[e.Target] = make(map[common.Address]bool)
			}
			m[e.Target][e.CodeAddress] = true
		}
		c.addrCode = m
	})
	return c.addrCode
}

// IsParentTrace reports whether child's trace entry is a direct child of
// parent's, delegating to the call tree.
func (c *Context) IsParentTrace(parentID, childID int) bool {
	return c.Trace.IsParentTrace(parentID, childID)
}

// GetStateVariable returns the decoded value of a state variable previously
// resolved at a hook snapshot (see finalize.go), or an error if the
// snapshot is not a hook snapshot or never resolved that name.
func (c *Context) GetStateVariable(snapshotID int, name string) (*snapshot.StateVarValue, error) {
	s := c.Snapshots.Get(snapshotID)
	if s == nil {
		return nil, fmt.Errorf("engine: snapshot %d not found", snapshotID)
	}
	if s.Kind != snapshot.KindHook {
		return nil, fmt.Errorf("engine: snapshot %d is not a hook snapshot", snapshotID)
	}
	v, ok := s.Hook.StateVars[name]
	if !ok {
		return nil, fmt.Errorf("engine: snapshot %d has no state variable %q", snapshotID, name)
	}
	return v, nil
}
