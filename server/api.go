// Package server exports a finished engine.Context over JSON-RPC, HTTP and
// WebSocket, under the "edb" namespace. One server hosts one debug session;
// Prepare hands its Context to Serve and the returned address is what the
// CLI prints for TUI clients to connect to.
package server

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/edb-debugger/edb/engine"
	"github.com/edb-debugger/edb/internal/snapshot"
	"github.com/edb-debugger/edb/internal/trace"
)

// EdbService is the JSON-RPC receiver registered under the "edb" namespace.
// go-ethereum's rpc server derives method names by lower-casing the first
// letter, so GetSnapshotCount is served as edb_getSnapshotCount and so on.
type EdbService struct {
	ctx *engine.Context
}

// NewEdbService wraps a finished engine context for serving.
func NewEdbService(ctx *engine.Context) *EdbService {
	return &EdbService{ctx: ctx}
}

// SnapshotView is the JSON shape of one snapshot.
type SnapshotView struct {
	ID           int            `json:"id"`
	TraceEntryID int            `json:"traceEntryId"`
	ReEntryCount int            `json:"reEntryCount"`
	Kind         string         `json:"kind"` // "opcode" | "hook"
	NextID       int            `json:"nextId"`
	PrevID       int            `json:"prevId"`
	Target       common.Address `json:"target"`
	BytecodeAddr common.Address `json:"bytecodeAddress"`

	// Opcode-variant fields.
	PC     *hexutil.Uint64 `json:"pc,omitempty"`
	Opcode *hexutil.Uint   `json:"opcode,omitempty"`
	Stack  []hexutil.Big   `json:"stack,omitempty"`
	Memory hexutil.Bytes   `json:"memory,omitempty"`

	// Hook-variant fields.
	USID      *hexutil.Uint64 `json:"usid,omitempty"`
	StateVars []string        `json:"stateVariables,omitempty"`
}

// TraceEntryView is the JSON shape of one call-tree node.
type TraceEntryView struct {
	ID              int            `json:"id"`
	ParentID        *int           `json:"parentId,omitempty"`
	Depth           int            `json:"depth"`
	Scheme          string         `json:"scheme"`
	Caller          common.Address `json:"caller"`
	Target          common.Address `json:"target"`
	CodeAddress     common.Address `json:"codeAddress"`
	Input           hexutil.Bytes  `json:"input"`
	Value           *hexutil.Big   `json:"value"`
	Result          string         `json:"result"` // "pending" | "success" | "revert"
	Output          hexutil.Bytes  `json:"output,omitempty"`
	CreatedContract bool           `json:"createdContract"`
	FirstSnapshotID int            `json:"firstSnapshotId"`
	TargetLabel     string         `json:"targetLabel,omitempty"`
	FunctionABI     string         `json:"functionAbi,omitempty"`
}

// StateVarView is the JSON shape of one resolved state variable.
type StateVarView struct {
	Name    string        `json:"name"`
	Raw     hexutil.Bytes `json:"raw"`
	Decoded interface{}   `json:"decoded"`
}

// GetSnapshotCount returns how many snapshots the session holds.
func (s *EdbService) GetSnapshotCount() int {
	return s.ctx.SnapshotCount()
}

// GetSnapshot returns one snapshot by id.
func (s *EdbService) GetSnapshot(id int) (*SnapshotView, error) {
	snap := s.ctx.Snapshot(id)
	if snap == nil {
		return nil, fmt.Errorf("snapshot %d not found", id)
	}
	return snapshotView(snap), nil
}

// NextStep returns the id of the snapshot navigation says follows id.
func (s *EdbService) NextStep(id int) (int, error) {
	return s.ctx.NextStep(id)
}

// PrevStep returns the id of the snapshot navigation says precedes id.
func (s *EdbService) PrevStep(id int) (int, error) {
	return s.ctx.PrevStep(id)
}

// GetTrace returns the whole call tree.
func (s *EdbService) GetTrace() []*TraceEntryView {
	entries := s.ctx.Trace.Entries
	out := make([]*TraceEntryView, len(entries))
	for i, e := range entries {
		out[i] = traceEntryView(e)
	}
	return out
}

// GetFrame returns every snapshot id belonging to a trace entry, in time
// order.
func (s *EdbService) GetFrame(traceEntryID int) ([]int, error) {
	if s.ctx.Trace.Entry(traceEntryID) == nil {
		return nil, fmt.Errorf("trace entry %d not found", traceEntryID)
	}
	ids := s.ctx.Frame(traceEntryID)
	if ids == nil {
		ids = []int{}
	}
	return ids, nil
}

// GetStateVariable returns one resolved state variable at a hook snapshot.
func (s *EdbService) GetStateVariable(snapshotID int, name string) (*StateVarView, error) {
	v, err := s.ctx.GetStateVariable(snapshotID, name)
	if err != nil {
		return nil, err
	}
	if v == nil {
		// Resolution ran and failed; the variable exists but has no value.
		return &StateVarView{Name: name}, nil
	}
	return &StateVarView{Name: name, Raw: v.Raw, Decoded: v.Decoded}, nil
}

// CallPure runs a read-only call against the db captured at a snapshot. The
// calldata is selector || argsABI; the return data comes back raw for the
// caller to decode against its own ABI.
func (s *EdbService) CallPure(snapshotID int, to common.Address, selector hexutil.Bytes, argsABI hexutil.Bytes, value *hexutil.Big) (hexutil.Bytes, error) {
	calldata := make([]byte, 0, len(selector)+len(argsABI))
	calldata = append(calldata, selector...)
	calldata = append(calldata, argsABI...)

	var v *big.Int
	if value != nil {
		v = value.ToInt()
	}
	ret, err := s.ctx.CallPure(snapshotID, to, calldata, v)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func snapshotView(snap *snapshot.Snapshot) *SnapshotView {
	view := &SnapshotView{
		ID:           snap.ID,
		TraceEntryID: snap.FrameID.TraceEntryID,
		ReEntryCount: snap.FrameID.ReEntryCount,
		NextID:       snap.NextID,
		PrevID:       snap.PrevID,
		Target:       snap.TargetAddress(),
		BytecodeAddr: snap.BytecodeAddress(),
	}
	switch snap.Kind {
	case snapshot.KindOpcode:
		view.Kind = "opcode"
		pc := hexutil.Uint64(snap.Opcode.PC)
		op := hexutil.Uint(snap.Opcode.Opcode)
		view.PC = &pc
		view.Opcode = &op
		for _, v := range snap.Opcode.Stack.ToSlice() {
			view.Stack = append(view.Stack, hexutil.Big(*v.ToBig()))
		}
		view.Memory = snap.Opcode.Memory.ToSlice()
	case snapshot.KindHook:
		view.Kind = "hook"
		usid := hexutil.Uint64(snap.Hook.USID)
		view.USID = &usid
		for name := range snap.Hook.StateVars {
			view.StateVars = append(view.StateVars, name)
		}
	}
	return view
}

func traceEntryView(e *trace.TraceEntry) *TraceEntryView {
	view := &TraceEntryView{
		ID:              e.ID,
		Depth:           e.Depth,
		Scheme:          schemeString(e.Scheme),
		Caller:          e.Caller,
		Target:          e.Target,
		CodeAddress:     e.CodeAddress,
		Input:           e.Input,
		Value:           (*hexutil.Big)(e.Value),
		Result:          resultString(e.Result.Kind),
		Output:          e.Result.Output,
		CreatedContract: e.CreatedContract,
		FirstSnapshotID: e.FirstSnapshotID,
		TargetLabel:     e.TargetLabel,
		FunctionABI:     e.FunctionABI,
	}
	if e.HasParent() {
		parent := e.ParentID
		view.ParentID = &parent
	}
	return view
}

func schemeString(s trace.CallScheme) string {
	switch s {
	case trace.SchemeCall:
		return "call"
	case trace.SchemeCallCode:
		return "callcode"
	case trace.SchemeDelegateCall:
		return "delegatecall"
	case trace.SchemeStaticCall:
		return "staticcall"
	case trace.SchemeCreate:
		return "create"
	case trace.SchemeCreate2:
		return "create2"
	case trace.SchemeCreateCustom:
		return "create-custom"
	default:
		return "unknown"
	}
}

func resultString(k trace.ResultKind) string {
	switch k {
	case trace.ResultSuccess:
		return "success"
	case trace.ResultRevert:
		return "revert"
	default:
		return "pending"
	}
}
