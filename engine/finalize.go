package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/edb-debugger/edb/internal/fork"
	"github.com/edb-debugger/edb/internal/snapshot"
)

// derivedCallGas is the gas limit handed to every state-variable getter and
// edb_callPure invocation: generous enough that no realistic view function
// runs out, irrelevant to the debugged transaction's own gas accounting.
const derivedCallGas = 50_000_000

// resolveStateVariables fills in Hook.StateVars for every hook snapshot, by
// running each applicable Artifact getter against a derived EVM rooted at
// that snapshot's own captured db. A getter that fails to resolve (decode
// error, reverted call, missing ABI) is recorded as a nil value rather than
// aborting the whole prepare: state-variable readout is a convenience, not a
// correctness requirement of the snapshot stream itself.
//
// Each getter run is pure CPU, but a long trace can hold thousands of hook
// snapshots, so ctx is observed between snapshots to keep a cancelled
// prepare from running resolution to completion.
func resolveStateVariables(ctx context.Context, c *Context, artifacts map[common.Address]*Artifact) {
	if len(artifacts) == 0 {
		return
	}
	items := c.Snapshots.All()
	for i := range items {
		if ctx.Err() != nil {
			log.Warn("engine: state variable resolution cancelled", "resolved", i, "total", len(items))
			return
		}
		snap := &items[i]
		if snap.Kind != snapshot.KindHook {
			continue
		}
		artifact, ok := artifacts[snap.Hook.BytecodeAddress]
		if !ok || len(artifact.Getters) == 0 {
			continue
		}
		snap.Hook.StateVars = make(map[string]*snapshot.StateVarValue, len(artifact.Getters))
		for _, getter := range artifact.Getters {
			val, err := callGetter(c, snap, artifact.Address, getter)
			if err != nil {
				log.Debug("engine: state variable resolution failed",
					"snapshot", snap.ID, "variable", getter.Name, "err", err)
				snap.Hook.StateVars[getter.Name] = nil
				continue
			}
			snap.Hook.StateVars[getter.Name] = val
		}
	}
}

// callGetter runs one no-argument getter against the db a hook snapshot
// captured, returning its decoded result.
func callGetter(c *Context, snap *snapshot.Snapshot, target common.Address, getter StateVarGetter) (*snapshot.StateVarValue, error) {
	sdb, err := derivedStateDB(snap.Hook.DB)
	if err != nil {
		return nil, err
	}

	evm := vm.NewEVM(c.blockCtx, vm.TxContext{Origin: c.From, GasPrice: new(big.Int)}, sdb, c.chainConfig, vm.Config{})
	rules := c.chainConfig.Rules(c.blockCtx.BlockNumber, c.blockCtx.Random != nil, c.blockCtx.Time)
	sdb.Prepare(rules, c.From, c.blockCtx.Coinbase, &target, vm.ActivePrecompiles(rules), nil)

	ret, _, err := evm.StaticCall(vm.AccountRef(c.From), target, getter.Selector[:], derivedCallGas)
	if err != nil {
		return nil, err
	}

	decoded, err := getter.Outputs.Unpack(ret)
	if err != nil {
		return nil, err
	}
	var out interface{} = decoded
	if len(decoded) == 1 {
		out = decoded[0]
	}
	return &snapshot.StateVarValue{Raw: ret, Decoded: out}, nil
}

// CallPure runs an arbitrary read-only call against a snapshot's captured db
// — the edb_callPure external operation — returning the raw return data
// undecoded, since the caller supplies its own ABI for decoding.
func (c *Context) CallPure(snapshotID int, to common.Address, calldata []byte, value *big.Int) ([]byte, error) {
	snap := c.Snapshots.Get(snapshotID)
	if snap == nil {
		return nil, fmt.Errorf("engine: snapshot %d not found", snapshotID)
	}
	sdb, err := derivedStateDB(snap.DB())
	if err != nil {
		return nil, err
	}

	evm := vm.NewEVM(c.blockCtx, vm.TxContext{Origin: c.From, GasPrice: new(big.Int)}, sdb, c.chainConfig, vm.Config{})
	rules := c.chainConfig.Rules(c.blockCtx.BlockNumber, c.blockCtx.Random != nil, c.blockCtx.Time)
	sdb.Prepare(rules, c.From, c.blockCtx.Coinbase, &to, vm.ActivePrecompiles(rules), nil)

	if value == nil {
		value = new(big.Int)
	}
	ret, _, err := evm.Call(vm.AccountRef(c.From), to, calldata, derivedCallGas, uint256.MustFromBig(value))
	return ret, err
}

// derivedStateDB returns a throwaway copy of the *state.StateDB a captured
// DBHandle wraps, so derived calls never dirty the snapshot's own state.
// Every DBHandle this engine ever constructs is a *fork.DB, so the assertion
// is infallible in practice; it is checked rather than forced to keep the
// snapshot package's DBHandle boundary honest.
func derivedStateDB(h snapshot.DBHandle) (*state.StateDB, error) {
	fdb, ok := h.(*fork.DB)
	if !ok {
		return nil, fmt.Errorf("engine: snapshot db handle is %T, not *fork.DB", h)
	}
	return fdb.StateDB.Copy(), nil
}
