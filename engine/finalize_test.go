package engine

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/edb-debugger/edb/internal/fork"
	"github.com/edb-debugger/edb/internal/snapshot"
	"github.com/edb-debugger/edb/internal/trace"
)

// getterRuntime returns storage slot 0 as a 32-byte word, whatever the
// calldata: PUSH1 0 SLOAD PUSH1 0 MSTORE PUSH1 32 PUSH1 0 RETURN.
var getterRuntime = []byte{
	byte(vm.PUSH1), 0x00, byte(vm.SLOAD),
	byte(vm.PUSH1), 0x00, byte(vm.MSTORE),
	byte(vm.PUSH1), 0x20, byte(vm.PUSH1), 0x00, byte(vm.RETURN),
}

// finalizeContext builds a Context holding one hook snapshot whose captured
// db has getterRuntime deployed at contractAddr with slot 0 set to slotVal.
func finalizeContext(t *testing.T, contractAddr common.Address, slotVal uint64) *Context {
	t.Helper()

	db, err := fork.New()
	if err != nil {
		t.Fatalf("new statedb: %v", err)
	}
	db.StateDB.CreateAccount(contractAddr)
	db.StateDB.SetCode(contractAddr, getterRuntime)
	db.StateDB.SetState(contractAddr, common.Hash{}, common.BigToHash(new(big.Int).SetUint64(slotVal)))

	tr := trace.NewTrace()
	tr.Entries = append(tr.Entries, &trace.TraceEntry{
		ID: 0, ParentID: -1, Target: contractAddr, CodeAddress: contractAddr, FirstSnapshotID: -1,
	})

	snaps := snapshot.NewSnapshots()
	snaps.Append(snapshot.NewHookSnapshot(0, snapshot.FrameID{TraceEntryID: 0}, &snapshot.HookSnapshot{
		TargetAddress:   contractAddr,
		BytecodeAddress: contractAddr,
		DB:              db.Clone(),
		USID:            1,
	}))

	random := common.Hash{}
	return &Context{
		From:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Trace:     tr,
		Snapshots: snaps,
		blockCtx: buildBlockContext(BlockEnv{
			BlockNumber: big.NewInt(1),
			Time:        1,
			Random:      &random,
			GasLimit:    30_000_000,
			BaseFee:     big.NewInt(0),
		}),
		chainConfig: defaultChainConfig(fork.Info{ChainID: big.NewInt(1)}),
	}
}

func TestResolveStateVariables(t *testing.T) {
	contractAddr := common.HexToAddress("0x0000000000000000000000000000000000000011")
	c := finalizeContext(t, contractAddr, 7)

	uint256Ty, err := abi.NewType("uint256", "", nil)
	if err != nil {
		t.Fatalf("abi type: %v", err)
	}
	artifacts := map[common.Address]*Artifact{
		contractAddr: {
			Address: contractAddr,
			Getters: []StateVarGetter{{
				Name:     "count",
				Selector: [4]byte{0x06, 0x66, 0x1a, 0xbd},
				Outputs:  abi.Arguments{{Type: uint256Ty}},
			}},
		},
	}

	resolveStateVariables(context.Background(), c, artifacts)

	hook := c.Snapshots.Get(0).Hook
	if hook.StateVars == nil {
		t.Fatalf("state variables were never resolved")
	}
	v, ok := hook.StateVars["count"]
	if !ok || v == nil {
		t.Fatalf("expected 'count' to resolve, got %v ok=%v", v, ok)
	}
	got, ok := v.Decoded.(*big.Int)
	if !ok {
		t.Fatalf("expected *big.Int, got %T", v.Decoded)
	}
	if got.Uint64() != 7 {
		t.Fatalf("expected count == 7, got %v", got)
	}
	if len(v.Raw) != 32 {
		t.Fatalf("expected 32 raw return bytes, got %d", len(v.Raw))
	}
}

func TestResolveStateVariablesFailureStoredAsNil(t *testing.T) {
	contractAddr := common.HexToAddress("0x0000000000000000000000000000000000000011")
	c := finalizeContext(t, contractAddr, 7)

	// Two words of output against a one-word return: decoding must fail, the
	// variable must be recorded as unresolved, and resolution must not abort.
	uint256Ty, err := abi.NewType("uint256", "", nil)
	if err != nil {
		t.Fatalf("abi type: %v", err)
	}
	artifacts := map[common.Address]*Artifact{
		contractAddr: {
			Address: contractAddr,
			Getters: []StateVarGetter{{
				Name:     "pair",
				Selector: [4]byte{0x01, 0x02, 0x03, 0x04},
				Outputs:  abi.Arguments{{Type: uint256Ty}, {Type: uint256Ty}},
			}},
		},
	}

	resolveStateVariables(context.Background(), c, artifacts)

	hook := c.Snapshots.Get(0).Hook
	v, ok := hook.StateVars["pair"]
	if !ok {
		t.Fatalf("failed getter must still appear in the map")
	}
	if v != nil {
		t.Fatalf("failed getter must be stored as nil, got %+v", v)
	}
}

func TestResolveStateVariablesNoArtifacts(t *testing.T) {
	contractAddr := common.HexToAddress("0x0000000000000000000000000000000000000011")
	c := finalizeContext(t, contractAddr, 7)

	resolveStateVariables(context.Background(), c, nil)

	if c.Snapshots.Get(0).Hook.StateVars != nil {
		t.Fatalf("no artifacts means nothing to resolve")
	}
}

func TestCallPureAgainstSnapshotDB(t *testing.T) {
	contractAddr := common.HexToAddress("0x0000000000000000000000000000000000000011")
	c := finalizeContext(t, contractAddr, 42)

	ret, err := c.CallPure(0, contractAddr, []byte{0xde, 0xad, 0xbe, 0xef}, nil)
	if err != nil {
		t.Fatalf("call pure: %v", err)
	}
	if got := new(big.Int).SetBytes(ret); got.Uint64() != 42 {
		t.Fatalf("expected 42, got %v", got)
	}

	if _, err := c.CallPure(9, contractAddr, nil, nil); err == nil {
		t.Fatalf("out-of-range snapshot must error")
	}
}

func TestCallPureDoesNotDirtySnapshotDB(t *testing.T) {
	contractAddr := common.HexToAddress("0x0000000000000000000000000000000000000011")
	c := finalizeContext(t, contractAddr, 5)

	// Run the read twice; a derived EVM leaking writes back into the captured
	// db would show up as a different answer the second time.
	for i := 0; i < 2; i++ {
		ret, err := c.CallPure(0, contractAddr, nil, nil)
		if err != nil {
			t.Fatalf("call pure #%d: %v", i, err)
		}
		if got := new(big.Int).SetBytes(ret); got.Uint64() != 5 {
			t.Fatalf("call #%d: expected 5, got %v", i, got)
		}
	}
}
