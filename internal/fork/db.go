// Package fork provides the pre-transaction state the engine replays against:
// a core/state.StateDB that lazily pulls missing accounts from an
// archive-capable JSON-RPC endpoint the first time the interpreter touches
// them, wired through the public core/tracing.Hooks extension point so no
// forked interpreter is needed.
package fork

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/edb-debugger/edb/internal/snapshot"
	"github.com/edb-debugger/edb/rpc"
)

// Info describes the chain position a replay is rooted at.
type Info struct {
	ChainID     *big.Int
	BlockNumber *big.Int
	SpecID      string
	BlockHash   common.Hash
	Timestamp   uint64
}

// DB wraps a core/state.StateDB so it can be handed around as a
// snapshot.DBHandle. Clone is go-ethereum's own StateDB.Copy, which is the
// same mechanism eth/tracers uses to take a cheap per-step state snapshot:
// it shares the underlying trie nodes and only deep-copies the dirty journal.
type DB struct {
	*state.StateDB
}

func Wrap(s *state.StateDB) *DB { return &DB{s} }

func (d *DB) Clone() snapshot.DBHandle {
	return &DB{d.StateDB.Copy()}
}

// Provider adapts a single live StateDB to snapshot.DBProvider, so the opcode
// and hook inspectors can ask for a db handle without importing this package
// (which would cycle back through it, since Provider itself depends on
// snapshot.DBHandle). Current returns a handle over the live db; callers that
// need an independent point-in-time copy call Clone() on the result.
type Provider struct {
	SDB *state.StateDB
}

func (p *Provider) Current() snapshot.DBHandle {
	return &DB{p.SDB}
}

// New creates an empty in-memory StateDB rooted at the empty trie; Fetcher
// populates it on demand as the replay touches addresses.
func New() (*DB, error) {
	db := state.NewDatabase(rawdb.NewMemoryDatabase())
	sdb, err := state.New(types.EmptyRootHash, db, nil)
	if err != nil {
		return nil, fmt.Errorf("fork: create empty statedb: %w", err)
	}
	return Wrap(sdb), nil
}

// Fetcher is a tracing.Hooks implementation whose only job is lazily filling
// in accounts the replay is about to need: code for call/ext-code targets,
// storage for SLOAD/SSTORE slots, balance for value-bearing calls. It must be
// composed ahead of the call tracer and the opcode/hook inspectors (see
// engine/hooks.go) so the data is present by the time they read it and by the
// time the live interpreter executes the opcode.
type Fetcher struct {
	rpcClt *rpc.Client
	blk    string
	sdb    *state.StateDB

	codeFetched    map[common.Address]bool
	balanceFetched map[common.Address]bool
	storageFetched map[string]bool

	// firstErr records the first upstream fetch failure. tracing.Hooks
	// callbacks cannot return an error, so a fetch that fails mid-replay is
	// logged here at the point of detection and surfaced through FirstError
	// once the replay finishes; the engine aborts prepare on it
	// (upstream-unavailable is a fatal kind, the replayed state would be
	// silently wrong otherwise).
	firstErr error
}

func NewFetcher(rpcClt *rpc.Client, info Info, sdb *state.StateDB) *Fetcher {
	blk := "latest"
	if info.BlockNumber != nil && info.BlockNumber.Sign() > 0 {
		blk = "0x" + info.BlockNumber.Text(16)
	}
	return &Fetcher{
		rpcClt:         rpcClt,
		blk:            blk,
		sdb:            sdb,
		codeFetched:    make(map[common.Address]bool),
		balanceFetched: make(map[common.Address]bool),
		storageFetched: make(map[string]bool),
	}
}

func (f *Fetcher) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnOpcode: f.onOpcode,
	}
}

// FirstError returns the first upstream fetch failure seen during the
// replay, nil if every fetch succeeded.
func (f *Fetcher) FirstError() error {
	return f.firstErr
}

func (f *Fetcher) recordErr(err error) {
	if f.firstErr == nil {
		f.firstErr = err
	}
}

// EnsureAccount fetches code and balance for addr once (the nonce is not
// fetched), ahead of any opcode
// touching it. Prepare calls this for the transaction's own From/To before
// the replay starts; onOpcode calls it for addresses discovered mid-execution.
func (f *Fetcher) EnsureAccount(addr common.Address) error {
	if f.codeFetched[addr] {
		return nil
	}
	code, err := f.rpcClt.GetCode(addr.Hex(), f.blk)
	if err != nil {
		err = fmt.Errorf("fork: fetch code for %s: %w", addr, err)
		f.recordErr(err)
		return err
	}
	if !f.sdb.Exist(addr) {
		f.sdb.CreateAccount(addr)
	}
	if len(code) > 0 {
		f.sdb.SetCode(addr, code)
	}
	f.codeFetched[addr] = true
	return f.ensureBalance(addr)
}

func (f *Fetcher) ensureBalance(addr common.Address) error {
	if f.balanceFetched[addr] {
		return nil
	}
	balance, err := f.rpcClt.GetBalance(addr.Hex(), f.blk)
	if err != nil {
		err = fmt.Errorf("fork: fetch balance for %s: %w", addr, err)
		f.recordErr(err)
		return err
	}
	f.sdb.SetBalance(addr, uint256.MustFromBig(balance), tracing.BalanceChangeUnspecified)
	f.balanceFetched[addr] = true
	return nil
}

func (f *Fetcher) ensureStorage(addr common.Address, slot common.Hash) error {
	key := addr.Hex() + ":" + slot.Hex()
	if f.storageFetched[key] {
		return nil
	}
	value, err := f.rpcClt.GetStorageAt(addr.Hex(), slot.Hex(), f.blk)
	if err != nil {
		err = fmt.Errorf("fork: fetch storage %s: %w", key, err)
		f.recordErr(err)
		return err
	}
	f.sdb.SetState(addr, slot, value)
	f.storageFetched[key] = true
	return nil
}

func (f *Fetcher) onOpcode(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
	stack := scope.StackData()
	switch vm.OpCode(op) {
	case vm.SLOAD, vm.SSTORE:
		if len(stack) < 1 {
			return
		}
		slot := common.Hash(stack[len(stack)-1].Bytes32())
		if ferr := f.ensureStorage(scope.Address(), slot); ferr != nil {
			log.Warn("fork: storage prefetch failed", "addr", scope.Address(), "slot", slot, "err", ferr)
		}
	case vm.CALL, vm.CALLCODE, vm.DELEGATECALL, vm.STATICCALL:
		if len(stack) < 2 {
			return
		}
		addr := common.Address(stack[len(stack)-2].Bytes20())
		if ferr := f.EnsureAccount(addr); ferr != nil {
			log.Warn("fork: call-target prefetch failed", "addr", addr, "err", ferr)
		}
	case vm.EXTCODECOPY, vm.EXTCODEHASH, vm.EXTCODESIZE, vm.BALANCE:
		if len(stack) < 1 {
			return
		}
		addr := common.Address(stack[len(stack)-1].Bytes20())
		if ferr := f.EnsureAccount(addr); ferr != nil {
			log.Warn("fork: ext-code prefetch failed", "addr", addr, "err", ferr)
		}
	}
}
