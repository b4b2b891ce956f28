package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethcore "github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/edb-debugger/edb/internal/fork"
	"github.com/edb-debugger/edb/internal/snapshot"
	"github.com/edb-debugger/edb/internal/trace"
	"github.com/edb-debugger/edb/rpc"
)

// Prepare reconstructs the pre-transaction state, replays the transaction
// twice (call tracer, then opcode+hook inspectors), merges and navigates the
// resulting snapshot stream, and (unless opts.Quick) resolves every hook
// snapshot's state variables. It returns an immutable Context ready to be
// served.
//
// ctx is checked before each replay pass and between hook snapshots during
// state-variable resolution; a replay pass that has already started runs to
// its end. A cancellation seen at any of those points makes Prepare return
// the context's error and no Context.
func Prepare(ctx context.Context, rpcClt *rpc.Client, info fork.Info, tx TxEnv, block BlockEnv, cfg CfgEnv, opts PrepareOptions) (*Context, error) {
	if tx.Value == nil {
		tx.Value = new(big.Int)
	}
	if cfg.ChainConfig == nil {
		cfg.ChainConfig = defaultChainConfig(info)
	}
	blockCtx := buildBlockContext(block)

	swappedTx, predicted, swapped := applyRootCreateSwap(tx, opts.Swaps)
	if swapped {
		log.Info("engine: root transaction matched a registered create swap", "predicted", predicted)
		tx = swappedTx
	}

	tr, err := runCallTracerPass(ctx, rpcClt, info, tx, blockCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: call tracer pass: %w", err)
	}
	if swapped && len(tr.Entries) > 0 {
		tr.Entries[0].Scheme = trace.SchemeCreateCustom
	}

	excluded := opts.Excluded
	if excluded == nil {
		excluded = map[common.Address]bool{}
	}

	opc, hook, err := runInspectorPass(ctx, rpcClt, info, tx, blockCtx, cfg, excluded)
	if err != nil {
		return nil, fmt.Errorf("engine: opcode/hook inspector pass: %w", err)
	}

	snaps := snapshot.Merge(opc, hook)
	snapshot.Navigate(snaps, tr, opts.AnalysisResults)
	fillFirstSnapshotIDs(tr, snaps)

	ectx := &Context{
		Fork:        info,
		From:        tx.From,
		Trace:       tr,
		Snapshots:   snaps,
		results:     opts.AnalysisResults,
		artifacts:   opts.Artifacts,
		blockCtx:    blockCtx,
		chainConfig: cfg.ChainConfig,
	}

	if !opts.Quick {
		resolveStateVariables(ctx, ectx, opts.Artifacts)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("engine: state variable resolution: %w", err)
		}
	}

	return ectx, nil
}

// applyRootCreateSwap checks the root transaction's own init code (the only
// CREATE this engine controls without forking the interpreter, see
// DESIGN.md) against the registered swaps. It returns the rewritten TxEnv,
// the address the swapped constructor will still deploy to, and whether a
// swap applied.
func applyRootCreateSwap(tx TxEnv, swaps []snapshot.CreateSwap) (TxEnv, common.Address, bool) {
	if tx.To != nil || len(swaps) == 0 {
		return tx, common.Address{}, false
	}
	swap, ok := snapshot.MatchCreateSwap(swaps, tx.Data)
	if !ok {
		return tx, common.Address{}, false
	}
	predicted := crypto.CreateAddress(tx.From, tx.Nonce)
	rewritten := tx
	rewritten.Data = append(append([]byte(nil), swap.InstrumentedInitCode...), swap.ConstructorArgs...)
	return rewritten, predicted, true
}

func runCallTracerPass(ctx context.Context, rpcClt *rpc.Client, info fork.Info, tx TxEnv, blockCtx vm.BlockContext, cfg CfgEnv) (*trace.Trace, error) {
	db, err := fork.New()
	if err != nil {
		return nil, err
	}
	fetcher := fork.NewFetcher(rpcClt, info, db.StateDB)
	if err := primeAccounts(fetcher, db, tx); err != nil {
		return nil, err
	}

	tracer := trace.NewCallTracer(db.StateDB.GetCode)
	hooks := combineHooks(fetcher.Hooks(), tracer.Hooks())

	if err := runOnce(ctx, db, tx, blockCtx, cfg, hooks); err != nil {
		return nil, err
	}
	// Hooks cannot bubble errors while the interpreter runs; a fetch that
	// failed mid-replay means the trace was built on wrong state.
	if err := fetcher.FirstError(); err != nil {
		return nil, fmt.Errorf("engine: upstream unavailable during replay: %w", err)
	}
	return tracer.Trace(), nil
}

func runInspectorPass(ctx context.Context, rpcClt *rpc.Client, info fork.Info, tx TxEnv, blockCtx vm.BlockContext, cfg CfgEnv, excluded map[common.Address]bool) (*snapshot.OpcodeInspector, *snapshot.HookInspector, error) {
	db, err := fork.New()
	if err != nil {
		return nil, nil, err
	}
	fetcher := fork.NewFetcher(rpcClt, info, db.StateDB)
	if err := primeAccounts(fetcher, db, tx); err != nil {
		return nil, nil, err
	}

	provider := &fork.Provider{SDB: db.StateDB}
	opc := snapshot.NewOpcodeInspector(excluded, provider)
	hook := snapshot.NewHookInspector(provider)
	hooks := combineHooks(fetcher.Hooks(), opc.Hooks(), hook.Hooks())

	if err := runOnce(ctx, db, tx, blockCtx, cfg, hooks); err != nil {
		return nil, nil, err
	}
	if err := fetcher.FirstError(); err != nil {
		return nil, nil, fmt.Errorf("engine: upstream unavailable during replay: %w", err)
	}
	return opc, hook, nil
}

// primeAccounts ensures the sender and (if any) receiver exist with their
// real on-chain code/balance before the replay starts, and forces the
// sender's nonce to the transaction's own, matching what the historical
// block would have observed.
func primeAccounts(fetcher *fork.Fetcher, db *fork.DB, tx TxEnv) error {
	if err := fetcher.EnsureAccount(tx.From); err != nil {
		return err
	}
	if tx.To != nil {
		if err := fetcher.EnsureAccount(*tx.To); err != nil {
			return err
		}
	}
	db.StateDB.SetNonce(tx.From, tx.Nonce)
	return nil
}

func runOnce(ctx context.Context, db *fork.DB, tx TxEnv, blockCtx vm.BlockContext, cfg CfgEnv, hooks *tracing.Hooks) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txCtx := vm.TxContext{Origin: tx.From, GasPrice: tx.GasPrice}
	vmConfig := vm.Config{Tracer: hooks}

	evm := vm.NewEVM(blockCtx, txCtx, db.StateDB, cfg.ChainConfig, vmConfig)
	rules := cfg.ChainConfig.Rules(blockCtx.BlockNumber, blockCtx.Random != nil, blockCtx.Time)
	db.StateDB.Prepare(rules, tx.From, blockCtx.Coinbase, tx.To, vm.ActivePrecompiles(rules), nil)

	sender := vm.AccountRef(tx.From)
	value := uint256.MustFromBig(tx.Value)

	var err error
	if tx.To == nil {
		_, _, _, err = evm.Create(sender, tx.Data, tx.GasLimit, value)
	} else {
		_, _, err = evm.Call(sender, *tx.To, tx.Data, tx.GasLimit, value)
	}
	// A revert or out-of-gas is a normal, fully-traced outcome, not a
	// prepare failure: the call tracer records it as CallResult{Revert}.
	// Only a panic-level interpreter error would be worth bubbling, and
	// go-ethereum's EVM never returns one from Call/Create.
	_ = err
	return nil
}

func buildBlockContext(b BlockEnv) vm.BlockContext {
	getHash := b.GetHashFn
	if getHash == nil {
		getHash = func(n uint64) common.Hash { return common.Hash{} }
	}
	return vm.BlockContext{
		CanTransfer: gethcore.CanTransfer,
		Transfer:    gethcore.Transfer,
		GetHash:     getHash,
		Coinbase:    b.Coinbase,
		GasLimit:    b.GasLimit,
		BlockNumber: b.BlockNumber,
		Time:        b.Time,
		Difficulty:  b.Difficulty,
		BaseFee:     b.BaseFee,
		BlobBaseFee: b.BlobBaseFee,
		Random:      b.Random,
	}
}

func defaultChainConfig(info fork.Info) *params.ChainConfig {
	chainID := info.ChainID
	if chainID == nil {
		chainID = big.NewInt(1)
	}
	zero := uint64(0)
	return &params.ChainConfig{
		ChainID:                       chainID,
		HomesteadBlock:                big.NewInt(0),
		EIP150Block:                   big.NewInt(0),
		EIP155Block:                   big.NewInt(0),
		EIP158Block:                   big.NewInt(0),
		ByzantiumBlock:                big.NewInt(0),
		ConstantinopleBlock:           big.NewInt(0),
		PetersburgBlock:               big.NewInt(0),
		IstanbulBlock:                 big.NewInt(0),
		MuirGlacierBlock:              big.NewInt(0),
		BerlinBlock:                   big.NewInt(0),
		LondonBlock:                   big.NewInt(0),
		TerminalTotalDifficulty:       big.NewInt(0),
		TerminalTotalDifficultyPassed: true,
		ShanghaiTime:                  &zero,
		CancunTime:                    &zero,
	}
}

// fillFirstSnapshotIDs sets TraceEntry.FirstSnapshotID to the smallest
// snapshot id belonging to each trace entry, -1 if none.
func fillFirstSnapshotIDs(tr *trace.Trace, snaps *snapshot.Snapshots) {
	first := make(map[int]int)
	for _, s := range snaps.All() {
		id := s.FrameID.TraceEntryID
		if cur, ok := first[id]; !ok || s.ID < cur {
			first[id] = s.ID
		}
	}
	for _, e := range tr.Entries {
		if id, ok := first[e.ID]; ok {
			e.FirstSnapshotID = id
		} else {
			e.FirstSnapshotID = -1
		}
	}
}
