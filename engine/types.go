// Package engine ties the core snapshot pipeline together: fork+prepare,
// the two replay passes, merge, navigation analysis and state-variable
// finalization. It is the one package that knows about every other internal
// package at once; everything downstream of it (the JSON-RPC server, the
// CLI) only ever sees a *Context.
package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"github.com/edb-debugger/edb/internal/analysis"
	"github.com/edb-debugger/edb/internal/snapshot"
)

// TxEnv describes the transaction under debug, mirroring the fields of
// core/types.Transaction plus the sender go-ethereum would otherwise recover
// from the signature — the caller already knows it (it came from
// eth_getTransactionByHash), so there is no need to re-derive it here.
type TxEnv struct {
	From     common.Address
	To       *common.Address // nil for a contract-creation transaction
	Nonce    uint64
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
	Data     []byte
}

// BlockEnv mirrors core/vm.BlockContext, the fields the EVM needs from the
// block the transaction executed in.
type BlockEnv struct {
	Coinbase    common.Address
	BlockNumber *big.Int
	Time        uint64
	Difficulty  *big.Int     // pre-merge PoW difficulty
	Random      *common.Hash // post-merge RANDAO value; set instead of Difficulty
	GasLimit    uint64
	BaseFee     *big.Int
	BlobBaseFee *big.Int

	// GetHashFn resolves BLOCKHASH lookups. If nil, every lookup returns the
	// zero hash; nothing is fetched from the RPC endpoint.
	GetHashFn func(n uint64) common.Hash
}

// CfgEnv carries the chain rules the replay runs under.
type CfgEnv struct {
	ChainConfig *params.ChainConfig
	ExtraEips   []int
}

// StateVarGetter is one no-argument state-variable getter exposed by a
// recompiled contract's Artifact, resolved at every hook snapshot taken at
// that contract's bytecode address.
type StateVarGetter struct {
	Name     string
	Selector [4]byte
	Outputs  abi.Arguments
}

// Artifact is the recompiled-contract surface the (external, out of scope)
// source-code collaborator produces: enough to resolve state variables at a
// hook snapshot. Meta/Input/Output from the original compilation are not
// modeled here since nothing in this core touches them directly.
type Artifact struct {
	Address common.Address
	Getters []StateVarGetter
}

// PrepareOptions bundles everything the (external) source-code collaborator
// and caller contribute beyond the raw transaction and fork point.
type PrepareOptions struct {
	// Excluded marks addresses with available source-level instrumentation;
	// the opcode inspector skips them, the hook inspector expects hooks in
	// them.
	Excluded map[common.Address]bool

	// Swaps is the registered set of (original runtime bytecode,
	// instrumented init code, constructor args) triples considered for the
	// root transaction's own CREATE, see applyRootCreateSwap.
	Swaps []snapshot.CreateSwap

	// AnalysisResults is keyed by code address hex, matching
	// trace.TraceEntry.CodeAddress.Hex() for the entries whose frames carry
	// hook snapshots.
	AnalysisResults map[string]*analysis.Result

	// Artifacts is keyed by the contract address a hook snapshot was taken
	// in (its BytecodeAddress, so a delegatecall proxy resolves against the
	// library's own getters).
	Artifacts map[common.Address]*Artifact

	// Quick skips state-variable resolution, trading readout completeness
	// for a faster prepare pass.
	Quick bool
}

// Config is the engine-wide configuration, independent of any one
// transaction's prepare call.
type Config struct {
	RPCPort         int
	EtherscanAPIKey string
	Quick           bool
	// MaxConcurrentPrepares bounds how many transactions may be under
	// preparation at once (see Pool).
	MaxConcurrentPrepares int
}

// SetDefaults fills in the zero fields of a possibly-partial Config: serve
// on 8545, resolve state variables unless told otherwise, four concurrent
// prepares.
func SetDefaults(cfg *Config) {
	if cfg.RPCPort == 0 {
		cfg.RPCPort = 8545
	}
	if cfg.MaxConcurrentPrepares == 0 {
		cfg.MaxConcurrentPrepares = 4
	}
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var cfg Config
	SetDefaults(&cfg)
	return cfg
}
