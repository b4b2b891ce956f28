// edb replays an Ethereum transaction under instrumented interpretation and
// serves the captured snapshot stream over JSON-RPC for debugger frontends.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/edb-debugger/edb/engine"
	"github.com/edb-debugger/edb/internal/fork"
	"github.com/edb-debugger/edb/rpc"
	"github.com/edb-debugger/edb/server"
)

var (
	rpcEndpointFlag = &cli.StringFlag{
		Name:     "rpc",
		Usage:    "archive-capable JSON-RPC endpoint to fork from",
		Required: true,
	}
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "port the edb JSON-RPC server listens on (0 picks an ephemeral port)",
		Value: 8545,
	}
	quickFlag = &cli.BoolFlag{
		Name:  "quick",
		Usage: "skip state-variable resolution for a faster prepare pass",
	}
	etherscanKeyFlag = &cli.StringFlag{
		Name:    "etherscan-api-key",
		Usage:   "API key handed to the source-code fetcher",
		EnvVars: []string{"ETHERSCAN_API_KEY"},
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log level (0=crit .. 5=trace)",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "edb",
		Usage: "time-travel debugger for Ethereum transactions",
		Flags: []cli.Flag{rpcEndpointFlag, portFlag, quickFlag, etherscanKeyFlag, verbosityFlag},
		Commands: []*cli.Command{
			{
				Name:      "replay",
				Usage:     "re-execute a transaction and serve its snapshots",
				ArgsUsage: "<tx-hash>",
				Action:    replayAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func replayAction(c *cli.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(c.Int("verbosity")), true)))

	if c.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one transaction hash argument")
	}
	txHash := c.Args().First()

	clt := rpc.NewClient(c.String("rpc"))
	req, err := buildRequest(clt, txHash)
	if err != nil {
		return err
	}
	req.Opts.Quick = c.Bool("quick")

	cfg := engine.DefaultConfig()
	cfg.RPCPort = c.Int("port")
	cfg.EtherscanAPIKey = c.String("etherscan-api-key")
	cfg.Quick = c.Bool("quick")

	pool := engine.NewPool(cfg.MaxConcurrentPrepares)
	ectx, err := pool.Prepare(context.Background(), req)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", txHash, err)
	}
	stats := ectx.Snapshots.Stats()
	log.Info("prepare finished", "tx", txHash,
		"snapshots", stats.Total, "hooks", stats.HookSnapshots, "opcodes", stats.OpcodeSnapshots,
		"frames", stats.Frames)

	srv, err := server.Serve(ectx, cfg.RPCPort)
	if err != nil {
		return err
	}
	defer srv.Close()

	// Probe the websocket endpoint once so a broken listener surfaces here
	// instead of in the first client.
	conn, err := server.DialWS(srv.WSEndpoint())
	if err != nil {
		return err
	}
	conn.Close()

	fmt.Println(srv.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

// buildRequest pulls the transaction and its block from the endpoint and
// assembles everything Prepare needs. Source instrumentation inputs (excluded
// addresses, analysis results, recompiled artifacts) come from the external
// source-code collaborator; run without them every frame is opcode-only.
func buildRequest(clt *rpc.Client, txHash string) (engine.Request, error) {
	tx, err := clt.GetTransactionByHash(txHash)
	if err != nil {
		return engine.Request{}, fmt.Errorf("fetch transaction: %w", err)
	}
	blk, err := clt.GetBlockByNumber(tx.BlockNumber)
	if err != nil {
		return engine.Request{}, fmt.Errorf("fetch block %s: %w", tx.BlockNumber, err)
	}
	chainIDHex, err := clt.ChainID()
	if err != nil {
		return engine.Request{}, fmt.Errorf("fetch chain id: %w", err)
	}

	input, err := hexutil.Decode(tx.Input)
	if err != nil {
		return engine.Request{}, fmt.Errorf("decode transaction input: %w", err)
	}
	txEnv := engine.TxEnv{
		From:     common.HexToAddress(tx.From),
		Nonce:    hexToUint64(tx.Nonce),
		Value:    hexToBig(tx.Value),
		GasLimit: hexToUint64(tx.Gas),
		GasPrice: hexToBig(tx.GasPrice),
		Data:     input,
	}
	if tx.To != nil {
		to := common.HexToAddress(*tx.To)
		txEnv.To = &to
	}

	info := fork.Info{
		ChainID:     hexToBig(chainIDHex),
		BlockNumber: hexToBig(blk.Number),
		BlockHash:   common.HexToHash(blk.Hash),
		Timestamp:   hexToUint64(blk.Timestamp),
	}

	blockEnv := engine.BlockEnv{
		Coinbase:    common.HexToAddress(blk.Miner),
		BlockNumber: hexToBig(blk.Number),
		Time:        hexToUint64(blk.Timestamp),
		GasLimit:    hexToUint64(blk.GasLimit),
		BaseFee:     hexToBig(blk.BaseFeePerGas),
	}
	if diff := hexToBig(blk.Difficulty); diff.Sign() > 0 {
		blockEnv.Difficulty = diff
	} else {
		random := common.HexToHash(blk.MixHash)
		blockEnv.Random = &random
	}

	return engine.Request{
		RPCClt: clt,
		Fork:   info,
		Tx:     txEnv,
		Block:  blockEnv,
	}, nil
}

func hexToBig(s string) *big.Int {
	if s == "" {
		return new(big.Int)
	}
	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return new(big.Int)
	}
	return v
}

func hexToUint64(s string) uint64 {
	if s == "" {
		return 0
	}
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0
	}
	return v
}
