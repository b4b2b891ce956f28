package engine

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/edb-debugger/edb/rpc"
)

func TestPoolPrepareAllPreservesOrder(t *testing.T) {
	contractAddr := common.HexToAddress("0x0000000000000000000000000000000000000011")
	ts := stubChain(t, map[common.Address][]byte{contractAddr: {byte(vm.PUSH1), 0x01, byte(vm.POP), byte(vm.STOP)}})
	defer ts.Close()

	info, block, cfg := e2eEnvironment()
	base := Request{
		RPCClt: rpc.NewClient(ts.URL),
		Fork:   info,
		Block:  block,
		Cfg:    cfg,
		Tx: TxEnv{
			From:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			To:       &contractAddr,
			GasLimit: 1_000_000,
			GasPrice: big.NewInt(0),
			Value:    big.NewInt(0),
		},
	}

	pool := NewPool(2)
	results, err := pool.PrepareAll(context.Background(), []Request{base, base, base})
	if err != nil {
		t.Fatalf("prepare all: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 contexts, got %d", len(results))
	}
	for i, ectx := range results {
		if ectx == nil {
			t.Fatalf("result %d missing", i)
		}
		if ectx.Snapshots.Len() != 3 {
			t.Fatalf("result %d: expected 3 snapshots, got %d", i, ectx.Snapshots.Len())
		}
	}
}

func TestPoolPrepareCancelledWhileQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := NewPool(1)
	if _, err := pool.Prepare(ctx, Request{}); err == nil {
		t.Fatalf("a cancelled context must fail slot acquisition")
	}
}
