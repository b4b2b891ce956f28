package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/edb-debugger/edb/internal/fork"
	"github.com/edb-debugger/edb/rpc"
)

// Pool bounds how many transactions may be under preparation at once. Each
// Prepare call replays an entire transaction twice against an in-memory
// StateDB and can pull a large amount of account/storage data over RPC, so
// an unbounded fan-out of concurrent "prepare" requests risks exhausting
// memory or the upstream RPC endpoint's rate limit; Pool caps that the same
// way a bounded worker pool caps any other expensive per-request resource.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool returns a Pool that admits at most maxConcurrent simultaneous
// Prepare calls. A non-positive maxConcurrent disables the limit (weight 1
// << 16, in practice unreachable).
func NewPool(maxConcurrent int) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1 << 16
	}
	return &Pool{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Request is one queued Prepare call.
type Request struct {
	RPCClt *rpc.Client
	Fork   fork.Info
	Tx     TxEnv
	Block  BlockEnv
	Cfg    CfgEnv
	Opts   PrepareOptions
}

// Prepare acquires a pool slot (blocking until one is free or ctx is done)
// and runs Prepare for a single request.
func (p *Pool) Prepare(ctx context.Context, req Request) (*Context, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	return Prepare(ctx, req.RPCClt, req.Fork, req.Tx, req.Block, req.Cfg, req.Opts)
}

// PrepareAll runs every request concurrently, bounded by the pool's own
// limit, and returns their results in the same order as reqs. The first
// request to return a non-nil error cancels the rest via errgroup's shared
// context; callers that want partial results on error should call Prepare
// individually instead.
func (p *Pool) PrepareAll(ctx context.Context, reqs []Request) ([]*Context, error) {
	results := make([]*Context, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			ectx, err := p.Prepare(gctx, req)
			if err != nil {
				return err
			}
			results[i] = ectx
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
