package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
)

// combineHooks fans a single replay's tracing.Hooks callbacks out to every
// non-nil hook set in order. go-ethereum's vm.Config carries exactly one
// *tracing.Hooks, but both replay passes here drive more than one inspector
// at once (pass #1: the address fetcher + the call tracer; pass #2: the
// fetcher + the opcode inspector + the hook inspector), so this is the only
// place those inspectors are composed.
//
// Only OnEnter/OnExit/OnOpcode are fanned out: every inspector in this
// engine is built against exactly that subset of tracing.Hooks.
func combineHooks(hooks ...*tracing.Hooks) *tracing.Hooks {
	nonNil := make([]*tracing.Hooks, 0, len(hooks))
	for _, h := range hooks {
		if h != nil {
			nonNil = append(nonNil, h)
		}
	}
	return &tracing.Hooks{
		OnEnter: func(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
			for _, h := range nonNil {
				if h.OnEnter != nil {
					h.OnEnter(depth, typ, from, to, input, gas, value)
				}
			}
		},
		OnExit: func(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
			for _, h := range nonNil {
				if h.OnExit != nil {
					h.OnExit(depth, output, gasUsed, err, reverted)
				}
			}
		},
		OnOpcode: func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
			for _, h := range nonNil {
				if h.OnOpcode != nil {
					h.OnOpcode(pc, op, gas, cost, scope, rData, depth, err)
				}
			}
		},
	}
}
