package engine

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
)

func TestCombineHooksFansOutInOrder(t *testing.T) {
	var calls []string
	record := func(name string) *tracing.Hooks {
		return &tracing.Hooks{
			OnEnter: func(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
				calls = append(calls, name+":enter")
			},
			OnExit: func(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
				calls = append(calls, name+":exit")
			},
			OnOpcode: func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
				calls = append(calls, name+":opcode")
			},
		}
	}

	combined := combineHooks(record("a"), nil, record("b"))

	combined.OnEnter(0, 0, common.Address{}, common.Address{}, nil, 0, big.NewInt(0))
	combined.OnOpcode(0, 0, 0, 0, nil, nil, 0, nil)
	combined.OnExit(0, nil, 0, nil, false)

	want := []string{"a:enter", "b:enter", "a:opcode", "b:opcode", "a:exit", "b:exit"}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %d: %v", len(want), len(calls), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d: expected %s, got %s", i, want[i], calls[i])
		}
	}
}

func TestCombineHooksSkipsPartialHookSets(t *testing.T) {
	var entered bool
	enterOnly := &tracing.Hooks{
		OnEnter: func(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
			entered = true
		},
	}

	combined := combineHooks(enterOnly)
	combined.OnEnter(0, 0, common.Address{}, common.Address{}, nil, 0, big.NewInt(0))
	// Must not panic on hooks the inner set never registered.
	combined.OnOpcode(0, 0, 0, 0, nil, nil, 0, nil)
	combined.OnExit(0, nil, 0, nil, false)

	if !entered {
		t.Fatalf("OnEnter was not forwarded")
	}
}
