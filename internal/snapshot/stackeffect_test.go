package snapshot

import (
	"testing"

	"github.com/ethereum/go-ethereum/core/vm"
)

func TestEffectOf(t *testing.T) {
	if eff := effectOf(vm.PUSH1); eff.pops != 0 || eff.pushes != 1 || eff.deferred {
		t.Fatalf("PUSH1: %+v", eff)
	}
	if eff := effectOf(vm.ADD); eff.pops != 2 || eff.pushes != 1 {
		t.Fatalf("ADD: %+v", eff)
	}
	if eff := effectOf(vm.CALL); eff.pops != 7 || eff.pushes != 1 || !eff.deferred {
		t.Fatalf("CALL must defer its push: %+v", eff)
	}
	if eff := effectOf(vm.CREATE2); eff.pops != 4 || !eff.deferred {
		t.Fatalf("CREATE2: %+v", eff)
	}
	if eff := effectOf(vm.LOG3); eff.pops != 5 || eff.pushes != 0 {
		t.Fatalf("LOG3 pops topics plus offset/size: %+v", eff)
	}
	if eff := effectOf(vm.SWAP7); eff.pops != 0 || eff.pushes != 0 {
		t.Fatalf("SWAPn leaves the depth unchanged: %+v", eff)
	}
}

func TestEffectOfDeferredFamily(t *testing.T) {
	for _, op := range []vm.OpCode{vm.CALL, vm.CALLCODE, vm.DELEGATECALL, vm.STATICCALL, vm.CREATE, vm.CREATE2} {
		if !effectOf(op).deferred {
			t.Fatalf("%v must defer its push to the call/create end", op)
		}
	}
	if effectOf(vm.ADD).deferred {
		t.Fatalf("ADD has no deferred push")
	}
}
