package fork

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"

	"github.com/edb-debugger/edb/rpc"
)

// mockScope implements tracing.OpContext over plain slices.
type mockScope struct {
	stack  []uint256.Int
	memory []byte
	caller common.Address
	addr   common.Address
	value  *uint256.Int
	input  []byte
}

func (m *mockScope) MemoryData() []byte       { return m.memory }
func (m *mockScope) StackData() []uint256.Int { return m.stack }
func (m *mockScope) Caller() common.Address   { return m.caller }
func (m *mockScope) Address() common.Address  { return m.addr }
func (m *mockScope) CallValue() *uint256.Int  { return m.value }
func (m *mockScope) CallInput() []byte        { return m.input }

// stubEndpoint serves canned answers for the three upstream methods the
// fetcher issues.
func stubEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		var result string
		switch req.Method {
		case "eth_getCode":
			result = "0x6001600155"
		case "eth_getBalance":
			result = "0x64"
		case "eth_getStorageAt":
			result = "0x0000000000000000000000000000000000000000000000000000000000000007"
		default:
			t.Fatalf("unexpected upstream method %s", req.Method)
		}
		fmt.Fprintf(w, `{"id":%d,"jsonrpc":"2.0","result":%q}`, req.ID, result)
	}))
}

func TestFetcherEnsureAccount(t *testing.T) {
	ts := stubEndpoint(t)
	defer ts.Close()

	db, err := New()
	if err != nil {
		t.Fatalf("new statedb: %v", err)
	}
	fetcher := NewFetcher(rpc.NewClient(ts.URL), Info{BlockNumber: big.NewInt(100)}, db.StateDB)

	addr := common.HexToAddress("0x0000000000000000000000000000000000000022")
	if err := fetcher.EnsureAccount(addr); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	if code := db.StateDB.GetCode(addr); len(code) == 0 {
		t.Fatalf("expected code to be populated")
	}
	if bal := db.StateDB.GetBalance(addr); bal.Uint64() != 0x64 {
		t.Fatalf("expected balance 0x64, got %v", bal)
	}

	// A second call must be a no-op, not a refetch; the stub would answer
	// again either way, so just verify it does not error.
	if err := fetcher.EnsureAccount(addr); err != nil {
		t.Fatalf("repeat ensure account: %v", err)
	}
}

func TestFetcherEnsureStorage(t *testing.T) {
	ts := stubEndpoint(t)
	defer ts.Close()

	db, err := New()
	if err != nil {
		t.Fatalf("new statedb: %v", err)
	}
	fetcher := NewFetcher(rpc.NewClient(ts.URL), Info{BlockNumber: big.NewInt(100)}, db.StateDB)

	addr := common.HexToAddress("0x0000000000000000000000000000000000000022")
	slot := common.HexToHash("0x01")
	if err := fetcher.ensureStorage(addr, slot); err != nil {
		t.Fatalf("ensure storage: %v", err)
	}

	if got := db.StateDB.GetState(addr, slot); got != common.HexToHash("0x07") {
		t.Fatalf("expected slot value 0x07, got %v", got)
	}
}

func TestFetcherRecordsFirstError(t *testing.T) {
	ts := stubEndpoint(t)
	ts.Close() // every fetch now fails with a connection error

	db, err := New()
	if err != nil {
		t.Fatalf("new statedb: %v", err)
	}
	fetcher := NewFetcher(rpc.NewClient(ts.URL), Info{BlockNumber: big.NewInt(100)}, db.StateDB)

	if fetcher.FirstError() != nil {
		t.Fatalf("a fresh fetcher must have no recorded error")
	}

	addr := common.HexToAddress("0x0000000000000000000000000000000000000022")
	first := fetcher.EnsureAccount(addr)
	if first == nil {
		t.Fatalf("expected the fetch against a closed endpoint to fail")
	}
	if fetcher.FirstError() == nil {
		t.Fatalf("the failure must be recorded for the engine to abort on")
	}

	// Later failures must not displace the first one.
	_ = fetcher.ensureStorage(addr, common.HexToHash("0x01"))
	if got := fetcher.FirstError(); got.Error() != first.Error() {
		t.Fatalf("FirstError must stay sticky: got %v, want %v", got, first)
	}
}

func TestFetcherHookFailureSurfacesViaFirstError(t *testing.T) {
	ts := stubEndpoint(t)
	ts.Close()

	db, err := New()
	if err != nil {
		t.Fatalf("new statedb: %v", err)
	}
	fetcher := NewFetcher(rpc.NewClient(ts.URL), Info{BlockNumber: big.NewInt(100)}, db.StateDB)

	// A storage prefetch failing inside the OnOpcode hook has no error
	// return path; it must land in FirstError instead.
	scope := &mockScope{addr: common.HexToAddress("0x22"), stack: []uint256.Int{*uint256.NewInt(1)}}
	fetcher.Hooks().OnOpcode(0, byte(vm.SLOAD), 100000, 100, scope, nil, 1, nil)

	if fetcher.FirstError() == nil {
		t.Fatalf("a fetch failure inside the hook must be recorded")
	}
}

func TestDBCloneIsIndependent(t *testing.T) {
	db, err := New()
	if err != nil {
		t.Fatalf("new statedb: %v", err)
	}
	addr := common.HexToAddress("0x0000000000000000000000000000000000000033")
	slot, val := common.HexToHash("0x01"), common.HexToHash("0x02")

	db.StateDB.CreateAccount(addr)
	db.StateDB.SetState(addr, slot, val)

	clone := db.Clone().(*DB)

	db.StateDB.SetState(addr, slot, common.HexToHash("0x09"))

	if got := clone.StateDB.GetState(addr, slot); got != val {
		t.Fatalf("clone must keep the value captured at clone time, got %v", got)
	}
}
