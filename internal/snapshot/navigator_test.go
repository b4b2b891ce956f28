package snapshot

import (
	"testing"

	"github.com/edb-debugger/edb/internal/analysis"
	"github.com/edb-debugger/edb/internal/trace"
)

func newTestTrace(parents ...int) *trace.Trace {
	tr := trace.NewTrace()
	for i, parent := range parents {
		depth := 0
		if parent >= 0 {
			depth = tr.Entries[parent].Depth + 1
		}
		tr.Entries = append(tr.Entries, &trace.TraceEntry{
			ID:              i,
			ParentID:        parent,
			Depth:           depth,
			CodeAddress:     taddr(byte(i + 1)),
			FirstSnapshotID: -1,
		})
	}
	return tr
}

func appendOpcode(snaps *Snapshots, entry, reEntry int, pc uint64) {
	frame := FrameID{TraceEntryID: entry, ReEntryCount: reEntry}
	snaps.Append(NewOpcodeSnapshot(0, frame, &OpcodeSnapshot{PC: pc}))
}

func appendHook(snaps *Snapshots, entry, reEntry int, usid USID) {
	frame := FrameID{TraceEntryID: entry, ReEntryCount: reEntry}
	snaps.Append(NewHookSnapshot(0, frame, &HookSnapshot{USID: usid}))
}

func ufid(v analysis.UFID) *analysis.UFID { return &v }

// resultFor builds an analysis.Result whose functions all belong to contract
// 1 unless listed in freeFns.
func resultFor(steps map[USID]*analysis.Step, freeFns ...analysis.UFID) *analysis.Result {
	free := make(map[analysis.UFID]bool)
	for _, f := range freeFns {
		free[f] = true
	}
	contract := analysis.ContractID(1)
	res := &analysis.Result{
		USIDToStep:     make(map[USID]analysis.StepRef),
		UFIDToFunction: make(map[analysis.UFID]analysis.FunctionRef),
	}
	for usid, step := range steps {
		res.USIDToStep[usid] = step
		if free[step.Ufid] {
			res.UFIDToFunction[step.Ufid] = &analysis.Function{}
		} else {
			res.UFIDToFunction[step.Ufid] = &analysis.Function{ContractOf: &contract}
		}
	}
	return res
}

func assertAllLinked(t *testing.T, snaps *Snapshots) {
	t.Helper()
	for i := 0; i < snaps.Len(); i++ {
		s := snaps.Get(i)
		if s.NextID < 0 {
			t.Fatalf("snapshot %d has no next link", i)
		}
		if s.PrevID < 0 {
			t.Fatalf("snapshot %d has no prev link", i)
		}
		if s.NextID < s.ID && i != snaps.Len()-1 {
			t.Fatalf("snapshot %d links backwards to %d", i, s.NextID)
		}
	}
}

func TestNavigateOpcodeFramesLinkWithinFrame(t *testing.T) {
	tr := newTestTrace(-1, 0)
	snaps := NewSnapshots()
	appendOpcode(snaps, 0, 0, 0) // id 0
	appendOpcode(snaps, 0, 0, 2) // id 1, performs the child call
	appendOpcode(snaps, 1, 0, 0) // id 2
	appendOpcode(snaps, 1, 0, 2) // id 3
	appendOpcode(snaps, 0, 1, 4) // id 4, after the child returned

	Navigate(snaps, tr, nil)

	if snaps.Get(0).NextID != 1 {
		t.Fatalf("expected 0 -> 1, got %d", snaps.Get(0).NextID)
	}
	if snaps.Get(1).NextID != 4 {
		t.Fatalf("in-frame linking must skip the child's snapshots: expected 1 -> 4, got %d", snaps.Get(1).NextID)
	}
	if snaps.Get(2).NextID != 3 {
		t.Fatalf("expected 2 -> 3, got %d", snaps.Get(2).NextID)
	}
	if snaps.Get(3).NextID != 4 {
		t.Fatalf("child's last snapshot must step out to the parent: expected 3 -> 4, got %d", snaps.Get(3).NextID)
	}
	if snaps.Get(4).NextID != 4 {
		t.Fatalf("final snapshot should self-link, got %d", snaps.Get(4).NextID)
	}
	if snaps.Get(4).PrevID != 1 {
		t.Fatalf("prev of 4 should be the smallest predecessor 1, got %d", snaps.Get(4).PrevID)
	}
	assertAllLinked(t, snaps)
}

func TestNavigateInternalCallAndReturn(t *testing.T) {
	// a() { ...; b(); ... } with b() having a single returning step.
	tr := newTestTrace(-1)
	snaps := NewSnapshots()
	appendHook(snaps, 0, 0, 10) // enter a
	appendHook(snaps, 0, 0, 11) // callsite of b()
	appendHook(snaps, 0, 0, 20) // b's single step, returns
	appendHook(snaps, 0, 0, 12) // back in a

	steps := map[USID]*analysis.Step{
		10: {Ufid: 1, FuncEntry: ufid(1)},
		11: {Ufid: 1, NumFunctionCalls: 1},
		20: {Ufid: 2, FuncEntry: ufid(2), HasReturn: true},
		12: {Ufid: 1},
	}
	results := map[string]*analysis.Result{tr.Entries[0].CodeAddress.Hex(): resultFor(steps)}

	Navigate(snaps, tr, results)

	if snaps.Get(0).NextID != 1 {
		t.Fatalf("expected 0 -> 1, got %d", snaps.Get(0).NextID)
	}
	if snaps.Get(1).NextID != 3 {
		t.Fatalf("the callsite must step over b() to the step after the return: expected 1 -> 3, got %d", snaps.Get(1).NextID)
	}
	if snaps.Get(2).NextID != 3 {
		t.Fatalf("b's returning step continues at the caller: expected 2 -> 3, got %d", snaps.Get(2).NextID)
	}
	if snaps.Get(3).NextID != 3 {
		t.Fatalf("final snapshot self-links, got %d", snaps.Get(3).NextID)
	}
	if snaps.Get(3).PrevID != 1 {
		t.Fatalf("prev of 3 is the smallest pointing snapshot 1, got %d", snaps.Get(3).PrevID)
	}
	assertAllLinked(t, snaps)
}

func TestNavigateModifierTransitionsIntoFunctionBody(t *testing.T) {
	tr := newTestTrace(-1)
	snaps := NewSnapshots()
	appendHook(snaps, 0, 0, 30) // modifier entry
	appendHook(snaps, 0, 0, 31) // modifier's `_` placeholder step
	appendHook(snaps, 0, 0, 32) // function body entry
	appendHook(snaps, 0, 0, 33) // function body step

	steps := map[USID]*analysis.Step{
		30: {Ufid: 5, ModEntry: ufid(5)},
		31: {Ufid: 5},
		32: {Ufid: 6, FuncEntry: ufid(6)},
		33: {Ufid: 6},
	}
	results := map[string]*analysis.Result{tr.Entries[0].CodeAddress.Hex(): resultFor(steps)}

	Navigate(snaps, tr, results)

	if snaps.Get(0).NextID != 1 {
		t.Fatalf("expected 0 -> 1, got %d", snaps.Get(0).NextID)
	}
	if snaps.Get(1).NextID != 2 {
		t.Fatalf("the `_` placeholder step must continue into the function body: expected 1 -> 2, got %d", snaps.Get(1).NextID)
	}
	if snaps.Get(2).NextID != 3 {
		t.Fatalf("expected 2 -> 3, got %d", snaps.Get(2).NextID)
	}
	assertAllLinked(t, snaps)
}

func TestNavigateLibraryCallHeuristic(t *testing.T) {
	// An entry jump from contract code into a free function opens an
	// unbounded callsite; the ufid-consistency rule closes it.
	tr := newTestTrace(-1)
	snaps := NewSnapshots()
	appendHook(snaps, 0, 0, 40) // in-contract step
	appendHook(snaps, 0, 0, 41) // free function body, returns
	appendHook(snaps, 0, 0, 42) // back in the contract function

	steps := map[USID]*analysis.Step{
		40: {Ufid: 1, FuncEntry: ufid(1)},
		41: {Ufid: 9, FuncEntry: ufid(9), HasReturn: true},
		42: {Ufid: 1},
	}
	results := map[string]*analysis.Result{tr.Entries[0].CodeAddress.Hex(): resultFor(steps, 9)}

	Navigate(snaps, tr, results)

	if snaps.Get(0).NextID != 2 {
		t.Fatalf("the library callsite must step over the free function: expected 0 -> 2, got %d", snaps.Get(0).NextID)
	}
	if snaps.Get(1).NextID != 2 {
		t.Fatalf("the free function's return continues at the caller: expected 1 -> 2, got %d", snaps.Get(1).NextID)
	}
	assertAllLinked(t, snaps)
}

func TestNavigateHookFrameStepsOutToParent(t *testing.T) {
	// A hook frame nested under an opcode frame: its last snapshot must walk
	// the call tree up to the parent's next snapshot.
	tr := newTestTrace(-1, 0)
	snaps := NewSnapshots()
	appendOpcode(snaps, 0, 0, 0) // id 0
	appendHook(snaps, 1, 0, 50)  // id 1
	appendHook(snaps, 1, 0, 51)  // id 2
	appendOpcode(snaps, 0, 1, 2) // id 3

	steps := map[USID]*analysis.Step{
		50: {Ufid: 1, FuncEntry: ufid(1)},
		51: {Ufid: 1},
	}
	results := map[string]*analysis.Result{tr.Entries[1].CodeAddress.Hex(): resultFor(steps)}

	Navigate(snaps, tr, results)

	if snaps.Get(1).NextID != 2 {
		t.Fatalf("expected 1 -> 2, got %d", snaps.Get(1).NextID)
	}
	if snaps.Get(2).NextID != 3 {
		t.Fatalf("the hook frame's last snapshot must step out to the parent: expected 2 -> 3, got %d", snaps.Get(2).NextID)
	}
	assertAllLinked(t, snaps)
}

func TestNavigateMissingAnalysisFallsBackToSequential(t *testing.T) {
	tr := newTestTrace(-1)
	snaps := NewSnapshots()
	appendHook(snaps, 0, 0, 60)
	appendHook(snaps, 0, 0, 61)

	Navigate(snaps, tr, nil)

	if snaps.Get(0).NextID != 1 {
		t.Fatalf("without analysis the navigator must still link sequentially, got %d", snaps.Get(0).NextID)
	}
	assertAllLinked(t, snaps)
}
