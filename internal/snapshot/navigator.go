package snapshot

import (
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/log"

	"github.com/edb-debugger/edb/internal/analysis"
	"github.com/edb-debugger/edb/internal/trace"
)

// funcInfoKind is the small tagged state the navigator tracks per call-stack
// entry while walking a trace entry's snapshots, distinguishing plain code
// from function and modifier bodies so it can tell an internal call from a
// return.
type funcInfoKind int

const (
	funcUnknown funcInfoKind = iota
	funcModifierOnly
	funcFunctionOnly
	funcModifiedFunction
	funcInvalid
)

type funcInfo struct {
	kind      funcInfoKind
	function  analysis.UFID
	modifiers []analysis.UFID
}

func (f *funcInfo) withFunction(ufid analysis.UFID) {
	switch f.kind {
	case funcUnknown:
		f.kind = funcFunctionOnly
		f.function = ufid
	case funcModifierOnly:
		f.kind = funcModifiedFunction
		f.function = ufid
	case funcFunctionOnly, funcModifiedFunction:
		// A second function entry without an intervening call is a broken
		// step stream.
		f.kind = funcInvalid
	case funcInvalid:
	}
}

func (f *funcInfo) withModifier(ufid analysis.UFID) {
	switch f.kind {
	case funcUnknown:
		f.kind = funcModifierOnly
		f.modifiers = []analysis.UFID{ufid}
	case funcModifierOnly, funcModifiedFunction:
		f.modifiers = append(f.modifiers, ufid)
	case funcFunctionOnly:
		f.kind = funcModifiedFunction
		f.modifiers = []analysis.UFID{ufid}
	case funcInvalid:
	}
}

func (f *funcInfo) containsUFID(ufid analysis.UFID) bool {
	switch f.kind {
	case funcFunctionOnly:
		return f.function == ufid
	case funcModifierOnly:
		for _, m := range f.modifiers {
			if m == ufid {
				return true
			}
		}
		return false
	case funcModifiedFunction:
		if f.function == ufid {
			return true
		}
		for _, m := range f.modifiers {
			if m == ufid {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// unboundedCallees marks a callsite opened by the free/library-function
// special case, whose closing isn't governed by a declared call count.
const unboundedCallees = math.MaxInt

type callsite struct {
	id      int // position within the trace entry's snapshot group
	callees int // remaining expected returns, unboundedCallees when unknown
}

type callStackEntry struct {
	funcInfo            funcInfo
	callsite            *callsite
	returnAfterCallsite bool
}

// Navigate computes NextID/PrevID for every snapshot in snaps, given the call
// tree it was replayed against and the source analyzer's per-address results,
// keyed by code address hex.
func Navigate(snaps *Snapshots, tr *trace.Trace, results map[string]*analysis.Result) {
	groups := groupByTraceEntry(snaps)
	holed := make(map[int]bool)

	entryIDs := make([]int, 0, len(groups))
	for id := range groups {
		entryIDs = append(entryIDs, id)
	}
	sort.Ints(entryIDs)

	for _, entryID := range entryIDs {
		idxs := groups[entryID]
		if len(idxs) == 0 {
			continue
		}
		// The last snapshot of a trace entry never has an in-frame successor.
		holed[idxs[len(idxs)-1]] = true

		if snaps.Get(idxs[len(idxs)-1]).Kind == KindOpcode {
			linkSequentially(snaps, idxs)
			continue
		}

		res := resultForEntry(tr, entryID, results)
		if res == nil {
			log.Error("navigator: no analysis result for trace entry, linking sequentially", "entry", entryID)
			linkSequentially(snaps, idxs)
			continue
		}
		analyzeSourceGroup(snaps, idxs, res, holed)
	}

	resolveHoled(snaps, tr, groups, holed)
	computePrevLinks(snaps)
}

func groupByTraceEntry(snaps *Snapshots) map[int][]int {
	groups := make(map[int][]int)
	for i, s := range snaps.All() {
		groups[s.FrameID.TraceEntryID] = append(groups[s.FrameID.TraceEntryID], i)
	}
	return groups
}

func resultForEntry(tr *trace.Trace, entryID int, results map[string]*analysis.Result) *analysis.Result {
	if results == nil {
		return nil
	}
	entry := tr.Entry(entryID)
	if entry == nil {
		return nil
	}
	return results[entry.CodeAddress.Hex()]
}

func linkSequentially(snaps *Snapshots, idxs []int) {
	for i := 0; i < len(idxs)-1; i++ {
		snaps.Get(idxs[i]).NextID = idxs[i+1]
	}
}

func isEntryStep(step analysis.StepRef) bool {
	if _, ok := step.FunctionEntry(); ok {
		return true
	}
	_, ok := step.ModifierEntry()
	return ok
}

// analyzeSourceGroup walks one trace entry's hook snapshots in order,
// maintaining a call stack of source-level frames so it can tell, for each
// adjacent pair, whether the next step continues the same function, enters an
// internal callee, or returns through one or more callers.
func analyzeSourceGroup(snaps *Snapshots, idxs []int, res *analysis.Result, holed map[int]bool) {
	if len(idxs) <= 1 {
		return
	}

	stack := []callStackEntry{{}}

	stepFor := func(pos int) (analysis.StepRef, bool) {
		snap := snaps.Get(idxs[pos])
		if snap.Kind != KindHook {
			return nil, false
		}
		step, ok := res.USIDToStep[snap.Hook.USID]
		return step, ok
	}
	contractFor := func(step analysis.StepRef) (analysis.ContractID, bool) {
		fn, ok := res.UFIDToFunction[step.UFID()]
		if !ok {
			return 0, false
		}
		return fn.Contract()
	}

	for i := 0; i < len(idxs)-1; i++ {
		step, ok := stepFor(i)
		if !ok {
			log.Error("navigator: missing step metadata for snapshot, linking remainder sequentially", "snapshot", idxs[i])
			linkSequentially(snaps, idxs[i:])
			stack = stack[:0]
			break
		}
		nextStep, ok := stepFor(i + 1)
		if !ok {
			log.Error("navigator: missing step metadata for snapshot, linking remainder sequentially", "snapshot", idxs[i+1])
			linkSequentially(snaps, idxs[i:])
			stack = stack[:0]
			break
		}

		_, inContract := contractFor(step)
		_, nextInContract := contractFor(nextStep)

		nextID := idxs[i+1]
		deltaReEntry := snaps.Get(idxs[i+1]).FrameID.ReEntryCount - snaps.Get(idxs[i]).FrameID.ReEntryCount

		if len(stack) == 0 {
			log.Warn("navigator: call stack drained early", "snapshot", idxs[i])
			stack = append(stack, callStackEntry{})
		}

		// Step 1: fold this step's entry markers into the current frame.
		top := &stack[len(stack)-1]
		if ufid, set := step.FunctionEntry(); set {
			top.funcInfo.withFunction(ufid)
		}
		if ufid, set := step.ModifierEntry(); set {
			top.funcInfo.withModifier(ufid)
		}
		if top.funcInfo.kind == funcInvalid {
			log.Error("navigator: invalid function info in call stack", "snapshot", idxs[i])
		}

		// Step 2a: this step opens one or more internal calls.
		if step.FunctionCalls() > deltaReEntry && isEntryStep(nextStep) {
			stack = append(stack, callStackEntry{
				callsite:            &callsite{id: i, callees: step.FunctionCalls() - deltaReEntry},
				returnAfterCallsite: step.ContainsReturn(),
			})
			continue
		}
		// Step 2b: an entry jump from in-contract code to a free/library
		// function is an internal call even without a declared count (an
		// overridden operator, typically); the callee count is unknowable.
		if isEntryStep(nextStep) && inContract && !nextInContract {
			log.Debug("navigator: assuming internal call to a library function", "snapshot", idxs[i])
			stack = append(stack, callStackEntry{
				callsite:            &callsite{id: i, callees: unboundedCallees},
				returnAfterCallsite: step.ContainsReturn(),
			})
			continue
		}

		// Step 3: no call opened; the next source step follows directly.
		snaps.Get(idxs[i]).NextID = nextID

		// Step 4: does this step leave the current frame?
		cur := stack[len(stack)-1]
		willReturn := step.ContainsReturn()
		if !willReturn {
			switch cur.funcInfo.kind {
			case funcFunctionOnly, funcModifiedFunction:
				willReturn = !cur.funcInfo.containsUFID(nextStep.UFID()) || isEntryStep(nextStep)
			case funcModifierOnly:
				willReturn = !(cur.funcInfo.containsUFID(nextStep.UFID()) || isEntryStep(nextStep))
			default:
				willReturn = !isEntryStep(nextStep)
			}
		}
		if !willReturn {
			continue
		}

		// Step 5: unwind the returning chain.
		for {
			if len(stack) == 0 {
				log.Warn("navigator: call stack empty while unwinding return", "snapshot", idxs[i])
				break
			}
			entry := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if entry.callsite == nil {
				// Returned from the group's top level frame.
				break
			}
			if entry.callsite.callees != unboundedCallees {
				entry.callsite.callees--
				if entry.callsite.callees < 0 {
					entry.callsite.callees = 0
				}
			}

			if len(stack) == 0 {
				break
			}
			parent := &stack[len(stack)-1]

			// The callsite is certainly done when the next step resumes the
			// parent's own function; it is certainly not done while the next
			// step is still inside free/library code.
			certainlyDone := parent.funcInfo.containsUFID(nextStep.UFID()) && !isEntryStep(nextStep)
			certainlyNotDone := !nextInContract
			if (entry.callsite.callees > 0 || certainlyNotDone) && !certainlyDone {
				entry.funcInfo = funcInfo{}
				stack = append(stack, entry)
				break
			}

			continueReturn := entry.returnAfterCallsite
			if !continueReturn {
				switch parent.funcInfo.kind {
				case funcFunctionOnly, funcModifiedFunction:
					continueReturn = !parent.funcInfo.containsUFID(nextStep.UFID()) || isEntryStep(nextStep)
				case funcModifierOnly:
					continueReturn = !(parent.funcInfo.containsUFID(nextStep.UFID()) || isEntryStep(nextStep))
				default:
					continueReturn = !isEntryStep(nextStep)
				}
			}

			snaps.Get(idxs[entry.callsite.id]).NextID = nextID

			if !continueReturn {
				break
			}
		}
	}

	// Callsites never closed by a return are holed; their next step lives in
	// an ancestor trace entry.
	for len(stack) > 0 {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if entry.callsite != nil {
			holed[idxs[entry.callsite.id]] = true
		}
	}
}

// resolveHoled fills in NextID for every holed snapshot by walking up the
// call tree: the target is the first snapshot belonging to an ancestor trace
// entry with an id greater than the holed snapshot's own id. If the walk
// reaches the root without finding one, the holed snapshot points at the
// last snapshot in the whole sequence.
func resolveHoled(snaps *Snapshots, tr *trace.Trace, groups map[int][]int, holed map[int]bool) {
	last := snaps.Len() - 1
	if last < 0 {
		return
	}
	for id := range holed {
		snap := snaps.Get(id)
		if snap == nil || snap.NextID != -1 {
			continue
		}
		entryID := snap.FrameID.TraceEntryID
		resolved := -1
		for {
			entry := tr.Entry(entryID)
			if entry == nil || !entry.HasParent() {
				break
			}
			parentID := entry.ParentID
			if next, ok := firstAfter(groups[parentID], id); ok {
				resolved = next
				break
			}
			entryID = parentID
		}
		if resolved == -1 {
			resolved = last
		}
		snap.NextID = resolved
	}
}

// firstAfter returns the smallest element of sortedIdxs (assumed ascending)
// strictly greater than id.
func firstAfter(sortedIdxs []int, id int) (int, bool) {
	i := sort.Search(len(sortedIdxs), func(i int) bool { return sortedIdxs[i] > id })
	if i >= len(sortedIdxs) {
		return 0, false
	}
	return sortedIdxs[i], true
}

// computePrevLinks derives PrevID from the now-complete NextID assignments:
// each target's prev is the smallest source id that points to it; anything
// left unset falls back to id-1 (saturating at 0).
func computePrevLinks(snaps *Snapshots) {
	items := snaps.All()
	for i := range items {
		items[i].PrevID = -1
	}
	for i := range items {
		next := items[i].NextID
		if next < 0 || next >= len(items) {
			continue
		}
		if items[next].PrevID == -1 {
			items[next].PrevID = i
		}
	}
	for i := range items {
		if items[i].PrevID == -1 {
			if i == 0 {
				items[i].PrevID = 0
			} else {
				items[i].PrevID = i - 1
			}
		}
	}
}
