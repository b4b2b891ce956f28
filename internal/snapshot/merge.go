package snapshot

import "github.com/ethereum/go-ethereum/log"

// Merge combines the opcode inspector's per-frame opcode snapshots with the
// hook inspector's ordered (frame, hook) slots into one time-ordered
// Snapshots sequence. Hook coverage takes priority: a frame segment with a
// recorded hook contributes that hook snapshot; an empty slot is filled in
// from whatever the opcode inspector captured for the same frame segment.
// Opcode snapshots left over after the walk were never covered by any slot;
// that is an inspector inconsistency, logged and dropped.
func Merge(opc *OpcodeInspector, hook *HookInspector) *Snapshots {
	out := NewSnapshots()
	byFrame := opc.ByFrame()

	for _, slot := range hook.Slots() {
		if slot.Snap != nil {
			out.Append(NewHookSnapshot(0, slot.Frame, slot.Snap))
			continue
		}
		for i := range byFrame[slot.Frame] {
			out.Append(NewOpcodeSnapshot(0, slot.Frame, &byFrame[slot.Frame][i]))
		}
		delete(byFrame, slot.Frame)
	}

	leaked := 0
	for _, snaps := range byFrame {
		leaked += len(snaps)
	}
	if leaked > 0 {
		log.Error("merge: opcode snapshots never drained by any hook slot", "count", leaked)
	}

	return out
}
