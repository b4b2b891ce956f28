package persistent

import (
	"github.com/benbjohnson/immutable"
	"github.com/ethereum/go-ethereum/common"
)

// Transient is an immutable, structurally-shared view of EIP-1153 transient
// storage slots touched so far, keyed by "<address>:<slot>". go-ethereum's
// StateDB exposes transient storage only via point queries
// (GetTransientState/SetTransientState), not a full dump, so this is built up
// incrementally by snapshot.OpcodeInspector as TSTORE opcodes are seen, the
// same way Memory is built up by Store calls.
type Transient struct {
	m *immutable.Map[string, common.Hash]
}

// NewTransient returns an empty transient view.
func NewTransient() *Transient {
	return &Transient{m: immutable.NewMap[string, common.Hash](nil)}
}

// With returns a new Transient with key set to value; t is unchanged.
func (t *Transient) With(key string, value common.Hash) *Transient {
	if t == nil {
		t = NewTransient()
	}
	return &Transient{m: t.m.Set(key, value)}
}

// Get returns the last observed value for key, if any.
func (t *Transient) Get(key string) (common.Hash, bool) {
	if t == nil {
		return common.Hash{}, false
	}
	return t.m.Get(key)
}

// Len reports how many distinct slots have been observed.
func (t *Transient) Len() int {
	if t == nil {
		return 0
	}
	return t.m.Len()
}

// Equal reports whether two views share the same underlying map value, or
// are both empty. Views built independently by identical writes are not
// equal under this check.
func (t *Transient) Equal(other *Transient) bool {
	if t == other {
		return true
	}
	if t.Len() == 0 && other.Len() == 0 {
		return true
	}
	if t == nil || other == nil {
		return false
	}
	return t.m == other.m
}
