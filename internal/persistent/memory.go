package persistent

import "github.com/benbjohnson/immutable"

// DefaultPageSize matches the page granularity used by the instrumentation
// pipeline upstream; it only affects how much gets copied per write, never
// observable semantics.
const DefaultPageSize = 256

// Memory is an immutable, page-sharing byte buffer. Store returns a new
// Memory; unmodified pages are shared with the original via the underlying
// immutable.Map, which is a persistent hash-array-mapped trie. Each page is
// a pageSize-byte slice that is never written to after being inserted.
type Memory struct {
	pageSize int
	pages    *immutable.Map[uint64, []byte]
	size     uint64
}

// NewMemory returns an empty memory with the default page size.
func NewMemory() *Memory {
	return NewMemoryWithPageSize(DefaultPageSize)
}

// NewMemoryWithPageSize returns an empty memory using a custom page size.
// pageSize must be > 0; it is a tuning knob for the caller, not part of the
// public contract of stored values.
func NewMemoryWithPageSize(pageSize int) *Memory {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Memory{
		pageSize: pageSize,
		pages:    immutable.NewMap[uint64, []byte](nil),
	}
}

// Len returns the highest written byte offset plus one, i.e. the size a
// caller would need to allocate to read the whole buffer with ToSlice.
func (m *Memory) Len() uint64 {
	if m == nil {
		return 0
	}
	return m.size
}

// IsEmpty reports whether nothing has ever been written.
func (m *Memory) IsEmpty() bool {
	return m.Len() == 0
}

// Store returns a new Memory with data written starting at offset. Gaps
// between the previous size and offset are implicitly zero; pages untouched
// by the write are shared with m.
func (m *Memory) Store(offset uint64, data []byte) *Memory {
	if m == nil {
		m = NewMemory()
	}
	if len(data) == 0 {
		return m
	}
	pageSize := uint64(m.pageSize)
	pages := m.pages
	remaining := data
	pos := offset
	for len(remaining) > 0 {
		pageIdx := pos / pageSize
		pageOff := pos % pageSize

		buf := make([]byte, pageSize)
		if old, ok := pages.Get(pageIdx); ok {
			copy(buf, old)
		}
		n := copy(buf[pageOff:], remaining)
		pages = pages.Set(pageIdx, buf)

		remaining = remaining[n:]
		pos += uint64(n)
	}
	newSize := m.size
	if end := offset + uint64(len(data)); end > newSize {
		newSize = end
	}
	return &Memory{pageSize: m.pageSize, pages: pages, size: newSize}
}

// ToSlice materializes the whole [0, Len()) range as a contiguous byte
// slice, filling any never-written gaps with zero bytes.
func (m *Memory) ToSlice() []byte {
	if m == nil || m.size == 0 {
		return nil
	}
	out := make([]byte, m.size)
	pageSize := uint64(m.pageSize)
	itr := m.pages.Iterator()
	for !itr.Done() {
		pageIdx, pg, ok := itr.Next()
		if !ok {
			break
		}
		start := pageIdx * pageSize
		if start >= m.size {
			continue
		}
		end := start + pageSize
		if end > m.size {
			end = m.size
		}
		copy(out[start:end], pg[:end-start])
	}
	return out
}

// Read returns a materialized copy of length bytes starting at offset,
// zero-filling any range beyond Len().
func (m *Memory) Read(offset, length uint64) []byte {
	full := m.ToSlice()
	out := make([]byte, length)
	if offset >= uint64(len(full)) {
		return out
	}
	end := offset + length
	if end > uint64(len(full)) {
		end = uint64(len(full))
	}
	copy(out, full[offset:end])
	return out
}

// Equal reports whether two memories contain byte-identical contents. The
// same *Memory compares equal without materializing; otherwise, when the
// sizes match, both are materialized and compared byte by byte.
func (m *Memory) Equal(other *Memory) bool {
	if m == other {
		return true
	}
	if m == nil || other == nil {
		return m.Len() == 0 && other.Len() == 0
	}
	if m.size != other.size {
		return false
	}
	// Fall back to byte comparison; pages rarely diverge without size
	// changing, so this is only paid when two genuinely different
	// memories happen to have equal length.
	a, b := m.ToSlice(), other.ToSlice()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
