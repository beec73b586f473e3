package batch

// Metaversion is the two-counter reload signal carried by every shared
// batch: memory gates mapping reloads, batch gates record-batch re-parses.
type Metaversion struct {
	Memory uint32
	Batch  uint32
}

// Change describes the effect of a single mutation, as returned by
// Batch.Write / buffer_change in the engine's own terms.
type Change struct {
	Resized bool // the body was reallocated; mappings must be refreshed
	Shifted bool // buffers moved within an unchanged mapping
}

// IncrementWith applies a mutation's Change to the counters: a resize
// bumps both memory and batch; an in-place shift bumps only batch.
func (m *Metaversion) IncrementWith(c Change) {
	if c.Resized {
		m.Memory++
		m.Batch++
		return
	}
	if c.Shifted {
		m.Batch++
	}
}

// MemoryCurrent reports whether a cached memory counter is still current
// against this metaversion (the observer's mapping need not be reloaded).
func (m Metaversion) MemoryCurrent(cachedMemory uint32) bool {
	return cachedMemory == m.Memory
}

// BatchCurrent reports whether a cached batch counter is still current
// against this metaversion (the observer's parsed view need not be
// re-parsed).
func (m Metaversion) BatchCurrent(cachedBatch uint32) bool {
	return cachedBatch == m.Batch
}

// LE reports whether m is component-wise less than or equal to other —
// used by tests to check that incrementing preserves comparability.
func (m Metaversion) LE(other Metaversion) bool {
	return m.Memory <= other.Memory && m.Batch <= other.Batch
}
