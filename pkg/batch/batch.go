// Package batch implements the columnar shared-memory record: a
// memory-mapped byte region holding the buffer bodies, addressed through
// per-buffer offset/length/padding metadata and gated by a Metaversion
// counter pair. The region holds no framed schema or record-batch
// header; the layout lives only in the Batch's own bookkeeping.
package batch

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/codeready-toolchain/simengine/pkg/engineerr"
	"github.com/codeready-toolchain/simengine/pkg/schema"
)

const alignment = 8

func align(n int64) int64 {
	if n%alignment == 0 {
		return n
	}
	return n + (alignment - n%alignment)
}

// bufferSlot is the runtime offset/length/padding/growable state for one
// buffer of the materialized schema, in schema.Nodes order.
type bufferSlot struct {
	kind     schema.BufferKind
	offset   int64
	length   int64
	padding  int64
	growable bool
}

// Batch is a shared columnar record: a contiguous mapped region holding
// the body data for every buffer of a schema, plus the bookkeeping that
// lets readers and writers agree on where each buffer lives.
type Batch struct {
	mu sync.RWMutex

	id  string
	sch *schema.Schema
	rows int

	mem     []byte // mmap'd body region
	cap     int64  // len(mem)
	buffers []bufferSlot

	version Metaversion
}

// New allocates a fresh Batch for schema sch sized for rows rows, backed
// by an anonymous shared memory mapping (golang.org/x/sys/unix.Mmap).
// The mapping has no name, so another process cannot open it by id.
func New(id string, sch *schema.Schema, rows int) (*Batch, error) {
	slots, bodyLen := layoutFor(sch, rows)
	// Round the initial capacity up generously so small growable writes
	// (e.g. a handful of appended messages) don't immediately force a
	// remap; this mirrors the engine's practice of over-allocating new
	// batches rather than growing them one row at a time.
	capLen := align(bodyLen * 2)
	if capLen == 0 {
		capLen = int64(unix.Getpagesize())
	}
	mem, err := unix.Mmap(-1, 0, int(capLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, engineerr.New(engineerr.Datastore, fmt.Errorf("mmap batch %s: %w", id, err))
	}
	return &Batch{
		id:      id,
		sch:     sch,
		rows:    rows,
		mem:     mem,
		cap:     capLen,
		buffers: slots,
	}, nil
}

// layoutFor packs buffers sequentially per the §3 buffer-layout
// invariant: offsets are monotonically non-decreasing and
// offset[i]+length[i]+padding[i] == offset[i+1] (or the body length for
// the last buffer).
func layoutFor(sch *schema.Schema, rows int) ([]bufferSlot, int64) {
	var slots []bufferSlot
	var offset int64
	for _, node := range sch.Nodes {
		n := int64(rows) * int64(node.Multiplier)
		for _, bm := range node.Buffers {
			length := bufferLength(bm, n)
			slots = append(slots, bufferSlot{
				kind:     bm.Kind,
				offset:   offset,
				length:   length,
				growable: bm.Growable,
			})
			offset += align(length)
		}
	}
	// fix up paddings now that we know every offset; last buffer has no
	// padding, its slot ends exactly at the body length.
	for i := range slots {
		if i == len(slots)-1 {
			slots[i].padding = 0
			continue
		}
		slots[i].padding = slots[i+1].offset - slots[i].offset - slots[i].length
	}
	bodyLen := int64(0)
	if len(slots) > 0 {
		last := slots[len(slots)-1]
		bodyLen = last.offset + last.length
	}
	return slots, bodyLen
}

func bufferLength(bm schema.BufferMeta, rows int64) int64 {
	switch bm.Kind {
	case schema.BitMap:
		return (rows + 7) / 8
	case schema.Offset:
		return (rows + 1) * 4
	case schema.Data:
		return rows * int64(bm.UnitByteSize)
	default:
		return 0
	}
}

// ID returns the batch's name, the key shared memory regions are
// addressed by between engine and runners.
func (b *Batch) ID() string { return b.id }

// Len returns the batch's row count.
func (b *Batch) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rows
}

// Metaversion returns a copy of the batch's current metaversion.
func (b *Batch) Metaversion() Metaversion {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// Buffer returns a read-only view of buffer i's body bytes.
func (b *Batch) Buffer(i int) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.buffers[i]
	return b.mem[s.offset : s.offset+s.length : s.offset+s.length]
}

// Write replaces buffer i's content with data, returning the Change the
// caller must feed to Metaversion.IncrementWith. A non-growable buffer's
// data must be exactly the buffer's current length. A growable buffer
// may grow or shrink; a change that fits within its spare padding moves
// no other buffer, growth past the padding shifts later offsets, and
// either of these is a Batch bump; growth beyond total capacity forces
// a remap (Memory+Batch bump).
func (b *Batch) Write(i int, data []byte) (Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i < 0 || i >= len(b.buffers) {
		return Change{}, engineerr.Newf(engineerr.Datastore, "buffer index %d out of range", i)
	}
	slot := b.buffers[i]
	if !slot.growable && int64(len(data)) != slot.length {
		return Change{}, engineerr.Newf(engineerr.Datastore, "buffer %d is not growable: got %d bytes, want %d", i, len(data), slot.length)
	}

	delta := int64(len(data)) - slot.length
	if delta == 0 {
		copy(b.mem[slot.offset:slot.offset+slot.length], data)
		return Change{}, nil
	}

	change := Change{}
	if delta > slot.padding {
		// Not enough spare room after this buffer: need to shift (or
		// reallocate) everything downstream.
		needed := b.totalLenAfterGrow(i, delta)
		if needed > b.cap {
			if err := b.grow(needed); err != nil {
				return Change{}, err
			}
			change.Resized = true
		} else {
			change.Shifted = true
		}
		b.shiftFrom(i, delta)
	} else {
		// Fits within existing padding: only this buffer's length/padding
		// changes, offsets of later buffers are untouched, but the
		// remaining invariant offset[i]+length[i]+padding[i]==offset[i+1]
		// still needs recording.
		b.buffers[i].padding -= delta
		change.Shifted = true
	}
	b.buffers[i].length = int64(len(data))
	copy(b.mem[b.buffers[i].offset:b.buffers[i].offset+int64(len(data))], data)
	return change, nil
}

func (b *Batch) totalLenAfterGrow(i int, delta int64) int64 {
	if len(b.buffers) == 0 {
		return 0
	}
	last := b.buffers[len(b.buffers)-1]
	return align(last.offset + last.length + delta)
}

// shiftFrom moves every buffer after i downstream by the part of delta
// that buffer i's padding cannot absorb, and repacks the gap so the
// layout invariant holds again. Buffers are moved last-first so no move
// overwrites a buffer that has not been moved yet.
func (b *Batch) shiftFrom(i int, delta int64) {
	shift := delta - b.buffers[i].padding
	for j := len(b.buffers) - 1; j > i; j-- {
		old := b.buffers[j].offset
		b.buffers[j].offset = old + shift
		copy(b.mem[old+shift:old+shift+b.buffers[j].length], b.mem[old:old+b.buffers[j].length])
	}
	b.buffers[i].padding = 0
}

func (b *Batch) grow(minCap int64) error {
	newCap := align(minCap * 2)
	mem, err := unix.Mmap(-1, 0, int(newCap), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return engineerr.New(engineerr.Datastore, fmt.Errorf("grow batch %s: %w", b.id, err))
	}
	copy(mem, b.mem)
	if err := unix.Munmap(b.mem); err != nil {
		return engineerr.New(engineerr.Datastore, fmt.Errorf("unmap old region for %s: %w", b.id, err))
	}
	b.mem = mem
	b.cap = newCap
	return nil
}

// Close releases the batch's shared memory mapping.
func (b *Batch) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}

// ValidateLayout checks the §3/§8 buffer-layout invariant: offsets
// monotone, offset[i]+length[i]+padding[i]==offset[i+1], terminal buffer
// ends at the body length.
func (b *Batch) ValidateLayout() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := 0; i < len(b.buffers)-1; i++ {
		cur, next := b.buffers[i], b.buffers[i+1]
		if next.offset < cur.offset {
			return engineerr.Newf(engineerr.Datastore, "buffer %d offset decreased", i+1)
		}
		if cur.offset+cur.length+cur.padding != next.offset {
			return engineerr.Newf(engineerr.Datastore, "buffer %d layout invariant violated", i)
		}
	}
	return nil
}
