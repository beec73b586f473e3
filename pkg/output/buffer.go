// Package output implements the per-(experiment, simulation) output
// part buffer: an in-memory-cached JSON array, flushed to disk in fixed
// slices once it grows past a threshold, per §6.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/codeready-toolchain/simengine/pkg/engineerr"
)

// maxPartBytes is the size of one flushed part slice (5 MiB).
const maxPartBytes = 5 << 20

// inMemoryThreshold triggers a flush once the in-memory buffer exceeds
// it; twice maxPartBytes, so a flush rarely needs more than two slices.
const inMemoryThreshold = 2 * maxPartBytes

const (
	charComma              = ','
	charOpenSquareBracket  = '['
	charCloseSquareBracket = ']'
)

// PartBuffer accumulates appended step records as one logical JSON
// array, persisting full slices to disk as they accumulate and keeping
// only the tail in memory.
type PartBuffer struct {
	mu sync.Mutex

	outputType string
	basePath   string

	current     []byte
	parts       []string
	nextIndex   int
	initialStep bool
	finalized   bool
}

// New creates a PartBuffer writing parts named "<outputType>-<n>.part"
// under basePath, creating basePath if it does not exist.
func New(basePath, outputType string) (*PartBuffer, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, engineerr.New(engineerr.Fatal, err)
	}
	current := make([]byte, 0, inMemoryThreshold*2)
	current = append(current, charOpenSquareBracket)
	return &PartBuffer{
		outputType:  outputType,
		basePath:    basePath,
		current:     current,
		initialStep: true,
	}, nil
}

// AppendStep serializes step to JSON and appends it as the next element
// of the logical array, flushing full parts to disk if the in-memory
// buffer now exceeds the threshold.
func (b *PartBuffer) AppendStep(step interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return engineerr.New(engineerr.Fatal, fmt.Errorf("cannot append to a finalized part buffer"))
	}

	data, err := json.Marshal(step)
	if err != nil {
		return engineerr.New(engineerr.Simulation, err)
	}

	if !b.initialStep {
		b.current = append(b.current, charComma)
	} else {
		b.initialStep = false
	}
	b.current = append(b.current, data...)

	if len(b.current) > inMemoryThreshold {
		return b.flush()
	}
	return nil
}

// flush writes full maxPartBytes slices from the front of current to
// disk until fewer than maxPartBytes bytes remain; the remainder stays
// in memory.
func (b *PartBuffer) flush() error {
	for len(b.current) >= maxPartBytes {
		slice := b.current[:maxPartBytes]
		path := filepath.Join(b.basePath, fmt.Sprintf("%s-%d.part", b.outputType, b.nextIndex))
		if err := os.WriteFile(path, slice, 0o644); err != nil {
			return engineerr.New(engineerr.Fatal, err)
		}
		b.parts = append(b.parts, path)
		b.nextIndex++

		remainder := make([]byte, len(b.current)-maxPartBytes)
		copy(remainder, b.current[maxPartBytes:])
		b.current = remainder
	}
	return nil
}

// Finalize closes the logical JSON array by appending ']' to whatever
// remains in memory, and returns that tail plus the full list of part
// paths in creation order. A buffer may only be finalized once.
func (b *PartBuffer) Finalize() ([]byte, []string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return nil, nil, engineerr.New(engineerr.Fatal, fmt.Errorf("part buffer already finalized"))
	}
	b.finalized = true
	b.current = append(b.current, charCloseSquareBracket)
	return b.current, b.parts, nil
}

// Parts returns the part paths flushed so far, in creation order.
func (b *PartBuffer) Parts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.parts...)
}
