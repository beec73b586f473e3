package batch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/simengine/pkg/batch"
)

func TestMetaversion_IncrementWith(t *testing.T) {
	cases := []struct {
		name           string
		change         batch.Change
		wantMemoryBump bool
		wantBatchBump  bool
	}{
		{"resize", batch.Change{Resized: true}, true, true},
		{"shift", batch.Change{Shifted: true}, false, true},
		{"noop", batch.Change{}, false, false},
		{"resize implies shift too", batch.Change{Resized: true, Shifted: true}, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := batch.Metaversion{Memory: 1, Batch: 1}
			before := m
			m.IncrementWith(tc.change)
			assert.Equal(t, tc.wantMemoryBump, m.Memory > before.Memory)
			assert.Equal(t, tc.wantBatchBump, m.Batch > before.Batch)
		})
	}
}

func TestMetaversion_EqualityAndOrdering(t *testing.T) {
	a := batch.Metaversion{Memory: 2, Batch: 3}
	b := a
	assert.Equal(t, a, b) // reflexive/symmetric via struct equality
	assert.True(t, a.LE(b))
	assert.True(t, b.LE(a))

	c := a
	c.IncrementWith(batch.Change{Shifted: true})
	assert.True(t, a.LE(c))
	assert.False(t, c.LE(a))
}

func TestMetaversion_CurrentChecks(t *testing.T) {
	m := batch.Metaversion{Memory: 5, Batch: 9}
	assert.True(t, m.MemoryCurrent(5))
	assert.False(t, m.MemoryCurrent(4))
	assert.True(t, m.BatchCurrent(9))
	assert.False(t, m.BatchCurrent(8))
}
