package output_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/simengine/pkg/output"
)

// rawRecord lets a test control the exact serialized byte length of one
// appended step, bypassing json.Marshal's own encoding.
type rawRecord []byte

func (r rawRecord) MarshalJSON() ([]byte, error) { return r, nil }

func TestPartBuffer_BelowThresholdNeverFlushes(t *testing.T) {
	dir := t.TempDir()
	buf, err := output.New(dir, "step")
	require.NoError(t, err)

	small := rawRecord(bytes.Repeat([]byte("a"), 1<<20)) // 1 MiB
	for i := 0; i < 3; i++ {
		require.NoError(t, buf.AppendStep(small))
	}
	require.Empty(t, buf.Parts())
}

func TestPartBuffer_CrossingThresholdFlushesFullSlicesOnly(t *testing.T) {
	dir := t.TempDir()
	buf, err := output.New(dir, "step")
	require.NoError(t, err)

	sixMiB := rawRecord(bytes.Repeat([]byte("a"), 6<<20))
	require.NoError(t, buf.AppendStep(sixMiB)) // 1 + 6MiB, below 10MiB threshold
	require.Empty(t, buf.Parts())

	require.NoError(t, buf.AppendStep(sixMiB)) // + comma + 6MiB crosses 10MiB threshold
	parts := buf.Parts()
	require.Len(t, parts, 2)

	for i, p := range parts {
		require.Equal(t, filepath.Join(dir, "step-"+itoa(i)+".part"), p)
		info, err := os.Stat(p)
		require.NoError(t, err)
		require.EqualValues(t, 5<<20, info.Size())
	}

	// A third append stays below the threshold again; no further flush.
	require.NoError(t, buf.AppendStep(sixMiB))
	require.Len(t, buf.Parts(), 2)
}

func itoa(i int) string {
	return string(rune('0' + i))
}

func TestPartBuffer_FinalizeReconstructsValidJSONArray(t *testing.T) {
	dir := t.TempDir()
	buf, err := output.New(dir, "step")
	require.NoError(t, err)

	type step struct {
		N int `json:"n"`
	}
	records := []step{{N: 1}, {N: 2}, {N: 3}}
	for _, r := range records {
		require.NoError(t, buf.AppendStep(r))
	}

	tail, parts, err := buf.Finalize()
	require.NoError(t, err)
	require.Empty(t, parts) // small payload, never crossed the threshold

	var got []step
	require.NoError(t, json.Unmarshal(tail, &got))
	require.Equal(t, records, got)
}

func TestPartBuffer_FinalizeTwiceFails(t *testing.T) {
	dir := t.TempDir()
	buf, err := output.New(dir, "step")
	require.NoError(t, err)

	_, _, err = buf.Finalize()
	require.NoError(t, err)
	_, _, err = buf.Finalize()
	require.Error(t, err)
}

func TestPartBuffer_AppendAfterFinalizeFails(t *testing.T) {
	dir := t.TempDir()
	buf, err := output.New(dir, "step")
	require.NoError(t, err)

	_, _, err = buf.Finalize()
	require.NoError(t, err)
	err = buf.AppendStep(map[string]int{"n": 1})
	require.Error(t, err)
}

func TestPartBuffer_PartsReturnedInCreationOrder(t *testing.T) {
	dir := t.TempDir()
	buf, err := output.New(dir, "step")
	require.NoError(t, err)

	sixMiB := rawRecord(bytes.Repeat([]byte("a"), 6<<20))
	for i := 0; i < 4; i++ {
		require.NoError(t, buf.AppendStep(sixMiB))
	}
	parts := buf.Parts()
	require.True(t, len(parts) >= 2)
	for i := 1; i < len(parts); i++ {
		require.Less(t, parts[i-1], parts[i])
	}
}
