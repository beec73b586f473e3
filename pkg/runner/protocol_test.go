package runner_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/simengine/pkg/runner"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := runner.Envelope{Kind: runner.RecordTaskMsg, SimulationID: 42, Payload: []byte(`{"a":1}`)}
	require.NoError(t, runner.WriteEnvelope(&buf, in))

	out, err := runner.ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestEnvelope_EmptyPayloadRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	in := runner.Envelope{Kind: runner.RecordKillRunner}
	require.NoError(t, runner.WriteEnvelope(&buf, in))

	out, err := runner.ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestEnvelope_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff}) // length field far beyond maxFrameBytes
	_, err := runner.ReadEnvelope(&buf)
	require.Error(t, err)
}

func TestEnvelope_SequentialMessagesAreFIFO(t *testing.T) {
	var buf bytes.Buffer
	taskA := runner.Envelope{Kind: runner.RecordTaskMsg, Payload: []byte("A")}
	taskB := runner.Envelope{Kind: runner.RecordTaskMsg, Payload: []byte("B")}
	require.NoError(t, runner.WriteEnvelope(&buf, taskA))
	require.NoError(t, runner.WriteEnvelope(&buf, taskB))

	first, err := runner.ReadEnvelope(&buf)
	require.NoError(t, err)
	second, err := runner.ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("A"), first.Payload)
	require.Equal(t, []byte("B"), second.Payload)
}

func TestInitRecord_SerializesExperimentID(t *testing.T) {
	id := uuid.New()
	rec := runner.InitRecord{ExperimentID: id, WorkerIndex: 3}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	var got runner.InitRecord
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, id, got.ExperimentID)
}
