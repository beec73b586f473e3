// Package runner implements the engine-side half of the runner IPC
// protocol: framed binary messages over a point-to-point connection per
// (worker, language), carrying a tagged union of record kinds, per
// §4.5. All integers are little-endian.
package runner

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/simengine/pkg/batch"
	"github.com/codeready-toolchain/simengine/pkg/engineerr"
)

// RecordKind tags the payload carried by one framed message.
type RecordKind uint8

// Record kinds, per §4.5's tagged union.
const (
	RecordInitRequest RecordKind = iota
	RecordInit
	RecordNewSimulationRun
	RecordTaskMsg
	RecordTaskCancel
	RecordTaskCancelled
	RecordStateSync
	RecordStateSnapshotSync
	RecordContextBatchSync
	RecordStateInterimSync
	RecordTerminateSimulationRun
	RecordKillRunner
)

// maxFrameBytes bounds a single frame so a corrupt or hostile peer
// cannot force an unbounded allocation.
const maxFrameBytes = 64 << 20

// Envelope is one framed message: a record kind, a correlating
// simulation id (0 for none), and an opaque payload.
type Envelope struct {
	Kind         RecordKind
	SimulationID uint64
	Payload      []byte
}

// WriteEnvelope writes e to w as: 4-byte little-endian total length, then
// 1-byte kind, 8-byte simulation id, payload.
func WriteEnvelope(w io.Writer, e Envelope) error {
	body := make([]byte, 1+8+len(e.Payload))
	body[0] = byte(e.Kind)
	binary.LittleEndian.PutUint64(body[1:9], e.SimulationID)
	copy(body[9:], e.Payload)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return engineerr.New(engineerr.Transport, err)
	}
	if _, err := w.Write(body); err != nil {
		return engineerr.New(engineerr.Transport, err)
	}
	return nil
}

// ReadEnvelope reads one framed message from r.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, engineerr.New(engineerr.Transport, err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n < 9 || n > maxFrameBytes {
		return Envelope{}, engineerr.New(engineerr.Protocol, fmt.Errorf("invalid frame length %d", n))
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, engineerr.New(engineerr.Transport, err)
	}
	return Envelope{
		Kind:         RecordKind(body[0]),
		SimulationID: binary.LittleEndian.Uint64(body[1:9]),
		Payload:      body[9:],
	}, nil
}

// BatchRef names one shared batch by id and the metaversion an observer
// last saw, so the receiver can decide whether to re-map or re-parse.
type BatchRef struct {
	BatchID     string            `json:"batch_id"`
	Metaversion batch.Metaversion `json:"metaversion"`
}

// PackageConfig describes one configured package, sent once at init.
type PackageConfig struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	InitPayload json.RawMessage `json:"init_payload"`
}

// InitRecord is the engine's reply to a runner's init-request: the
// experiment identity, this worker's index, the shared-dataset context,
// and the package configuration.
type InitRecord struct {
	ExperimentID  uuid.UUID       `json:"experiment_id"`
	WorkerIndex   int             `json:"worker_index"`
	SharedContext []BatchRef      `json:"shared_context"`
	Packages      []PackageConfig `json:"packages"`
}

// StateSyncRecord carries the agent-pool and message-pool batch
// references for a worker; batches are never inlined, only named.
type StateSyncRecord struct {
	AgentPool   []BatchRef `json:"agent_pool"`
	MessagePool []BatchRef `json:"message_pool"`
}

// StateInterimSync accompanies a task message with the metaversions the
// runner must reconcile against before acting on the payload.
type StateInterimSync struct {
	GroupIndices            []int               `json:"group_indices"`
	AgentPoolMetaversions   []batch.Metaversion `json:"agent_pool_metaversions"`
	MessagePoolMetaversions []batch.Metaversion `json:"message_pool_metaversions"`
}

// TaskMsgRecord is one task message forwarded to or from a runner.
type TaskMsgRecord struct {
	PackageSID string           `json:"package_sid"`
	TaskID     uuid.UUID        `json:"task_id"`
	Payload    json.RawMessage  `json:"payload"`
	Interim    StateInterimSync `json:"interim"`
}

// TaskCancelRecord requests cancellation of one task.
type TaskCancelRecord struct {
	TaskID uuid.UUID `json:"task_id"`
}

// TaskCancelledRecord confirms a runner's side of a cancellation.
type TaskCancelledRecord struct {
	TaskID uuid.UUID `json:"task_id"`
}

// encode marshals v to JSON, wrapping marshal failures as Protocol
// errors — a malformed record is a programming bug, not a transport
// fault.
func encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, engineerr.New(engineerr.Protocol, err)
	}
	return b, nil
}

func decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return engineerr.New(engineerr.Protocol, err)
	}
	return nil
}
