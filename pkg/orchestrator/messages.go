package orchestrator

import "encoding/json"

// MessageKind tags the JSON payload carried by one stream frame.
type MessageKind string

// Engine-to-orchestrator message kinds.
const (
	KindStarted      MessageKind = "started"
	KindEngineStatus MessageKind = "engine_status"
)

// Orchestrator-to-engine message kinds.
const (
	KindInit MessageKind = "init"
)

// envelope is the wire shape for every frame in either direction: a
// kind tag plus its JSON body.
type envelope struct {
	Kind MessageKind     `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// StartedMessage announces the engine has come up and is waiting for
// its Init record.
type StartedMessage struct{}

// InitMessage is the orchestrator's reply to Started: the experiment
// run identity, its execution environment, and a JSON map of
// dynamic per-run payloads.
type InitMessage struct {
	ExperimentRun   string                     `json:"experiment_run"`
	ExecutionEnv    string                     `json:"execution_environment"`
	DynamicPayloads map[string]json.RawMessage `json:"dynamic_payloads"`
}

// EngineStatusMessage is one status update the engine pushes after init.
type EngineStatusMessage struct {
	SimulationID uint64 `json:"simulation_id"`
	Step         uint64 `json:"step"`
	State        string `json:"state"`
	Detail       string `json:"detail,omitempty"`
}

func marshalEnvelope(kind MessageKind, body interface{}) (*rawMessage, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	env, err := json.Marshal(envelope{Kind: kind, Body: b})
	if err != nil {
		return nil, err
	}
	return &rawMessage{Data: env}, nil
}

func unmarshalEnvelope(raw *rawMessage) (MessageKind, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return "", nil, err
	}
	return env.Kind, env.Body, nil
}
