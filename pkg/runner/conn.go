package runner

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/simengine/pkg/batch"
	"github.com/codeready-toolchain/simengine/pkg/engineerr"
	"github.com/codeready-toolchain/simengine/pkg/worker"
)

// Conn is one point-to-point connection to a single language runner
// process. Each runner holds its own Conn; Conns are never shared
// across workers.
type Conn struct {
	language worker.Language
	nc       net.Conn
	writeMu  sync.Mutex
}

// Dial opens a connection to a runner process listening at addr.
func Dial(ctx context.Context, language worker.Language, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, engineerr.New(engineerr.Transport, err)
	}
	return &Conn{language: language, nc: nc}, nil
}

// NewConn wraps an already-accepted connection (e.g. from a listener
// used for the init handshake).
func NewConn(language worker.Language, nc net.Conn) *Conn {
	return &Conn{language: language, nc: nc}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// Language returns the runner language this connection was opened for.
func (c *Conn) Language() worker.Language { return c.language }

func (c *Conn) write(e Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteEnvelope(c.nc, e)
}

func (c *Conn) read() (Envelope, error) {
	return ReadEnvelope(c.nc)
}

// Handshake performs the init exchange: waits for the runner's
// init-request (contents irrelevant), replies with init, and waits for
// the runner's acknowledgement before returning. deadline bounds the
// whole exchange.
func (c *Conn) Handshake(ctx context.Context, deadline time.Duration, init InitRecord) error {
	_ = ctx
	if err := c.nc.SetDeadline(timeNow().Add(deadline)); err != nil {
		return engineerr.New(engineerr.Transport, err)
	}
	defer c.nc.SetDeadline(time.Time{})

	req, err := c.read()
	if err != nil {
		return engineerr.New(engineerr.Transport, fmt.Errorf("%w: %v", engineerr.ErrReceiveInitTimeout, err))
	}
	if req.Kind != RecordInitRequest {
		return engineerr.New(engineerr.Protocol, fmt.Errorf("%w: first record was %d", engineerr.ErrProtocolFirstNotInit, req.Kind))
	}

	payload, err := encode(init)
	if err != nil {
		return err
	}
	if err := c.write(Envelope{Kind: RecordInit, Payload: payload}); err != nil {
		return err
	}

	ack, err := c.read()
	if err != nil {
		return engineerr.New(engineerr.Transport, err)
	}
	if ack.Kind != RecordInit {
		return engineerr.New(engineerr.Protocol, fmt.Errorf("expected init acknowledgement, got %d", ack.Kind))
	}
	return nil
}

// timeNow is a seam so tests can run without depending on wall-clock
// behavior of SetDeadline; production always uses the real clock.
var timeNow = time.Now

// SendTaskMsg writes a task-msg record to the runner.
func (c *Conn) SendTaskMsg(sim uint64, rec TaskMsgRecord) error {
	payload, err := encode(rec)
	if err != nil {
		return err
	}
	return c.write(Envelope{Kind: RecordTaskMsg, SimulationID: sim, Payload: payload})
}

// SendTaskCancel writes a task-cancel record to the runner.
func (c *Conn) SendTaskCancel(sim uint64, taskID uuid.UUID) error {
	payload, err := encode(TaskCancelRecord{TaskID: taskID})
	if err != nil {
		return err
	}
	return c.write(Envelope{Kind: RecordTaskCancel, SimulationID: sim, Payload: payload})
}

// SendStateSync writes a state-sync record to the runner.
func (c *Conn) SendStateSync(sim uint64, rec StateSyncRecord) error {
	payload, err := encode(rec)
	if err != nil {
		return err
	}
	return c.write(Envelope{Kind: RecordStateSync, SimulationID: sim, Payload: payload})
}

// SendNewSimulationRun writes a new-simulation-run record to the runner.
func (c *Conn) SendNewSimulationRun(sim uint64, payload []byte) error {
	return c.write(Envelope{Kind: RecordNewSimulationRun, SimulationID: sim, Payload: payload})
}

// SendTerminateSimulationRun writes a terminate-simulation-run record.
func (c *Conn) SendTerminateSimulationRun(sim uint64) error {
	return c.write(Envelope{Kind: RecordTerminateSimulationRun, SimulationID: sim})
}

// SendKillRunner writes a kill-runner record.
func (c *Conn) SendKillRunner() error {
	return c.write(Envelope{Kind: RecordKillRunner})
}

// ReadNext blocks for the next envelope from the runner.
func (c *Conn) ReadNext() (Envelope, error) {
	return c.read()
}

// MetaversionSource supplies the current agent-pool and message-pool
// group metaversions, by group index, that every outgoing task-msg
// embeds as its StateInterimSync so a runner knows what to reconcile
// against before acting on the payload.
type MetaversionSource interface {
	CurrentMetaversions() (agentPool, messagePool []batch.Metaversion)
}

// Set is the worker.Sender implementation backing a real worker: one
// Conn per language, keyed by language, with a fixed simulation id this
// set was spawned for.
type Set struct {
	sim          uint64
	conns        map[worker.Language]*Conn
	metaversions MetaversionSource
}

// NewSet builds a Sender over conns, addressed by simulation id sim. src
// may be nil (every outgoing task-msg then carries a zero-value
// StateInterimSync), which test fixtures and workers with no pool
// wired in yet rely on.
func NewSet(sim uint64, conns map[worker.Language]*Conn, src MetaversionSource) *Set {
	return &Set{sim: sim, conns: conns, metaversions: src}
}

// SendToRunner implements worker.Sender by translating a TargetedMessage
// addressed at a language into a task-msg record over that language's
// Conn, embedding the set's current metaversions as the record's
// StateInterimSync.
func (s *Set) SendToRunner(lang worker.Language, taskID uuid.UUID, msg worker.TargetedMessage) error {
	c, ok := s.conns[lang]
	if !ok {
		return engineerr.New(engineerr.Protocol, fmt.Errorf("no connection for language %q", lang))
	}
	return c.SendTaskMsg(s.sim, TaskMsgRecord{
		TaskID:  taskID,
		Payload: msg.Payload,
		Interim: s.currentInterim(),
	})
}

// currentInterim builds a StateInterimSync naming every current
// agent-pool and message-pool group from the set's metaversion source.
func (s *Set) currentInterim() StateInterimSync {
	if s.metaversions == nil {
		return StateInterimSync{}
	}
	agentPool, messagePool := s.metaversions.CurrentMetaversions()
	indices := make([]int, len(agentPool))
	for i := range indices {
		indices[i] = i
	}
	return StateInterimSync{
		GroupIndices:            indices,
		AgentPoolMetaversions:   agentPool,
		MessagePoolMetaversions: messagePool,
	}
}

// SendCancel implements worker.Sender's best-effort cancel.
func (s *Set) SendCancel(lang worker.Language, taskID uuid.UUID) error {
	c, ok := s.conns[lang]
	if !ok {
		return engineerr.New(engineerr.Protocol, fmt.Errorf("no connection for language %q", lang))
	}
	return c.SendTaskCancel(s.sim, taskID)
}

// Broadcast runs fn over every connection in the set; it does not
// aggregate concurrency itself — pkg/workerpool's errgroup fan-out calls
// this per worker.
func (s *Set) Broadcast(fn func(*Conn) error) error {
	for _, c := range s.conns {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}
