package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/codeready-toolchain/simengine/pkg/batch"
	"github.com/codeready-toolchain/simengine/pkg/engineconfig"
	"github.com/codeready-toolchain/simengine/pkg/engineerr"
	"github.com/codeready-toolchain/simengine/pkg/pool"
	"github.com/codeready-toolchain/simengine/pkg/runner"
	"github.com/codeready-toolchain/simengine/pkg/worker"
	"github.com/codeready-toolchain/simengine/pkg/workerpool"
)

// handshakeDeadline bounds each runner's init handshake; the spec gives
// a concrete deadline only for the orchestrator's Init (60s) and
// outbound status sends (5s), so this reuses the orchestrator's Init
// deadline as the most analogous bound available.
const handshakeDeadline = 60 * time.Second

// fixedSimulationID is the simulation id this binary runs its single
// experiment execution under; the engine process handles one run per
// invocation, so there is never a second simulation to route around.
const fixedSimulationID = 1

// workerHandle adapts one worker's dispatcher and runner connection set
// to workerpool.WorkerHandle.
type workerHandle struct {
	id         string
	dispatcher *worker.Dispatcher
	set        *runner.Set
}

func (h *workerHandle) ID() string                    { return h.id }
func (h *workerHandle) Dispatcher() *worker.Dispatcher { return h.dispatcher }

// SendSync decodes payload as a runner.StateSyncRecord (built by
// pkg/controller's stateSyncPayload) and forwards it to every runner
// language this worker owns.
func (h *workerHandle) SendSync(_ context.Context, payload []byte) error {
	var rec runner.StateSyncRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return engineerr.New(engineerr.Protocol, err)
	}
	return h.set.Broadcast(func(c *runner.Conn) error {
		return c.SendStateSync(fixedSimulationID, rec)
	})
}

// SendNewSimulation forwards an opaque new-simulation-run payload to
// every runner language this worker owns.
func (h *workerHandle) SendNewSimulation(_ context.Context, payload []byte) error {
	return h.set.Broadcast(func(c *runner.Conn) error {
		return c.SendNewSimulationRun(fixedSimulationID, payload)
	})
}

// acceptRunnerConn opens a one-shot listener on addr, accepts exactly
// one connection, and closes the listener — per §4.5's "both sides
// close the listener" once the init handshake's single connection has
// arrived.
func acceptRunnerConn(addr string) (net.Conn, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, engineerr.New(engineerr.Transport, err)
	}
	defer ln.Close()

	nc, err := ln.Accept()
	if err != nil {
		return nil, engineerr.New(engineerr.Transport, err)
	}
	return nc, nil
}

// packageConfigs translates the manifest's configured packages into the
// wire InitRecord's PackageConfig list.
func packageConfigs(manifest *engineconfig.Manifest) []runner.PackageConfig {
	configs := make([]runner.PackageConfig, len(manifest.Packages))
	for i, p := range manifest.Packages {
		configs[i] = runner.PackageConfig{
			ID:          p.ID,
			Type:        p.Type,
			Name:        p.Name,
			InitPayload: json.RawMessage(p.InitPayload),
		}
	}
	return configs
}

// poolMetaversions adapts the engine's live agent and message pools to
// runner.MetaversionSource, reading each group's current batch
// metaversion at send time.
type poolMetaversions struct {
	agents   *pool.AgentPool
	messages *pool.MessagePool
}

func (p poolMetaversions) CurrentMetaversions() (agentPool, messagePool []batch.Metaversion) {
	agentPool = make([]batch.Metaversion, len(p.agents.Groups))
	for i, g := range p.agents.Groups {
		agentPool[i] = g.Metaversion()
	}
	messagePool = make([]batch.Metaversion, len(p.messages.Groups))
	for i, g := range p.messages.Groups {
		messagePool[i] = g.Metaversion()
	}
	return agentPool, messagePool
}

// spawnWorkers accepts one runner connection per (worker, language)
// pair, performs the init handshake on each, and assembles the fixed
// set of workers into a workerpool.Pool. Connections are returned
// separately so the caller can close them on shutdown. agents and
// messages back every worker's outgoing StateInterimSync.
func spawnWorkers(ctx context.Context, args *engineconfig.CLIArgs, manifest *engineconfig.Manifest, init runner.InitRecord, agents *pool.AgentPool, messages *pool.MessagePool) (*workerpool.Pool, []*runner.Conn, error) {
	languages := args.Languages()
	if len(languages) == 0 {
		return workerpool.New(nil), nil, nil
	}

	var allConns []*runner.Conn
	handles := make([]workerpool.WorkerHandle, 0, args.MaxWorkers)

	for workerIdx := 0; workerIdx < args.MaxWorkers; workerIdx++ {
		conns := make(map[worker.Language]*runner.Conn, len(languages))
		workerInit := init
		workerInit.WorkerIndex = workerIdx

		for _, lang := range languages {
			nc, err := acceptRunnerConn(args.ListenURL)
			if err != nil {
				return nil, allConns, err
			}
			conn := runner.NewConn(lang, nc)
			if err := conn.Handshake(ctx, handshakeDeadline, workerInit); err != nil {
				return nil, allConns, err
			}
			conns[lang] = conn
			allConns = append(allConns, conn)
		}

		set := runner.NewSet(fixedSimulationID, conns, poolMetaversions{agents: agents, messages: messages})
		dispatcher := worker.New(languages, set)
		handles = append(handles, &workerHandle{
			id:         fmt.Sprintf("worker-%d", workerIdx),
			dispatcher: dispatcher,
			set:        set,
		})
	}

	return workerpool.New(handles), allConns, nil
}

// interimToMetaversions translates the wire StateInterimSync a runner
// echoed back into the dispatcher's Metaversions view.
func interimToMetaversions(in runner.StateInterimSync) worker.Metaversions {
	return worker.Metaversions{
		GroupIndices: in.GroupIndices,
		AgentPool:    in.AgentPoolMetaversions,
		MessagePool:  in.MessagePoolMetaversions,
	}
}

// pumpRunnerReplies reads frames from conn until it errors or closes,
// forwarding task-msg replies and cancellation confirmations to the
// pool for routing back to the owning dispatcher. Runs for the
// lifetime of one runner connection.
func pumpRunnerReplies(wpool *workerpool.Pool, from worker.Language, conn *runner.Conn) {
	for {
		env, err := conn.ReadNext()
		if err != nil {
			return
		}
		switch env.Kind {
		case runner.RecordTaskMsg:
			var rec runner.TaskMsgRecord
			if err := json.Unmarshal(env.Payload, &rec); err != nil {
				continue
			}
			msg := worker.TargetedMessage{
				Target:  worker.Target{Kind: worker.TargetDynamic, Language: from},
				Payload: rec.Payload,
				Interim: interimToMetaversions(rec.Interim),
			}
			result, err := wpool.HandleRunnerMessage(from, rec.TaskID, msg)
			if err != nil {
				slog.Debug("dropping runner message", "language", from, "task_id", rec.TaskID, "error", err)
				continue
			}
			if result != nil && result.Result != nil {
				slog.Debug("task completed", "language", from, "task_id", result.Result.TaskID)
			}

		case runner.RecordTaskCancelled:
			var rec runner.TaskCancelledRecord
			if err := json.Unmarshal(env.Payload, &rec); err != nil {
				continue
			}
			result := wpool.ConfirmCancelled(from, rec.TaskID)
			if result != nil && result.Cancelled != nil {
				slog.Debug("task cancelled", "language", from, "task_id", *result.Cancelled)
			}

		default:
			continue
		}
	}
}
