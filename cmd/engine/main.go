// Command engine is the simulation engine process: it completes the
// orchestrator handshake, accepts its configured runner connections,
// and drives one experiment run's step loop until the run stops or a
// fatal error occurs, per §6.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/codeready-toolchain/simengine/pkg/controller"
	"github.com/codeready-toolchain/simengine/pkg/dataset"
	"github.com/codeready-toolchain/simengine/pkg/engineconfig"
	"github.com/codeready-toolchain/simengine/pkg/engineerr"
	"github.com/codeready-toolchain/simengine/pkg/orchestrator"
	"github.com/codeready-toolchain/simengine/pkg/output"
	"github.com/codeready-toolchain/simengine/pkg/pool"
	"github.com/codeready-toolchain/simengine/pkg/runner"
	"github.com/codeready-toolchain/simengine/pkg/schema"
	"github.com/codeready-toolchain/simengine/pkg/statusapi"
)

func main() {
	if err := run(); err != nil {
		slog.Error("engine exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	args, err := engineconfig.ParseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	if err := engineconfig.LoadDotEnv(args.ConfigDir); err != nil {
		slog.Warn("could not load .env file", "config_dir", args.ConfigDir, "error", err)
	}
	manifest, err := engineconfig.LoadManifest(args.ConfigDir)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := slog.With("component", "engine", "experiment_id", args.ExperimentID.String())

	orch, err := orchestrator.Dial(args.OrchestratorURL)
	if err != nil {
		return err
	}
	defer orch.Close()

	initMsg, err := orch.Start(ctx)
	if err != nil {
		return err
	}
	log.Info("orchestrator handshake complete",
		"experiment_run", initMsg.ExperimentRun,
		"execution_environment", initMsg.ExecutionEnv)

	datasets, err := fetchDatasets(ctx, manifest)
	if err != nil {
		return err
	}

	agents, messages, ctxBatch, err := allocatePools(manifest)
	if err != nil {
		return err
	}

	var out *output.PartBuffer
	basePath := fmt.Sprintf("./parts/%s", args.ExperimentID)
	if args.Persist {
		out, err = output.New(basePath, "steps")
		if err != nil {
			return err
		}
	}

	runnerInit := runner.InitRecord{
		ExperimentID: args.ExperimentID,
		Packages:     packageConfigs(manifest),
	}
	wpool, conns, err := spawnWorkers(ctx, args, manifest, runnerInit, agents, messages)
	if err != nil {
		return err
	}
	defer closeConns(conns)
	for _, c := range conns {
		go pumpRunnerReplies(wpool, c.Language(), c)
	}

	ctrl, err := controller.New(agents, messages, ctxBatch, datasets, controller.Packages{}, out, wpool)
	if err != nil {
		return err
	}

	status := statusapi.New(args.StatusAddr, &statusProvider{
		experimentID: args.ExperimentID.String(),
		workerCount:  args.MaxWorkers,
		ctrl:         ctrl,
	})
	go func() {
		if err := status.Serve(); err != nil {
			log.Warn("status server stopped", "error", err)
		}
	}()
	defer status.Shutdown(context.Background())

	log.Info("starting step loop")
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down on signal", "steps_completed", ctrl.Steps())
			return finalizeRun(ctrl, basePath, args.Persist)
		default:
		}

		stepOut, stopped, err := ctrl.Step(ctx)
		if err != nil {
			log.Error("step failed", "step", ctrl.Steps(), "error", err)
			if ferr := finalizeRun(ctrl, basePath, args.Persist); ferr != nil {
				log.Error("failed to finalize output after step failure", "error", ferr)
			}
			return err
		}

		status.BroadcastStatus(statusSnapshot(args, ctrl))
		if sendErr := orch.SendStatus(ctx, orchestrator.EngineStatusMessage{
			Step:  stepOut.Step,
			State: "stepping",
		}); sendErr != nil {
			log.Warn("failed to send engine status", "error", sendErr)
		}

		if stopped {
			log.Info("run stopped", "steps_completed", ctrl.Steps())
			return finalizeRun(ctrl, basePath, args.Persist)
		}
	}
}

// finalizeRun closes the controller's output buffer and, when persist
// is set, writes its unflushed tail as the run's last part file — the
// bytes Finalize hands back are never written to disk on their own.
func finalizeRun(ctrl *controller.Controller, basePath string, persist bool) error {
	tail, parts, err := ctrl.FinalizeOutput()
	if err != nil {
		return err
	}
	if !persist || len(tail) == 0 {
		return nil
	}
	finalPath := filepath.Join(basePath, fmt.Sprintf("steps-%d.part", len(parts)))
	if err := os.WriteFile(finalPath, tail, 0o644); err != nil {
		return engineerr.New(engineerr.Fatal, err)
	}
	slog.Info("run finalized", "parts", len(parts)+1, "tail_bytes", len(tail))
	return nil
}

func fetchDatasets(ctx context.Context, manifest *engineconfig.Manifest) (map[string][]byte, error) {
	if len(manifest.Datasets) == 0 {
		return nil, nil
	}
	f := dataset.NewStubFetcher()
	refs := make([]dataset.Ref, len(manifest.Datasets))
	for i, d := range manifest.Datasets {
		refs[i] = dataset.Ref{Name: d.Name, Source: d.Source}
	}
	fetched, err := dataset.FetchAll(ctx, f, refs)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(fetched))
	for _, d := range fetched {
		out[d.Name] = d.Data
	}
	return out, nil
}

// allocatePools builds the agent pool, its paired message pool, and an
// empty context batch. The per-field schema a concrete experiment needs
// is owned by its packages (shipped as the "schema document" named in
// §6), not by the manifest; this engine binary allocates the reserved
// baseline schema every agent pool carries and lets init packages grow
// it further via AppendGroups once they run.
func allocatePools(manifest *engineconfig.Manifest) (*pool.AgentPool, *pool.MessagePool, *pool.ContextBatch, error) {
	agentSchema, err := schema.NewBuilder().
		Add(schema.ReservedPreviousIndex, schema.FieldType{Kind: schema.PresetIndex}, false).
		Materialize()
	if err != nil {
		return nil, nil, nil, err
	}
	messageSchema, err := pool.MessageSchema()
	if err != nil {
		return nil, nil, nil, err
	}

	agents, err := pool.NewAgentPool(agentSchema, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	messages, err := pool.NewMessagePool(messageSchema, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	ctxBatch, err := pool.NewContextBatch(agentSchema, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	return agents, messages, ctxBatch, nil
}

func statusSnapshot(args *engineconfig.CLIArgs, ctrl *controller.Controller) statusapi.Snapshot {
	return statusapi.Snapshot{
		ExperimentID: args.ExperimentID.String(),
		SimulationID: fixedSimulationID,
		Step:         ctrl.Steps(),
		State:        "stepping",
		WorkerCount:  args.MaxWorkers,
	}
}

// statusProvider adapts the controller's step counter to statusapi's
// pull-based Provider.
type statusProvider struct {
	experimentID string
	workerCount  int
	ctrl         *controller.Controller
}

func (p *statusProvider) Snapshot() statusapi.Snapshot {
	return statusapi.Snapshot{
		ExperimentID: p.experimentID,
		SimulationID: fixedSimulationID,
		Step:         p.ctrl.Steps(),
		State:        "running",
		WorkerCount:  p.workerCount,
	}
}

func closeConns(conns []*runner.Conn) {
	for _, c := range conns {
		_ = c.Close()
	}
}
