// Package controller implements the simulation controller of §4.6: it
// owns one experiment run's pools, its configured packages, the
// worker-pool handle used to keep runners in sync, and the output part
// buffer, and drives the per-step loop. Grounded on the teacher's
// pkg/session.Manager for the "registry owns the thing's whole
// lifecycle" shape, restructured around one run's sequential steps
// instead of a map of independent chat sessions.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/simengine/pkg/batch"
	"github.com/codeready-toolchain/simengine/pkg/engineerr"
	"github.com/codeready-toolchain/simengine/pkg/output"
	"github.com/codeready-toolchain/simengine/pkg/pipeline"
	"github.com/codeready-toolchain/simengine/pkg/pool"
	"github.com/codeready-toolchain/simengine/pkg/runner"
)

// Syncer is what the controller needs from a worker pool to keep every
// runner's cached batches current after a step. Satisfied by
// *workerpool.Pool; named as a narrow interface here so this package
// does not need to import workerpool just to hold a handle.
type Syncer interface {
	BroadcastSync(ctx context.Context, payload []byte) error
}

// StepOutput is one step's accumulated output: every output package's
// record, tagged with the step index.
type StepOutput struct {
	Step    uint64                  `json:"step"`
	Records []pipeline.OutputRecord `json:"records"`
}

// Packages configures one run's pipeline: the four closed package
// kinds. Init, context and output packages run concurrently within their
// phase; state packages run one at a time in the order pipeline.Order
// derives from their declared field dependencies.
type Packages struct {
	Init    []pipeline.InitPackage
	Context []pipeline.ContextPackage
	State   []pipeline.StatePackage
	Output  []pipeline.OutputPackage
}

// StopSignal reports whether the experiment's own packages have
// requested the run stop, checked after every step per §4.6's terminal
// conditions ("experiment package signals stop, or a fatal error").
type StopSignal func(agents *pool.AgentPool) bool

// Controller owns one experiment run: its agent pool, message pool,
// context batch, configured packages, output buffer, and (optionally) a
// worker-pool handle to keep runners' cached batches in sync after
// every step.
type Controller struct {
	mu sync.Mutex

	agents   *pool.AgentPool
	messages *pool.MessagePool
	ctxBatch *pool.ContextBatch
	datasets map[string][]byte

	packages Packages
	out      *output.PartBuffer
	sync     Syncer

	step uint64
	done bool

	log *slog.Logger
}

// New builds a Controller over an already-allocated agent pool,
// paired message pool, and context batch, with the given package
// configuration, output buffer, and optional worker-pool sync handle
// (nil if this run has no runner workers to keep in sync). State
// packages are topologically sorted once here, by declared field
// dependencies (pipeline.Order); every step replays that fixed order.
func New(agents *pool.AgentPool, messages *pool.MessagePool, ctxBatch *pool.ContextBatch, datasets map[string][]byte, packages Packages, out *output.PartBuffer, sync Syncer) (*Controller, error) {
	ordered, err := pipeline.Order(packages.State)
	if err != nil {
		return nil, err
	}
	packages.State = ordered

	return &Controller{
		agents:   agents,
		messages: messages,
		ctxBatch: ctxBatch,
		datasets: datasets,
		packages: packages,
		out:      out,
		sync:     sync,
		log:      slog.With("component", "controller"),
	}, nil
}

// Init runs every init package concurrently, partitions their
// concatenated output into fresh agent-pool groups, and allocates a
// message-pool group paired 1:1 with each.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sizes, err := pipeline.RunInit(ctx, c.packages.Init)
	if err != nil {
		return err
	}
	if len(sizes) == 0 {
		return nil
	}
	if err := c.agents.AppendGroups(sizes); err != nil {
		return err
	}
	if _, err := c.messages.Reset(c.agents); err != nil {
		return err
	}
	return nil
}

// Step runs exactly one iteration of the §4.6 loop: run_context,
// run_state, run_output, reset the message pool against the
// (possibly-resized) agent pool, append the step's output record, and
// push a state-sync record to every worker. It returns the step's
// output record and whether the run should stop after this step.
func (c *Controller) Step(ctx context.Context) (StepOutput, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return StepOutput{}, true, engineerr.New(engineerr.Fatal, fmt.Errorf("step called after run stopped"))
	}

	snap := pool.NewSnapshot(c.agents, c.datasets)
	pre, err := pipeline.RunContext(ctx, c.agents, snap, c.packages.Context)
	if err != nil {
		return StepOutput{}, false, err
	}
	if err := pre.Finalize(snap, c.ctxBatch); err != nil {
		return StepOutput{}, false, err
	}

	if err := pipeline.RunState(ctx, c.agents, c.ctxBatch, c.packages.State); err != nil {
		return StepOutput{}, false, err
	}

	records, err := pipeline.RunOutput(ctx, c.agents, c.ctxBatch, c.packages.Output)
	if err != nil {
		return StepOutput{}, false, err
	}

	if _, err := c.messages.Reset(c.agents); err != nil {
		return StepOutput{}, false, err
	}

	stepOut := StepOutput{Step: c.step, Records: records}
	if c.out != nil {
		if err := c.out.AppendStep(stepOut); err != nil {
			return StepOutput{}, false, err
		}
	}

	if c.sync != nil {
		if err := c.sync.BroadcastSync(ctx, c.stateSyncPayload()); err != nil {
			return StepOutput{}, false, err
		}
	}

	stop := c.anyStopSignal()
	c.done = stop
	c.step++
	return stepOut, stop, nil
}

// anyStopSignal has no experiment-level stop package wired in yet; a
// run stops only via Run's explicit StopSignal or a fatal error.
func (c *Controller) anyStopSignal() bool {
	return false
}

// stateSyncPayload builds the JSON-encoded StateSyncRecord naming every
// current agent-pool and message-pool group batch, for the worker pool
// to broadcast to all runners.
func (c *Controller) stateSyncPayload() []byte {
	rec := runner.StateSyncRecord{
		AgentPool:   batchRefs(c.agents.Groups),
		MessagePool: batchRefs(c.messages.Groups),
	}
	// Encoding is self-constructed and cannot fail; swallow the error
	// rather than plumb an unreachable path through every caller.
	data, _ := json.Marshal(rec)
	return data
}

func batchRefs(groups []*batch.Batch) []runner.BatchRef {
	refs := make([]runner.BatchRef, len(groups))
	for i, g := range groups {
		refs[i] = runner.BatchRef{BatchID: g.ID(), Metaversion: g.Metaversion()}
	}
	return refs
}

// Run drives Step in a loop until stop reports true, maxSteps steps
// have run (0 means unbounded), or a step errors, then finalizes the
// output buffer. The finalized tail bytes and on-disk part paths are
// returned so the caller can persist or discard the tail per the
// CLI's persist flag.
func (c *Controller) Run(ctx context.Context, maxSteps uint64, stop StopSignal) ([]byte, []string, error) {
	defer c.markDone()
	for maxSteps == 0 || c.Steps() < maxSteps {
		_, stopped, err := c.Step(ctx)
		if err != nil {
			if c.out != nil {
				tail, parts, finalizeErr := c.out.Finalize()
				if finalizeErr == nil {
					return tail, parts, err
				}
			}
			return nil, nil, err
		}
		if stopped || (stop != nil && stop(c.agentsSnapshot())) {
			break
		}
	}
	if c.out == nil {
		return nil, nil, nil
	}
	return c.out.Finalize()
}

// FinalizeOutput closes the output buffer, if one is configured, and
// marks the controller done so no further Step calls are accepted. For
// callers driving their own step loop instead of Run; call exactly
// once, after the loop has decided to stop.
func (c *Controller) FinalizeOutput() ([]byte, []string, error) {
	c.markDone()
	if c.out == nil {
		return nil, nil, nil
	}
	return c.out.Finalize()
}

// markDone stops any future Step call on this controller; used once Run
// has returned, whatever the reason.
func (c *Controller) markDone() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}

// Steps returns the number of steps completed so far.
func (c *Controller) Steps() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// agentsSnapshot returns the controller's agent pool for a caller's
// StopSignal check; the pool itself is goroutine-safe for reads.
func (c *Controller) agentsSnapshot() *pool.AgentPool {
	return c.agents
}
