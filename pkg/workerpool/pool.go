// Package workerpool fans tasks out across a fixed set of per-worker
// task dispatchers, routes tasks to workers by simulation, and
// broadcasts sync/new-simulation payloads to every worker, per the
// worker-pool piece of §4.4.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/simengine/pkg/engineerr"
	"github.com/codeready-toolchain/simengine/pkg/worker"
)

// SimulationID identifies one simulation run within an experiment.
type SimulationID uint64

// WorkerHandle is what the pool needs from one worker: its task
// dispatcher, plus the ability to broadcast simulation-wide payloads to
// every runner language the worker owns.
type WorkerHandle interface {
	ID() string
	Dispatcher() *worker.Dispatcher
	SendSync(ctx context.Context, payload []byte) error
	SendNewSimulation(ctx context.Context, payload []byte) error
}

// Pool routes tasks to workers and fans sync/new-simulation payloads out
// to all of them. Modeled on the teacher's WorkerPool: a fixed slice of
// workers plus a registry (here: task → owning worker) guarded by one
// mutex.
type Pool struct {
	mu      sync.RWMutex
	workers []WorkerHandle

	// simOwner assigns each simulation to the worker that will run its
	// tasks; assigned round-robin on first sight and then sticky, so a
	// simulation's tasks are always routed to the same worker.
	simOwner map[SimulationID]int
	nextIdx  int

	taskOwner map[uuid.UUID]int

	log *slog.Logger
}

// New builds a Pool over a fixed set of worker handles.
func New(workers []WorkerHandle) *Pool {
	return &Pool{
		workers:   workers,
		simOwner:  make(map[SimulationID]int),
		taskOwner: make(map[uuid.UUID]int),
		log:       slog.With("component", "workerpool"),
	}
}

// ownerFor returns the worker index assigned to sim, assigning one
// round-robin if this is the simulation's first task.
func (p *Pool) ownerFor(sim SimulationID) int {
	if idx, ok := p.simOwner[sim]; ok {
		return idx
	}
	idx := p.nextIdx % len(p.workers)
	p.nextIdx++
	p.simOwner[sim] = idx
	return idx
}

// Dispatch starts a task on the worker owning sim.
func (p *Pool) Dispatch(sim SimulationID, taskID uuid.UUID, t worker.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) == 0 {
		return engineerr.New(engineerr.Fatal, fmt.Errorf("worker pool has no workers"))
	}
	idx := p.ownerFor(sim)
	if err := p.workers[idx].Dispatcher().StartTask(taskID, t); err != nil {
		return err
	}
	p.taskOwner[taskID] = idx
	return nil
}

// Cancel forwards task cancellation to the task's owning worker.
func (p *Pool) Cancel(taskID uuid.UUID) error {
	p.mu.RLock()
	idx, ok := p.taskOwner[taskID]
	p.mu.RUnlock()
	if !ok {
		return nil // unknown task: already completed, no-op per §8
	}
	return p.workers[idx].Dispatcher().CancelTask(taskID)
}

// HandleRunnerMessage forwards a runner's targeted reply to the task's
// owning dispatcher, clearing the task-owner entry once it terminates.
func (p *Pool) HandleRunnerMessage(from worker.Language, taskID uuid.UUID, msg worker.TargetedMessage) (*worker.TaskResultOrCancelled, error) {
	p.mu.RLock()
	idx, ok := p.taskOwner[taskID]
	p.mu.RUnlock()
	if !ok {
		return nil, engineerr.New(engineerr.Protocol, fmt.Errorf("unknown task %s", taskID))
	}
	result, err := p.workers[idx].Dispatcher().HandleRunnerMessage(from, taskID, msg)
	if err != nil {
		return nil, err
	}
	if result != nil {
		p.mu.Lock()
		delete(p.taskOwner, taskID)
		p.mu.Unlock()
	}
	return result, nil
}

// ConfirmCancelled forwards a runner's TaskCancelled confirmation to the
// task's owning dispatcher, clearing the task-owner entry once the
// confirming language is the task's active runner.
func (p *Pool) ConfirmCancelled(from worker.Language, taskID uuid.UUID) *worker.TaskResultOrCancelled {
	p.mu.RLock()
	idx, ok := p.taskOwner[taskID]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	result := p.workers[idx].Dispatcher().ConfirmCancelled(from, taskID)
	if result != nil {
		p.mu.Lock()
		delete(p.taskOwner, taskID)
		p.mu.Unlock()
	}
	return result
}

// BroadcastSync sends a SyncPayload to every worker concurrently;
// failure of any send fails the whole sync.
func (p *Pool) BroadcastSync(ctx context.Context, payload []byte) error {
	return p.broadcast(ctx, func(ctx context.Context, w WorkerHandle) error {
		return w.SendSync(ctx, payload)
	})
}

// BroadcastNewSimulation sends a new-simulation-run payload to every
// worker concurrently; failures are aggregated.
func (p *Pool) BroadcastNewSimulation(ctx context.Context, payload []byte) error {
	var mu sync.Mutex
	var errs []error
	_ = p.broadcast(ctx, func(ctx context.Context, w WorkerHandle) error {
		if err := w.SendNewSimulation(ctx, payload); err != nil {
			mu.Lock()
			errs = append(errs, engineerr.New(engineerr.Transport, fmt.Errorf("worker %s: %w", w.ID(), err)))
			mu.Unlock()
		}
		return nil
	})
	return errors.Join(errs...)
}

func (p *Pool) broadcast(ctx context.Context, send func(context.Context, WorkerHandle) error) error {
	p.mu.RLock()
	workers := append([]WorkerHandle(nil), p.workers...)
	p.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := send(gctx, w); err != nil {
				return engineerr.New(engineerr.Transport, fmt.Errorf("worker %s: %w", w.ID(), err))
			}
			return nil
		})
	}
	return g.Wait()
}
