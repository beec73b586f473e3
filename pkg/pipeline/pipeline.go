// Package pipeline implements the engine's four-phase per-step package
// pipeline: init (once), then context → state → output every tick, per
// §4.3. Packages are a closed set of four capability interfaces — no
// reflection, no open inheritance — dispatched directly by phase.
package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/simengine/pkg/engineerr"
	"github.com/codeready-toolchain/simengine/pkg/pool"
)

// Column is one typed field column produced by a context package.
type Column = pool.Column

// OutputRecord is one package's contribution to a step's output.
type OutputRecord struct {
	PackageName string
	Data        []byte
}

// InitPackage produces a simulation's initial agents, once, before any
// step runs.
type InitPackage interface {
	Name() string
	CPUBound() bool
	Run(ctx context.Context) ([]int, error) // returns agent group sizes to allocate
}

// ContextPackage computes one read-only derived column per step from
// state and the frozen snapshot.
type ContextPackage interface {
	Name() string
	CPUBound() bool
	Run(ctx context.Context, state *pool.AgentPool, snapshot *pool.Snapshot) (Column, error)
	// EmptyColumn returns the zero-row column this package would produce,
	// so an empty agent pool still yields a well-formed context batch.
	EmptyColumn() Column
}

// StatePackage mutates state given the current step's read-only context.
// State packages run strictly sequentially in declared order — later
// packages may observe earlier packages' writes. DependsOnFields and
// ProvidesFields describe the package's read/write field dependencies so
// Order can topologically sort a declared package list once, before any
// step runs.
type StatePackage interface {
	Name() string
	DependsOnFields() []string
	ProvidesFields() []string
	Run(ctx context.Context, state *pool.AgentPool, ctxBatch *pool.ContextBatch) error
}

// OutputPackage produces one record contributing to the step's output,
// from state and context.
type OutputPackage interface {
	Name() string
	CPUBound() bool
	Run(ctx context.Context, state *pool.AgentPool, ctxBatch *pool.ContextBatch) (OutputRecord, error)
}

// RunInit spawns every init package concurrently and concatenates the
// group sizes they report in declared package order, whatever order the
// packages finish in. Failure of any package aborts the run.
func RunInit(ctx context.Context, packages []InitPackage) ([]int, error) {
	results := make([][]int, len(packages))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range packages {
		i, p := i, p
		g.Go(func() error {
			sizes, err := p.Run(gctx)
			if err != nil {
				return engineerr.New(engineerr.Simulation, err)
			}
			results[i] = sizes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []int
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// PreContext accumulates the columns produced by a concurrent context
// phase before they are committed to a new context batch.
type PreContext struct {
	columns []Column
}

// RunContext clones the snapshot once per context package, runs every
// package concurrently, and returns their columns as a PreContext. All
// context packages observe the same pre-step state and snapshot.
func RunContext(ctx context.Context, state *pool.AgentPool, snapshot *pool.Snapshot, packages []ContextPackage) (*PreContext, error) {
	if len(packages) == 0 {
		return &PreContext{}, nil
	}
	columns := make([]Column, len(packages))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range packages {
		i, p := i, p
		clone := snapshot.Clone()
		g.Go(func() error {
			defer clone.Release()
			if state.Len() == 0 {
				columns[i] = p.EmptyColumn()
				return nil
			}
			col, err := p.Run(gctx, state, clone)
			if err != nil {
				return engineerr.New(engineerr.Simulation, err)
			}
			columns[i] = col
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &PreContext{columns: columns}, nil
}

// Finalize reclaims the snapshot (which must now be uniquely owned —
// every clone must have released) and commits the accumulated columns to
// a new context batch.
func (pc *PreContext) Finalize(snapshot *pool.Snapshot, ctxBatch *pool.ContextBatch) error {
	if err := snapshot.Finalize(); err != nil {
		return err
	}
	ctxBatch.Columns = append(ctxBatch.Columns[:0], pc.columns...)
	return nil
}

// Order topologically sorts state packages by their declared field
// dependencies: a package naming a field in DependsOnFields that another
// package names in ProvidesFields runs after that package. Packages with
// no dependency relationship keep their relative declared order. Called
// once when a run's packages are assembled; RunState then replays the
// fixed result every step. A cycle in the declared dependencies is a
// configuration error.
func Order(packages []StatePackage) ([]StatePackage, error) {
	providedBy := make(map[string]int, len(packages))
	for i, p := range packages {
		for _, field := range p.ProvidesFields() {
			providedBy[field] = i
		}
	}

	indegree := make([]int, len(packages))
	edges := make([][]int, len(packages))
	for i, p := range packages {
		for _, field := range p.DependsOnFields() {
			producer, ok := providedBy[field]
			if !ok || producer == i {
				continue
			}
			edges[producer] = append(edges[producer], i)
			indegree[i]++
		}
	}

	ordered := make([]StatePackage, 0, len(packages))
	done := make([]bool, len(packages))
	for len(ordered) < len(packages) {
		next := -1
		for i := range packages {
			if done[i] || indegree[i] > 0 {
				continue
			}
			next = i
			break
		}
		if next == -1 {
			return nil, engineerr.New(engineerr.Configuration, fmt.Errorf("state package dependency cycle detected"))
		}
		done[next] = true
		ordered = append(ordered, packages[next])
		for _, j := range edges[next] {
			indegree[j]--
		}
	}
	return ordered, nil
}

// RunState runs state packages strictly sequentially, in whatever order
// the caller hands it — Order is what establishes that order from
// declared dependencies; RunState itself just replays it. Empty lists
// are legal no-ops.
func RunState(ctx context.Context, state *pool.AgentPool, ctxBatch *pool.ContextBatch, packages []StatePackage) error {
	for _, p := range packages {
		if err := p.Run(ctx, state, ctxBatch); err != nil {
			return engineerr.New(engineerr.Simulation, err)
		}
	}
	return nil
}

// RunOutput runs output packages concurrently; results are
// order-indeterminate but each is tagged with its package name.
func RunOutput(ctx context.Context, state *pool.AgentPool, ctxBatch *pool.ContextBatch, packages []OutputPackage) ([]OutputRecord, error) {
	if len(packages) == 0 {
		return nil, nil
	}
	results := make([]OutputRecord, len(packages))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range packages {
		i, p := i, p
		g.Go(func() error {
			rec, err := p.Run(gctx, state, ctxBatch)
			if err != nil {
				return engineerr.New(engineerr.Simulation, err)
			}
			results[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
