// Package pool implements the engine's agent pool, message pool, context
// batch, and the per-step state snapshot, per §3/§4.2 of the spec.
package pool

import (
	"strconv"
	"sync"

	"github.com/codeready-toolchain/simengine/pkg/batch"
	"github.com/codeready-toolchain/simengine/pkg/engineerr"
	"github.com/codeready-toolchain/simengine/pkg/schema"
)

// AgentPool is an ordered sequence of group batches holding agent state.
type AgentPool struct {
	mu     sync.RWMutex
	Schema *schema.Schema
	Groups []*batch.Batch
}

// NewAgentPool allocates an agent pool with one group per entry in
// groupSizes.
func NewAgentPool(sch *schema.Schema, groupSizes []int) (*AgentPool, error) {
	groups, err := allocateGroups(sch, "agents", 0, groupSizes)
	if err != nil {
		return nil, err
	}
	return &AgentPool{Schema: sch, Groups: groups}, nil
}

// Len returns the number of groups.
func (p *AgentPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.Groups)
}

// GroupSizes returns each group's current row count, in order.
func (p *AgentPool) GroupSizes() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sizes := make([]int, len(p.Groups))
	for i, g := range p.Groups {
		sizes[i] = g.Len()
	}
	return sizes
}

// AppendGroups appends freshly-allocated agent groups of the given sizes
// (e.g. agents produced by an init package) — used when an init package's
// concatenated output is partitioned into groups.
func (p *AgentPool) AppendGroups(sizes []int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	groups, err := allocateGroups(p.Schema, "agents", len(p.Groups), sizes)
	if err != nil {
		return err
	}
	p.Groups = append(p.Groups, groups...)
	return nil
}

// MessagePool is an ordered sequence of group batches holding per-agent
// message lists, one group per agent-pool group at the same index.
type MessagePool struct {
	mu     sync.RWMutex
	Schema *schema.Schema
	Groups []*batch.Batch
}

// NewMessagePool allocates a message pool paired 1:1 with an agent pool's
// initial group sizes.
func NewMessagePool(sch *schema.Schema, groupSizes []int) (*MessagePool, error) {
	groups, err := allocateGroups(sch, "messages", 0, groupSizes)
	if err != nil {
		return nil, err
	}
	return &MessagePool{Schema: sch, Groups: groups}, nil
}

// Len returns the number of groups.
func (p *MessagePool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.Groups)
}

// Reset truncates the message pool to the agent pool's group count,
// replaces every remaining group whose row count no longer matches the
// paired agent group with a freshly-allocated empty batch, and appends
// freshly-initialized empty message batches for any new agent groups.
// A remaining group whose row count already matches is kept as it is:
// its contents are not cleared. Returns the metaversion Change for every
// group that was reallocated, keyed by group index.
func (p *MessagePool) Reset(agents *AgentPool) (map[int]batch.Change, error) {
	agentSizes := agents.GroupSizes()

	p.mu.Lock()
	defer p.mu.Unlock()

	changes := make(map[int]batch.Change)

	// (a) truncate to the agent count.
	if len(p.Groups) > len(agentSizes) {
		for _, g := range p.Groups[len(agentSizes):] {
			_ = g.Close()
		}
		p.Groups = p.Groups[:len(agentSizes)]
	}

	// (b) reallocate each remaining group whose size changed.
	for i, g := range p.Groups {
		if g.Len() == agentSizes[i] {
			continue // already the right shape; kept as is, not cleared
		}
		fresh, err := batch.New(g.ID(), p.Schema, agentSizes[i])
		if err != nil {
			return nil, err
		}
		_ = g.Close()
		p.Groups[i] = fresh
		changes[i] = batch.Change{Resized: true}
	}

	// (c) append fresh empty batches for new agent groups.
	for i := len(p.Groups); i < len(agentSizes); i++ {
		fresh, err := allocateGroups(p.Schema, "messages", i, []int{agentSizes[i]})
		if err != nil {
			return nil, err
		}
		p.Groups = append(p.Groups, fresh...)
		changes[i] = batch.Change{Resized: true}
	}

	return changes, nil
}

func allocateGroups(sch *schema.Schema, prefix string, start int, sizes []int) ([]*batch.Batch, error) {
	groups := make([]*batch.Batch, 0, len(sizes))
	for i, n := range sizes {
		b, err := batch.New(groupID(prefix, start+i), sch, n)
		if err != nil {
			for _, g := range groups {
				_ = g.Close()
			}
			return nil, err
		}
		groups = append(groups, b)
	}
	return groups, nil
}

func groupID(prefix string, i int) string {
	return prefix + "-" + strconv.Itoa(i)
}

// MessageSchema returns the canonical message-pool schema: the reserved
// previous_index slot plus a nullable variable-length list of serialized
// message payloads.
func MessageSchema() (*schema.Schema, error) {
	return schema.NewBuilder().
		Add(schema.ReservedPreviousIndex, schema.FieldType{Kind: schema.PresetIndex}, false).
		Add("messages", schema.FieldType{
			Kind: schema.VariableLengthArray,
			Elem: &schema.FieldType{Kind: schema.Serialized},
		}, false).
		Materialize()
}

// ContextBatch is the single shared batch holding per-step, per-agent
// read-only derived columns.
type ContextBatch struct {
	mu     sync.RWMutex
	Schema *schema.Schema
	Batch  *batch.Batch
	// Columns holds the most recently finalized step's per-package
	// columns, committed by pipeline.PreContext.Finalize.
	Columns []Column
}

// Column is one named, opaque byte column committed to a context batch.
// The concrete encoding is owned by whichever context package produced
// it; the pool only tracks field name → bytes.
type Column struct {
	FieldName string
	Data      []byte
}

// NewContextBatch allocates an empty context batch sized for the given
// total row count (sum of all agent-pool group sizes).
func NewContextBatch(sch *schema.Schema, rows int) (*ContextBatch, error) {
	b, err := batch.New("context", sch, rows)
	if err != nil {
		return nil, err
	}
	return &ContextBatch{Schema: sch, Batch: b}, nil
}

// Snapshot is a frozen, uniquely-owned view of state used while context
// packages run. Multiple goroutines may hold a cloned reference during
// the context phase, but Finalize requires the ref count back down to 1.
type Snapshot struct {
	Agents   *AgentPool
	Datasets map[string][]byte

	mu   sync.Mutex
	refs int
}

// NewSnapshot takes a logical snapshot of state: the agent pool (by
// reference — batches are read-only for the duration of the context
// phase) plus the shared dataset map.
func NewSnapshot(agents *AgentPool, datasets map[string][]byte) *Snapshot {
	return &Snapshot{Agents: agents, Datasets: datasets, refs: 1}
}

// Clone hands out one more reference to the snapshot, for a concurrently
// running context package.
func (s *Snapshot) Clone() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	return s
}

// Release returns one reference to the snapshot.
func (s *Snapshot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
}

// Finalize reclaims the snapshot; it must be uniquely owned (refs==1),
// otherwise the step fails per §4.3/§5.
func (s *Snapshot) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs != 1 {
		return engineerr.New(engineerr.Simulation, engineerr.ErrSnapshotNotUnique)
	}
	s.refs = 0
	return nil
}
