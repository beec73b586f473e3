// Package worker implements the per-worker task dispatcher: a state
// machine that routes a task's messages across a worker's language
// runners, handling language switches, cancellation, and result
// aggregation, per §4.4.
package worker

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/simengine/pkg/batch"
	"github.com/codeready-toolchain/simengine/pkg/engineerr"
)

// Language identifies one of the runner processes a worker owns.
type Language string

// TargetKind identifies where a TargetedMessage should be routed.
type TargetKind int

// Target kinds.
const (
	TargetLanguage TargetKind = iota
	TargetDynamic
	TargetMain
)

// Target names where a message should go next.
type Target struct {
	Kind     TargetKind
	Language Language
}

// Metaversions is the dispatcher-side view of a StateInterimSync: the
// agent-pool and message-pool metaversions named by group index, carried
// alongside a task message in both directions. Defined here (rather than
// imported from pkg/runner, which already imports this package for
// Language) so TargetedMessage can carry it without an import cycle.
type Metaversions struct {
	GroupIndices []int
	AgentPool    []batch.Metaversion
	MessagePool  []batch.Metaversion
}

// TargetedMessage is a task payload tagged with where it should go next,
// plus the metaversions its StateInterimSync named, if any.
type TargetedMessage struct {
	Target  Target
	Payload []byte
	Interim Metaversions
}

// TaskResult is a task's terminal, host-facing result.
type TaskResult struct {
	TaskID  uuid.UUID
	Payload []byte
}

// TaskResultOrCancelled is what the dispatcher hands back to the worker
// pool: either a terminal result, or confirmation of cancellation.
type TaskResultOrCancelled struct {
	Result    *TaskResult
	Cancelled *uuid.UUID
}

// Task is the host-side view of one unit of package execution. Runners
// implement the guest-language side; Task only needs to know how to
// start, react to a Dynamic-targeted reply, and summarize a terminal
// message as a TaskResult.
type Task interface {
	StartMessage() (TargetedMessage, error)
	HandleWorkerMessage(payload []byte) (TargetedMessage, error)
	ToResult(payload []byte) (TaskResult, error)
}

// pendingTask is the dispatcher's bookkeeping for one in-flight task —
// the engine-side encoding of Pending{active}/Cancelling{confirmed}.
type pendingTask struct {
	inner        Task
	active       Language
	cancelling   bool
	confirmed    map[Language]bool
	metaversions Metaversions
}

// Sender abstracts the runner IPC layer: send a message to one language,
// or send a best-effort cancel to one language. Implemented by
// pkg/runner's connection set.
type Sender interface {
	SendToRunner(lang Language, taskID uuid.UUID, msg TargetedMessage) error
	SendCancel(lang Language, taskID uuid.UUID) error
}

// Dispatcher owns one worker's tasks map and routes messages across the
// worker's runners.
type Dispatcher struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]*pendingTask
	languages []Language
	sender    Sender
	log       *slog.Logger
}

// New creates a Dispatcher for a worker that owns one runner per
// language in languages.
func New(languages []Language, sender Sender) *Dispatcher {
	return &Dispatcher{
		tasks:     make(map[uuid.UUID]*pendingTask),
		languages: languages,
		sender:    sender,
		log:       slog.With("component", "worker.dispatcher"),
	}
}

// StartTask inserts a new pending task and forwards its start message.
// Targets Main and Dynamic at start time are protocol errors; inserting
// an already-present task_id is a protocol error.
func (d *Dispatcher) StartTask(taskID uuid.UUID, t Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[taskID]; exists {
		return engineerr.New(engineerr.Protocol, fmt.Errorf("%w: %s", engineerr.ErrTaskAlreadyExists, taskID))
	}
	msg, err := t.StartMessage()
	if err != nil {
		return engineerr.New(engineerr.Simulation, err)
	}
	if msg.Target.Kind != TargetLanguage {
		return engineerr.New(engineerr.Protocol, fmt.Errorf("%w: start message targeted %v", engineerr.ErrUnexpectedTarget, msg.Target.Kind))
	}
	if err := d.sender.SendToRunner(msg.Target.Language, taskID, msg); err != nil {
		return engineerr.New(engineerr.Transport, err)
	}
	d.tasks[taskID] = &pendingTask{inner: t, active: msg.Target.Language}
	return nil
}

// HandleRunnerMessage processes a targeted message emitted by a runner
// for a task it was (or still is) active on. It returns a non-nil result
// exactly when the task has just completed.
func (d *Dispatcher) HandleRunnerMessage(from Language, taskID uuid.UUID, msg TargetedMessage) (*TaskResultOrCancelled, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pt, ok := d.tasks[taskID]
	if !ok {
		return nil, engineerr.New(engineerr.Protocol, fmt.Errorf("%w: %s", engineerr.ErrUnknownTask, taskID))
	}
	return d.route(taskID, pt, msg)
}

// route applies the start/runner-reply/cancel shared targeting rules:
// Language targets forward and update active_runner; Dynamic invokes the
// task's host-side handler and recurses on its output; Main terminates
// the task.
func (d *Dispatcher) route(taskID uuid.UUID, pt *pendingTask, msg TargetedMessage) (*TaskResultOrCancelled, error) {
	switch msg.Target.Kind {
	case TargetLanguage:
		if err := d.sender.SendToRunner(msg.Target.Language, taskID, msg); err != nil {
			return nil, engineerr.New(engineerr.Transport, err)
		}
		pt.active = msg.Target.Language
		return nil, nil

	case TargetDynamic:
		next, err := pt.inner.HandleWorkerMessage(msg.Payload)
		if err != nil {
			return nil, engineerr.New(engineerr.Simulation, err)
		}
		return d.route(taskID, pt, next)

	case TargetMain:
		pt.metaversions = msg.Interim
		d.log.Debug("reconciled task metaversions on completion",
			"task_id", taskID, "group_indices", pt.metaversions.GroupIndices)
		result, err := pt.inner.ToResult(msg.Payload)
		if err != nil {
			return nil, engineerr.New(engineerr.Simulation, err)
		}
		delete(d.tasks, taskID)
		d.cancelAllExcept(taskID, pt.active)
		return &TaskResultOrCancelled{Result: &result}, nil

	default:
		return nil, engineerr.New(engineerr.Protocol, fmt.Errorf("unknown target kind %v", msg.Target.Kind))
	}
}

// cancelAllExcept sends a best-effort CancelTask to every language other
// than keep; failures are logged, not propagated — completion must not
// be blocked by a dead runner.
func (d *Dispatcher) cancelAllExcept(taskID uuid.UUID, keep Language) {
	for _, lang := range d.languages {
		if lang == keep {
			continue
		}
		if err := d.sender.SendCancel(lang, taskID); err != nil {
			d.log.Warn("best-effort cancel failed", "task_id", taskID, "language", lang, "error", err)
		}
	}
}

// CancelTask begins cancellation of a task: it is initialized as
// Cancelling with the active runner's language already recorded (per
// §9's mandated "with" reading), sends CancelTask to every runner
// best-effort, and is a no-op returning success if the task has already
// completed.
func (d *Dispatcher) CancelTask(taskID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	pt, ok := d.tasks[taskID]
	if !ok {
		return nil // already completed: no-op success, per §8
	}
	pt.cancelling = true
	pt.confirmed = map[Language]bool{pt.active: true}

	for _, lang := range d.languages {
		if err := d.sender.SendCancel(lang, taskID); err != nil {
			d.log.Warn("cancel send failed", "task_id", taskID, "language", lang, "error", err)
		}
	}
	return nil
}

// ConfirmCancelled records a runner's TaskCancelled confirmation. A
// confirmation for an unknown task is ignored without error. The task is
// removed, and Cancelled is returned, exactly when the confirming
// language is the task's active runner.
func (d *Dispatcher) ConfirmCancelled(from Language, taskID uuid.UUID) *TaskResultOrCancelled {
	d.mu.Lock()
	defer d.mu.Unlock()

	pt, ok := d.tasks[taskID]
	if !ok {
		return nil
	}
	if pt.confirmed == nil {
		pt.confirmed = make(map[Language]bool)
	}
	pt.confirmed[from] = true
	if from != pt.active {
		return nil
	}
	delete(d.tasks, taskID)
	id := taskID
	return &TaskResultOrCancelled{Cancelled: &id}
}

// ActiveRunner returns the language a pending task is currently active
// on, for tests and diagnostics.
func (d *Dispatcher) ActiveRunner(taskID uuid.UUID) (Language, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pt, ok := d.tasks[taskID]
	if !ok {
		return "", false
	}
	return pt.active, true
}

// Has reports whether taskID is still pending.
func (d *Dispatcher) Has(taskID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tasks[taskID]
	return ok
}
