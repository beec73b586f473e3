package worker_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/simengine/pkg/engineerr"
	"github.com/codeready-toolchain/simengine/pkg/worker"
)

const (
	langL1 worker.Language = "l1"
	langL2 worker.Language = "l2"
)

type recordingSender struct {
	mu      sync.Mutex
	sent    []worker.TargetedMessage
	cancels []worker.Language
	failLang map[worker.Language]bool
}

func (s *recordingSender) SendToRunner(lang worker.Language, taskID uuid.UUID, msg worker.TargetedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLang[lang] {
		return fmt.Errorf("send to %s failed", lang)
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) SendCancel(lang worker.Language, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, lang)
	return nil
}

type dynamicSwitchTask struct {
	startLang worker.Language
	nextLang  worker.Language
}

func (t dynamicSwitchTask) StartMessage() (worker.TargetedMessage, error) {
	return worker.TargetedMessage{Target: worker.Target{Kind: worker.TargetLanguage, Language: t.startLang}}, nil
}
func (t dynamicSwitchTask) HandleWorkerMessage(payload []byte) (worker.TargetedMessage, error) {
	return worker.TargetedMessage{Target: worker.Target{Kind: worker.TargetLanguage, Language: t.nextLang}, Payload: []byte("P'")}, nil
}
func (t dynamicSwitchTask) ToResult(payload []byte) (worker.TaskResult, error) {
	return worker.TaskResult{Payload: payload}, nil
}

func TestDispatcher_DynamicLanguageSwitch(t *testing.T) {
	sender := &recordingSender{}
	d := worker.New([]worker.Language{langL1, langL2}, sender)

	taskID := uuid.New()
	task := dynamicSwitchTask{startLang: langL1, nextLang: langL2}
	require.NoError(t, d.StartTask(taskID, task))

	active, ok := d.ActiveRunner(taskID)
	require.True(t, ok)
	require.Equal(t, langL1, active)

	result, err := d.HandleRunnerMessage(langL1, taskID, worker.TargetedMessage{
		Target:  worker.Target{Kind: worker.TargetDynamic},
		Payload: []byte("P"),
	})
	require.NoError(t, err)
	require.Nil(t, result)

	active, ok = d.ActiveRunner(taskID)
	require.True(t, ok)
	require.Equal(t, langL2, active)
	require.True(t, d.Has(taskID))

	require.Len(t, sender.sent, 2) // start message + the dynamic handler's L2 send
	require.Equal(t, []byte("P'"), sender.sent[1].Payload)
}

type completingTask struct{}

func (completingTask) StartMessage() (worker.TargetedMessage, error) {
	return worker.TargetedMessage{Target: worker.Target{Kind: worker.TargetLanguage, Language: langL1}}, nil
}
func (completingTask) HandleWorkerMessage(payload []byte) (worker.TargetedMessage, error) {
	return worker.TargetedMessage{}, nil
}
func (completingTask) ToResult(payload []byte) (worker.TaskResult, error) {
	return worker.TaskResult{Payload: payload}, nil
}

func TestDispatcher_CompletionCancelsOtherRunners(t *testing.T) {
	sender := &recordingSender{}
	d := worker.New([]worker.Language{langL1, langL2}, sender)

	taskID := uuid.New()
	require.NoError(t, d.StartTask(taskID, completingTask{}))

	result, err := d.HandleRunnerMessage(langL1, taskID, worker.TargetedMessage{
		Target:  worker.Target{Kind: worker.TargetMain},
		Payload: []byte("R"),
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Result)
	require.Equal(t, []byte("R"), result.Result.Payload)

	require.False(t, d.Has(taskID))
	require.ElementsMatch(t, []worker.Language{langL2}, sender.cancels)
}

func TestDispatcher_DuplicateTaskIDFails(t *testing.T) {
	sender := &recordingSender{}
	d := worker.New([]worker.Language{langL1}, sender)
	taskID := uuid.New()
	require.NoError(t, d.StartTask(taskID, completingTask{}))
	err := d.StartTask(taskID, completingTask{})
	require.Error(t, err)
	require.ErrorIs(t, err, engineerr.ErrTaskAlreadyExists)
}

func TestDispatcher_CancelAlreadyCompletedIsNoOp(t *testing.T) {
	sender := &recordingSender{}
	d := worker.New([]worker.Language{langL1}, sender)
	require.NoError(t, d.CancelTask(uuid.New()))
}

func TestDispatcher_UnknownCancelConfirmationIgnored(t *testing.T) {
	sender := &recordingSender{}
	d := worker.New([]worker.Language{langL1}, sender)
	require.Nil(t, d.ConfirmCancelled(langL1, uuid.New()))
}

func TestDispatcher_CancelCompletesOnActiveRunnerConfirmation(t *testing.T) {
	sender := &recordingSender{}
	d := worker.New([]worker.Language{langL1, langL2}, sender)
	taskID := uuid.New()
	require.NoError(t, d.StartTask(taskID, completingTask{}))

	require.NoError(t, d.CancelTask(taskID))
	require.ElementsMatch(t, []worker.Language{langL1, langL2}, sender.cancels)

	// A non-active runner confirming first does not complete cancellation.
	require.Nil(t, d.ConfirmCancelled(langL2, taskID))
	require.True(t, d.Has(taskID))

	result := d.ConfirmCancelled(langL1, taskID)
	require.NotNil(t, result)
	require.NotNil(t, result.Cancelled)
	require.Equal(t, taskID, *result.Cancelled)
	require.False(t, d.Has(taskID))
}
