// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"github.com/stretchr/testify/require"
)

// Run executes every scenario against fresh storages built by factory.
func Run(t *testing.T, factory func(t *testing.T) persistence.Storage) {
	for scenario, fn := range map[string]func(t *testing.T, storage persistence.Storage){
		"definition round trip":          testDefinition,
		"session commit is atomic":        testSessionCommit,
		"session reads its own writes":    testSessionOverlay,
		"rollback discards writes":        testRollback,
		"steps ordered by seq":            testStepOrder,
		"variable overwrite":              testVariableOverwrite,
		"trigger claimed once":            testClaimOnce,
		"concurrent claims single winner": testConcurrentClaims,
		"find triggers by correlation":    testFindTriggers,
		"expired triggers polled once":    testPollExpired,
		"delete execution cascades":       testDeleteExecution,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newExecution() *model.WorkflowExecution {
	def := &model.WorkflowDefinition{Id: "def-" + uuid.NewString(), UpdatedAt: time.Now()}
	return model.NewWorkflowExecution(uuid.NewString(), def, map[string]any{"name": "ana"}, model.UserActor("u1"))
}

func newStep(exec *model.WorkflowExecution, seq int, nodeId string) *model.StepExecution {
	return &model.StepExecution{
		Id:          uuid.NewString(),
		ExecutionId: exec.Id,
		Seq:         seq,
		NodeId:      nodeId,
		NodeType:    "send-message",
		State:       model.STEP_PENDING,
		UpdatedAt:   time.Now().UTC(),
	}
}

func newTrigger(exec *model.WorkflowExecution, step *model.StepExecution, key string, expires *time.Time) model.PendingTrigger {
	return model.PendingTrigger{
		Id:             uuid.NewString(),
		Kind:           model.TRIGGER_INBOUND_MESSAGE,
		ExecutionId:    exec.Id,
		StepId:         step.Id,
		NodeId:         step.NodeId,
		CorrelationKey: key,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      expires,
	}
}

func commit(t *testing.T, storage persistence.Storage, fn func(sess persistence.Session)) error {
	t.Helper()
	ctx := context.Background()
	sess, err := storage.NewSession(ctx)
	require.NoError(t, err)
	fn(sess)
	return sess.Commit(ctx)
}

func testDefinition(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	def := &model.WorkflowDefinition{
		Id:    "welcome",
		Name:  "Welcome",
		Nodes: []model.NodeDef{{Id: "a", Type: "start"}},
		Variables: []model.VariableDefinition{
			{Name: "age", DataType: "integer", Rules: "min:18"},
		},
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, storage.SaveDefinition(ctx, def))
	got, err := storage.GetDefinition(ctx, "welcome")
	require.NoError(t, err)
	require.Equal(t, "Welcome", got.Name)
	require.Len(t, got.Nodes, 1)
	require.Equal(t, "min:18", got.Variables[0].Rules)
	require.True(t, def.UpdatedAt.Equal(got.UpdatedAt))

	require.NoError(t, storage.DeleteDefinition(ctx, "welcome"))
	_, err = storage.GetDefinition(ctx, "welcome")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func testSessionCommit(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	exec := newExecution()
	step := newStep(exec, 1, "a")
	_, err := storage.GetExecution(ctx, exec.Id)
	require.ErrorIs(t, err, persistence.ErrNotFound)

	require.NoError(t, commit(t, storage, func(sess persistence.Session) {
		exec.State = model.EXECUTION_RUNNING
		exec.ActiveSteps["a"] = step.Id
		sess.SaveExecution(exec)
		sess.SaveStep(step)
	}))
	got, err := storage.GetExecution(ctx, exec.Id)
	require.NoError(t, err)
	require.Equal(t, model.EXECUTION_RUNNING, got.State)
	require.Equal(t, step.Id, got.ActiveSteps["a"])
	require.Equal(t, model.UserActor("u1"), got.StartedBy)

	gotStep, err := storage.GetStep(ctx, exec.Id, step.Id)
	require.NoError(t, err)
	require.Equal(t, model.STEP_PENDING, gotStep.State)
}

func testSessionOverlay(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	exec := newExecution()
	step := newStep(exec, 1, "a")
	require.NoError(t, commit(t, storage, func(sess persistence.Session) {
		sess.SaveExecution(exec)
		sess.SaveStep(step)
	}))

	sess, err := storage.NewSession(ctx)
	require.NoError(t, err)
	step.MarkCompleted("", map[string]any{"ok": true})
	sess.SaveStep(step)
	second := newStep(exec, 2, "b")
	sess.SaveStep(second)
	sess.SetVariable(exec.Id, model.VariableValue{Name: "x", DataType: "string", Value: "1"})

	steps, err := sess.ListSteps(ctx, exec.Id)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, model.STEP_COMPLETED, steps[0].State)
	require.Equal(t, "b", steps[1].NodeId)

	committed, err := storage.ListSteps(ctx, exec.Id)
	require.NoError(t, err)
	require.Len(t, committed, 1)
	require.Equal(t, model.STEP_PENDING, committed[0].State)

	v, err := sess.GetVariable(ctx, exec.Id, "x")
	require.NoError(t, err)
	require.Equal(t, "1", v.Value)
	require.NoError(t, sess.Commit(ctx))

	committed, err = storage.ListSteps(ctx, exec.Id)
	require.NoError(t, err)
	require.Len(t, committed, 2)
}

func testRollback(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	exec := newExecution()
	sess, err := storage.NewSession(ctx)
	require.NoError(t, err)
	sess.SaveExecution(exec)
	sess.Rollback()
	require.NoError(t, sess.Commit(ctx))
	_, err = storage.GetExecution(ctx, exec.Id)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func testStepOrder(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	exec := newExecution()
	require.NoError(t, commit(t, storage, func(sess persistence.Session) {
		sess.SaveExecution(exec)
		for i, node := range []string{"c", "a", "b", "d"} {
			sess.SaveStep(newStep(exec, i+1, node))
		}
	}))
	steps, err := storage.ListSteps(ctx, exec.Id)
	require.NoError(t, err)
	var nodes []string
	for _, s := range steps {
		nodes = append(nodes, s.NodeId)
	}
	require.Equal(t, []string{"c", "a", "b", "d"}, nodes)
}

func testVariableOverwrite(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	exec := newExecution()
	require.NoError(t, commit(t, storage, func(sess persistence.Session) {
		sess.SaveExecution(exec)
		sess.SetVariable(exec.Id, model.VariableValue{Name: "city", DataType: "string", Value: "Pune", SourceType: model.SOURCE_INPUT})
	}))
	require.NoError(t, commit(t, storage, func(sess persistence.Session) {
		sess.SetVariable(exec.Id, model.VariableValue{Name: "city", DataType: "string", Value: "Goa", SourceType: model.SOURCE_USER, SourceRef: "u1"})
	}))
	v, err := storage.GetVariable(ctx, exec.Id, "city")
	require.NoError(t, err)
	require.Equal(t, "Goa", v.Value)
	require.Equal(t, model.SOURCE_USER, v.SourceType)

	all, err := storage.ListVariables(ctx, exec.Id)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = storage.GetVariable(ctx, exec.Id, "missing")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func testClaimOnce(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	exec := newExecution()
	step := newStep(exec, 1, "wait")
	trigger := newTrigger(exec, step, "15550001", nil)
	require.NoError(t, commit(t, storage, func(sess persistence.Session) {
		sess.SaveExecution(exec)
		step.MarkWaiting()
		sess.SaveStep(step)
		sess.AddTrigger(trigger)
	}))
	triggers, err := storage.ListTriggers(ctx, exec.Id)
	require.NoError(t, err)
	require.Len(t, triggers, 1)

	require.NoError(t, commit(t, storage, func(sess persistence.Session) {
		sess.ClaimTrigger(trigger)
		step.MarkCompleted("", map[string]any{"body": "yes"})
		sess.SaveStep(step)
	}))
	err = commit(t, storage, func(sess persistence.Session) {
		sess.ClaimTrigger(trigger)
		step.MarkFailed("late", nil)
		sess.SaveStep(step)
	})
	require.ErrorIs(t, err, persistence.ErrConflict)

	got, err := storage.GetStep(ctx, exec.Id, step.Id)
	require.NoError(t, err)
	require.Equal(t, model.STEP_COMPLETED, got.State)
	require.Equal(t, "yes", got.Output["body"])

	triggers, err = storage.ListTriggers(ctx, exec.Id)
	require.NoError(t, err)
	require.Empty(t, triggers)
}

func testConcurrentClaims(t *testing.T, storage persistence.Storage) {
	exec := newExecution()
	step := newStep(exec, 1, "wait")
	trigger := newTrigger(exec, step, "15550002", nil)
	require.NoError(t, commit(t, storage, func(sess persistence.Session) {
		sess.SaveExecution(exec)
		sess.SaveStep(step)
		sess.AddTrigger(trigger)
	}))

	const claimers = 8
	var wg sync.WaitGroup
	results := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			sess, err := storage.NewSession(ctx)
			if err != nil {
				results <- err
				return
			}
			sess.ClaimTrigger(trigger)
			sess.SaveStep(step)
			results <- sess.Commit(ctx)
		}()
	}
	wg.Wait()
	close(results)
	won := 0
	for err := range results {
		if err == nil {
			won++
			continue
		}
		require.ErrorIs(t, err, persistence.ErrConflict)
	}
	require.Equal(t, 1, won)
}

func testFindTriggers(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	first := newExecution()
	second := newExecution()
	s1 := newStep(first, 1, "wait")
	s2 := newStep(second, 1, "wait")
	t1 := newTrigger(first, s1, "15550003", nil)
	t2 := newTrigger(second, s2, "15550003", nil)
	t2.CreatedAt = t1.CreatedAt.Add(time.Second)
	require.NoError(t, commit(t, storage, func(sess persistence.Session) {
		sess.SaveExecution(first)
		sess.SaveExecution(second)
		sess.AddTrigger(t2)
		sess.AddTrigger(t1)
	}))
	found, err := storage.FindTriggers(ctx, model.TRIGGER_INBOUND_MESSAGE, "15550003")
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, t1.Id, found[0].Id)
	require.Equal(t, t2.Id, found[1].Id)

	none, err := storage.FindTriggers(ctx, model.TRIGGER_SCAN_RESULT, "15550003")
	require.NoError(t, err)
	require.Empty(t, none)
}

func testPollExpired(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	exec := newExecution()
	step := newStep(exec, 1, "wait")
	past := time.Now().Add(-time.Minute).UTC()
	future := time.Now().Add(time.Hour).UTC()
	expired := newTrigger(exec, step, "k1", &past)
	pending := newTrigger(exec, newStep(exec, 2, "wait2"), "k2", &future)
	require.NoError(t, commit(t, storage, func(sess persistence.Session) {
		sess.SaveExecution(exec)
		sess.AddTrigger(expired)
		sess.AddTrigger(pending)
	}))
	partition := persistence.Partition(exec.Id, 4)
	var polled []model.PendingTrigger
	for p := 0; p < 4; p++ {
		got, err := storage.PollExpired(ctx, p, 10)
		require.NoError(t, err)
		if p != partition {
			require.Empty(t, got)
		}
		polled = append(polled, got...)
	}
	require.Len(t, polled, 1)
	require.Equal(t, expired.Id, polled[0].Id)

	again, err := storage.PollExpired(ctx, partition, 10)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, storage.Requeue(ctx, polled[0], time.Now().Add(-time.Second)))
	retried, err := storage.PollExpired(ctx, partition, 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	require.Equal(t, expired.Id, retried[0].Id)

	require.NoError(t, commit(t, storage, func(sess persistence.Session) {
		sess.ClaimTrigger(expired)
	}))
	require.NoError(t, storage.Requeue(ctx, expired, time.Now().Add(-time.Second)))
	gone, err := storage.PollExpired(ctx, partition, 10)
	require.NoError(t, err)
	require.Empty(t, gone)
}

func testDeleteExecution(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	exec := newExecution()
	step := newStep(exec, 1, "wait")
	trigger := newTrigger(exec, step, "15550004", nil)
	require.NoError(t, commit(t, storage, func(sess persistence.Session) {
		sess.SaveExecution(exec)
		sess.SaveStep(step)
		sess.SetVariable(exec.Id, model.VariableValue{Name: "a", DataType: "string", Value: "b"})
		sess.AddTrigger(trigger)
	}))
	require.NoError(t, storage.DeleteExecution(ctx, exec.Id))

	_, err := storage.GetExecution(ctx, exec.Id)
	require.ErrorIs(t, err, persistence.ErrNotFound)
	steps, err := storage.ListSteps(ctx, exec.Id)
	require.NoError(t, err)
	require.Empty(t, steps)
	vars, err := storage.ListVariables(ctx, exec.Id)
	require.NoError(t, err)
	require.Empty(t, vars)
	found, err := storage.FindTriggers(ctx, model.TRIGGER_INBOUND_MESSAGE, "15550004")
	require.NoError(t, err)
	require.Empty(t, found)
}
