package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"github.com/mohitkumar/chatflow/util"
	rd "github.com/redis/go-redis/v9"
)

const maxWatchRetries = 10

var _ persistence.ExecutionStorage = new(redisExecutionDao)

type redisExecutionDao struct {
	*baseDao
	executionEncDec util.EncoderDecoder[model.WorkflowExecution]
	stepEncDec      util.EncoderDecoder[model.StepExecution]
	variableEncDec  util.EncoderDecoder[model.VariableValue]
	triggerEncDec   util.EncoderDecoder[model.PendingTrigger]
}

func newRedisExecutionDao(base *baseDao) *redisExecutionDao {
	return &redisExecutionDao{
		baseDao:         base,
		executionEncDec: util.NewJsonEncoderDecoder[model.WorkflowExecution](),
		stepEncDec:      util.NewJsonEncoderDecoder[model.StepExecution](),
		variableEncDec:  util.NewJsonEncoderDecoder[model.VariableValue](),
		triggerEncDec:   util.NewJsonEncoderDecoder[model.PendingTrigger](),
	}
}

func (r *redisExecutionDao) executionKey(id string) string {
	return r.getNamespaceKey(EXECUTION_KEY, id)
}

func (r *redisExecutionDao) stepKey(executionId string) string {
	return r.getNamespaceKey(STEP_KEY, executionId)
}

func (r *redisExecutionDao) variableKey(executionId string) string {
	return r.getNamespaceKey(VARIABLE_KEY, executionId)
}

func (r *redisExecutionDao) triggerKey(executionId string) string {
	return r.getNamespaceKey(TRIGGER_KEY, executionId)
}

func (r *redisExecutionDao) correlationKey(kind model.TriggerKind, key string) string {
	return r.getNamespaceKey(CORRELATION_KEY, string(kind), key)
}

func (r *redisExecutionDao) timeoutKey(partition int) string {
	return r.getNamespaceKey(TIMEOUT_KEY, strconv.Itoa(partition))
}

func (r *redisExecutionDao) NewSession(ctx context.Context) (persistence.Session, error) {
	return persistence.NewBufferedSession(r, r.apply), nil
}

// apply writes ops in one MULTI/EXEC. Claimed triggers are checked under
// WATCH of their execution trigger hash and the transaction is retried when
// an unrelated write to the same hash aborts it.
func (r *redisExecutionDao) apply(ctx context.Context, ops []persistence.Op) error {
	claims := persistence.Claims(ops)
	if len(claims) == 0 {
		_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			return r.write(ctx, pipe, ops)
		})
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		return nil
	}
	watchKeys := make([]string, 0, len(claims))
	for _, c := range claims {
		watchKeys = append(watchKeys, r.triggerKey(c.ExecutionId))
	}
	txf := func(tx *rd.Tx) error {
		for _, c := range claims {
			exists, err := tx.HExists(ctx, r.triggerKey(c.ExecutionId), c.Id).Result()
			if err != nil {
				return err
			}
			if !exists {
				return persistence.ErrConflict
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			return r.write(ctx, pipe, ops)
		})
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err := r.redisClient.Watch(ctx, txf, watchKeys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, persistence.ErrConflict) {
			return err
		}
		if errors.Is(err, rd.TxFailedErr) {
			continue
		}
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return persistence.StorageLayerError{Message: "too many concurrent trigger updates"}
}

func (r *redisExecutionDao) write(ctx context.Context, pipe rd.Pipeliner, ops []persistence.Op) error {
	for _, op := range ops {
		switch op.Kind {
		case persistence.OP_SAVE_EXECUTION:
			data, err := r.executionEncDec.Encode(*op.Execution)
			if err != nil {
				return err
			}
			pipe.Set(ctx, r.executionKey(op.ExecutionId), string(data), 0)
		case persistence.OP_SAVE_STEP:
			data, err := r.stepEncDec.Encode(*op.Step)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, r.stepKey(op.ExecutionId), op.Step.Id, string(data))
		case persistence.OP_SET_VARIABLE:
			data, err := r.variableEncDec.Encode(*op.Variable)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, r.variableKey(op.ExecutionId), op.Variable.Name, string(data))
		case persistence.OP_ADD_TRIGGER:
			t := op.Trigger
			data, err := r.triggerEncDec.Encode(*t)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, r.triggerKey(t.ExecutionId), t.Id, string(data))
			pipe.HSet(ctx, r.getNamespaceKey(TRIGGER_INDEX_KEY), t.Id, t.ExecutionId)
			pipe.ZAdd(ctx, r.correlationKey(t.Kind, t.CorrelationKey), rd.Z{
				Score:  float64(t.CreatedAt.UnixMilli()),
				Member: t.Id,
			})
			if t.ExpiresAt != nil {
				pipe.ZAdd(ctx, r.timeoutKey(persistence.Partition(t.ExecutionId, r.partitions)), rd.Z{
					Score:  float64(t.ExpiresAt.UnixMilli()),
					Member: t.Id,
				})
			}
		case persistence.OP_CLAIM_TRIGGER, persistence.OP_DELETE_TRIGGER:
			r.removeTrigger(ctx, pipe, *op.Trigger)
		}
	}
	return nil
}

func (r *redisExecutionDao) removeTrigger(ctx context.Context, pipe rd.Pipeliner, t model.PendingTrigger) {
	pipe.HDel(ctx, r.triggerKey(t.ExecutionId), t.Id)
	pipe.HDel(ctx, r.getNamespaceKey(TRIGGER_INDEX_KEY), t.Id)
	pipe.ZRem(ctx, r.correlationKey(t.Kind, t.CorrelationKey), t.Id)
	pipe.ZRem(ctx, r.timeoutKey(persistence.Partition(t.ExecutionId, r.partitions)), t.Id)
}

func (r *redisExecutionDao) GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	data, err := r.redisClient.Get(ctx, r.executionKey(id)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFound("execution", id)
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.executionEncDec.Decode([]byte(data))
}

func (r *redisExecutionDao) GetStep(ctx context.Context, executionId string, stepId string) (*model.StepExecution, error) {
	data, err := r.redisClient.HGet(ctx, r.stepKey(executionId), stepId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFound("step", stepId)
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.stepEncDec.Decode([]byte(data))
}

func (r *redisExecutionDao) ListSteps(ctx context.Context, executionId string) ([]model.StepExecution, error) {
	values, err := r.redisClient.HGetAll(ctx, r.stepKey(executionId)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	steps := make([]model.StepExecution, 0, len(values))
	for _, v := range values {
		step, err := r.stepEncDec.Decode([]byte(v))
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Seq < steps[j].Seq })
	return steps, nil
}

func (r *redisExecutionDao) GetVariable(ctx context.Context, executionId string, name string) (*model.VariableValue, error) {
	data, err := r.redisClient.HGet(ctx, r.variableKey(executionId), name).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFound("variable", name)
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.variableEncDec.Decode([]byte(data))
}

func (r *redisExecutionDao) ListVariables(ctx context.Context, executionId string) ([]model.VariableValue, error) {
	values, err := r.redisClient.HGetAll(ctx, r.variableKey(executionId)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	vars := make([]model.VariableValue, 0, len(values))
	for _, v := range values {
		value, err := r.variableEncDec.Decode([]byte(v))
		if err != nil {
			return nil, err
		}
		vars = append(vars, *value)
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars, nil
}

func (r *redisExecutionDao) ListTriggers(ctx context.Context, executionId string) ([]model.PendingTrigger, error) {
	values, err := r.redisClient.HGetAll(ctx, r.triggerKey(executionId)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	triggers := make([]model.PendingTrigger, 0, len(values))
	for _, v := range values {
		t, err := r.triggerEncDec.Decode([]byte(v))
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, *t)
	}
	persistence.SortTriggers(triggers)
	return triggers, nil
}

func (r *redisExecutionDao) FindTriggers(ctx context.Context, kind model.TriggerKind, correlationKey string) ([]model.PendingTrigger, error) {
	ids, err := r.redisClient.ZRange(ctx, r.correlationKey(kind, correlationKey), 0, -1).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return []model.PendingTrigger{}, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.loadTriggers(ctx, ids)
}

// loadTriggers resolves trigger ids through the index. Ids whose trigger was
// resolved in the meantime are skipped.
func (r *redisExecutionDao) loadTriggers(ctx context.Context, ids []string) ([]model.PendingTrigger, error) {
	if len(ids) == 0 {
		return []model.PendingTrigger{}, nil
	}
	owners, err := r.redisClient.HMGet(ctx, r.getNamespaceKey(TRIGGER_INDEX_KEY), ids...).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	pipe := r.redisClient.Pipeline()
	cmds := make([]*rd.StringCmd, 0, len(ids))
	for i, owner := range owners {
		executionId, ok := owner.(string)
		if !ok {
			continue
		}
		cmds = append(cmds, pipe.HGet(ctx, r.triggerKey(executionId), ids[i]))
	}
	if len(cmds) == 0 {
		return []model.PendingTrigger{}, nil
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, rd.Nil) {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	triggers := make([]model.PendingTrigger, 0, len(cmds))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			if errors.Is(err, rd.Nil) {
				continue
			}
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		t, err := r.triggerEncDec.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, *t)
	}
	persistence.SortTriggers(triggers)
	return triggers, nil
}

func (r *redisExecutionDao) DeleteExecution(ctx context.Context, id string) error {
	triggers, err := r.ListTriggers(ctx, id)
	if err != nil {
		return err
	}
	_, err = r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		for _, t := range triggers {
			r.removeTrigger(ctx, pipe, t)
		}
		pipe.Del(ctx, r.executionKey(id), r.stepKey(id), r.variableKey(id), r.triggerKey(id))
		return nil
	})
	if err != nil {
		return persistence.StorageLayerError{Message: fmt.Sprintf("delete execution %s: %s", id, err.Error())}
	}
	return nil
}
