package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
)

//go:embed schema.sql
var schema string

var _ persistence.Storage = new(Storage)

type Config struct {
	DSN        string
	Partitions int
	// EnsureSchema creates the tables on start when they are missing.
	EnsureSchema bool
}

// Storage keeps every record as a JSONB document next to the columns the
// queries filter on.
type Storage struct {
	pool       *pgxpool.Pool
	partitions int
}

func NewPostgresStorage(ctx context.Context, conf Config) (*Storage, error) {
	pool, err := pgxpool.New(ctx, conf.DSN)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	partitions := conf.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	s := &Storage{pool: pool, partitions: partitions}
	if conf.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return persistence.StorageLayerError{Message: fmt.Sprintf("create schema: %s", err.Error())}
	}
	return nil
}

func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

func (s *Storage) SaveDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (id, tenant_id, document, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		def.Id, def.TenantId, doc, def.UpdatedAt)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	if err := s.getDocument(ctx, &def, "definition", id,
		`SELECT document FROM workflow_definitions WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *Storage) DeleteDefinition(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM workflow_definitions WHERE id = $1`, id); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) NewSession(ctx context.Context) (persistence.Session, error) {
	return persistence.NewBufferedSession(s, s.apply), nil
}

// apply runs ops in one read committed transaction. A claim is a DELETE that
// must affect a row, otherwise the whole transaction is rolled back.
func (s *Storage) apply(ctx context.Context, ops []persistence.Op) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	for _, claim := range persistence.Claims(ops) {
		tag, err := tx.Exec(ctx, `DELETE FROM pending_triggers WHERE id = $1`, claim.Id)
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		if tag.RowsAffected() == 0 {
			return persistence.ErrConflict
		}
	}
	for _, op := range ops {
		if err := s.write(ctx, tx, op); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) write(ctx context.Context, tx pgx.Tx, op persistence.Op) error {
	var (
		query string
		args  []any
	)
	switch op.Kind {
	case persistence.OP_SAVE_EXECUTION:
		doc, err := json.Marshal(op.Execution)
		if err != nil {
			return err
		}
		query = `
			INSERT INTO workflow_executions (id, definition_id, state, document, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`
		args = []any{op.Execution.Id, op.Execution.DefinitionId, string(op.Execution.State), doc, op.Execution.UpdatedAt}
	case persistence.OP_SAVE_STEP:
		doc, err := json.Marshal(op.Step)
		if err != nil {
			return err
		}
		query = `
			INSERT INTO step_executions (execution_id, id, seq, state, document)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (execution_id, id) DO UPDATE SET state = EXCLUDED.state, document = EXCLUDED.document`
		args = []any{op.ExecutionId, op.Step.Id, op.Step.Seq, string(op.Step.State), doc}
	case persistence.OP_SET_VARIABLE:
		doc, err := json.Marshal(op.Variable)
		if err != nil {
			return err
		}
		query = `
			INSERT INTO process_variables (execution_id, name, document)
			VALUES ($1, $2, $3)
			ON CONFLICT (execution_id, name) DO UPDATE SET document = EXCLUDED.document`
		args = []any{op.ExecutionId, op.Variable.Name, doc}
	case persistence.OP_ADD_TRIGGER:
		t := op.Trigger
		doc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		query = `
			INSERT INTO pending_triggers (id, execution_id, kind, correlation_key, partition, created_at, expires_at, document)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`
		args = []any{t.Id, t.ExecutionId, string(t.Kind), t.CorrelationKey,
			persistence.Partition(t.ExecutionId, s.partitions), t.CreatedAt, t.ExpiresAt, doc}
	case persistence.OP_DELETE_TRIGGER:
		query = `DELETE FROM pending_triggers WHERE id = $1`
		args = []any{op.Trigger.Id}
	default:
		return nil
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) getDocument(ctx context.Context, target any, what string, id string, query string, args ...any) error {
	var doc []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return persistence.NotFound(what, id)
		}
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return json.Unmarshal(doc, target)
}

func queryDocuments[T any](ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Storage) GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	if err := s.getDocument(ctx, &exec, "execution", id,
		`SELECT document FROM workflow_executions WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *Storage) GetStep(ctx context.Context, executionId string, stepId string) (*model.StepExecution, error) {
	var step model.StepExecution
	if err := s.getDocument(ctx, &step, "step", stepId,
		`SELECT document FROM step_executions WHERE execution_id = $1 AND id = $2`, executionId, stepId); err != nil {
		return nil, err
	}
	return &step, nil
}

func (s *Storage) ListSteps(ctx context.Context, executionId string) ([]model.StepExecution, error) {
	return queryDocuments[model.StepExecution](ctx, s.pool,
		`SELECT document FROM step_executions WHERE execution_id = $1 ORDER BY seq`, executionId)
}

func (s *Storage) GetVariable(ctx context.Context, executionId string, name string) (*model.VariableValue, error) {
	var v model.VariableValue
	if err := s.getDocument(ctx, &v, "variable", name,
		`SELECT document FROM process_variables WHERE execution_id = $1 AND name = $2`, executionId, name); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Storage) ListVariables(ctx context.Context, executionId string) ([]model.VariableValue, error) {
	return queryDocuments[model.VariableValue](ctx, s.pool,
		`SELECT document FROM process_variables WHERE execution_id = $1 ORDER BY name`, executionId)
}

func (s *Storage) ListTriggers(ctx context.Context, executionId string) ([]model.PendingTrigger, error) {
	return queryDocuments[model.PendingTrigger](ctx, s.pool,
		`SELECT document FROM pending_triggers WHERE execution_id = $1 ORDER BY created_at, id`, executionId)
}

func (s *Storage) FindTriggers(ctx context.Context, kind model.TriggerKind, correlationKey string) ([]model.PendingTrigger, error) {
	return queryDocuments[model.PendingTrigger](ctx, s.pool,
		`SELECT document FROM pending_triggers WHERE kind = $1 AND correlation_key = $2 ORDER BY created_at, id`,
		string(kind), correlationKey)
}

func (s *Storage) DeleteExecution(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	defer tx.Rollback(ctx)
	for _, query := range []string{
		`DELETE FROM pending_triggers WHERE execution_id = $1`,
		`DELETE FROM process_variables WHERE execution_id = $1`,
		`DELETE FROM step_executions WHERE execution_id = $1`,
		`DELETE FROM workflow_executions WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, query, id); err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

// PollExpired marks due triggers as polled and returns them. SKIP LOCKED
// keeps concurrent pollers of a partition from returning the same rows.
func (s *Storage) PollExpired(ctx context.Context, partition int, limit int) ([]model.PendingTrigger, error) {
	if limit <= 0 {
		limit = 100
	}
	triggers, err := queryDocuments[model.PendingTrigger](ctx, s.pool, `
		UPDATE pending_triggers SET polled = true
		WHERE id IN (
			SELECT id FROM pending_triggers
			WHERE partition = $1 AND NOT polled AND expires_at IS NOT NULL AND expires_at <= $2
			ORDER BY expires_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING document`, partition, time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(triggers, func(i, j int) bool {
		return triggers[i].ExpiresAt.Before(*triggers[j].ExpiresAt)
	})
	return triggers, nil
}

func (s *Storage) Requeue(ctx context.Context, trigger model.PendingTrigger, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE pending_triggers SET polled = false, expires_at = $2 WHERE id = $1`, trigger.Id, at.UTC())
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
