package variable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
)

var ErrRequired = errors.New("required variable missing")

// SchemaSource yields the declared variables of a definition.
type SchemaSource interface {
	GetVariableSchema(ctx context.Context, definitionId string) ([]model.VariableDefinition, error)
}

// Schema is the set of declared variables of one definition keyed by name.
type Schema map[string]model.VariableDefinition

func NewSchema(defs []model.VariableDefinition) Schema {
	schema := make(Schema, len(defs))
	for _, d := range defs {
		schema[d.Name] = d
	}
	return schema
}

func (sc Schema) typeOf(name string) (DataType, string) {
	def, ok := sc[name]
	if !ok {
		return TYPE_JSON, ""
	}
	dt, err := ParseDataType(def.DataType)
	if err != nil {
		return TYPE_JSON, def.Rules
	}
	return dt, def.Rules
}

// Resolve validates value against the declaration of name and returns the
// value to store. Undeclared names are kept as json.
func (sc Schema) Resolve(name string, value any, source model.SourceType, sourceRef string) (model.VariableValue, error) {
	if name == "" {
		return model.VariableValue{}, invalid("variable name is empty")
	}
	dt, rules := sc.typeOf(name)
	parsed, err := ParseRules(rules)
	if err != nil {
		return model.VariableValue{}, fmt.Errorf("variable %s: %w: %s", name, ErrInvalidValue, err)
	}
	if def, ok := sc[name]; ok && def.Required && !hasRule(parsed, RULE_REQUIRED) {
		parsed = append(parsed, Rule{Name: RULE_REQUIRED})
	}
	if err := check(dt, value, parsed); err != nil {
		return model.VariableValue{}, fmt.Errorf("variable %s: %w", name, err)
	}
	var stored any
	if !isEmpty(value) {
		stored, err = Encode(dt, value)
		if err != nil {
			return model.VariableValue{}, fmt.Errorf("variable %s: %w", name, err)
		}
	}
	return model.VariableValue{
		Name:       name,
		DataType:   string(dt),
		Value:      stored,
		SourceType: source,
		SourceRef:  sourceRef,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// Seed computes the initial values of an execution: declared variables
// present in the start input, then declared defaults.
func (sc Schema) Seed(input map[string]any) ([]model.VariableValue, error) {
	names := make([]string, 0, len(sc))
	for name := range sc {
		names = append(names, name)
	}
	sort.Strings(names)
	var values []model.VariableValue
	for _, name := range names {
		def := sc[name]
		raw, ok := input[name]
		source, ref := model.SOURCE_INPUT, "start"
		if !ok || isEmpty(raw) {
			if def.Default == nil {
				if def.Required {
					return nil, fmt.Errorf("variable %s: %w", name, ErrRequired)
				}
				continue
			}
			raw, source, ref = def.Default, model.SOURCE_SYSTEM, "default"
		}
		v, err := sc.Resolve(name, raw, source, ref)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// Normalize converts a stored value back into its typed form.
func Normalize(v model.VariableValue) model.VariableValue {
	if v.Value == nil {
		return v
	}
	dt, err := ParseDataType(v.DataType)
	if err != nil {
		return v
	}
	if typed, err := Convert(dt, v.Value); err == nil {
		v.Value = typed
	}
	return v
}

// Snapshot is the name to value view used by expressions and scripts.
// Times are rendered as their canonical text.
func Snapshot(values []model.VariableValue) map[string]any {
	out := make(map[string]any, len(values))
	for _, v := range values {
		out[v.Name] = v.Value
		if dt, err := ParseDataType(v.DataType); err == nil && v.Value != nil {
			if stored, err := Encode(dt, v.Value); err == nil {
				out[v.Name] = stored
			}
		}
	}
	return out
}

type Store struct {
	storage persistence.ExecutionStorage
	schemas SchemaSource
}

func NewStore(storage persistence.ExecutionStorage, schemas SchemaSource) *Store {
	return &Store{
		storage: storage,
		schemas: schemas,
	}
}

func (s *Store) Get(ctx context.Context, executionId string, name string) (*model.VariableValue, error) {
	v, err := s.storage.GetVariable(ctx, executionId, name)
	if err != nil {
		return nil, err
	}
	n := Normalize(*v)
	return &n, nil
}

func (s *Store) List(ctx context.Context, executionId string) ([]model.VariableValue, error) {
	values, err := s.storage.ListVariables(ctx, executionId)
	if err != nil {
		return nil, err
	}
	for i := range values {
		values[i] = Normalize(values[i])
	}
	return values, nil
}

// Schema loads the declared variables of the definition of an execution.
func (s *Store) Schema(ctx context.Context, exec *model.WorkflowExecution) (Schema, error) {
	defs, err := s.schemas.GetVariableSchema(ctx, exec.DefinitionId)
	if err != nil {
		return nil, err
	}
	return NewSchema(defs), nil
}

// Set writes one variable in its own unit of work, overwriting any earlier
// value of the same name.
func (s *Store) Set(ctx context.Context, executionId string, name string, value any, source model.SourceType, sourceRef string) (*model.VariableValue, error) {
	exec, err := s.storage.GetExecution(ctx, executionId)
	if err != nil {
		return nil, err
	}
	sess, err := s.storage.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	v, err := s.SetInSession(ctx, sess, exec, name, value, source, sourceRef)
	if err != nil {
		sess.Rollback()
		return nil, err
	}
	if err := sess.Commit(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// SetInSession validates and buffers the write on sess.
func (s *Store) SetInSession(ctx context.Context, sess persistence.Session, exec *model.WorkflowExecution, name string, value any, source model.SourceType, sourceRef string) (*model.VariableValue, error) {
	schema, err := s.Schema(ctx, exec)
	if err != nil {
		return nil, err
	}
	v, err := schema.Resolve(name, value, source, sourceRef)
	if err != nil {
		return nil, err
	}
	sess.SetVariable(exec.Id, v)
	return &v, nil
}
