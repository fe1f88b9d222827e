package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohitkumar/chatflow/action"
	"github.com/mohitkumar/chatflow/flow"
	"github.com/mohitkumar/chatflow/logger"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"github.com/mohitkumar/chatflow/variable"
	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var ErrInvalidDefinition = errors.New("invalid definition")

// DefinitionError lists the problems of a rejected definition. It matches
// ErrInvalidDefinition and unwraps to the graph error, if any.
type DefinitionError struct {
	Problems []string
	cause    error
}

func (e DefinitionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidDefinition, strings.Join(e.Problems, "; "))
}

func (e DefinitionError) Is(target error) bool {
	return target == ErrInvalidDefinition
}

func (e DefinitionError) Unwrap() error {
	return e.cause
}

// Compiled is a definition together with its parsed flow.
type Compiled struct {
	Definition *model.WorkflowDefinition
	Flow       *flow.Flow
}

type MetadataService interface {
	SaveDefinition(ctx context.Context, def *model.WorkflowDefinition) (*model.WorkflowDefinition, error)
	GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error
	ValidateDefinition(def *model.WorkflowDefinition) error
	GetFlow(ctx context.Context, id string) (*Compiled, error)
	GetVariableSchema(ctx context.Context, definitionId string) ([]model.VariableDefinition, error)
}

var _ MetadataService = new(MetadataServiceImpl)

type MetadataServiceImpl struct {
	storage persistence.DefinitionStorage
	cache   *c.Cache
}

func NewMetadataService(storage persistence.DefinitionStorage, cacheTTL time.Duration) *MetadataServiceImpl {
	if cacheTTL <= 0 {
		cacheTTL = c.NoExpiration
	}
	return &MetadataServiceImpl{
		storage: storage,
		cache:   c.New(cacheTTL, 10*time.Minute),
	}
}

func (s *MetadataServiceImpl) SaveDefinition(ctx context.Context, def *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	if err := s.ValidateDefinition(def); err != nil {
		return nil, err
	}
	for _, w := range flow.Warnings(def) {
		logger.Warn("definition saved with problem", zap.String("definition", def.Id), zap.String("problem", w))
	}
	now := time.Now().UTC()
	saved := *def
	if existing, err := s.storage.GetDefinition(ctx, def.Id); err == nil {
		saved.CreatedAt = existing.CreatedAt
		if !now.After(existing.UpdatedAt) {
			now = existing.UpdatedAt.Add(time.Microsecond)
		}
	} else if errors.Is(err, persistence.ErrNotFound) {
		saved.CreatedAt = now
	} else {
		return nil, err
	}
	saved.UpdatedAt = now
	if err := s.storage.SaveDefinition(ctx, &saved); err != nil {
		return nil, err
	}
	s.cache.Delete(def.Id)
	logger.Info("definition saved", zap.String("definition", saved.Id), zap.Int64("version", saved.Version()))
	return &saved, nil
}

func (s *MetadataServiceImpl) GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	return s.storage.GetDefinition(ctx, id)
}

func (s *MetadataServiceImpl) DeleteDefinition(ctx context.Context, id string) error {
	if err := s.storage.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	s.cache.Delete(id)
	return nil
}

// GetFlow returns the compiled current version of a definition.
func (s *MetadataServiceImpl) GetFlow(ctx context.Context, id string) (*Compiled, error) {
	if cached, found := s.cache.Get(id); found {
		return cached.(*Compiled), nil
	}
	def, err := s.storage.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	fl, err := flow.Parse(def)
	if err != nil {
		return nil, DefinitionError{Problems: []string{err.Error()}, cause: err}
	}
	compiled := &Compiled{Definition: def, Flow: fl}
	s.cache.SetDefault(id, compiled)
	return compiled, nil
}

func (s *MetadataServiceImpl) GetVariableSchema(ctx context.Context, definitionId string) ([]model.VariableDefinition, error) {
	compiled, err := s.GetFlow(ctx, definitionId)
	if err != nil {
		return nil, err
	}
	return compiled.Definition.Variables, nil
}

// ValidateDefinition checks the graph, the variable declarations and the
// node payloads that can be checked before running.
func (s *MetadataServiceImpl) ValidateDefinition(def *model.WorkflowDefinition) error {
	var problems []string
	var cause error
	if err := flow.Validate(def); err != nil {
		cause = err
		var verr flow.ValidationError
		if errors.As(err, &verr) {
			problems = append(problems, verr.Problems...)
		} else {
			problems = append(problems, err.Error())
		}
	}
	problems = append(problems, validateVariables(def.Variables)...)
	if len(problems) == 0 {
		fl, err := flow.Parse(def)
		if err != nil {
			problems = append(problems, err.Error())
		} else {
			problems = append(problems, validateNodes(fl)...)
		}
	}
	if len(problems) > 0 {
		return DefinitionError{Problems: problems, cause: cause}
	}
	return nil
}

func validateVariables(defs []model.VariableDefinition) []string {
	var problems []string
	schema := variable.NewSchema(defs)
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		if strings.TrimSpace(d.Name) == "" {
			problems = append(problems, "variable name can not be empty")
			continue
		}
		if _, ok := seen[d.Name]; ok {
			problems = append(problems, fmt.Sprintf("variable %s is duplicate", d.Name))
		}
		seen[d.Name] = struct{}{}
		if _, err := variable.ParseDataType(d.DataType); err != nil {
			problems = append(problems, fmt.Sprintf("variable %s: unknown data type %q", d.Name, d.DataType))
			continue
		}
		if _, err := variable.ParseRules(d.Rules); err != nil {
			problems = append(problems, fmt.Sprintf("variable %s: %s", d.Name, err))
			continue
		}
		if d.Default != nil {
			if _, err := schema.Resolve(d.Name, d.Default, model.SOURCE_SYSTEM, "default"); err != nil {
				problems = append(problems, fmt.Sprintf("default of %s", err))
			}
		}
	}
	return problems
}

func validateNodes(fl *flow.Flow) []string {
	var problems []string
	for _, n := range fl.Nodes {
		switch n.Type {
		case flow.NODE_BRANCH:
			expression, _ := n.Data["expression"].(string)
			if expression == "" {
				expression, _ = n.Data["condition"].(string)
			}
			if err := action.ValidateExpression(expression); err != nil {
				problems = append(problems, fmt.Sprintf("branch node %s: %s", n.Id, err))
			}
		case flow.NODE_SCRIPT:
			script, _ := n.Data["script"].(string)
			if script == "" {
				script, _ = n.Data["code"].(string)
			}
			if strings.TrimSpace(script) == "" {
				problems = append(problems, fmt.Sprintf("script node %s: script can not be empty", n.Id))
			}
		}
	}
	return problems
}
