package analytics

import "sync"

type DataCollectorConfig struct {
	FileName      string
	CollectorType DataCollectorType
}

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "LOG_FILE_DATA_COLLECTOR"
const NOOP_DATA_COLLECTOR DataCollectorType = "NOOP_DATA_COLLECTOR"

// WorkflowDataCollector receives one record per finished step and execution.
type WorkflowDataCollector interface {
	RecordStepSuccess(definitionId string, executionId string, nodeId string, nodeType string, data map[string]any)
	RecordStepFailure(definitionId string, executionId string, nodeId string, nodeType string, reason string)
	RecordExecutionEnd(definitionId string, executionId string, state string)
}

var (
	workflowCollector WorkflowDataCollector = noopCollector{}
	lock              sync.RWMutex
)

func InitDataCollector(config DataCollectorConfig) error {
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		c, err := NewLogFileDataCollector(config.FileName)
		if err != nil {
			return err
		}
		SetCollector(c)
	default:
		SetCollector(noopCollector{})
	}
	return nil
}

func SetCollector(c WorkflowDataCollector) {
	lock.Lock()
	defer lock.Unlock()
	workflowCollector = c
}

func collector() WorkflowDataCollector {
	lock.RLock()
	defer lock.RUnlock()
	return workflowCollector
}

func RecordStepSuccess(definitionId string, executionId string, nodeId string, nodeType string, data map[string]any) {
	collector().RecordStepSuccess(definitionId, executionId, nodeId, nodeType, data)
}

func RecordStepFailure(definitionId string, executionId string, nodeId string, nodeType string, reason string) {
	collector().RecordStepFailure(definitionId, executionId, nodeId, nodeType, reason)
}

func RecordExecutionEnd(definitionId string, executionId string, state string) {
	collector().RecordExecutionEnd(definitionId, executionId, state)
}

type noopCollector struct{}

func (noopCollector) RecordStepSuccess(string, string, string, string, map[string]any) {}

func (noopCollector) RecordStepFailure(string, string, string, string, string) {}

func (noopCollector) RecordExecutionEnd(string, string, string) {}
