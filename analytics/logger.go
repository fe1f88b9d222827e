package analytics

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFileDataCollector appends JSON records to a file.
type LogFileDataCollector struct {
	fileName string
	logger   *zap.Logger
}

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(fileEncoder, zapcore.AddSync(logFile), zapcore.InfoLevel)
	return &LogFileDataCollector{
		fileName: fileName,
		logger:   zap.New(core),
	}, nil
}

func (lc *LogFileDataCollector) RecordStepSuccess(definitionId string, executionId string, nodeId string, nodeType string, data map[string]any) {
	lc.logger.Info("step success", zap.String("definition", definitionId), zap.String("execution", executionId), zap.String("node", nodeId), zap.String("type", nodeType), zap.Any("data", data))
}

func (lc *LogFileDataCollector) RecordStepFailure(definitionId string, executionId string, nodeId string, nodeType string, reason string) {
	lc.logger.Info("step failure", zap.String("definition", definitionId), zap.String("execution", executionId), zap.String("node", nodeId), zap.String("type", nodeType), zap.String("reason", reason))
}

func (lc *LogFileDataCollector) RecordExecutionEnd(definitionId string, executionId string, state string) {
	lc.logger.Info("execution end", zap.String("definition", definitionId), zap.String("execution", executionId), zap.String("state", state))
}

func (lc *LogFileDataCollector) Close() error {
	return lc.logger.Sync()
}
