package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/chatflow/engine"
	"github.com/mohitkumar/chatflow/logger"
	"github.com/mohitkumar/chatflow/metadata"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"github.com/mohitkumar/chatflow/variable"
	"go.uber.org/zap"
)

// ExecutionService is what the API needs of the engine.
type ExecutionService interface {
	Start(ctx context.Context, req model.StartRequest) (*model.StartResponse, error)
	Status(ctx context.Context, executionId string) (*model.ExecutionStatus, error)
	DeleteExecution(ctx context.Context, executionId string) error
	Cancel(ctx context.Context, executionId string, req model.CancelRequest) (*model.WorkflowExecution, error)
	Pause(ctx context.Context, executionId string) (*model.WorkflowExecution, error)
	Unpause(ctx context.Context, executionId string) (*model.WorkflowExecution, error)
	GetVariable(ctx context.Context, executionId string, name string) (*model.VariableValue, error)
	SetVariable(ctx context.Context, executionId string, name string, value any, sourceRef string) (*model.VariableValue, error)
	ResumeFormDecision(ctx context.Context, d model.FormDecision) (*model.ResumeResult, error)
	ResumeInboundMessage(ctx context.Context, m model.InboundMessage) (*model.ResumeResult, error)
	ResumeScanResult(ctx context.Context, r model.ScanResult) (*model.ResumeResult, error)
	ResumeMessageAck(ctx context.Context, a model.MessageAck) (*model.ResumeResult, error)
}

var _ ExecutionService = new(engine.FlowEngine)

type Server struct {
	http.Server
	Port            int
	metadataService metadata.MetadataService
	executorService ExecutionService
}

func NewServer(httpPort int, metadataService metadata.MetadataService, executorService ExecutionService) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		metadataService: metadataService,
		executorService: executorService,
		Port:            httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/definitions", s.HandleSaveDefinition).Methods(http.MethodPost)
	router.HandleFunc("/definitions/{id}", s.HandleGetDefinition).Methods(http.MethodGet)
	router.HandleFunc("/definitions/{id}", s.HandleDeleteDefinition).Methods(http.MethodDelete)

	router.HandleFunc("/executions", s.HandleStartExecution).Methods(http.MethodPost)
	router.HandleFunc("/executions/{id}", s.HandleGetExecution).Methods(http.MethodGet)
	router.HandleFunc("/executions/{id}", s.HandleDeleteExecution).Methods(http.MethodDelete)
	router.HandleFunc("/executions/{id}/cancel", s.HandleCancelExecution).Methods(http.MethodPost)
	router.HandleFunc("/executions/{id}/pause", s.HandlePauseExecution).Methods(http.MethodPost)
	router.HandleFunc("/executions/{id}/resume", s.HandleUnpauseExecution).Methods(http.MethodPost)
	router.HandleFunc("/executions/{id}/variables/{name}", s.HandleGetVariable).Methods(http.MethodGet)
	router.HandleFunc("/executions/{id}/variables/{name}", s.HandleSetVariable).Methods(http.MethodPut)

	router.HandleFunc("/triggers/form-decision", s.HandleFormDecision).Methods(http.MethodPost)
	router.HandleFunc("/triggers/inbound-message", s.HandleInboundMessage).Methods(http.MethodPost)
	router.HandleFunc("/triggers/scan-result", s.HandleScanResult).Methods(http.MethodPost)
	router.HandleFunc("/triggers/message-ack", s.HandleMessageAck).Methods(http.MethodPost)

	router.HandleFunc("/metrics", s.HandleMetrics).Methods(http.MethodGet)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return err
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI, zap.String("method", r.Method))
		next.ServeHTTP(w, r)
	})
}

// decode reads the JSON body into v and answers 400 when it can not.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, engine.ErrInvalidDefinition),
		errors.Is(err, variable.ErrInvalidValue),
		errors.Is(err, variable.ErrRequired),
		errors.Is(err, variable.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrExecutionFinished), errors.Is(err, engine.ErrNotPaused):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondWithFailure(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	code := statusOf(err)
	fields = append(fields, zap.Error(err))
	if code >= 500 {
		logger.Error(msg, fields...)
	} else {
		logger.Info(msg, fields...)
	}
	var derr metadata.DefinitionError
	if errors.As(err, &derr) {
		respondWithJSON(w, code, map[string]any{"error": err.Error(), "problems": derr.Problems})
		return
	}
	respondWithError(w, code, err.Error())
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message map[string]any) {
	respondWithJSON(w, http.StatusOK, message)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
