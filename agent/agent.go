package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/mohitkumar/chatflow/action"
	"github.com/mohitkumar/chatflow/analytics"
	"github.com/mohitkumar/chatflow/config"
	"github.com/mohitkumar/chatflow/connector"
	"github.com/mohitkumar/chatflow/engine"
	"github.com/mohitkumar/chatflow/executor"
	"github.com/mohitkumar/chatflow/logger"
	"github.com/mohitkumar/chatflow/metadata"
	"github.com/mohitkumar/chatflow/metrics"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"github.com/mohitkumar/chatflow/persistence/memory"
	"github.com/mohitkumar/chatflow/persistence/postgres"
	"github.com/mohitkumar/chatflow/persistence/redis"
	"github.com/mohitkumar/chatflow/rest"
	"github.com/mohitkumar/chatflow/util"
	"go.uber.org/zap"
)

type Agent struct {
	Config          config.Config
	storage         persistence.Storage
	metadataService metadata.MetadataService
	engine          *engine.FlowEngine
	timeoutExecutor executor.Executor
	httpServer      *rest.Server
	shutdown        bool
	shutdowns       chan struct{}
	shutdownLock    sync.Mutex
	wg              sync.WaitGroup
}

func New(config config.Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{
		Config:    config,
		shutdowns: make(chan struct{}),
	}
	setup := []func() error{
		a.setupObservability,
		a.setupStorage,
		a.setupEngine,
		a.setupTimeoutExecutor,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupObservability() error {
	if err := metrics.Register(); err != nil {
		return err
	}
	return analytics.InitDataCollector(a.Config.AnalyticsConfig)
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		encDec, err := util.NewEncoderDecoder[model.WorkflowDefinition](string(a.Config.EncoderDecoderType))
		if err != nil {
			return err
		}
		storage := redis.NewRedisStorage(redis.Config{
			Addrs:      a.Config.RedisConfig.Addrs,
			Namespace:  a.Config.RedisConfig.Namespace,
			Password:   a.Config.RedisConfig.Password,
			PoolSize:   a.Config.RedisConfig.PoolSize,
			Partitions: a.Config.Partitions,
		}, encDec)
		if err := storage.Ping(context.Background()); err != nil {
			return err
		}
		a.storage = storage
	case config.STORAGE_TYPE_POSTGRES:
		storage, err := postgres.NewPostgresStorage(context.Background(), postgres.Config{
			DSN:          a.Config.PostgresConfig.DSN,
			Partitions:   a.Config.Partitions,
			EnsureSchema: a.Config.PostgresConfig.EnsureSchema,
		})
		if err != nil {
			return err
		}
		a.storage = storage
	case config.STORAGE_TYPE_INMEM:
		a.storage = memory.New(a.Config.Partitions)
	default:
		return fmt.Errorf("unsupported storage implementation %q", a.Config.StorageType)
	}
	logger.Info("storage ready", zap.String("impl", string(a.Config.StorageType)))
	return nil
}

func (a *Agent) setupEngine() error {
	conn := connector.Config{
		MessageServiceURL: a.Config.ConnectorConfig.MessageServiceURL,
		FormServiceURL:    a.Config.ConnectorConfig.FormServiceURL,
		Timeout:           a.Config.ConnectorConfig.Timeout,
		MaxRetries:        a.Config.ConnectorConfig.MaxRetries,
		RetryInterval:     a.Config.ConnectorConfig.RetryInterval,
	}
	dispatcher := action.NewDispatcher(connector.NewMessageSender(conn), connector.NewFormService(conn), action.Options{
		DefaultWaitTimeout: a.Config.TimeoutConfig.WaitTimeout,
		ScriptTimeout:      a.Config.TimeoutConfig.ScriptTimeout,
	})
	a.metadataService = metadata.NewMetadataService(a.storage, a.Config.FlowCacheTTL)
	a.engine = engine.NewFlowEngine(a.storage, a.metadataService, dispatcher, engine.Config{LockStripes: a.Config.LockStripes})
	return nil
}

func (a *Agent) setupTimeoutExecutor() error {
	a.timeoutExecutor = executor.NewTimeoutExecutor(a.storage, a.engine, executor.Config{
		Partitions:   a.Config.Partitions,
		PollInterval: a.Config.TimeoutConfig.PollInterval,
		BatchSize:    a.Config.BatchSize,
		Parallel:     a.Config.TimeoutConfig.Parallel,
	}, &a.wg)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.metadataService, a.engine)
	if err != nil {
		return err
	}
	return nil
}

func (a *Agent) Start() error {
	a.timeoutExecutor.Start()
	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server failed", zap.Error(err))
			_ = a.Shutdown()
		}
	}()
	return nil
}

// Done is closed once shutdown begins.
func (a *Agent) Done() <-chan struct{} {
	return a.shutdowns
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			a.timeoutExecutor.Stop()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	metrics.Unregister()
	return a.storage.Close()
}
