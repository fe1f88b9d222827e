package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohitkumar/chatflow/logger"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"github.com/mohitkumar/chatflow/util"
	"go.uber.org/zap"
)

type Executor interface {
	Start()
	Stop()
	IsRunning() bool
}

// Expirer resolves a trigger whose deadline passed.
type Expirer interface {
	ExpireTrigger(ctx context.Context, trigger model.PendingTrigger) (*model.ResumeResult, error)
}

type Config struct {
	Partitions   int
	PollInterval time.Duration
	BatchSize    int
	Parallel     int
}

const requeueTimeout = 5 * time.Second

var _ Executor = new(timeoutExecutor)

// timeoutExecutor polls every timeout partition and hands due triggers to a
// worker pool that expires them.
type timeoutExecutor struct {
	queue   persistence.TimeoutQueue
	engine  Expirer
	conf    Config
	wg      *sync.WaitGroup
	pollers []*util.TickWorker
	worker  *util.Worker[model.PendingTrigger]
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

func NewTimeoutExecutor(queue persistence.TimeoutQueue, engine Expirer, conf Config, wg *sync.WaitGroup) *timeoutExecutor {
	if conf.Partitions <= 0 {
		conf.Partitions = 1
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = time.Second
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	ex := &timeoutExecutor{
		queue:  queue,
		engine: engine,
		conf:   conf,
		wg:     wg,
		ctx:    ctx,
		cancel: cancel,
	}
	ex.worker = util.NewWorker("timeout-executor", wg, ex.handle, conf.Parallel, conf.BatchSize)
	for p := 0; p < conf.Partitions; p++ {
		partition := p
		name := fmt.Sprintf("timeout-poller-%d", partition)
		ex.pollers = append(ex.pollers, util.NewTickWorker(name, conf.PollInterval, func() { ex.poll(partition) }, wg))
	}
	return ex
}

func (ex *timeoutExecutor) Start() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.running {
		return
	}
	ex.running = true
	ex.worker.Start()
	for _, p := range ex.pollers {
		p.Start()
	}
}

func (ex *timeoutExecutor) Stop() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if !ex.running {
		return
	}
	ex.running = false
	for _, p := range ex.pollers {
		p.Stop()
	}
	ex.cancel()
	ex.worker.Stop()
}

func (ex *timeoutExecutor) IsRunning() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.running
}

// poll drains the due triggers of one partition, batch after batch.
func (ex *timeoutExecutor) poll(partition int) {
	for {
		triggers, err := ex.queue.PollExpired(ex.ctx, partition, ex.conf.BatchSize)
		if err != nil {
			logger.Error("error while polling timeouts", zap.Int("partition", partition), zap.Error(err))
			return
		}
		for i, t := range triggers {
			if !ex.worker.Send(t) {
				logger.Warn("timeout executor stopped, requeueing expired triggers", zap.Int("count", len(triggers)-i))
				for _, rest := range triggers[i:] {
					ex.requeue(rest)
				}
				return
			}
		}
		if len(triggers) < ex.conf.BatchSize {
			return
		}
	}
}

func (ex *timeoutExecutor) handle(trigger model.PendingTrigger) error {
	res, err := ex.engine.ExpireTrigger(ex.ctx, trigger)
	if err != nil {
		ex.requeue(trigger)
		return err
	}
	logger.Debug("trigger expired", zap.String("execution", trigger.ExecutionId), zap.String("trigger", trigger.Id), zap.Bool("resumed", res.Resumed))
	return nil
}

// requeue puts a trigger whose expiry did not go through back on the queue,
// one poll interval from now. Claiming keeps a second expiry harmless.
func (ex *timeoutExecutor) requeue(trigger model.PendingTrigger) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if err := ex.queue.Requeue(ctx, trigger, time.Now().Add(ex.conf.PollInterval)); err != nil {
		logger.Error("error while requeueing trigger", zap.String("trigger", trigger.Id), zap.Error(err))
	}
}
