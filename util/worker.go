package util

import (
	"sync"

	"github.com/mohitkumar/chatflow/logger"
	"go.uber.org/zap"
)

// Worker runs handler for every item sent to it on a fixed number of
// goroutines.
type Worker[T any] struct {
	name     string
	parallel int
	stop     chan struct{}
	stopOnce sync.Once
	wg       *sync.WaitGroup
	handler  func(T) error
	items    chan T
}

func NewWorker[T any](name string, wg *sync.WaitGroup, handler func(T) error, parallel int, capacity int) *Worker[T] {
	if parallel <= 0 {
		parallel = 1
	}
	return &Worker[T]{
		items:    make(chan T, capacity),
		name:     name,
		parallel: parallel,
		wg:       wg,
		stop:     make(chan struct{}),
		handler:  handler,
	}
}

func (w *Worker[T]) Start() {
	for i := 0; i < w.parallel; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case item := <-w.items:
					if err := w.handler(item); err != nil {
						logger.Error("error in worker", zap.String("worker", w.name), zap.Any("item", item), zap.Error(err))
					}
				case <-w.stop:
					return
				}
			}
		}()
	}
	logger.Info("worker started", zap.String("worker", w.name), zap.Int("parallel", w.parallel))
}

// Send queues item. It returns false once the worker is stopped.
func (w *Worker[T]) Send(item T) bool {
	select {
	case <-w.stop:
		return false
	default:
	}
	select {
	case w.items <- item:
		return true
	case <-w.stop:
		return false
	}
}

func (w *Worker[T]) Stop() {
	w.stopOnce.Do(func() {
		logger.Info("stopping worker", zap.String("worker", w.name))
		close(w.stop)
	})
}
