package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/fornellas/slogxt/log"
)

type workerType struct {
	name       string
	fn         func(context.Context) error
	cancelFunc context.CancelFunc
	errCh      chan error
}

// Manager runs a group of long lived workers. When any worker returns, the most recently added
// worker is cancelled, and Wait cancels the remaining ones in reverse order of addition, so
// workers added later (consumers) stop before workers added earlier (producers).
type Manager struct {
	workers []*workerType
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) AddWorker(name string, fn func(context.Context) error) {
	m.workers = append([]*workerType{{name: name, fn: fn}}, m.workers...)
}

func (m *Manager) Start(ctx context.Context) {
	ctx, logger := log.MustWithGroup(ctx, "Workers")
	logger.Debug("Starting workers")
	for _, worker := range m.workers {
		workerCtx, workerLogger := log.MustWithGroup(ctx, worker.name)
		workerCtx, worker.cancelFunc = context.WithCancel(workerCtx)
		worker.errCh = make(chan error, 1)
		go func() {
			var err error
			defer func() {
				if r := recover(); r != nil {
					workerLogger.Error("Panic", "recovered", r, "stack", string(debug.Stack()))
					err = fmt.Errorf("worker: %s: panic: %v", worker.name, r)
				}
				if errors.Is(err, context.Canceled) {
					err = nil
				}
				workerLogger.Debug("Finished", "err", err)
				m.Cancel(workerCtx)
				worker.errCh <- err
			}()
			workerLogger.Debug("Starting")
			err = worker.fn(workerCtx)
		}()
	}
	logger.Debug("All workers started")
}

// Cancel cancels the most recently added worker.
func (m *Manager) Cancel(ctx context.Context) {
	if len(m.workers) == 0 {
		return
	}
	worker := m.workers[0]
	logger := log.MustLogger(ctx).WithGroup("Cancel").With("name", worker.name)
	logger.Debug("Cancelling")
	if worker.cancelFunc != nil {
		worker.cancelFunc()
	}
}

// Wait blocks until all workers return, and returns each worker's error by name.
func (m *Manager) Wait(ctx context.Context) map[string]error {
	logger := log.MustLogger(ctx).WithGroup("Wait")
	logger.Debug("Waiting for all workers")
	errMap := map[string]error{}
	for i, worker := range m.workers {
		workerLogger := logger.WithGroup(worker.name)
		if i > 0 {
			workerLogger.Debug("Cancelling")
			worker.cancelFunc()
		}
		workerLogger.Debug("Waiting")
		errMap[worker.name] = <-worker.errCh
	}
	m.workers = nil
	logger.Debug("All workers returned")
	return errMap
}

// JoinErrors joins all non nil errors returned by Wait, sorted by worker name.
func JoinErrors(errMap map[string]error) error {
	names := make([]string, 0, len(errMap))
	for name := range errMap {
		names = append(names, name)
	}
	slices.Sort(names)
	var err error
	for _, name := range names {
		if errMap[name] != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", name, errMap[name]))
		}
	}
	return err
}
