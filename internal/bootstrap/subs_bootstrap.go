package bootstrap

import (
	"subs_server/adapter/in/worker"
	"subs_server/config"
	"subs_server/pkg/logger"
)

// Worker bundles the background maintenance loops.
type Worker struct {
	sweeper *worker.JobSweeper
	deps    *Dependencies
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "subwatch-worker",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	return &Worker{
		sweeper: worker.NewJobSweeper(deps.Jobs),
		deps:    deps,
	}, cleanup, nil
}

// Start launches the loops.
func (w *Worker) Start() {
	w.sweeper.Start()
	logger.Info("Worker started")
}

// Stop stops the loops.
func (w *Worker) Stop() {
	w.sweeper.Stop()
	logger.Info("Worker stopped")
}
