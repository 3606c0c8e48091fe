package jobs

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// RunnerConfig configures the maintenance worker.
type RunnerConfig struct {
	RedisURL    string
	Concurrency int
	// WarmSchedule is a cron spec or "@every <duration>". Empty disables the
	// periodic warm; tasks enqueued by the API still run.
	WarmSchedule string
}

// Runner owns the asynq server that executes tasks and the scheduler that
// enqueues the periodic ones.
type Runner struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    zerolog.Logger
}

// NewRunner wires the handlers. Nothing runs until Start.
func NewRunner(cfg RunnerConfig, warm *WarmHandler, logger zerolog.Logger) (*Runner, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("jobs: redis url: %w", err)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	log := asynqLogger{l: logger.With().Str("component", "jobs").Logger()}

	r := &Runner{
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{queueName: 1},
			Logger:      log,
			LogLevel:    asynq.WarnLevel,
		}),
		mux:    asynq.NewServeMux(),
		logger: logger,
	}
	r.mux.Handle(TypeCatalogWarm, warm)

	if cfg.WarmSchedule != "" {
		r.scheduler = asynq.NewScheduler(opt, &asynq.SchedulerOpts{Logger: log, LogLevel: asynq.WarnLevel})
		task, err := NewWarmTask("")
		if err != nil {
			return nil, err
		}
		if _, err := r.scheduler.Register(cfg.WarmSchedule, task); err != nil {
			return nil, fmt.Errorf("jobs: schedule %q: %w", cfg.WarmSchedule, err)
		}
	}
	return r, nil
}

// Start begins processing in the background.
func (r *Runner) Start() error {
	if err := r.server.Start(r.mux); err != nil {
		return err
	}
	if r.scheduler != nil {
		if err := r.scheduler.Start(); err != nil {
			r.server.Shutdown()
			return err
		}
	}
	r.logger.Info().Bool("scheduled", r.scheduler != nil).Str("queue", queueName).Msg("jobs_runner_started")
	return nil
}

// Shutdown stops the scheduler and waits for running tasks.
func (r *Runner) Shutdown() {
	if r.scheduler != nil {
		r.scheduler.Shutdown()
	}
	r.server.Shutdown()
}

// asynqLogger adapts zerolog to asynq.Logger.
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error().Msg(fmt.Sprint(args...)) }

// Fatal must not return per the asynq contract.
func (a asynqLogger) Fatal(args ...any) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
