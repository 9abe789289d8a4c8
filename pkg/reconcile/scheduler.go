package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/clusterforge/pkg/tasks"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler dispatches a reconcile_all job on a fixed interval. A tick is
// skipped while the previous one is still dispatching.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher tasks.Dispatcher
	interval   time.Duration
	logger     zerolog.Logger
}

// NewScheduler creates a Scheduler firing every interval.
func NewScheduler(dispatcher tasks.Dispatcher, interval time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("reconcile interval %s is shorter than one second", interval)
	}

	s := &Scheduler{
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger.With().Str("component", "scheduler").Logger(),
	}

	cronLogger := cronLogger{logger: s.logger}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	), cron.WithLogger(cronLogger))

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.tick); err != nil {
		return nil, fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	return s, nil
}

// Start runs the schedule until ctx is done. The returned channel closes
// once running ticks have finished.
func (s *Scheduler) Start(ctx context.Context) <-chan struct{} {
	s.cron.Start()
	s.logger.Info().Dur("interval", s.interval).Msg("Reconciliation scheduled")

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info().Msg("Reconciliation stopped")
	}()
	return done
}

// Trigger dispatches a pass immediately.
func (s *Scheduler) Trigger(ctx context.Context) error {
	return s.dispatcher.Dispatch(ctx, tasks.NewJob(tasks.KindReconcileAll, "", ""))
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	if err := s.Trigger(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to dispatch reconciliation")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	ev := l.logger.Debug()
	for i := 0; i+1 < len(kv); i += 2 {
		ev = ev.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	ev.Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	ev := l.logger.Error().Err(err)
	for i := 0; i+1 < len(kv); i += 2 {
		ev = ev.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	ev.Msg(msg)
}
