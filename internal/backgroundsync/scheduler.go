package backgroundsync

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/site-cache/internal/logger"
)

// Scheduler runs pending syncs on a cron schedule, standing in for the
// browser retrying a sync when connectivity returns.
type Scheduler struct {
	syncer   *Syncer
	cron     *cron.Cron
	schedule string
	log      logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates schedule and returns a stopped scheduler.
// Schedules accept five-field cron expressions and descriptors such as
// "@every 30s".
func NewScheduler(syncer *Syncer, schedule string, log logger.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("parse sync schedule %q: %w", schedule, err)
	}

	log = log.With(logger.Component("sync-scheduler"))
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)

	return &Scheduler{
		syncer:   syncer,
		cron:     c,
		schedule: schedule,
		log:      log,
	}, nil
}

// Start restores pending tags from the queue and begins the schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := s.syncer.Restore(ctx); err != nil {
		s.log.Warn("Could not restore pending syncs", logger.Error(err))
	}

	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}
	s.cron.Start()

	s.log.Info("Sync scheduler started", logger.String("schedule", s.schedule))
	return nil
}

func (s *Scheduler) run() {
	if len(s.syncer.Pending()) == 0 {
		return
	}
	s.syncer.RunPending(s.ctx)
}

// Stop halts the schedule and waits for a running sync to finish or for ctx
// to expire, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	cancel := func() {
		if s.cancel != nil {
			s.cancel()
		}
	}

	select {
	case <-done.Done():
	case <-ctx.Done():
		cancel()
		<-done.Done()
		return ctx.Err()
	}
	cancel()
	s.log.Info("Sync scheduler stopped")
	return nil
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(fields(keysAndValues), logger.Error(err))...)
}

func fields(kv []any) []logger.Field {
	out := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, logger.Any(key, kv[i+1]))
	}
	return out
}
