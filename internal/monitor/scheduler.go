// Package monitor runs the periodic reconciliation jobs: traffic alerts, expiry enforcement,
// reseller debt policies and the pending payment sweep.
package monitor

import (
	"VPN-Reseller-bot/internal/errs"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxWorkers bounds parallel calls made within one run.
const MaxWorkers = 8

// Job is one run of a monitor.
type Job func(ctx context.Context) error

// Scheduler runs jobs on cron schedules. Every job holds <lockDir>/<name>.lock while it runs,
// so overlapping runs (in this process or another one) are skipped.
type Scheduler struct {
	cron    *cron.Cron
	lockDir string
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	panics  func(where string)
}

func NewScheduler(lockDir string, log *zap.Logger) *Scheduler {
	cl := cronLogger{log: log.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		lockDir: lockDir,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnPanic installs a recover hook called with the job name, e.g. Notifier.NotifyOnPanic.
func (s *Scheduler) OnPanic(fn func(where string)) {
	s.panics = fn
}

// Every schedules job at a fixed interval.
func (s *Scheduler) Every(interval time.Duration, name string, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval of %s must be positive", errs.ErrConfig, name)
	}
	return s.Add("@every "+interval.String(), name, job)
}

// Add schedules job with a cron spec.
func (s *Scheduler) Add(spec, name string, job Job) error {
	if _, err := s.cron.AddFunc(spec, func() { s.Run(name, job) }); err != nil {
		return fmt.Errorf("%w: schedule %s (%q): %v", errs.ErrConfig, name, spec, err)
	}
	s.log.Info("job scheduled", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Run executes job once. It returns false when the lock was held elsewhere.
func (s *Scheduler) Run(name string, job Job) bool {
	if s.panics != nil {
		defer s.panics(name)
	}
	if err := os.MkdirAll(s.lockDir, 0o755); err != nil {
		s.log.Error("lock dir", zap.String("job", name), zap.Error(err))
		return false
	}
	lock := flock.New(filepath.Join(s.lockDir, name+".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		s.log.Error("lock", zap.String("job", name), zap.Error(err))
		return false
	}
	if !ok {
		s.log.Debug("job already running", zap.String("job", name))
		return false
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.log.Warn("unlock", zap.String("job", name), zap.Error(err))
		}
	}()

	start := time.Now()
	if err := job(s.ctx); err != nil {
		s.log.Error("job failed", zap.String("job", name), zap.Error(err), zap.Duration("took", time.Since(start)))
		return true
	}
	s.log.Debug("job done", zap.String("job", name), zap.Duration("took", time.Since(start)))
	return true
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}

// mapEach runs fn over items with at most MaxWorkers in flight and returns the results in order.
func mapEach[T, R any](ctx context.Context, items []T, fn func(context.Context, T) R) []R {
	out := make([]R, len(items))
	var g errgroup.Group
	g.SetLimit(MaxWorkers)
	for i, it := range items {
		g.Go(func() error {
			out[i] = fn(ctx, it)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
