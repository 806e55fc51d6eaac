// Package jobs запускает обслуживающие задачи по расписанию cron.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/metrics"
)

// Task описывает одну обслуживающую задачу. Run возвращает число удалённых/снятых записей.
type Task struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) (int, error)
}

// Scheduler оборачивает cron с логированием и метриками запусков.
type Scheduler struct {
	cron    *cron.Cron
	logger  *log.Entry
	metrics *metrics.MaintenanceMetrics

	mu    sync.Mutex
	tasks []Task
}

// NewScheduler создаёт планировщик. Расписания принимают секунды: "0 */5 * * * *" или "@every 30s".
func NewScheduler(logger *log.Entry, m *metrics.MaintenanceMetrics) *Scheduler {
	if logger == nil {
		logger = log.WithField("component", "jobs")
	}
	cronLogger := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		logger:  logger,
		metrics: m,
	}
}

// Add регистрирует задачу. Пустой Spec отключает задачу.
func (s *Scheduler) Add(task Task) error {
	if task.Spec == "" || task.Run == nil {
		s.logger.WithField("job", task.Name).Info("job disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(task.Spec, func() { s.run(context.Background(), task) }); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", task.Name, err)
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
	return nil
}

// Start запускает cron в фоне.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	count := len(s.tasks)
	s.mu.Unlock()
	s.logger.WithField("jobs", count).Info("maintenance jobs started")
}

// Stop останавливает cron и ждёт выполняющиеся задачи, но не дольше ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("maintenance jobs stopped")
	case <-ctx.Done():
		s.logger.Warn("maintenance jobs did not finish before shutdown deadline")
	}
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	started := time.Now()
	removed, err := task.Run(ctx)
	entry := s.logger.WithFields(log.Fields{
		"job":         task.Name,
		"removed":     removed,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	s.metrics.RecordRemoved(task.Name, removed)
	if err != nil {
		s.metrics.RecordRun(task.Name, "error")
		entry.WithError(err).Warn("maintenance job failed")
		return
	}
	s.metrics.RecordRun(task.Name, "ok")
	if removed > 0 {
		entry.Info("maintenance job finished")
		return
	}
	entry.Debug("maintenance job finished")
}

// cronLogger направляет сообщения cron в logrus.
type cronLogger struct {
	entry *log.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.entry.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.entry.WithError(err).WithFields(pairs(keysAndValues)).Error(msg)
}

func pairs(keysAndValues []any) log.Fields {
	fields := make(log.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
