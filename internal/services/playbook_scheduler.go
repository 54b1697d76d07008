package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"upliftcs/pkg/config"
	"upliftcs/pkg/logger"

	"github.com/robfig/cron/v3"
)

// 定时任务名称
const (
	JobExecutePending   = "execute_pending_steps"
	JobEvaluateTriggers = "evaluate_triggers"
	JobExpireTrials     = "expire_trials"
)

// jobLockTTL 多实例部署时任务锁的过期时间
const jobLockTTL = 5 * time.Minute

// Locker 分布式锁，由 Redis 实现
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error
}

// JobRecorder 定时任务观测，由 metrics 实现
type JobRecorder interface {
	RecordSchedulerRun(job string, err error, elapsed time.Duration)
	RecordSchedulerSkip(job string)
}

// PlaybookScheduler 剧本执行、触发评估和试用期检查的定时调度器
type PlaybookScheduler struct {
	engine   *PlaybookEngine
	orgs     *OrganizationService
	cron     *cron.Cron
	cfg      config.SchedulerConfig
	locker   Locker
	recorder JobRecorder
	jobMap   map[string]cron.EntryID
	mu       sync.Mutex
	running  bool
}

// NewPlaybookScheduler 创建调度器，locker 为 nil 时不加锁
func NewPlaybookScheduler(engine *PlaybookEngine, orgs *OrganizationService, cfg config.SchedulerConfig, locker Locker, recorder JobRecorder) *PlaybookScheduler {
	return &PlaybookScheduler{
		engine:   engine,
		orgs:     orgs,
		cron:     cron.New(cron.WithSeconds()),
		cfg:      cfg,
		locker:   locker,
		recorder: recorder,
		jobMap:   make(map[string]cron.EntryID),
	}
}

// Start 注册任务并启动cron
func (s *PlaybookScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	log := logger.GetLogger()
	log.Info("启动剧本调度器")

	jobs := []struct {
		name string
		spec string
	}{
		{JobExecutePending, s.cfg.ExecuteSpec},
		{JobEvaluateTriggers, s.cfg.EvaluateSpec},
		{JobExpireTrials, s.cfg.TrialExpirySpec},
	}
	for _, job := range jobs {
		name := job.name
		id, err := s.cron.AddFunc(job.spec, func() { s.RunJob(name) })
		if err != nil {
			return fmt.Errorf("注册任务 %s 失败: %w", name, err)
		}
		s.jobMap[name] = id
	}

	s.cron.Start()
	s.running = true
	log.Infof("剧本调度器启动成功，已加载 %d 个任务", len(s.jobMap))
	return nil
}

// Stop 停止调度器并等待运行中的任务结束
func (s *PlaybookScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	logger.GetLogger().Info("停止剧本调度器")
	ctx := s.cron.Stop()
	<-ctx.Done()

	for name, id := range s.jobMap {
		s.cron.Remove(id)
		delete(s.jobMap, name)
	}
	s.running = false
}

// IsRunning 调度器是否在运行
func (s *PlaybookScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunJob 加锁执行一次任务，拿不到锁时跳过
func (s *PlaybookScheduler) RunJob(name string) {
	log := logger.GetLogger().WithField("job", name)
	ctx := context.Background()

	if s.locker != nil {
		acquired, err := s.locker.TryLock(ctx, "scheduler:"+name, jobLockTTL)
		if err != nil {
			log.WithError(err).Warn("获取任务锁失败，本次跳过")
			s.recordSkip(name)
			return
		}
		if !acquired {
			log.Debug("任务正在其他实例运行，本次跳过")
			s.recordSkip(name)
			return
		}
		defer func() {
			if err := s.locker.Unlock(ctx, "scheduler:"+name); err != nil {
				log.WithError(err).Warn("释放任务锁失败")
			}
		}()
	}

	start := time.Now()
	count, err := s.run(name)
	elapsed := time.Since(start)
	if s.recorder != nil {
		s.recorder.RecordSchedulerRun(name, err, elapsed)
	}
	if err != nil {
		log.WithError(err).Error("定时任务执行失败")
		return
	}
	if count > 0 {
		log.WithField("count", count).WithField("elapsed", elapsed.String()).Info("定时任务执行完成")
	}
}

func (s *PlaybookScheduler) run(name string) (int, error) {
	switch name {
	case JobExecutePending:
		return s.engine.ExecutePending(0)
	case JobEvaluateTriggers:
		return s.engine.EvaluateAllOrganizations()
	case JobExpireTrials:
		return s.orgs.ExpireTrials()
	}
	return 0, fmt.Errorf("未知任务: %s", name)
}

func (s *PlaybookScheduler) recordSkip(name string) {
	if s.recorder != nil {
		s.recorder.RecordSchedulerSkip(name)
	}
}
