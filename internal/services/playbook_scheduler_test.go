package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"upliftcs/internal/models"
	"upliftcs/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocker struct {
	held     map[string]bool
	err      error
	unlocked []string
}

func (l *fakeLocker) TryLock(_ context.Context, name string, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.held[name] {
		return false, nil
	}
	l.held[name] = true
	return true, nil
}

func (l *fakeLocker) Unlock(_ context.Context, name string) error {
	delete(l.held, name)
	l.unlocked = append(l.unlocked, name)
	return nil
}

type jobLog struct {
	runs  map[string]int
	skips map[string]int
	errs  []error
}

func newJobLog() *jobLog {
	return &jobLog{runs: map[string]int{}, skips: map[string]int{}}
}

func (j *jobLog) RecordSchedulerRun(job string, err error, _ time.Duration) {
	j.runs[job]++
	if err != nil {
		j.errs = append(j.errs, err)
	}
}

func (j *jobLog) RecordSchedulerSkip(job string) { j.skips[job]++ }

func TestSchedulerRunJobExecutesPendingSteps(t *testing.T) {
	f := newPlaybookFixture(t)
	playbook := f.createPlaybook(t, "Scheduled", StepInput{StepType: models.StepTypeWait, Title: "Wait"})
	execution, err := f.engine.Start(f.customer, playbook)
	require.NoError(t, err)

	locker := &fakeLocker{held: map[string]bool{}}
	jobs := newJobLog()
	scheduler := NewPlaybookScheduler(f.engine, newTestOrganizationService(f.db), config.SchedulerConfig{}, locker, jobs)

	scheduler.RunJob(JobExecutePending)

	assert.Equal(t, 1, jobs.runs[JobExecutePending])
	assert.Equal(t, []string{"scheduler:" + JobExecutePending}, locker.unlocked)
	done, err := f.service.GetExecution(f.orgID, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, done.Status)
}

func TestSchedulerSkipsWhenLockHeld(t *testing.T) {
	f := newPlaybookFixture(t)
	locker := &fakeLocker{held: map[string]bool{"scheduler:" + JobEvaluateTriggers: true}}
	jobs := newJobLog()
	scheduler := NewPlaybookScheduler(f.engine, newTestOrganizationService(f.db), config.SchedulerConfig{}, locker, jobs)

	scheduler.RunJob(JobEvaluateTriggers)
	assert.Equal(t, 1, jobs.skips[JobEvaluateTriggers])
	assert.Zero(t, jobs.runs[JobEvaluateTriggers])

	locker.err = errors.New("redis down")
	scheduler.RunJob(JobExpireTrials)
	assert.Equal(t, 1, jobs.skips[JobExpireTrials])
}

func TestSchedulerUnknownJobIsRecordedAsError(t *testing.T) {
	f := newPlaybookFixture(t)
	jobs := newJobLog()
	scheduler := NewPlaybookScheduler(f.engine, newTestOrganizationService(f.db), config.SchedulerConfig{}, nil, jobs)

	scheduler.RunJob("rebuild_index")
	assert.Equal(t, 1, jobs.runs["rebuild_index"])
	require.Len(t, jobs.errs, 1)
}

func TestSchedulerStartAndStop(t *testing.T) {
	f := newPlaybookFixture(t)
	scheduler := NewPlaybookScheduler(f.engine, newTestOrganizationService(f.db), config.SchedulerConfig{
		ExecuteSpec:     "0 * * * * *",
		EvaluateSpec:    "0 */15 * * * *",
		TrialExpirySpec: "0 0 * * * *",
	}, nil, nil)

	require.NoError(t, scheduler.Start())
	assert.True(t, scheduler.IsRunning())
	require.NoError(t, scheduler.Start())

	scheduler.Stop()
	assert.False(t, scheduler.IsRunning())

	bad := NewPlaybookScheduler(f.engine, newTestOrganizationService(f.db), config.SchedulerConfig{ExecuteSpec: "not a spec"}, nil, nil)
	assert.Error(t, bad.Start())
}
