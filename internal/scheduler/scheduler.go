// Package scheduler implements the Scheduler (C12): a pure trigger
// injector with two sources of synthetic messages — persisted cron tasks
// and the heartbeat — neither of which has any effect beyond handing a
// NormalizedMessage to the dispatcher. It never touches sessions, tools,
// or memories directly; that's C10's job once the message arrives.
//
// The job-type polymorphism a generic scheduler might carry is collapsed:
// this engine has exactly one trigger payload shape (a prompt to a
// channel), so there is no webhook/custom/message job split to support.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	robfigcron "github.com/robfig/cron/v3"

	"github.com/nexuscore/agentengine/internal/config"
	"github.com/nexuscore/agentengine/internal/dispatcher"
	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/internal/storage"
	"github.com/nexuscore/agentengine/pkg/models"
)

// cronParser accepts an optional leading seconds field, plus named
// descriptors like "@daily".
var cronParser = robfigcron.NewParser(
	robfigcron.SecondOptional |
		robfigcron.Minute |
		robfigcron.Hour |
		robfigcron.Dom |
		robfigcron.Month |
		robfigcron.Dow |
		robfigcron.Descriptor,
)

const defaultTickInterval = time.Second

// TurnDispatcher is the narrow dispatcher surface the Scheduler injects
// into. Kept as an interface purely for testability; in production it is
// satisfied by *dispatcher.Dispatcher.
type TurnDispatcher interface {
	Dispatch(ctx context.Context, m dispatcher.NormalizedMessage) (*dispatcher.DispatchResult, error)
}

// HeartbeatTarget is one channel the heartbeat trigger pokes on each due
// tick, registered by the adapter layer for every channel it has live.
type HeartbeatTarget struct {
	ChannelType string
	ChannelID   string
	ChatID      string
}

// Scheduler runs the tick loop that fires cron tasks and heartbeats.
type Scheduler struct {
	store    storage.Store
	dispatch TurnDispatcher
	cfgStore *config.Store
	log      *observability.Logger

	now          func() time.Time
	tickInterval time.Duration

	mu               sync.Mutex
	heartbeatTargets []HeartbeatTarget
	lastHeartbeat    time.Time
	started          bool
	stopCh           chan struct{}
	doneCh           chan struct{}
}

// New constructs a Scheduler. cfgStore supplies the live heartbeat config
// (reloadable independently of a restart).
func New(store storage.Store, dispatch TurnDispatcher, cfgStore *config.Store, log *observability.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		dispatch:     dispatch,
		cfgStore:     cfgStore,
		log:          log,
		now:          time.Now,
		tickInterval: defaultTickInterval,
	}
}

// RegisterHeartbeatTarget adds a channel the heartbeat trigger should poke.
// Called by the adapter layer once per live channel at startup.
func (s *Scheduler) RegisterHeartbeatTarget(target HeartbeatTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatTargets = append(s.heartbeatTargets, target)
}

// Start begins the tick loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	done := s.doneCh
	s.started = false
	s.mu.Unlock()
	<-done
}

// Tick runs one pass of due cron tasks and the heartbeat check. Exported so
// tests (and an operator "run now" tool) can drive it without a timer.
func (s *Scheduler) Tick(ctx context.Context) {
	s.runDueCronTasks(ctx)
	s.runHeartbeat(ctx)
}

func (s *Scheduler) runDueCronTasks(ctx context.Context) {
	tasks, err := s.store.ListCronTasks(ctx)
	if err != nil {
		s.log.Warn(ctx, "list cron tasks failed", "error", err)
		return
	}
	now := s.now()
	for _, task := range tasks {
		if !task.Enabled || task.NextRun.IsZero() || now.Before(task.NextRun) {
			continue
		}
		s.runCronTask(ctx, task, now)
	}
}

func (s *Scheduler) runCronTask(ctx context.Context, task models.CronTask, now time.Time) {
	result, dispatchErr := s.dispatch.Dispatch(ctx, dispatcher.NormalizedMessage{
		ChannelType: task.ChannelType,
		ChannelID:   task.ChannelID,
		ChatID:      task.ChatID,
		UserID:      "scheduler",
		UserName:    "scheduler",
		Text:        task.Prompt,
	})

	lastErr := ""
	switch {
	case dispatchErr != nil:
		lastErr = dispatchErr.Error()
	case result != nil && !result.Success:
		lastErr = result.Content
	}

	next, scheduleErr := nextCronRun(task.CronExpr, now)
	if scheduleErr != nil {
		s.log.Warn(ctx, "cron task schedule became invalid, disabling", "id", task.ID, "error", scheduleErr)
		if err := s.store.SetCronTaskEnabled(ctx, task.ID, false); err != nil {
			s.log.Warn(ctx, "disable cron task failed", "id", task.ID, "error", err)
		}
		return
	}
	if err := s.store.UpdateCronTaskRun(ctx, task.ID, next, now, lastErr); err != nil {
		s.log.Warn(ctx, "update cron task run failed", "id", task.ID, "error", err)
	}
}

func nextCronRun(expr string, now time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(now), nil
}

// CreateCronTask validates expr, computes the first NextRun, and persists
// the task via C1.
func (s *Scheduler) CreateCronTask(ctx context.Context, name, cronExpr, prompt, channelType, channelID, chatID string) (*models.CronTask, error) {
	now := s.now()
	next, err := nextCronRun(cronExpr, now)
	if err != nil {
		return nil, err
	}
	task := &models.CronTask{
		ID:          uuid.NewString(),
		Name:        name,
		CronExpr:    cronExpr,
		Prompt:      prompt,
		ChannelType: channelType,
		ChannelID:   channelID,
		ChatID:      chatID,
		Enabled:     true,
		NextRun:     next,
		CreatedAt:   now,
	}
	if err := s.store.CreateCronTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}
