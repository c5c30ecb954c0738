// Package scheduler contains the autonomous task engine: the heartbeat
// scheduler, the bounded dispatch queue, the per-conversation run locks
// and the runner that drives one task through the agent stream.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	taskdomain "spaceduck/internal/domain/task"
	"spaceduck/internal/events"
	"spaceduck/internal/shared/logging"
)

// State is the scheduler lifecycle state. The paused flag is orthogonal:
// a paused scheduler is still running, it just skips ticks.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// SchedulerConfig holds the heartbeat cadence.
type SchedulerConfig struct {
	HeartbeatInterval time.Duration
}

// Scheduler owns the heartbeat loop that feeds the queue and the event
// subscriptions that wake event-triggered tasks.
type Scheduler struct {
	store  taskdomain.Store
	queue  *Queue
	bus    *events.Bus
	logger logging.Logger

	mu        sync.Mutex
	state     State
	paused    bool
	heartbeat time.Duration
	ticker    *time.Ticker
	subs      map[string]events.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// NewScheduler wires the heartbeat scheduler.
func NewScheduler(cfg SchedulerConfig, store taskdomain.Store, queue *Queue, bus *events.Bus, logger logging.Logger) *Scheduler {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Scheduler{
		store:     store,
		queue:     queue,
		bus:       bus,
		logger:    logging.OrNop(logger),
		state:     StateStopped,
		heartbeat: heartbeat,
		subs:      make(map[string]events.Subscription),
	}
}

// Start installs the heartbeat, subscribes event triggers and fires one
// immediate tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: start from state %s", s.state)
	}
	s.state = StateStarting
	s.paused = false
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.ticker = time.NewTicker(s.heartbeat)
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	if err := s.subscribeTriggers(s.ctx); err != nil {
		s.logger.Error("scheduler: scanning event triggers: %v", err)
	}

	go s.loop()

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	s.logger.Info("scheduler: started, heartbeat %s", s.heartbeat)

	s.Tick()
	return nil
}

// loop pumps heartbeat ticks until Stop.
func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ticker.C:
			s.Tick()
		}
	}
}

// subscribeTriggers installs one bus handler per distinct event trigger
// found on scheduled tasks.
func (s *Scheduler) subscribeTriggers(ctx context.Context) error {
	scheduled, err := s.store.ListByStatus(ctx, taskdomain.StatusScheduled, 0)
	if err != nil {
		return err
	}
	for _, t := range scheduled {
		if t.Schedule.EventTrigger != "" {
			s.SubscribeTrigger(t.Schedule.EventTrigger)
		}
	}
	return nil
}

// SubscribeTrigger wakes event-triggered tasks whenever name fires on the
// bus. Idempotent per event name.
func (s *Scheduler) SubscribeTrigger(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[name]; ok {
		return
	}
	s.subs[name] = s.bus.On(name, func(any) {
		s.onTrigger(name)
	})
	s.logger.Debug("scheduler: watching event trigger %q", name)
}

// onTrigger makes every scheduled task bound to the event immediately due.
func (s *Scheduler) onTrigger(name string) {
	s.mu.Lock()
	if s.state != StateRunning || s.paused || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	scheduled, err := s.store.ListByStatus(ctx, taskdomain.StatusScheduled, 0)
	if err != nil {
		s.logger.Error("scheduler: trigger %q list: %v", name, err)
		return
	}
	now := time.Now()
	status := taskdomain.StatusScheduled
	woke := 0
	for _, t := range scheduled {
		if t.Schedule.EventTrigger != name {
			continue
		}
		updated, err := s.store.Update(ctx, t.ID, taskdomain.Patch{Status: &status, NextRunAt: &now})
		if err != nil {
			s.logger.Error("scheduler: trigger %q wake task %s: %v", name, t.ID, err)
			continue
		}
		s.queue.Enqueue(updated)
		woke++
	}
	if woke > 0 {
		s.logger.Info("scheduler: event %q woke %d task(s)", name, woke)
		s.queue.Drain(ctx)
	}
}

// Tick enqueues every due task and drains the queue. No-op while paused
// or not running.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateStarting {
		s.mu.Unlock()
		return
	}
	if s.paused || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	due, err := s.store.ListDue(ctx, time.Now())
	if err != nil {
		s.logger.Error("scheduler: list due: %v", err)
		return
	}
	for _, t := range due {
		s.queue.Enqueue(t)
	}
	s.queue.Drain(ctx)
}

// Pause suspends heartbeat claims. In-flight runs keep going.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.state != StateRunning {
		return
	}
	s.paused = true
	s.ticker.Stop()
	s.logger.Warn("scheduler: paused")
}

// Resume reinstalls the heartbeat after a pause and fires a tick.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if !s.paused || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.paused = false
	s.ticker.Reset(s.heartbeat)
	s.mu.Unlock()
	s.logger.Info("scheduler: resumed")
	s.Tick()
}

// Paused reports whether heartbeat claims are suspended.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UpdateConfig hot-applies a new heartbeat interval.
func (s *Scheduler) UpdateConfig(cfg SchedulerConfig) {
	if cfg.HeartbeatInterval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeat = cfg.HeartbeatInterval
	if s.state == StateRunning && !s.paused {
		s.ticker.Reset(s.heartbeat)
	}
	s.logger.Info("scheduler: heartbeat set to %s", s.heartbeat)
}

// Stop tears down the heartbeat and trigger subscriptions, then waits for
// in-flight executions to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.cancel()
	s.ticker.Stop()
	for name, sub := range s.subs {
		s.bus.Off(name, sub)
		delete(s.subs, name)
	}
	loopDone := s.loopDone
	s.mu.Unlock()

	<-loopDone
	s.queue.WaitIdle()

	s.mu.Lock()
	s.state = StateStopped
	s.paused = false
	s.mu.Unlock()
	s.logger.Info("scheduler: stopped")
}
