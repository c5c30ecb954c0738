package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spaceduck/internal/domain/task"
	"spaceduck/internal/events"
	"spaceduck/internal/shared/logging"
)

// Policy selects what happens when a global spend limit is reached.
type Policy string

const (
	PolicyPauseAll         Policy = "pause-all"
	PolicyPauseNonCritical Policy = "pause-non-critical"
	PolicyAlertOnly        Policy = "alert-only"
)

// IsPause reports whether the policy pauses the scheduler on breach.
func (p Policy) IsPause() bool {
	return p == PolicyPauseAll || p == PolicyPauseNonCritical
}

// GlobalConfig bounds total scheduler spend per local day and month.
// A zero limit disables that period. AlertThresholds are fractions of the
// limit (e.g. 0.5, 0.8) that each fire one warning per period.
type GlobalConfig struct {
	DailyLimitUSD   float64   `yaml:"daily_limit_usd"`
	MonthlyLimitUSD float64   `yaml:"monthly_limit_usd"`
	AlertThresholds []float64 `yaml:"alert_thresholds"`
	OnLimitReached  Policy    `yaml:"on_limit_reached"`
}

// SpendSummer is the slice of the task store the global guard reads.
type SpendSummer interface {
	SumSpend(ctx context.Context, period task.Period) (float64, error)
}

// Pauser is the slice of the scheduler the global guard drives on breach.
type Pauser interface {
	Pause()
}

// GlobalGuard rolls completed-run spend up against daily and monthly
// limits after every task completion. Threshold alerts are deduplicated
// per (period, threshold) and the dedup set clears itself when the local
// day or month rolls over.
type GlobalGuard struct {
	cfg    GlobalConfig
	store  SpendSummer
	bus    *events.Bus
	logger logging.Logger

	mu      sync.Mutex
	pauser  Pauser
	emitted map[string]bool
	day     int
	month   time.Month
	year    int
}

// NewGlobalGuard creates a global guard. The pauser is attached later via
// SetPauser because the scheduler is constructed after its guards.
func NewGlobalGuard(cfg GlobalConfig, store SpendSummer, bus *events.Bus, logger logging.Logger) *GlobalGuard {
	now := time.Now()
	return &GlobalGuard{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		logger:  logging.OrNop(logger),
		emitted: make(map[string]bool),
		day:     now.Day(),
		month:   now.Month(),
		year:    now.Year(),
	}
}

// SetPauser wires the scheduler the guard pauses on breach.
func (g *GlobalGuard) SetPauser(p Pauser) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pauser = p
}

// ResetThresholds clears the emitted alert keys for both periods.
func (g *GlobalGuard) ResetThresholds() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emitted = make(map[string]bool)
}

// rolloverLocked clears period keys lazily when the local day or month
// has advanced since the last check, so no alert is suppressed across
// more than one period.
func (g *GlobalGuard) rolloverLocked(now time.Time) {
	if now.Year() != g.year || now.Month() != g.month {
		g.clearPeriodLocked(task.PeriodMonth)
		g.clearPeriodLocked(task.PeriodDay)
	} else if now.Day() != g.day {
		g.clearPeriodLocked(task.PeriodDay)
	}
	g.day, g.month, g.year = now.Day(), now.Month(), now.Year()
}

func (g *GlobalGuard) clearPeriodLocked(period task.Period) {
	for key := range g.emitted {
		if len(key) > len(period) && key[:len(period)] == string(period) {
			delete(g.emitted, key)
		}
	}
}

// CheckAndEnforce re-reads period spend after t completed with snapshot.
// It emits any newly crossed threshold warnings, and on a hard breach
// emits budget_exceeded with global_daily or global_monthly; with a
// pause-* policy it also pauses the scheduler and returns false.
func (g *GlobalGuard) CheckAndEnforce(ctx context.Context, t *task.Task, snapshot task.Snapshot) bool {
	type periodCheck struct {
		period task.Period
		limit  float64
		reason task.BudgetReason
	}
	checks := []periodCheck{
		{task.PeriodDay, g.cfg.DailyLimitUSD, task.ReasonGlobalDaily},
		{task.PeriodMonth, g.cfg.MonthlyLimitUSD, task.ReasonGlobalMonthly},
	}

	allowed := true
	for _, check := range checks {
		if check.limit <= 0 {
			continue
		}
		spend, err := g.store.SumSpend(ctx, check.period)
		if err != nil {
			g.logger.Error("global budget: sum %s spend: %v", check.period, err)
			continue
		}

		g.mu.Lock()
		g.rolloverLocked(time.Now())
		var newWarnings []float64
		for _, threshold := range g.cfg.AlertThresholds {
			if threshold <= 0 || threshold >= 1 {
				continue
			}
			key := fmt.Sprintf("%s|%.4f", check.period, threshold)
			if g.emitted[key] || spend/check.limit < threshold {
				continue
			}
			g.emitted[key] = true
			newWarnings = append(newWarnings, threshold)
		}
		breached := spend >= check.limit
		pauser := g.pauser
		g.mu.Unlock()

		for _, threshold := range newWarnings {
			g.logger.Warn("global budget: %s spend $%.4f crossed %.0f%% of $%.4f limit",
				check.period, spend, threshold*100, check.limit)
			if g.bus != nil {
				g.bus.Emit(task.EventBudgetWarning, task.BudgetWarningEvent{
					Task:         t,
					Snapshot:     snapshot,
					ThresholdPct: threshold,
				})
			}
		}

		if !breached {
			continue
		}
		g.logger.Error("global budget: %s limit reached ($%.4f >= $%.4f)", check.period, spend, check.limit)
		if g.bus != nil {
			g.bus.Emit(task.EventBudgetExceeded, task.BudgetExceededEvent{
				Task:          t,
				Snapshot:      snapshot,
				LimitExceeded: check.reason,
			})
		}
		if g.cfg.OnLimitReached.IsPause() {
			if pauser != nil {
				pauser.Pause()
			}
			allowed = false
		}
	}
	return allowed
}
