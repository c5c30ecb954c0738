// Package cron evaluates standard 5-field cron expressions
// (minute hour day-of-month month day-of-week) in host local time.
package cron

import (
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// Evaluator parses cron expressions and computes next run instants.
// It is stateless and safe for concurrent use.
type Evaluator struct {
	parser robfig.Parser
}

// New returns an evaluator for 5-field expressions. Each field supports
// `*`, `N`, `A-B`, `*/K`, `A-B/K` and comma lists.
func New() *Evaluator {
	return &Evaluator{
		parser: robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow),
	}
}

// Validate reports whether expr is a well-formed 5-field cron expression.
func (e *Evaluator) Validate(expr string) error {
	if _, err := e.parser.Parse(expr); err != nil {
		return fmt.Errorf("cron: invalid expression %q: %w", expr, err)
	}
	return nil
}

// Next returns the smallest instant strictly after `after` matching expr,
// evaluated in host local time. Around DST transitions the underlying
// schedule skips nonexistent wall-clock times and fires repeated ones at
// most once per logical minute.
func (e *Evaluator) Next(expr string, after time.Time) (time.Time, error) {
	schedule, err := e.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron: invalid expression %q: %w", expr, err)
	}
	next := schedule.Next(after.In(time.Local))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron: expression %q has no future run after %s", expr, after)
	}
	return next, nil
}
