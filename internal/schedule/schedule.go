// Package schedule computes next-run times for task definitions.
//
// Cron support is deliberately narrow: "*/N * * * *" (every N minutes)
// and "0 * * * *" (top of the next hour). Any other five-field
// expression falls back to one hour from now; expressions without five
// fields are rejected outright.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/murphys7017/music-server/internal/domain"
)

// ErrCronSyntax reports a cron expression the calculator cannot use at
// all. A task carrying one keeps no next run time and never fires.
var ErrCronSyntax = errors.New("cron expression must have five fields")

// Result is the outcome of a next-run computation.
type Result struct {
	At       time.Time // valid only when Has is true
	Has      bool      // false means the task has no further run
	Fallback bool      // expression was outside the supported subset; At is now+1h
}

// Compute derives the next run time for t relative to now. Once tasks
// never have a next run. Interval and cron errors leave the task with
// no next run; the caller decides how loudly to complain.
func Compute(t domain.TaskDefinition, now time.Time) (Result, error) {
	switch t.Kind {
	case domain.ScheduleOnce:
		return Result{}, nil
	case domain.ScheduleInterval:
		if t.IntervalSeconds <= 0 {
			return Result{}, fmt.Errorf("interval must be positive, got %d", t.IntervalSeconds)
		}
		return Result{At: now.Add(time.Duration(t.IntervalSeconds) * time.Second), Has: true}, nil
	case domain.ScheduleCron:
		return nextCron(t.CronExpr, now)
	default:
		return Result{}, fmt.Errorf("unknown schedule kind %q", t.Kind)
	}
}

func nextCron(expr string, now time.Time) (Result, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return Result{}, ErrCronSyntax
	}
	if raw, ok := strings.CutPrefix(fields[0], "*/"); ok {
		// Any integer step counts; zero makes the task due again on the
		// very next pass. A step that is not a number falls through to
		// the hourly default like any other unsupported expression.
		if every, err := strconv.Atoi(raw); err == nil {
			return Result{At: now.Add(time.Duration(every) * time.Minute), Has: true}, nil
		}
	}
	if fields[0] == "0" && fields[1] == "*" {
		top := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
		return Result{At: top.Add(time.Hour), Has: true}, nil
	}
	return Result{At: now.Add(time.Hour), Has: true, Fallback: true}, nil
}
