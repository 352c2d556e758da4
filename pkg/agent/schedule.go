package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultInterval is the poll period when neither a schedule nor an interval is set
const DefaultInterval = 5 * time.Second

// intervalSchedule fires every d. cron.Every rounds to whole seconds, so plain
// durations get their own schedule.
type intervalSchedule struct {
	d time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.d)
}

// ParseSchedule returns the poll schedule. A non-empty expr is a standard cron
// expression or descriptor ("@every 10s", "*/2 * * * *"); otherwise interval is used.
func ParseSchedule(expr string, interval time.Duration) (cron.Schedule, error) {
	if expr = strings.TrimSpace(expr); expr != "" {
		schedule, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("parse poll schedule %q: %w", expr, err)
		}
		return schedule, nil
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return intervalSchedule{d: interval}, nil
}
