package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"heraldbot/internal/domain"
)

// ErrNoSchedule marks a content group that carries neither a positive
// interval nor a cron expression.
var ErrNoSchedule = errors.New("content group has no schedule")

// cronParser accepts the standard five fields plus descriptors
// (@hourly, @every 90m, ...).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextDue computes the activation that follows now. A cron expression wins
// over an interval when both are set. Intervals advance from now, not from
// the previous due time, so an outage does not queue up missed runs.
func NextDue(g domain.ContentGroup, now time.Time) (time.Time, error) {
	if expr := strings.TrimSpace(g.DispatchCron); expr != "" {
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron %q: %w", expr, err)
		}
		return sched.Next(now), nil
	}
	if g.DispatchInterval != nil && *g.DispatchInterval > 0 {
		return now.Add(*g.DispatchInterval), nil
	}
	return time.Time{}, ErrNoSchedule
}
