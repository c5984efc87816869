package tools

import (
	"context"
	"time"
)

// TimeLayout is the human-readable form returned by getTime.
const TimeLayout = "Monday, January 2, 2006 at 3:04:05 PM MST"

type clock struct {
	now func() time.Time
	loc *time.Location
}

func newClock(now func() time.Time, loc *time.Location) *clock {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &clock{now: now, loc: loc}
}

func (c *clock) handleGetTime(_ context.Context, _ map[string]any) (string, error) {
	return c.now().In(c.loc).Format(TimeLayout), nil
}
