// Package quota tracks per-key daily and monthly call/credit quotas with
// rollover at UTC boundaries.
package quota

import (
	"time"
)

// Limits configures the four quota dimensions. Zero means no limit for that
// dimension.
type Limits struct {
	DailyCalls     int64 `json:"dailyCalls,omitempty"`
	MonthlyCalls   int64 `json:"monthlyCalls,omitempty"`
	DailyCredits   int64 `json:"dailyCredits,omitempty"`
	MonthlyCredits int64 `json:"monthlyCredits,omitempty"`
}

// IsZero reports whether no dimension is limited.
func (l Limits) IsZero() bool {
	return l.DailyCalls == 0 && l.MonthlyCalls == 0 && l.DailyCredits == 0 && l.MonthlyCredits == 0
}

// Counters holds a key's live quota usage plus the reset markers that drive
// rollover. They are embedded in the key record and serialized with it.
type Counters struct {
	DailyCalls     int64  `json:"quotaDailyCalls"`
	MonthlyCalls   int64  `json:"quotaMonthlyCalls"`
	DailyCredits   int64  `json:"quotaDailyCredits"`
	MonthlyCredits int64  `json:"quotaMonthlyCredits"`
	LastResetDay   string `json:"quotaLastResetDay,omitempty"`   // YYYY-MM-DD (UTC)
	LastResetMonth string `json:"quotaLastResetMonth,omitempty"` // YYYY-MM (UTC)
}

// Deny reasons, in the order dimensions are checked.
const (
	ReasonDailyCalls     = "daily_call_limit_exceeded"
	ReasonMonthlyCalls   = "monthly_call_limit_exceeded"
	ReasonDailyCredits   = "daily_credit_limit_exceeded"
	ReasonMonthlyCredits = "monthly_credit_limit_exceeded"
)

// Tracker evaluates quotas against a set of global limits. A key record may
// carry its own override, which replaces the global limits entirely.
//
// Tracker does not synchronize: the caller owning the counters (the key
// store) serializes access.
type Tracker struct {
	global Limits

	now func() time.Time // test hook
}

// NewTracker creates a tracker with the given global limits.
func NewTracker(global Limits) *Tracker {
	return &Tracker{global: global, now: time.Now}
}

// effective resolves the limits for a record: override if present, else global.
func (t *Tracker) effective(override *Limits) Limits {
	if override != nil {
		return *override
	}
	return t.global
}

// rollover zeroes counters whose UTC boundary has passed since the marker was
// written. Each boundary crossing resets exactly once because the marker is
// rewritten in the same step.
func (t *Tracker) rollover(c *Counters) {
	now := t.now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	if c.LastResetDay != day {
		c.DailyCalls = 0
		c.DailyCredits = 0
		c.LastResetDay = day
	}
	if c.LastResetMonth != month {
		c.MonthlyCalls = 0
		c.MonthlyCredits = 0
		c.LastResetMonth = month
	}
}

// Check applies rollover, then evaluates the four dimensions in order:
// daily calls, monthly calls, daily credits, monthly credits. It never
// mutates usage; call Record after the backend call succeeds.
func (t *Tracker) Check(c *Counters, override *Limits, creditsRequired int64) (bool, string) {
	t.rollover(c)
	lim := t.effective(override)

	if lim.DailyCalls > 0 && c.DailyCalls >= lim.DailyCalls {
		return false, ReasonDailyCalls
	}
	if lim.MonthlyCalls > 0 && c.MonthlyCalls >= lim.MonthlyCalls {
		return false, ReasonMonthlyCalls
	}
	if lim.DailyCredits > 0 && c.DailyCredits+creditsRequired > lim.DailyCredits {
		return false, ReasonDailyCredits
	}
	if lim.MonthlyCredits > 0 && c.MonthlyCredits+creditsRequired > lim.MonthlyCredits {
		return false, ReasonMonthlyCredits
	}
	return true, ""
}

// Record increments all four counters after a successful, charged call.
func (t *Tracker) Record(c *Counters, creditsCharged int64) {
	t.rollover(c)
	c.DailyCalls++
	c.MonthlyCalls++
	c.DailyCredits += creditsCharged
	c.MonthlyCredits += creditsCharged
}

// Unrecord reverses a Record for refunds, flooring every counter at zero.
func (t *Tracker) Unrecord(c *Counters, creditsCharged int64) {
	t.rollover(c)
	c.DailyCalls = floorZero(c.DailyCalls - 1)
	c.MonthlyCalls = floorZero(c.MonthlyCalls - 1)
	c.DailyCredits = floorZero(c.DailyCredits - creditsCharged)
	c.MonthlyCredits = floorZero(c.MonthlyCredits - creditsCharged)
}

func floorZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
