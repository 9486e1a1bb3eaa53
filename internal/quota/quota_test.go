package quota

import (
	"testing"
	"time"
)

func trackerAt(t time.Time, global Limits) (*Tracker, *time.Time) {
	now := t
	tr := NewTracker(global)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestCheckOrderOfDimensions(t *testing.T) {
	tr, _ := trackerAt(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), Limits{
		DailyCalls:   1,
		MonthlyCalls: 1,
		DailyCredits: 1,
	})

	c := &Counters{}
	tr.Record(c, 5) // exhausts everything

	// Daily calls is reported first even though all dimensions are over.
	ok, reason := tr.Check(c, nil, 1)
	if ok {
		t.Fatal("expected deny")
	}
	if reason != ReasonDailyCalls {
		t.Errorf("reason = %q, want %q", reason, ReasonDailyCalls)
	}
}

func TestCreditLimitIsInclusive(t *testing.T) {
	tr, _ := trackerAt(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), Limits{DailyCredits: 10})

	c := &Counters{}
	// current + required == limit is allowed; one more credit is not.
	if ok, _ := tr.Check(c, nil, 10); !ok {
		t.Fatal("exactly the limit should be allowed")
	}
	tr.Record(c, 10)
	if ok, reason := tr.Check(c, nil, 1); ok || reason != ReasonDailyCredits {
		t.Fatalf("over the limit should deny with %q, got ok=%v reason=%q", ReasonDailyCredits, ok, reason)
	}
}

func TestOverrideReplacesGlobal(t *testing.T) {
	tr, _ := trackerAt(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), Limits{DailyCalls: 1})

	c := &Counters{}
	tr.Record(c, 1)

	// Global would deny; the per-key override lifts the cap entirely.
	if ok, _ := tr.Check(c, &Limits{DailyCalls: 100}, 1); !ok {
		t.Fatal("override should allow")
	}
	// A zero-valued override dimension means unlimited.
	if ok, _ := tr.Check(c, &Limits{}, 1); !ok {
		t.Fatal("zero override should mean no limit")
	}
}

func TestDailyRolloverAtUTCMidnight(t *testing.T) {
	tr, now := trackerAt(time.Date(2026, 8, 24, 23, 59, 59, 0, time.UTC), Limits{DailyCalls: 5})

	c := &Counters{}
	for i := 0; i < 5; i++ {
		ok, _ := tr.Check(c, nil, 0)
		if !ok {
			t.Fatalf("call %d before midnight should be allowed", i+1)
		}
		tr.Record(c, 1)
	}
	if ok, _ := tr.Check(c, nil, 0); ok {
		t.Fatal("6th call before midnight should be denied")
	}

	*now = time.Date(2026, 8, 25, 0, 0, 1, 0, time.UTC)
	if ok, _ := tr.Check(c, nil, 0); !ok {
		t.Fatal("call after midnight should be allowed")
	}
	if c.DailyCalls != 0 {
		t.Errorf("daily calls after rollover = %d, want 0", c.DailyCalls)
	}
	// Monthly counters survive the daily boundary.
	if c.MonthlyCalls != 5 {
		t.Errorf("monthly calls after daily rollover = %d, want 5", c.MonthlyCalls)
	}
}

func TestMonthlyRollover(t *testing.T) {
	tr, now := trackerAt(time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC), Limits{MonthlyCredits: 100})

	c := &Counters{}
	tr.Record(c, 100)
	if ok, _ := tr.Check(c, nil, 1); ok {
		t.Fatal("over monthly credits should deny")
	}

	*now = time.Date(2026, 9, 1, 0, 0, 1, 0, time.UTC)
	if ok, _ := tr.Check(c, nil, 1); !ok {
		t.Fatal("new month should reset monthly credits")
	}
}

func TestUnrecordFloorsAtZero(t *testing.T) {
	tr, _ := trackerAt(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), Limits{})

	c := &Counters{}
	tr.Record(c, 3)
	tr.Unrecord(c, 3)
	tr.Unrecord(c, 3) // double refund must not go negative

	if c.DailyCalls != 0 || c.DailyCredits != 0 || c.MonthlyCalls != 0 || c.MonthlyCredits != 0 {
		t.Errorf("counters after over-unrecord = %+v, want all zero", *c)
	}
}

func TestRolloverHappensExactlyOnce(t *testing.T) {
	tr, now := trackerAt(time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC), Limits{})

	c := &Counters{}
	tr.Record(c, 1)
	*now = time.Date(2026, 8, 25, 0, 0, 1, 0, time.UTC)

	tr.Record(c, 1) // triggers rollover, then records
	tr.Record(c, 1) // no further reset

	if c.DailyCalls != 2 {
		t.Errorf("daily calls = %d, want 2 (reset once, then two records)", c.DailyCalls)
	}
}
