package billing

import (
	"strings"
	"time"
)

const (
	PlanFree  = "free"
	PlanBasic = "basic"
	PlanPro   = "pro"
)

var planCaps = map[string]int{
	PlanFree:  5,
	PlanBasic: 50,
	PlanPro:   500,
}

// NormalizePlan lower-cases and trims a plan name.
func NormalizePlan(plan string) string {
	return strings.ToLower(strings.TrimSpace(plan))
}

// KnownPlan reports whether plan has an entry in the cap table.
func KnownPlan(plan string) bool {
	_, ok := planCaps[NormalizePlan(plan)]
	return ok
}

// CapFor returns the included applications per cycle for plan. Unset and
// unrecognised plans get the free tier.
func CapFor(plan string) int {
	if c, ok := planCaps[NormalizePlan(plan)]; ok {
		return c
	}
	return planCaps[PlanFree]
}

// CycleFor returns the monthly cycle [start, end) anchored at anchor that
// contains now. Anchors late in the month clamp to the last day of shorter
// months, so a Jan 31 anchor yields Feb 28 then Mar 31.
func CycleFor(anchor, now time.Time) (time.Time, time.Time) {
	anchor, now = anchor.UTC(), now.UTC()
	n := (now.Year()-anchor.Year())*12 + int(now.Month()-anchor.Month())
	for addMonths(anchor, n).After(now) {
		n--
	}
	for !addMonths(anchor, n+1).After(now) {
		n++
	}
	return addMonths(anchor, n), addMonths(anchor, n+1)
}

func addMonths(t time.Time, n int) time.Time {
	y, m := t.Year(), int(t.Month())-1+n
	y += m / 12
	m %= 12
	if m < 0 {
		m += 12
		y--
	}
	month := time.Month(m + 1)
	day := t.Day()
	if last := daysIn(y, month); day > last {
		day = last
	}
	return time.Date(y, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
