package ledger

import (
	"strings"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/degrade"
)

// Policy is the parsed, immutable budget policy for one agent. Built once at
// startup from config; action strings are resolved to closed variants here so
// nothing downstream ever string-matches.
type Policy struct {
	AgentID        string
	MaxUnits       int64
	Period         string // config.PeriodDaily or config.PeriodMonthly
	Action         degrade.Action
	ResetDay       int
	FallbackTarget string
}

// NewPolicy builds a Policy from validated config. Config validation has
// already rejected unknown actions, so the parse cannot fail here.
func NewPolicy(agentID string, pc config.PolicyConfig) Policy {
	action, _ := degrade.ParseAction(pc.OnLimit)
	return Policy{
		AgentID:        agentID,
		MaxUnits:       pc.MaxUnits,
		Period:         pc.Period,
		Action:         action,
		ResetDay:       pc.ResetDay,
		FallbackTarget: pc.FallbackTarget,
	}
}

// HasFallback reports whether a degrade fallback target is configured.
func (p Policy) HasFallback() bool {
	return p.FallbackTarget != ""
}

// periodStart returns the start of the period containing now.
func (p Policy) periodStart(now time.Time) time.Time {
	now = now.UTC()
	if p.Period == config.PeriodDaily {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}

	// Monthly, anchored at ResetDay. If we have not reached the reset day
	// this month, the current period started last month.
	start := time.Date(now.Year(), now.Month(), p.ResetDay, 0, 0, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.AddDate(0, -1, 0)
	}
	return start
}

// nextBoundary returns the next period boundary after now.
func (p Policy) nextBoundary(now time.Time) time.Time {
	now = now.UTC()
	if p.Period == config.PeriodDaily {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
	return p.periodStart(now).AddDate(0, 1, 0)
}

// MultiplierTable evaluates configured time-window cost multipliers. Lookup
// is a pure function of wall-clock time; nothing about the multiplier is ever
// persisted into a usage counter.
type MultiplierTable struct {
	windows []window
}

type window struct {
	name      string
	days      map[time.Weekday]bool
	startHour int
	endHour   int
	factor    float64
}

// NewMultiplierTable parses config multiplier windows.
func NewMultiplierTable(cfgs []config.MultiplierConfig) *MultiplierTable {
	t := &MultiplierTable{}
	for i := range cfgs {
		mc := &cfgs[i]
		w := window{
			name:      mc.Name,
			days:      parseDays(mc.Days),
			startHour: mc.StartHour,
			endHour:   mc.EndHour,
			factor:    mc.Factor,
		}
		if w.endHour == 0 && w.startHour == 0 {
			w.endHour = 24 // All-day window
		}
		t.windows = append(t.windows, w)
	}
	return t
}

// Factor returns the effective budget multiplier for the given instant.
// The first matching window wins; with no match the factor is 1.0.
func (t *MultiplierTable) Factor(now time.Time) float64 {
	if t == nil {
		return 1.0
	}
	now = now.UTC()
	for i := range t.windows {
		w := &t.windows[i]
		if !w.days[now.Weekday()] {
			continue
		}
		h := now.Hour()
		if h >= w.startHour && h < w.endHour {
			return w.factor
		}
	}
	return 1.0
}

func parseDays(names []string) map[time.Weekday]bool {
	days := make(map[time.Weekday]bool)
	for _, name := range names {
		switch strings.ToLower(name) {
		case "weekend":
			days[time.Saturday] = true
			days[time.Sunday] = true
		case "weekday":
			for d := time.Monday; d <= time.Friday; d++ {
				days[d] = true
			}
		case "sunday":
			days[time.Sunday] = true
		case "monday":
			days[time.Monday] = true
		case "tuesday":
			days[time.Tuesday] = true
		case "wednesday":
			days[time.Wednesday] = true
		case "thursday":
			days[time.Thursday] = true
		case "friday":
			days[time.Friday] = true
		case "saturday":
			days[time.Saturday] = true
		}
	}
	return days
}
