package governor

import (
	"fmt"
	"math"
	"time"
)

// ClockTime is a minute-resolution time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM" (24-hour) into a ClockTime.
func ParseClockTime(s string) (ClockTime, error) {
	var c ClockTime
	if _, err := fmt.Sscanf(s, "%d:%d", &c.Hour, &c.Minute); err != nil {
		return ClockTime{}, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 {
		return ClockTime{}, fmt.Errorf("invalid time %q: out of range", s)
	}
	return c, nil
}

// MinuteOfDay returns minutes since local midnight.
func (c ClockTime) MinuteOfDay() int {
	return c.Hour*60 + c.Minute
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Before reports whether c is strictly earlier in the day than other.
func (c ClockTime) Before(other ClockTime) bool {
	return c.MinuteOfDay() < other.MinuteOfDay()
}

// DayWindowConfig holds the time-of-day charging policy boundaries.
type DayWindowConfig struct {
	DayOpen  ClockTime // start of the excess-conditional daytime window
	DayClose ClockTime // end of the daytime window; negative excess after this latches the day off

	FixedStart   ClockTime // start of the unrestricted fixed-rate window
	FixedEnd     ClockTime // end of the unrestricted window
	FixedCurrent int       // amps commanded inside the unrestricted window

	ExcessThresholdW float64 // minimum excess before daytime charging enables
	SOCThreshold     int     // minimum battery SOC before daytime charging enables

	MinCurrent int
	MaxCurrent int
	Voltage    float64

	Location *time.Location
}

// Recommendation is the policy's verdict for one instant.
type Recommendation struct {
	Current       int  // amps
	Enabled       bool // charge at Current now
	Unrestricted  bool // inside the fixed-rate window; overrides every other axis
	ShouldDisable bool // the daily latch is set; nothing may charge until midnight
}

// DayWindow classifies wall-clock instants into charging regimes and carries
// the one-bit-per-day disable latch. It is owned by the control loop and must
// only be used from the cycle goroutine.
type DayWindow struct {
	cfg DayWindowConfig

	dailyDisabled bool
	lastResetDay  time.Time // midnight of the local date the latch was last reset for
}

// NewDayWindow creates a policy evaluator for the given boundaries.
func NewDayWindow(cfg DayWindowConfig) *DayWindow {
	return &DayWindow{cfg: cfg}
}

// Latched reports whether the daily-disable latch is currently set.
func (w *DayWindow) Latched() bool {
	return w.dailyDisabled
}

// Evaluate classifies now into one of the charging regimes and returns the
// recommended command. The latch is cleared on the first call of a new local
// date and set when the daytime window has closed with negative excess.
func (w *DayWindow) Evaluate(now time.Time, excessW float64, socPercent int) Recommendation {
	local := now.In(w.cfg.Location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.cfg.Location)

	// New local date: clear the latch before evaluating anything.
	if !day.Equal(w.lastResetDay) {
		w.lastResetDay = day
		w.dailyDisabled = false
	}

	minute := local.Hour()*60 + local.Minute()

	// Unrestricted window wins unconditionally.
	if minute >= w.cfg.FixedStart.MinuteOfDay() && minute < w.cfg.FixedEnd.MinuteOfDay() {
		return Recommendation{Current: w.cfg.FixedCurrent, Enabled: true, Unrestricted: true}
	}

	// Past the daytime window with nothing left over: latch off for the day.
	if minute >= w.cfg.DayClose.MinuteOfDay() && excessW < 0 {
		w.dailyDisabled = true
	}

	if w.dailyDisabled {
		return Recommendation{Current: w.cfg.MinCurrent, ShouldDisable: true}
	}

	if minute >= w.cfg.DayOpen.MinuteOfDay() && minute < w.cfg.DayClose.MinuteOfDay() {
		if excessW > w.cfg.ExcessThresholdW && socPercent > w.cfg.SOCThreshold {
			return Recommendation{Current: w.recommendCurrent(excessW), Enabled: true}
		}
	}

	return Recommendation{Current: w.cfg.MinCurrent}
}

// recommendCurrent converts excess watts into a clamped amperage.
func (w *DayWindow) recommendCurrent(excessW float64) int {
	current := int(math.Round(excessW / w.cfg.Voltage))
	if current > w.cfg.MaxCurrent {
		return w.cfg.MaxCurrent
	}
	if current < w.cfg.MinCurrent {
		return w.cfg.MinCurrent
	}
	return current
}
