package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDayWindowConfig(t *testing.T) DayWindowConfig {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	return DayWindowConfig{
		DayOpen:          ClockTime{Hour: 10},
		DayClose:         ClockTime{Hour: 18},
		FixedStart:       ClockTime{Hour: 0, Minute: 10},
		FixedEnd:         ClockTime{Hour: 6},
		FixedCurrent:     40,
		ExcessThresholdW: 0,
		SOCThreshold:     85,
		MinCurrent:       6,
		MaxCurrent:       30,
		Voltage:          240,
		Location:         loc,
	}
}

// at builds a local timestamp on an arbitrary fixed date.
func at(loc *time.Location, day, hour, minute int) time.Time {
	return time.Date(2024, time.June, day, hour, minute, 0, 0, loc)
}

func TestParseClockTime(t *testing.T) {
	c, err := ParseClockTime("06:30")
	require.NoError(t, err)
	assert.Equal(t, ClockTime{Hour: 6, Minute: 30}, c)
	assert.Equal(t, 390, c.MinuteOfDay())
	assert.Equal(t, "06:30", c.String())

	for _, bad := range []string{"", "sixish", "25:00", "10:75", "-1:00"} {
		_, err := ParseClockTime(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestDayWindow_UnrestrictedWindowOverridesEverything(t *testing.T) {
	cfg := testDayWindowConfig(t)
	w := NewDayWindow(cfg)

	// 02:00, negative excess, empty battery: fixed rate regardless.
	rec := w.Evaluate(at(cfg.Location, 1, 2, 0), -5000, 5)
	assert.True(t, rec.Enabled)
	assert.True(t, rec.Unrestricted)
	assert.Equal(t, 40, rec.Current)

	// Boundary behavior: start inclusive, end exclusive.
	assert.True(t, w.Evaluate(at(cfg.Location, 1, 0, 10), 0, 0).Unrestricted)
	assert.False(t, w.Evaluate(at(cfg.Location, 1, 0, 9), 0, 0).Unrestricted)
	assert.False(t, w.Evaluate(at(cfg.Location, 1, 6, 0), 0, 0).Unrestricted)
}

func TestDayWindow_DaytimeRegime(t *testing.T) {
	cfg := testDayWindowConfig(t)

	t.Run("enables on excess and SOC", func(t *testing.T) {
		w := NewDayWindow(cfg)
		rec := w.Evaluate(at(cfg.Location, 1, 12, 0), 4800, 90)
		assert.True(t, rec.Enabled)
		assert.False(t, rec.Unrestricted)
		assert.Equal(t, 20, rec.Current) // 4800 / 240
	})

	t.Run("clamps recommended current", func(t *testing.T) {
		w := NewDayWindow(cfg)
		assert.Equal(t, 30, w.Evaluate(at(cfg.Location, 1, 12, 0), 20000, 90).Current)
		assert.Equal(t, 6, w.Evaluate(at(cfg.Location, 1, 12, 0), 1, 90).Current)
	})

	t.Run("low SOC blocks", func(t *testing.T) {
		w := NewDayWindow(cfg)
		rec := w.Evaluate(at(cfg.Location, 1, 12, 0), 4800, 85)
		assert.False(t, rec.Enabled)
		assert.Equal(t, 6, rec.Current)
	})

	t.Run("no excess blocks", func(t *testing.T) {
		w := NewDayWindow(cfg)
		rec := w.Evaluate(at(cfg.Location, 1, 12, 0), 0, 95)
		assert.False(t, rec.Enabled)
	})

	t.Run("outside window blocks", func(t *testing.T) {
		w := NewDayWindow(cfg)
		assert.False(t, w.Evaluate(at(cfg.Location, 1, 9, 59), 4800, 95).Enabled)
		assert.False(t, w.Evaluate(at(cfg.Location, 1, 18, 0), 4800, 95).Enabled)
	})
}

func TestDayWindow_EveningLatch(t *testing.T) {
	cfg := testDayWindowConfig(t)
	w := NewDayWindow(cfg)

	// 19:00 with negative excess: latch for the rest of the day.
	rec := w.Evaluate(at(cfg.Location, 1, 19, 0), -300, 90)
	assert.False(t, rec.Enabled)
	assert.True(t, rec.ShouldDisable)
	assert.Equal(t, 6, rec.Current)
	assert.True(t, w.Latched())

	// A later tick with positive excess stays disabled.
	rec = w.Evaluate(at(cfg.Location, 1, 19, 30), 400, 90)
	assert.False(t, rec.Enabled)
	assert.True(t, rec.ShouldDisable)
}

func TestDayWindow_MidnightReset(t *testing.T) {
	cfg := testDayWindowConfig(t)
	w := NewDayWindow(cfg)

	w.Evaluate(at(cfg.Location, 1, 23, 59), -300, 90)
	require.True(t, w.Latched())

	// First cycle past local midnight clears the latch before evaluating, and
	// 00:10 falls inside the unrestricted window.
	rec := w.Evaluate(at(cfg.Location, 2, 0, 0).Add(10*time.Minute), 0, 90)
	assert.False(t, w.Latched())
	assert.True(t, rec.Unrestricted)
	assert.Equal(t, 40, rec.Current)
}

func TestDayWindow_NoLatchBeforeDayClose(t *testing.T) {
	cfg := testDayWindowConfig(t)
	w := NewDayWindow(cfg)

	// Negative excess at noon must not latch, only decline.
	rec := w.Evaluate(at(cfg.Location, 1, 12, 0), -300, 90)
	assert.False(t, rec.Enabled)
	assert.False(t, rec.ShouldDisable)
	assert.False(t, w.Latched())
}

func TestDayWindow_EvaluatesInConfiguredZone(t *testing.T) {
	cfg := testDayWindowConfig(t)
	w := NewDayWindow(cfg)

	// 12:00 local expressed as UTC still lands in the daytime window.
	local := at(cfg.Location, 1, 12, 0)
	rec := w.Evaluate(local.UTC(), 4800, 90)
	assert.True(t, rec.Enabled)
}
