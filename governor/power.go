// Package governor provides the pure control primitives behind the charging
// decisions: power budget arithmetic, the battery reserve schedule, the
// time-of-day charging window, and a rolling power average.
package governor

import (
	"fmt"
	"math"
)

// Excess returns the solar power left over after the house load and a fixed
// safety buffer are served. Negative when the house alone exceeds solar.
func Excess(solarW, houseW, bufferW float64) float64 {
	return solarW - houseW - bufferW
}

// BatteryReserve returns the power in watts withheld from vehicle charging so
// the stationary battery keeps recharging. Non-increasing in SOC, zero once
// the battery is effectively full.
func BatteryReserve(socPercent int) float64 {
	switch {
	case socPercent < 75:
		return 1700
	case socPercent < 85:
		return 1200
	case socPercent < 95:
		return 700
	case socPercent < 99:
		return 500
	}
	return 0
}

// Budget is the per-cycle power budget shared by every charger.
type Budget struct {
	AvailableExcess    float64 // excess with current charger draw restored, minus the battery reserve
	AvailableViaBus    float64 // headroom left on the AC bus
	AvailableForCharge float64 // min of the two
}

// AvailablePower computes the budget for a cycle. totalChargerLoadW is the
// fleet's draw as sampled at cycle start; adding it back restores what the
// chargers themselves have already subtracted from the excess. The bus term
// keeps the AC bus under its rating.
func AvailablePower(excessW, totalChargerLoadW, houseW, busMaximumW, reserveW float64) Budget {
	availableExcess := excessW + totalChargerLoadW - reserveW
	availableViaBus := busMaximumW - (houseW - totalChargerLoadW)
	return Budget{
		AvailableExcess:    availableExcess,
		AvailableViaBus:    availableViaBus,
		AvailableForCharge: math.Min(availableExcess, availableViaBus),
	}
}

// TimeToCharged estimates how long until the battery is full at the given
// charge power, as "HH:MM". Returns "N/A" when not charging or already full.
func TimeToCharged(socPercent int, capacityKWh, chargePowerKW float64) string {
	if chargePowerKW <= 0 || socPercent >= 100 {
		return "N/A"
	}
	energyNeeded := float64(100-socPercent) / 100 * capacityKWh
	return formatHours(energyNeeded / chargePowerKW)
}

// TimeToDepleted estimates how long until the battery reaches minSOC at the
// given discharge power, as "HH:MM". Returns "N/A" when not discharging or
// already at the bound.
func TimeToDepleted(socPercent, minSOC int, capacityKWh, dischargePowerKW float64) string {
	if dischargePowerKW <= 0 || socPercent <= minSOC {
		return "N/A"
	}
	energyAvailable := float64(socPercent-minSOC) / 100 * capacityKWh
	return formatHours(energyAvailable / dischargePowerKW)
}

func formatHours(hours float64) string {
	h := int(hours)
	m := int((hours - float64(h)) * 60)
	return fmt.Sprintf("%02d:%02d", h, m)
}
