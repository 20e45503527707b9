package main

import (
	"fmt"
	"strings"
)

// ChargerStatus describes what one controller saw and proposed this cycle.
type ChargerStatus struct {
	Name            string  `json:"name"`
	IsPrimary       bool    `json:"is_primary"`
	Connected       bool    `json:"connected"`
	Charging        bool    `json:"charging"`
	CurrentAmps     int     `json:"current_amps"`
	PowerWatts      float64 `json:"power_watts"`
	ProposedAmps    int     `json:"proposed_amps"`
	ProposedEnabled bool    `json:"proposed_enabled"`
}

// ChargerAction records a cycle that actually changed a charger. Emitted only
// to the structured log.
type ChargerAction struct {
	Name            string  `json:"name"`
	Reason          string  `json:"reason"`
	PreviousAmps    int     `json:"previous_amps"`
	NewAmps         int     `json:"new_amps"`
	PreviousEnabled bool    `json:"previous_enabled"`
	NewEnabled      bool    `json:"new_enabled"`
	AvailableW      float64 `json:"available_w"`
	ExcessW         float64 `json:"excess_w"`
	Verified        bool    `json:"verified"`
}

// SystemStatus is the per-cycle aggregate. It is logged, handed to the debug
// console, and discarded.
type SystemStatus struct {
	Timestamp string `json:"timestamp"`

	BatterySOC         int     `json:"battery_soc"`
	BatteryVoltage     float64 `json:"battery_voltage"`
	BatteryTemperature int     `json:"battery_temperature"`

	SolarProduction  float64 `json:"solar_production_w"`
	HouseConsumption float64 `json:"house_consumption_w"`
	GridImport       float64 `json:"grid_import_w"`
	GridExport       float64 `json:"grid_export_w"`
	BatteryCharge    float64 `json:"battery_charge_w"`
	BatteryDischarge float64 `json:"battery_discharge_w"`

	BatteryReserve    float64 `json:"battery_reserve_w"`
	TotalChargerPower float64 `json:"total_charger_power_w"`
	AvailableExcess   float64 `json:"available_excess_w"`

	Chargers             []ChargerStatus `json:"chargers"`
	PrimaryChargerActive bool            `json:"primary_charger_active"`
	ActiveChargerNames   []string        `json:"active_charger_names"`

	TimeToCharged  string  `json:"time_to_charged"`
	TimeToDepleted string  `json:"time_to_depleted"`
	BatteryPowerKW float64 `json:"battery_power_kw"` // rolling average
	MinSOC         int     `json:"min_soc"`
}

// Summary renders the compact one-line cycle overview for the console.
func (s *SystemStatus) Summary() string {
	var grid string
	switch {
	case s.GridImport > 0:
		grid = fmt.Sprintf("grid<-%.1fkW", s.GridImport/1000)
	case s.GridExport > 0:
		grid = fmt.Sprintf("grid->%.1fkW", s.GridExport/1000)
	default:
		grid = "grid=0.0kW"
	}

	var battEstimate string
	switch {
	case s.BatteryPowerKW > 0:
		battEstimate = "full " + s.TimeToCharged
	case s.BatteryPowerKW < 0:
		battEstimate = "empty " + s.TimeToDepleted
	default:
		battEstimate = "idle"
	}

	chargers := make([]string, len(s.Chargers))
	for i, c := range s.Chargers {
		state := "-"
		switch {
		case !c.Connected:
			state = "unplugged"
		case c.Charging:
			state = "charging"
		default:
			state = "idle"
		}
		name := c.Name
		if c.IsPrimary {
			name += "*"
		}
		chargers[i] = fmt.Sprintf("%s %s %dA/%.1fkW", name, state, c.CurrentAmps, c.PowerWatts/1000)
	}

	return fmt.Sprintf("batt %d%% %+.1fkW %d°C (%s) reserve %.1fkW | solar %.1fkW house %.1fkW %s | avail %.1fkW | %s",
		s.BatterySOC, s.BatteryPowerKW, s.BatteryTemperature, battEstimate,
		s.BatteryReserve/1000, s.SolarProduction/1000, s.HouseConsumption/1000, grid,
		s.AvailableExcess/1000, strings.Join(chargers, " | "))
}
