package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirmick/emporia-solax-homeassistant/governor"
)

// Config is the full configuration surface. Values come from the JSON config
// file overlaid by command-line flags (flags win). MQTT credentials may also
// arrive via MQTT_USERNAME / MQTT_PASSWORD in the environment or a .env file.
type Config struct {
	InverterIP     string `json:"inverter_ip"`
	InverterSerial string `json:"inverter_serial"`

	Broker       string `json:"broker"`
	MQTTUsername string `json:"mqtt_username"`
	MQTTPassword string `json:"mqtt_password"`

	PrimaryCharger string `json:"primary_charger"`
	CredsFile      string `json:"creds_file"`

	PollIntervalSeconds   int     `json:"poll_interval_seconds"`
	BatteryCapacityKWh    float64 `json:"battery_capacity_kwh"`
	MinSOC                int     `json:"min_soc"`
	PowerAvgWindowMinutes int     `json:"power_avg_window_minutes"`
	MaxPowerThresholdW    float64 `json:"max_power_threshold_w"`

	Timezone            string  `json:"timezone"`
	DayOpen             string  `json:"day_open"`
	DayClose            string  `json:"day_close"`
	FixedStart          string  `json:"fixed_start"`
	FixedEnd            string  `json:"fixed_end"`
	FixedCurrentA       int     `json:"fixed_current_a"`
	DayExcessThresholdW float64 `json:"day_excess_threshold_w"`
	DaySOCThreshold     int     `json:"day_soc_threshold"`

	MinCurrentA int     `json:"min_current_a"`
	MaxCurrentA int     `json:"max_current_a"`
	VoltageV    float64 `json:"voltage_v"`
	BusMaximumW float64 `json:"bus_maximum_w"`
	BufferW     float64 `json:"buffer_w"`

	OnToOffLockoutSeconds int `json:"on_to_off_lockout_seconds"`
	OffToOnLockoutSeconds int `json:"off_to_on_lockout_seconds"`

	DetailedLog     bool   `json:"detailed_log"`
	DetailedLogPath string `json:"detailed_log_path"`
	Verbose         bool   `json:"verbose"`
}

// DefaultConfig returns defaults sized for a single-phase 240 V install.
func DefaultConfig() *Config {
	return &Config{
		CredsFile:             "keys.json",
		PollIntervalSeconds:   10,
		BatteryCapacityKWh:    20.0,
		MinSOC:                30,
		PowerAvgWindowMinutes: 5,
		MaxPowerThresholdW:    50000,
		Timezone:              "Local",
		DayOpen:               "10:00",
		DayClose:              "16:00",
		FixedStart:            "00:10",
		FixedEnd:              "06:00",
		FixedCurrentA:         40,
		DayExcessThresholdW:   0,
		DaySOCThreshold:       85,
		MinCurrentA:           6,
		MaxCurrentA:           30,
		VoltageV:              240,
		BusMaximumW:           7000,
		BufferW:               100,
		OnToOffLockoutSeconds: 60,
		OffToOnLockoutSeconds: 240,
		DetailedLogPath:       "cycles.log",
	}
}

// loadConfigFile overlays the JSON file at path onto c. A missing file is only
// an error when the path was explicitly given.
func (c *Config) loadConfigFile(path string, explicit bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// registerFlags binds every config key to a flag, defaulting to the current
// value of c. main registers the flags on the defaults and re-applies only the
// explicitly given flags after the config file is overlaid, so unset flags
// leave the file value alone.
func (c *Config) registerFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.InverterIP, "inverter-ip", c.InverterIP, "IP address of the Solax inverter")
	fs.StringVar(&c.InverterSerial, "inverter-serial", c.InverterSerial, "inverter serial number, used as the API password")
	fs.StringVar(&c.Broker, "broker", c.Broker, "MQTT broker host")
	fs.StringVar(&c.MQTTUsername, "mqtt-username", c.MQTTUsername, "MQTT username")
	fs.StringVar(&c.MQTTPassword, "mqtt-password", c.MQTTPassword, "MQTT password")
	fs.StringVar(&c.PrimaryCharger, "primary-charger", c.PrimaryCharger, "name of the charger that gets priority for excess power")
	fs.StringVar(&c.CredsFile, "creds-file", c.CredsFile, "Emporia credentials file")
	fs.IntVar(&c.PollIntervalSeconds, "sleep", c.PollIntervalSeconds, "seconds between control cycles")
	fs.Float64Var(&c.BatteryCapacityKWh, "battery-capacity", c.BatteryCapacityKWh, "battery capacity in kWh")
	fs.IntVar(&c.MinSOC, "min-soc", c.MinSOC, "minimum battery SOC for depletion estimates")
	fs.IntVar(&c.PowerAvgWindowMinutes, "power-avg-window", c.PowerAvgWindowMinutes, "minutes of battery power to average")
	fs.Float64Var(&c.MaxPowerThresholdW, "max-power-threshold", c.MaxPowerThresholdW, "power readings above this are spurious")
	fs.StringVar(&c.Timezone, "timezone", c.Timezone, "IANA time zone for the charging windows")
	fs.StringVar(&c.DayOpen, "day-open", c.DayOpen, "daytime window open, HH:MM")
	fs.StringVar(&c.DayClose, "day-close", c.DayClose, "daytime window close, HH:MM")
	fs.StringVar(&c.FixedStart, "fixed-start", c.FixedStart, "unrestricted window open, HH:MM")
	fs.StringVar(&c.FixedEnd, "fixed-end", c.FixedEnd, "unrestricted window close, HH:MM")
	fs.IntVar(&c.FixedCurrentA, "fixed-current", c.FixedCurrentA, "amps during the unrestricted window")
	fs.Float64Var(&c.DayExcessThresholdW, "day-excess-threshold", c.DayExcessThresholdW, "minimum excess before daytime charging enables")
	fs.IntVar(&c.DaySOCThreshold, "day-soc-threshold", c.DaySOCThreshold, "minimum SOC before daytime charging enables")
	fs.IntVar(&c.MinCurrentA, "min-current", c.MinCurrentA, "minimum charger amps")
	fs.IntVar(&c.MaxCurrentA, "max-current", c.MaxCurrentA, "maximum charger amps")
	fs.Float64Var(&c.VoltageV, "voltage", c.VoltageV, "nominal charging voltage")
	fs.Float64Var(&c.BusMaximumW, "bus-maximum", c.BusMaximumW, "AC bus power rating in watts")
	fs.Float64Var(&c.BufferW, "buffer", c.BufferW, "safety buffer subtracted from excess, watts")
	fs.IntVar(&c.OnToOffLockoutSeconds, "on-to-off-lockout", c.OnToOffLockoutSeconds, "seconds a charger must stay on before pausing")
	fs.IntVar(&c.OffToOnLockoutSeconds, "off-to-on-lockout", c.OffToOnLockoutSeconds, "seconds a charger must stay paused before resuming")
	fs.BoolVar(&c.DetailedLog, "detailed-log", c.DetailedLog, "append a JSON record per cycle to the detailed log")
	fs.StringVar(&c.DetailedLogPath, "detailed-log-path", c.DetailedLogPath, "detailed log file path")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "enable debug logging")
}

// Validate checks required values and cross-field consistency. Failures here
// are fatal at startup.
func (c *Config) Validate() error {
	switch {
	case c.InverterIP == "":
		return fmt.Errorf("inverter IP is required (-inverter-ip)")
	case c.InverterSerial == "":
		return fmt.Errorf("inverter serial is required (-inverter-serial)")
	case c.Broker == "":
		return fmt.Errorf("MQTT broker is required (-broker)")
	case c.PollIntervalSeconds < 1:
		return fmt.Errorf("poll interval must be at least 1 second")
	case c.MinCurrentA < 1 || c.MaxCurrentA < c.MinCurrentA:
		return fmt.Errorf("current limits invalid: min %dA, max %dA", c.MinCurrentA, c.MaxCurrentA)
	case c.VoltageV <= 0:
		return fmt.Errorf("voltage must be positive")
	}

	if _, err := c.PolicyConfig(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// PolicyConfig builds the time-of-day policy configuration.
func (c *Config) PolicyConfig() (governor.DayWindowConfig, error) {
	loc, err := c.Location()
	if err != nil {
		return governor.DayWindowConfig{}, err
	}

	parse := func(name, value string) (governor.ClockTime, error) {
		t, err := governor.ParseClockTime(value)
		if err != nil {
			return governor.ClockTime{}, fmt.Errorf("%s: %w", name, err)
		}
		return t, nil
	}

	cfg := governor.DayWindowConfig{
		FixedCurrent:     c.FixedCurrentA,
		ExcessThresholdW: c.DayExcessThresholdW,
		SOCThreshold:     c.DaySOCThreshold,
		MinCurrent:       c.MinCurrentA,
		MaxCurrent:       c.MaxCurrentA,
		Voltage:          c.VoltageV,
		Location:         loc,
	}
	if cfg.DayOpen, err = parse("day-open", c.DayOpen); err != nil {
		return governor.DayWindowConfig{}, err
	}
	if cfg.DayClose, err = parse("day-close", c.DayClose); err != nil {
		return governor.DayWindowConfig{}, err
	}
	if cfg.FixedStart, err = parse("fixed-start", c.FixedStart); err != nil {
		return governor.DayWindowConfig{}, err
	}
	if cfg.FixedEnd, err = parse("fixed-end", c.FixedEnd); err != nil {
		return governor.DayWindowConfig{}, err
	}

	if !cfg.DayOpen.Before(cfg.DayClose) {
		return governor.DayWindowConfig{}, fmt.Errorf("day-open %s must be before day-close %s", cfg.DayOpen, cfg.DayClose)
	}
	if !cfg.FixedStart.Before(cfg.FixedEnd) {
		return governor.DayWindowConfig{}, fmt.Errorf("fixed-start %s must be before fixed-end %s", cfg.FixedStart, cfg.FixedEnd)
	}
	return cfg, nil
}

// MaxPowerSamples converts the averaging window to a buffer size at the
// configured cadence.
func (c *Config) MaxPowerSamples() int {
	samples := c.PowerAvgWindowMinutes * 60 / c.PollIntervalSeconds
	if samples < 1 {
		samples = 1
	}
	return samples
}
