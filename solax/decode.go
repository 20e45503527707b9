package solax

import "fmt"

// Register positions in the real-time Data array. The layout and scaling are
// fixed by the vendor protocol for the A1 hybrid series.
const (
	regACVoltage      = 4  // /10 V
	regACCurrent      = 5  // signed 16, /10 A
	regACPower        = 6  // signed 16, W
	regACFrequency    = 7  // /100 Hz
	regRunMode        = 10 // unsigned 8
	regString1Voltage = 11 // /10 V
	regString2Voltage = 12
	regString3Voltage = 13
	regString1Current = 15 // /10 A
	regString2Current = 16
	regString3Current = 17
	regString1Power   = 19 // W
	regString2Power   = 20
	regString3Power   = 21
	regGridPowerLow   = 28 // signed 32 with high word, W
	regGridPowerHigh  = 29
	regPowerToHome    = 30 // W
	regImportedLow    = 37 // unsigned 32 with high word, /10 kWh
	regImportedHigh   = 38
	regImportedToday  = 39 // /10 kWh
	regYieldLow       = 41 // unsigned 32 with high word, /10 kWh
	regYieldHigh      = 42
	regYieldToday     = 43 // /10 kWh
	regBatteryVoltage = 89 // /100 V
	regBatteryPower   = 91 // signed 16, W
	regBatteryTemp    = 92 // signed 16, °C
	regBatterySOC     = 93 // %

	minRegisterCount = 94
)

// unsigned8 truncates a register to its low byte.
func unsigned8(v int) int {
	return v % 256
}

// signed16 reinterprets a register as a two's-complement 16-bit value.
func signed16(v int) int {
	if v > 32767 {
		return v - 65536
	}
	return v
}

// unsigned32 composes a (low, high) word pair into an unsigned 32-bit value.
func unsigned32(low, high int) int {
	return high*65536 + low
}

// signed32 composes a (low, high) word pair into a signed 32-bit value.
func signed32(low, high int) int {
	if high < 32768 {
		return high*65536 + low
	}
	return high*65536 + low - 4294967296
}

// positive returns v when nonnegative, else 0.
func positive(v float64) float64 {
	if v >= 0 {
		return v
	}
	return 0
}

// invertPositive returns -v when that is nonnegative, else 0.
func invertPositive(v float64) float64 {
	return positive(-v)
}

// StringReading is one solar string's telemetry.
type StringReading struct {
	PowerW   float64
	VoltageV float64
	CurrentA float64
}

// Reading is an immutable snapshot of one successful inverter sample. Power
// fields have passed the spurious-reading filter.
type Reading struct {
	SolarPowerW   float64 // sum of the string powers
	HousePowerW   float64
	GridPowerW    float64 // signed, positive = export
	ToGridW       float64
	FromGridW     float64
	BatteryPowerW float64 // signed, positive = charging
	ToBatteryW    float64
	FromBatteryW  float64

	BatterySOC      int
	BatteryVoltageV float64
	BatteryTempC    int

	ACPowerW      float64 // signed, bus load
	ACVoltageV    float64
	ACCurrentA    float64
	ACFrequencyHz float64

	Strings [3]StringReading

	ImportedTotalKWh float64
	ImportedTodayKWh float64
	YieldTotalKWh    float64
	YieldTodayKWh    float64

	RunMode int
}

// Decode converts a raw register array into a Reading, validating every power
// value through the filter.
func Decode(regs []int, f *Filter) (*Reading, error) {
	if len(regs) < minRegisterCount {
		return nil, fmt.Errorf("register array too short: got %d, need %d", len(regs), minRegisterCount)
	}

	r := &Reading{}

	r.ImportedTotalKWh = float64(unsigned32(regs[regImportedLow], regs[regImportedHigh])) / 10
	r.ImportedTodayKWh = float64(regs[regImportedToday]) / 10
	r.YieldTotalKWh = float64(unsigned32(regs[regYieldLow], regs[regYieldHigh])) / 10
	r.YieldTodayKWh = float64(regs[regYieldToday]) / 10

	stringPowerRegs := [3]int{regString1Power, regString2Power, regString3Power}
	stringVoltageRegs := [3]int{regString1Voltage, regString2Voltage, regString3Voltage}
	stringCurrentRegs := [3]int{regString1Current, regString2Current, regString3Current}
	for i := range r.Strings {
		key := fmt.Sprintf("String%d/Power", i+1)
		r.Strings[i] = StringReading{
			PowerW:   f.Validate(key, float64(regs[stringPowerRegs[i]])),
			VoltageV: float64(regs[stringVoltageRegs[i]]) / 10,
			CurrentA: float64(regs[stringCurrentRegs[i]]) / 10,
		}
	}

	solar := r.Strings[0].PowerW + r.Strings[1].PowerW + r.Strings[2].PowerW
	r.SolarPowerW = f.Validate("Power/FromSolar", solar)

	grid := float64(signed32(regs[regGridPowerLow], regs[regGridPowerHigh]))
	r.GridPowerW = f.Validate("Power/Grid", grid)
	r.ToGridW = f.Validate("Power/ToGrid", positive(grid))
	r.FromGridW = f.Validate("Power/FromGrid", invertPositive(grid))

	r.HousePowerW = f.Validate("Power/ToHome", float64(regs[regPowerToHome]))

	battery := float64(signed16(regs[regBatteryPower]))
	r.BatteryPowerW = f.Validate("Power/Battery", battery)
	r.ToBatteryW = f.Validate("Power/ToBattery", positive(battery))
	r.FromBatteryW = f.Validate("Power/FromBattery", invertPositive(battery))

	r.ACPowerW = f.Validate("AC/Power", float64(signed16(regs[regACPower])))
	r.ACVoltageV = float64(regs[regACVoltage]) / 10
	r.ACCurrentA = float64(signed16(regs[regACCurrent])) / 10
	r.ACFrequencyHz = float64(regs[regACFrequency]) / 100

	r.BatterySOC = regs[regBatterySOC]
	r.BatteryVoltageV = float64(regs[regBatteryVoltage]) / 100
	r.BatteryTempC = signed16(regs[regBatteryTemp])
	r.RunMode = unsigned8(regs[regRunMode])

	return r, nil
}

// Metrics returns every numeric metric keyed by its catalog path. The paths
// double as the source of sensor unique ids on the bus.
func (r *Reading) Metrics() map[string]float64 {
	m := map[string]float64{
		"Power/FromSolar":     r.SolarPowerW,
		"Power/Grid":          r.GridPowerW,
		"Power/ToGrid":        r.ToGridW,
		"Power/FromGrid":      r.FromGridW,
		"Power/ToHome":        r.HousePowerW,
		"Power/Battery":       r.BatteryPowerW,
		"Power/ToBattery":     r.ToBatteryW,
		"Power/FromBattery":   r.FromBatteryW,
		"Battery/SOC":         float64(r.BatterySOC),
		"Battery/Voltage":     r.BatteryVoltageV,
		"Battery/Temperature": float64(r.BatteryTempC),
		"AC/Power":            r.ACPowerW,
		"AC/Voltage":          r.ACVoltageV,
		"AC/Current":          r.ACCurrentA,
		"AC/Frequency":        r.ACFrequencyHz,
		"Imported/Total":      r.ImportedTotalKWh,
		"Imported/Today":      r.ImportedTodayKWh,
		"Yield/Total":         r.YieldTotalKWh,
		"Yield/Today":         r.YieldTodayKWh,
		"RunMode":             float64(r.RunMode),
	}
	for i, s := range r.Strings {
		prefix := fmt.Sprintf("String%d", i+1)
		m[prefix+"/Power"] = s.PowerW
		m[prefix+"/Voltage"] = s.VoltageV
		m[prefix+"/Current"] = s.CurrentA
	}
	return m
}
