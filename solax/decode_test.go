package solax

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietFilter(thresholdW float64) *Filter {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewFilter(thresholdW, log)
}

// encode16 is the register-side representation of a signed 16-bit value.
func encode16(v int) int {
	if v < 0 {
		return v + 65536
	}
	return v
}

// encode32 splits a signed 32-bit value into (low, high) register words.
func encode32(v int) (low, high int) {
	if v < 0 {
		v += 4294967296
	}
	return v % 65536, v / 65536
}

func TestSigned16RoundTrip(t *testing.T) {
	for _, v := range []int{-32768, -32767, -12345, -1, 0, 1, 100, 32766, 32767} {
		assert.Equal(t, v, signed16(encode16(v)), "value %d", v)
	}
}

func TestSigned32RoundTrip(t *testing.T) {
	for _, v := range []int{-2147483648, -2147483647, -70000, -65536, -1, 0, 1, 65535, 65536, 70000, 2147483647} {
		low, high := encode32(v)
		assert.Equal(t, v, signed32(low, high), "value %d", v)
	}
}

func TestUnsigned32RoundTrip(t *testing.T) {
	for _, v := range []int{0, 1, 65535, 65536, 123456, 4294967295} {
		low, high := v%65536, v/65536
		assert.Equal(t, v, unsigned32(low, high), "value %d", v)
	}
}

func TestUnsigned8(t *testing.T) {
	assert.Equal(t, 0, unsigned8(0))
	assert.Equal(t, 2, unsigned8(2))
	assert.Equal(t, 255, unsigned8(255))
	assert.Equal(t, 0, unsigned8(256))
	assert.Equal(t, 1, unsigned8(257))
}

// testRegisters builds a register array for a sunny afternoon: 6 kW solar
// across two strings, 1.2 kW house, 2 kW exporting, battery charging at 1.5 kW.
func testRegisters() []int {
	regs := make([]int, minRegisterCount)
	regs[regACVoltage] = 2405                // 240.5 V
	regs[regACCurrent] = encode16(-52)       // -5.2 A
	regs[regACPower] = encode16(-1250)       // -1250 W
	regs[regACFrequency] = 5001              // 50.01 Hz
	regs[regRunMode] = 2
	regs[regString1Voltage] = 3502 // 350.2 V
	regs[regString2Voltage] = 3481
	regs[regString3Voltage] = 0
	regs[regString1Current] = 95 // 9.5 A
	regs[regString2Current] = 88
	regs[regString3Current] = 0
	regs[regString1Power] = 3300
	regs[regString2Power] = 2700
	regs[regString3Power] = 0
	regs[regGridPowerLow], regs[regGridPowerHigh] = 2000, 0 // exporting 2 kW
	regs[regPowerToHome] = 1200
	regs[regImportedLow], regs[regImportedHigh] = 12345%65536, 12345/65536 // 1234.5 kWh
	regs[regImportedToday] = 52                                           // 5.2 kWh
	regs[regYieldLow], regs[regYieldHigh] = 98765%65536, 98765/65536      // 9876.5 kWh
	regs[regYieldToday] = 310                                             // 31.0 kWh
	regs[regBatteryVoltage] = 20512                                       // 205.12 V
	regs[regBatteryPower] = 1500                                          // charging
	regs[regBatteryTemp] = 24
	regs[regBatterySOC] = 90
	return regs
}

func TestDecode(t *testing.T) {
	r, err := Decode(testRegisters(), quietFilter(50000))
	require.NoError(t, err)

	assert.Equal(t, 6000.0, r.SolarPowerW)
	assert.Equal(t, 1200.0, r.HousePowerW)
	assert.Equal(t, 2000.0, r.GridPowerW)
	assert.Equal(t, 2000.0, r.ToGridW)
	assert.Equal(t, 0.0, r.FromGridW)
	assert.Equal(t, 1500.0, r.BatteryPowerW)
	assert.Equal(t, 1500.0, r.ToBatteryW)
	assert.Equal(t, 0.0, r.FromBatteryW)
	assert.Equal(t, 90, r.BatterySOC)
	assert.Equal(t, 205.12, r.BatteryVoltageV)
	assert.Equal(t, 24, r.BatteryTempC)
	assert.Equal(t, -1250.0, r.ACPowerW)
	assert.Equal(t, 240.5, r.ACVoltageV)
	assert.Equal(t, -5.2, r.ACCurrentA)
	assert.Equal(t, 50.01, r.ACFrequencyHz)
	assert.Equal(t, 2, r.RunMode)
	assert.Equal(t, 3300.0, r.Strings[0].PowerW)
	assert.Equal(t, 350.2, r.Strings[0].VoltageV)
	assert.Equal(t, 9.5, r.Strings[0].CurrentA)
	assert.Equal(t, 1234.5, r.ImportedTotalKWh)
	assert.Equal(t, 5.2, r.ImportedTodayKWh)
	assert.Equal(t, 9876.5, r.YieldTotalKWh)
	assert.Equal(t, 31.0, r.YieldTodayKWh)
}

func TestDecode_GridImporting(t *testing.T) {
	regs := testRegisters()
	regs[regGridPowerLow], regs[regGridPowerHigh] = encode32(-3500)

	r, err := Decode(regs, quietFilter(50000))
	require.NoError(t, err)

	assert.Equal(t, -3500.0, r.GridPowerW)
	assert.Equal(t, 0.0, r.ToGridW)
	assert.Equal(t, 3500.0, r.FromGridW)
}

func TestDecode_BatteryDischarging(t *testing.T) {
	regs := testRegisters()
	regs[regBatteryPower] = encode16(-2200)

	r, err := Decode(regs, quietFilter(50000))
	require.NoError(t, err)

	assert.Equal(t, -2200.0, r.BatteryPowerW)
	assert.Equal(t, 0.0, r.ToBatteryW)
	assert.Equal(t, 2200.0, r.FromBatteryW)
}

func TestDecode_ShortArray(t *testing.T) {
	_, err := Decode(make([]int, 50), quietFilter(50000))
	assert.Error(t, err)

	_, err = Decode(nil, quietFilter(50000))
	assert.Error(t, err)
}

func TestDecode_NegativeBatteryTemperature(t *testing.T) {
	regs := testRegisters()
	regs[regBatteryTemp] = encode16(-5)

	r, err := Decode(regs, quietFilter(50000))
	require.NoError(t, err)
	assert.Equal(t, -5, r.BatteryTempC)
}

func TestMetrics(t *testing.T) {
	r, err := Decode(testRegisters(), quietFilter(50000))
	require.NoError(t, err)

	m := r.Metrics()
	assert.Equal(t, 6000.0, m["Power/FromSolar"])
	assert.Equal(t, 1200.0, m["Power/ToHome"])
	assert.Equal(t, 3300.0, m["String1/Power"])
	assert.Equal(t, 2700.0, m["String2/Power"])
	assert.Equal(t, 90.0, m["Battery/SOC"])
	assert.Equal(t, 50.01, m["AC/Frequency"])
}
