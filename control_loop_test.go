package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirmick/emporia-solax-homeassistant/emporia"
	"github.com/sirmick/emporia-solax-homeassistant/governor"
	"github.com/sirmick/emporia-solax-homeassistant/solax"
)

// sunnyRegisters builds a register array for 6 kW of solar, 1.2 kW house
// load, 2 kW exporting, and a 90% battery charging at 1.5 kW.
func sunnyRegisters() []int {
	regs := make([]int, 94)
	regs[4] = 2405  // 240.5 V
	regs[6] = 1250  // AC power
	regs[7] = 5001  // 50.01 Hz
	regs[10] = 2    // run mode
	regs[11] = 3502 // string voltages
	regs[12] = 3481
	regs[15] = 95 // string currents
	regs[16] = 88
	regs[19] = 3300 // string powers
	regs[20] = 2700
	regs[28], regs[29] = 2000, 0 // exporting 2 kW
	regs[30] = 1200              // house
	regs[89] = 20512             // battery voltage
	regs[91] = 1500              // battery charging
	regs[92] = 24                // battery temperature
	regs[93] = 90                // SOC
	return regs
}

func newCycleRig(t *testing.T, regs func() []int) (*ControlLoop, *fakeCloud, chan MQTTMessage, chan *SystemStatus, chan SwitchCommand) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := regs()
		if data == nil {
			http.Error(w, "offline", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"Data": data})
	}))
	t.Cleanup(srv.Close)

	cfg := validConfig()
	cfg.InverterIP = strings.TrimPrefix(srv.URL, "http://")
	cfg.PrimaryCharger = "Garage"

	log := quietLog()
	policyCfg, err := cfg.PolicyConfig()
	require.NoError(t, err)
	policy := governor.NewDayWindow(policyCfg)

	cloud := &fakeCloud{state: make(map[int]emporia.Charger), applyCommands: true}
	cloud.state[1] = emporia.Charger{
		Name:      "Garage",
		DeviceGID: 1,
		PowerW:    0,
		CurrentA:  16,
		On:        true,
		Message:   "Connected to EV",
		Handle:    emporia.EVCharger{DeviceGID: 1, ChargerOn: true, ChargingRate: 16},
	}

	msgChan := make(chan MQTTMessage, 512)
	sensors := NewSensorPublisher(NewMQTTSender(msgChan), log)

	fleet := NewFleet()
	chargerCfg := ChargerConfig{
		MinCurrentA: cfg.MinCurrentA,
		MaxCurrentA: cfg.MaxCurrentA,
		VoltageV:    cfg.VoltageV,
		BusMaximumW: cfg.BusMaximumW,
		BufferW:     cfg.BufferW,
		IsPrimary:   true,
	}
	fleet.Add(NewChargerController("Garage", chargerCfg, cloud, policy, sensors, log))

	statusChan := make(chan *SystemStatus, 1)
	commandChan := make(chan SwitchCommand, 4)
	filter := solax.NewFilter(cfg.MaxPowerThresholdW, log)
	inverter := solax.NewClient(cfg.InverterIP, cfg.InverterSerial)

	loop := NewControlLoop(cfg, inverter, cloud, fleet, filter, policy, sensors, nil, commandChan, statusChan, log)
	return loop, cloud, msgChan, statusChan, commandChan
}

func TestRunCycle_EndToEnd(t *testing.T) {
	loop, cloud, msgChan, statusChan, _ := newCycleRig(t, sunnyRegisters)

	loc, _ := time.LoadLocation("America/Los_Angeles")
	morning := time.Date(2024, time.June, 1, 8, 0, 0, 0, loc)
	loop.runCycle(context.Background(), morning)

	// Excess 4700, reserve 700, budget min(4000, 5800) = 4000 → 17 A.
	require.Len(t, cloud.sets, 1)
	assert.Equal(t, setCall{gid: 1, on: true, amps: 17}, cloud.sets[0])

	msgs := drainMessages(msgChan)
	assert.Equal(t, "6000", string(msgs["emporia_solax/sensor/power_fromsolar/state"].Payload))
	assert.Equal(t, "1200", string(msgs["emporia_solax/sensor/power_tohome/state"].Payload))
	assert.Equal(t, "90", string(msgs["emporia_solax/sensor/battery_soc/state"].Payload))
	assert.Equal(t, "17", string(msgs["emporia_solax/sensor/garage_current/state"].Payload))

	select {
	case status := <-statusChan:
		assert.Equal(t, 90, status.BatterySOC)
		assert.Equal(t, 6000.0, status.SolarProduction)
		assert.Equal(t, 700.0, status.BatteryReserve)
		assert.Equal(t, 4000.0, status.AvailableExcess)
		require.Len(t, status.Chargers, 1)
		assert.Equal(t, 17, status.Chargers[0].ProposedAmps)
		assert.NotEmpty(t, status.Summary())
	default:
		t.Fatal("no system status emitted")
	}
}

func TestRunCycle_InverterFailureSkipsCycle(t *testing.T) {
	loop, cloud, msgChan, _, _ := newCycleRig(t, func() []int { return nil })

	loop.runCycle(context.Background(), time.Now())

	assert.Empty(t, cloud.sets, "no commands without inverter data")
	assert.Empty(t, drainMessages(msgChan), "nothing published without inverter data")
}

func TestRunCycle_ShortRegisterArraySkipsCycle(t *testing.T) {
	loop, cloud, _, _, _ := newCycleRig(t, func() []int { return make([]int, 10) })

	loop.runCycle(context.Background(), time.Now())
	assert.Empty(t, cloud.sets)
}

func TestDrainCommands(t *testing.T) {
	loop, _, _, _, commandChan := newCycleRig(t, sunnyRegisters)

	controller := loop.fleet.Get("Garage")
	require.NotNil(t, controller)
	require.True(t, controller.useExcess)

	commandChan <- SwitchCommand{Charger: "Garage", On: false}
	loop.drainCommands()
	assert.False(t, controller.useExcess)

	// Unknown chargers are ignored without blocking.
	commandChan <- SwitchCommand{Charger: "Nope", On: true}
	loop.drainCommands()
}
