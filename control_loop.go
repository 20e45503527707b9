package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sirmick/emporia-solax-homeassistant/emporia"
	"github.com/sirmick/emporia-solax-homeassistant/governor"
	"github.com/sirmick/emporia-solax-homeassistant/solax"
)

// SwitchCommand is a Use Excess Solar toggle arriving from the bus.
type SwitchCommand struct {
	Charger string
	On      bool
}

// Shared holds the quantities computed once per cycle and seen identically by
// every controller: the same excess, the same reserve, the same budget, all
// based on the fleet's draw as of cycle start.
type Shared struct {
	ExcessW           float64
	ReserveW          float64
	TotalChargerLoadW float64
	Budget            governor.Budget
}

// Fleet is the set of charger controllers, iterated in creation order.
type Fleet struct {
	controllers map[string]*ChargerController
	order       []string
}

// NewFleet creates an empty fleet.
func NewFleet() *Fleet {
	return &Fleet{controllers: make(map[string]*ChargerController)}
}

// Add registers a controller.
func (f *Fleet) Add(c *ChargerController) {
	if _, exists := f.controllers[c.Name()]; !exists {
		f.order = append(f.order, c.Name())
	}
	f.controllers[c.Name()] = c
}

// Get returns the controller for name, or nil.
func (f *Fleet) Get(name string) *ChargerController {
	return f.controllers[name]
}

// Controllers returns every controller in creation order.
func (f *Fleet) Controllers() []*ChargerController {
	out := make([]*ChargerController, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.controllers[name])
	}
	return out
}

// TotalLoadW sums the last observed draw across the fleet.
func (f *Fleet) TotalLoadW() float64 {
	var total float64
	for _, c := range f.controllers {
		total += c.LoadW()
	}
	return total
}

// PrimaryCharging reports whether a primary charger is connected and drawing
// real power.
func (f *Fleet) PrimaryCharging() bool {
	for _, c := range f.controllers {
		if c.IsPrimary() && c.ConnectedAndCharging() {
			return true
		}
	}
	return false
}

// PrimaryConnected reports whether a primary charger has a vehicle plugged in.
func (f *Fleet) PrimaryConnected() bool {
	for _, c := range f.controllers {
		if c.IsPrimary() && c.Connected() {
			return true
		}
	}
	return false
}

// OtherSecondaries counts the secondary chargers other than name, used to
// reserve minimum-rate headroom for siblings.
func (f *Fleet) OtherSecondaries(name string) int {
	count := 0
	for _, c := range f.controllers {
		if !c.IsPrimary() && c.Name() != name {
			count++
		}
	}
	return count
}

// ControlLoop owns the cadence and every piece of cross-cycle state: the
// filter's last-good map, the rolling power average, and the time policy's
// latch. Everything runs on one goroutine; the only concurrency is the
// command channel drained at cycle boundaries.
type ControlLoop struct {
	cfg      *Config
	inverter *solax.Client
	chargers emporia.API
	fleet    *Fleet
	filter   *solax.Filter
	policy   *governor.DayWindow
	powerAvg *governor.RollingAverage
	sensors  *SensorPublisher
	cycleLog *CycleLogger
	commands <-chan SwitchCommand
	statuses chan<- *SystemStatus // debug console feed; nil when disabled
	log      *logrus.Logger
}

// NewControlLoop wires a control loop from its collaborators.
func NewControlLoop(
	cfg *Config,
	inverter *solax.Client,
	chargers emporia.API,
	fleet *Fleet,
	filter *solax.Filter,
	policy *governor.DayWindow,
	sensors *SensorPublisher,
	cycleLog *CycleLogger,
	commands <-chan SwitchCommand,
	statuses chan<- *SystemStatus,
	log *logrus.Logger,
) *ControlLoop {
	return &ControlLoop{
		cfg:      cfg,
		inverter: inverter,
		chargers: chargers,
		fleet:    fleet,
		filter:   filter,
		policy:   policy,
		powerAvg: governor.NewRollingAverage(cfg.MaxPowerSamples()),
		sensors:  sensors,
		cycleLog: cycleLog,
		commands: commands,
		statuses: statuses,
		log:      log,
	}
}

// Run executes control cycles until the context is cancelled. The cadence is
// a sleep between cycles, not a fixed period; a slow cycle pushes the next
// one out rather than overlapping it.
func (l *ControlLoop) Run(ctx context.Context) {
	interval := time.Duration(l.cfg.PollIntervalSeconds) * time.Second
	for {
		l.drainCommands()
		l.runCycle(ctx, time.Now())

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			l.log.Info("control loop stopped")
			return
		}
	}
}

// drainCommands applies any switch toggles that arrived since the last cycle.
func (l *ControlLoop) drainCommands() {
	for {
		select {
		case cmd := <-l.commands:
			if c := l.fleet.Get(cmd.Charger); c != nil {
				c.SetUseExcess(cmd.On)
			} else {
				l.log.WithField("charger", cmd.Charger).Warn("switch command for unknown charger")
			}
		default:
			return
		}
	}
}

// runCycle performs one Sample → Validate → Derive → Decide → Actuate →
// Publish pass. An inverter read, decode or charger fetch failure abandons the
// rest of the cycle; a failed charger command skips only that charger. The
// cadence provides the retry.
func (l *ControlLoop) runCycle(ctx context.Context, now time.Time) {
	regs, err := l.inverter.ReadRegisters(ctx)
	if err != nil {
		l.log.WithError(err).Error("inverter read failed")
		return
	}

	reading, err := solax.Decode(regs, l.filter)
	if err != nil {
		l.log.WithError(err).Error("inverter decode failed")
		return
	}

	avgKW := l.powerAvg.Add(reading.BatteryPowerW / 1000)
	timeToCharged := governor.TimeToCharged(reading.BatterySOC, l.cfg.BatteryCapacityKWh, max(0, avgKW))
	timeToDepleted := governor.TimeToDepleted(reading.BatterySOC, l.cfg.MinSOC, l.cfg.BatteryCapacityKWh, max(0, -avgKW))

	l.sensors.PublishInverter(reading, timeToCharged, timeToDepleted, avgKW, l.cfg.MinSOC)

	chargers, err := l.chargers.GetChargers(ctx)
	if err != nil {
		l.log.WithError(err).Error("charger fetch failed")
		return
	}

	// Refresh every controller before any decision so the shared totals are a
	// snapshot from before this cycle's commands.
	seen := make(map[string]bool, len(chargers))
	for _, c := range l.fleet.Controllers() {
		sample, ok := chargers[c.Name()]
		if !ok {
			l.log.WithField("charger", c.Name()).Warn("charger missing from cloud response")
			continue
		}
		seen[c.Name()] = true
		c.Update(sample)
	}

	excess := governor.Excess(reading.SolarPowerW, reading.HousePowerW, l.cfg.BufferW)
	reserve := governor.BatteryReserve(reading.BatterySOC)
	totalLoad := l.fleet.TotalLoadW()
	shared := Shared{
		ExcessW:           excess,
		ReserveW:          reserve,
		TotalChargerLoadW: totalLoad,
		Budget:            governor.AvailablePower(excess, totalLoad, reading.HousePowerW, l.cfg.BusMaximumW, reserve),
	}

	var statuses []ChargerStatus
	var actions []ChargerAction
	for _, c := range l.fleet.Controllers() {
		if !seen[c.Name()] {
			continue
		}
		status, action := c.Decide(ctx, now, reading, shared, l.fleet)
		statuses = append(statuses, status)
		if action != nil {
			actions = append(actions, *action)
		}
	}

	system := l.buildStatus(now, reading, shared, statuses, timeToCharged, timeToDepleted, avgKW)
	l.log.Info(system.Summary())

	if l.cycleLog != nil {
		l.cycleLog.Record(regs, reading, system, actions)
	}
	if l.statuses != nil {
		select {
		case l.statuses <- system:
		default:
		}
	}
}

func (l *ControlLoop) buildStatus(
	now time.Time,
	reading *solax.Reading,
	shared Shared,
	statuses []ChargerStatus,
	timeToCharged, timeToDepleted string,
	avgKW float64,
) *SystemStatus {
	var activeNames []string
	primaryActive := false
	for _, s := range statuses {
		if s.Charging {
			activeNames = append(activeNames, s.Name)
		}
		if s.IsPrimary && s.Charging {
			primaryActive = true
		}
	}

	return &SystemStatus{
		Timestamp:            now.Format("15:04:05"),
		BatterySOC:           reading.BatterySOC,
		BatteryVoltage:       reading.BatteryVoltageV,
		BatteryTemperature:   reading.BatteryTempC,
		SolarProduction:      reading.SolarPowerW,
		HouseConsumption:     reading.HousePowerW,
		GridImport:           reading.FromGridW,
		GridExport:           reading.ToGridW,
		BatteryCharge:        reading.ToBatteryW,
		BatteryDischarge:     reading.FromBatteryW,
		BatteryReserve:       shared.ReserveW,
		TotalChargerPower:    shared.TotalChargerLoadW,
		AvailableExcess:      shared.Budget.AvailableForCharge,
		Chargers:             statuses,
		PrimaryChargerActive: primaryActive,
		ActiveChargerNames:   activeNames,
		TimeToCharged:        timeToCharged,
		TimeToDepleted:       timeToDepleted,
		BatteryPowerKW:       avgKW,
		MinSOC:               l.cfg.MinSOC,
	}
}
