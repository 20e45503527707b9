package main

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sirmick/emporia-solax-homeassistant/emporia"
	"github.com/sirmick/emporia-solax-homeassistant/governor"
	"github.com/sirmick/emporia-solax-homeassistant/solax"
)

// A charger drawing more than this is considered to be actually charging, as
// opposed to trickling electronics power.
const chargingThresholdW = 100

// ChargerConfig is the static per-charger configuration.
type ChargerConfig struct {
	MinCurrentA    int
	MaxCurrentA    int
	VoltageV       float64
	BusMaximumW    float64
	BufferW        float64
	OnToOffLockout time.Duration
	OffToOnLockout time.Duration
	IsPrimary      bool
}

// ChargerController owns one physical charger: its last-seen telemetry and
// the arbitration that turns the shared power budget into a command. All
// methods run on the control-loop goroutine.
type ChargerController struct {
	name    string
	cfg     ChargerConfig
	api     emporia.API
	policy  *governor.DayWindow
	sensors *SensorPublisher
	log     *logrus.Logger

	// Last observed state, refreshed by Update each cycle.
	loadW     float64
	currentA  int
	on        bool
	connected bool
	charging  bool
	gid       int
	handle    emporia.EVCharger

	// Home Assistant "Use Excess Solar" switch. Off leaves the charger alone.
	useExcess bool

	lastEnabledAt  time.Time
	lastDisabledAt time.Time
}

// NewChargerController creates a controller for the named charger.
func NewChargerController(
	name string,
	cfg ChargerConfig,
	api emporia.API,
	policy *governor.DayWindow,
	sensors *SensorPublisher,
	log *logrus.Logger,
) *ChargerController {
	return &ChargerController{
		name:      name,
		cfg:       cfg,
		api:       api,
		policy:    policy,
		sensors:   sensors,
		log:       log,
		useExcess: true,
	}
}

// Name returns the charger's cloud-side device name.
func (c *ChargerController) Name() string { return c.name }

// IsPrimary reports whether this charger has priority for excess power.
func (c *ChargerController) IsPrimary() bool { return c.cfg.IsPrimary }

// LoadW returns the last observed power draw.
func (c *ChargerController) LoadW() float64 { return c.loadW }

// ConnectedAndCharging reports whether a vehicle is plugged in and drawing
// real power.
func (c *ChargerController) ConnectedAndCharging() bool {
	return c.connected && c.charging
}

// Connected reports whether a vehicle is plugged in.
func (c *ChargerController) Connected() bool { return c.connected }

// SetUseExcess applies the Home Assistant switch and republishes its state.
func (c *ChargerController) SetUseExcess(on bool) {
	if c.useExcess != on {
		c.log.WithField("charger", c.name).Infof("use excess solar switched %v", on)
	}
	c.useExcess = on
	if c.sensors != nil {
		c.sensors.PublishChargerSwitch(c.name, on)
	}
}

// Update replaces local state with the latest cloud sample and pushes the
// charger's sensors.
func (c *ChargerController) Update(reading emporia.Charger) {
	c.loadW = reading.PowerW
	c.currentA = reading.CurrentA
	c.on = reading.On
	c.gid = reading.DeviceGID
	c.handle = reading.Handle
	c.connected = emporia.IsConnectedMessage(reading.Message)
	c.charging = reading.PowerW > chargingThresholdW

	if c.sensors != nil {
		c.sensors.PublishChargerCurrent(c.name, c.currentA)
		c.sensors.PublishChargerPower(c.name, c.loadW)
	}
}

// Decide runs the decision procedure for one cycle and applies the result.
// Shared quantities are computed once per cycle by the fleet and passed in so
// every controller arbitrates against the same view.
func (c *ChargerController) Decide(ctx context.Context, now time.Time, inv *solax.Reading, shared Shared, fleet *Fleet) (ChargerStatus, *ChargerAction) {
	// Commanding a disconnected charger risks cloud-side rate limits.
	if !c.connected {
		return c.status(c.currentA, false), nil
	}

	// Operator has the switch off: observe, never command.
	if !c.useExcess {
		return c.status(c.currentA, c.on), nil
	}

	rec := c.policy.Evaluate(now, shared.ExcessW, inv.BatterySOC)

	var proposedA int
	var proposedOn bool
	var reason string
	switch {
	case rec.Unrestricted:
		proposedA, proposedOn, reason = rec.Current, true, "unrestricted-window"
	case rec.Enabled:
		proposedA, proposedOn, reason = rec.Current, true, "time-policy"
	default:
		proposedA, proposedOn, reason = c.energyBranch(rec, shared, fleet)
	}

	if !proposedOn {
		proposedA = c.cfg.MinCurrentA
	}

	if c.lockoutDefers(now, proposedOn) {
		c.log.WithFields(logrus.Fields{
			"charger":  c.name,
			"proposed": proposedOn,
		}).Debug("state flip deferred by lockout")
		proposedOn = c.on
		if proposedOn {
			proposedA = clampCurrent(proposedA, c.cfg.MinCurrentA, c.cfg.MaxCurrentA)
		} else {
			proposedA = c.cfg.MinCurrentA
		}
		reason = "lockout-deferred"
	}

	action := c.apply(ctx, now, proposedA, proposedOn, reason, shared)
	return c.status(proposedA, proposedOn), action
}

// energyBranch arbitrates on the power budget when the time policy declined
// to enable: honor the evening latch first, then split the budget by role.
func (c *ChargerController) energyBranch(rec governor.Recommendation, shared Shared, fleet *Fleet) (int, bool, string) {
	if rec.ShouldDisable {
		return c.cfg.MinCurrentA, false, "daily-latch"
	}
	if c.cfg.IsPrimary {
		return c.primaryCurrent(shared.Budget.AvailableForCharge)
	}
	return c.secondaryCurrent(shared.Budget.AvailableForCharge, fleet)
}

// primaryCurrent sizes the primary charger to the whole budget. Below the
// minimum the charger pauses rather than draw grid power.
func (c *ChargerController) primaryCurrent(availableW float64) (int, bool, string) {
	raw := int(math.Round(availableW / c.cfg.VoltageV))
	switch {
	case raw > c.cfg.MaxCurrentA:
		return c.cfg.MaxCurrentA, true, "clamped-to-max"
	case raw < c.cfg.MinCurrentA:
		return c.cfg.MinCurrentA, false, "below-minimum"
	}
	return raw, true, "excess-tracking"
}

// secondaryCurrent sizes a secondary charger. While the primary is actively
// charging the secondary idles at the minimum; otherwise it takes the budget
// minus a minimum-rate reservation for its sibling secondaries, and never
// pauses below the minimum.
func (c *ChargerController) secondaryCurrent(availableW float64, fleet *Fleet) (int, bool, string) {
	if fleet.PrimaryCharging() {
		return c.cfg.MinCurrentA, true, "primary-active"
	}

	reservedW := float64(fleet.OtherSecondaries(c.name)) * float64(c.cfg.MinCurrentA) * c.cfg.VoltageV
	raw := int(math.Round((availableW - reservedW) / c.cfg.VoltageV))
	switch {
	case raw > c.cfg.MaxCurrentA:
		return c.cfg.MaxCurrentA, true, "clamped-to-max"
	case raw < c.cfg.MinCurrentA:
		return c.cfg.MinCurrentA, true, "secondary-minimum"
	}
	return raw, true, "secondary-share"
}

// lockoutDefers reports whether a proposed on/off flip is still inside its
// lockout window. Rate-only changes never defer.
func (c *ChargerController) lockoutDefers(now time.Time, proposedOn bool) bool {
	if proposedOn == c.on {
		return false
	}
	if proposedOn {
		return !c.lastDisabledAt.IsZero() && now.Sub(c.lastDisabledAt) < c.cfg.OffToOnLockout
	}
	return !c.lastEnabledAt.IsZero() && now.Sub(c.lastEnabledAt) < c.cfg.OnToOffLockout
}

// apply submits the command when it differs from the present state, then
// re-reads the charger to verify the cloud actually applied it.
func (c *ChargerController) apply(ctx context.Context, now time.Time, amps int, on bool, reason string, shared Shared) *ChargerAction {
	if amps == c.currentA && on == c.on {
		return nil
	}

	prevAmps, prevOn := c.currentA, c.on

	if err := c.api.SetCharger(ctx, c.handle, on, amps); err != nil {
		c.log.WithError(err).WithField("charger", c.name).Error("charger command failed")
		return nil
	}

	verified := true
	observed, err := c.api.GetCharger(ctx, c.gid)
	switch {
	case err != nil:
		// Can't observe; trust the accepted command until next cycle.
		c.log.WithError(err).WithField("charger", c.name).Warn("verify re-read failed")
		c.currentA, c.on = amps, on
	case observed.On == on && observed.CurrentA == amps:
		c.currentA, c.on = amps, on
		c.handle = observed.Handle
	default:
		// The cloud reported success without effect; observed state wins.
		verified = false
		c.log.WithFields(logrus.Fields{
			"charger":       c.name,
			"expected_amps": amps,
			"expected_on":   on,
			"observed_amps": observed.CurrentA,
			"observed_on":   observed.On,
		}).Warn("charger verify mismatch, keeping observed state")
		c.currentA, c.on = observed.CurrentA, observed.On
		c.handle = observed.Handle
	}

	if c.on != prevOn {
		if c.on {
			c.lastEnabledAt = now
		} else {
			c.lastDisabledAt = now
		}
	}

	if c.sensors != nil {
		c.sensors.PublishChargerCurrent(c.name, c.currentA)
	}

	c.log.WithFields(logrus.Fields{
		"charger": c.name,
		"reason":  reason,
		"amps":    c.currentA,
		"on":      c.on,
	}).Info("charger command applied")

	return &ChargerAction{
		Name:            c.name,
		Reason:          reason,
		PreviousAmps:    prevAmps,
		NewAmps:         c.currentA,
		PreviousEnabled: prevOn,
		NewEnabled:      c.on,
		AvailableW:      shared.Budget.AvailableForCharge,
		ExcessW:         shared.ExcessW,
		Verified:        verified,
	}
}

func (c *ChargerController) status(proposedA int, proposedOn bool) ChargerStatus {
	return ChargerStatus{
		Name:            c.name,
		IsPrimary:       c.cfg.IsPrimary,
		Connected:       c.connected,
		Charging:        c.charging,
		CurrentAmps:     c.currentA,
		PowerWatts:      c.loadW,
		ProposedAmps:    proposedA,
		ProposedEnabled: proposedOn,
	}
}

func clampCurrent(a, lo, hi int) int {
	if a < lo {
		return lo
	}
	if a > hi {
		return hi
	}
	return a
}
