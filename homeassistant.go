package main

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sirmick/emporia-solax-homeassistant/solax"
)

// topicPrefix namespaces this controller's state topics so they never collide
// with Home Assistant's own statestream.
const topicPrefix = "emporia_solax"

// sensorID derives a bus unique id from a metric path or entity name.
// Deterministic and injective over the catalog: lower-case with separators
// mapped to underscores.
func sensorID(name string) string {
	id := strings.ReplaceAll(name, "/", "_")
	id = strings.ReplaceAll(id, " ", "_")
	return strings.ToLower(id)
}

// inverterSensor describes one discoverable inverter metric.
type inverterSensor struct {
	Name  string // metric path, doubles as the unique-id source
	Class string // HA device class, empty for plain sensors
	Unit  string
}

// inverterCatalog is the fixed set of inverter sensors registered on the bus.
var inverterCatalog = []inverterSensor{
	{"Power/FromSolar", "power", "W"},
	{"Power/Battery", "power", "W"},
	{"Power/FromBattery", "power", "W"},
	{"Power/ToBattery", "power", "W"},
	{"Power/FromGrid", "power", "W"},
	{"Power/Grid", "power", "W"},
	{"Power/ToGrid", "power", "W"},
	{"Power/ToHome", "power", "W"},
	{"Battery/SOC", "battery", "%"},
	{"Battery/Voltage", "voltage", "V"},
	{"Battery/Temperature", "temperature", "C"},
	{"Battery/TimeToCharged", "duration", "min"},
	{"Battery/TimeToDepleted", "duration", "min"},
	{"Battery/Power", "power", "kW"},
	{"Battery/MinSOC", "battery", "%"},
	{"String1/Power", "power", "W"},
	{"String1/Voltage", "voltage", "V"},
	{"String1/Current", "current", "A"},
	{"String2/Power", "power", "W"},
	{"String2/Voltage", "voltage", "V"},
	{"String2/Current", "current", "A"},
	{"String3/Power", "power", "W"},
	{"String3/Voltage", "voltage", "V"},
	{"String3/Current", "current", "A"},
	{"AC/Power", "power", "W"},
	{"AC/Voltage", "voltage", "V"},
	{"AC/Current", "current", "A"},
	{"AC/Frequency", "frequency", "Hz"},
	{"Imported/Total", "energy", "kWh"},
	{"Imported/Today", "energy", "kWh"},
	{"Yield/Total", "energy", "kWh"},
	{"Yield/Today", "energy", "kWh"},
	{"RunMode", "", ""},
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type haSensorConfig struct {
	Name          string   `json:"name"`
	DeviceClass   string   `json:"device_class,omitempty"`
	StateTopic    string   `json:"state_topic"`
	UnitOfMeasure string   `json:"unit_of_measurement,omitempty"`
	UniqueId      string   `json:"unique_id"`
	Device        haDevice `json:"device"`
}

type haSwitchConfig struct {
	Name         string   `json:"name"`
	StateTopic   string   `json:"state_topic"`
	CommandTopic string   `json:"command_topic"`
	UniqueId     string   `json:"unique_id"`
	Icon         string   `json:"icon,omitempty"`
	Device       haDevice `json:"device"`
}

// SensorPublisher registers the discovery catalog and pushes per-cycle state.
type SensorPublisher struct {
	sender *MQTTSender
	log    *logrus.Logger
}

// NewSensorPublisher creates a publisher over the given sender.
func NewSensorPublisher(sender *MQTTSender, log *logrus.Logger) *SensorPublisher {
	return &SensorPublisher{sender: sender, log: log}
}

func stateTopic(id string) string {
	return topicPrefix + "/sensor/" + id + "/state"
}

func switchStateTopic(id string) string {
	return topicPrefix + "/switch/" + id + "/state"
}

func switchCommandTopic(id string) string {
	return topicPrefix + "/switch/" + id + "/set"
}

// chargerSwitchID is the unique id of a charger's Use Excess Solar switch.
func chargerSwitchID(chargerName string) string {
	return sensorID(chargerName + " use excess")
}

// ChargerSwitchCommandTopic returns the command topic the mqtt worker must
// subscribe to for a charger's switch.
func ChargerSwitchCommandTopic(chargerName string) string {
	return switchCommandTopic(chargerSwitchID(chargerName))
}

func (p *SensorPublisher) publishConfig(component, id string, config any) {
	payload, err := json.Marshal(config)
	if err != nil {
		p.log.WithError(err).WithField("sensor", id).Error("marshal discovery config")
		return
	}
	p.sender.Send(MQTTMessage{
		Topic:   "homeassistant/" + component + "/" + id + "/config",
		Payload: payload,
		QoS:     2,
		Retain:  true,
	})
}

func (p *SensorPublisher) publishState(topic, value string) {
	p.sender.Send(MQTTMessage{
		Topic:   topic,
		Payload: []byte(value),
		QoS:     0,
	})
}

// RegisterInverter announces every inverter sensor via MQTT discovery.
func (p *SensorPublisher) RegisterInverter() {
	device := haDevice{
		Identifiers:  []string{"solax"},
		Name:         "Solax A1-HYB-G2",
		Manufacturer: "Solax",
	}
	for _, s := range inverterCatalog {
		id := sensorID(s.Name)
		p.log.Debugf("registering MQTT sensor: %s", id)
		p.publishConfig("sensor", id, haSensorConfig{
			Name:          strings.ReplaceAll(s.Name, "/", " "),
			DeviceClass:   s.Class,
			StateTopic:    stateTopic(id),
			UnitOfMeasure: s.Unit,
			UniqueId:      id,
			Device:        device,
		})
	}
}

// RegisterCharger announces a charger's Current and Power sensors and its
// Use Excess Solar switch.
func (p *SensorPublisher) RegisterCharger(chargerName string) {
	device := haDevice{
		Identifiers:  []string{sensorID(chargerName)},
		Name:         chargerName,
		Manufacturer: "Emporia",
	}

	currentID := sensorID(chargerName + " current")
	p.log.Debugf("registering MQTT sensor: %s", currentID)
	p.publishConfig("sensor", currentID, haSensorConfig{
		Name:          "Current",
		DeviceClass:   "current",
		StateTopic:    stateTopic(currentID),
		UnitOfMeasure: "A",
		UniqueId:      currentID,
		Device:        device,
	})

	powerID := sensorID(chargerName + " power")
	p.log.Debugf("registering MQTT sensor: %s", powerID)
	p.publishConfig("sensor", powerID, haSensorConfig{
		Name:          "Power",
		DeviceClass:   "power",
		StateTopic:    stateTopic(powerID),
		UnitOfMeasure: "W",
		UniqueId:      powerID,
		Device:        device,
	})

	switchID := chargerSwitchID(chargerName)
	p.log.Debugf("registering MQTT switch: %s", switchID)
	p.publishConfig("switch", switchID, haSwitchConfig{
		Name:         chargerName + " Use Excess Solar",
		StateTopic:   switchStateTopic(switchID),
		CommandTopic: switchCommandTopic(switchID),
		UniqueId:     switchID,
		Icon:         "mdi:solar-power",
		Device:       device,
	})
}

// PublishInverter pushes every sampled and derived inverter quantity.
func (p *SensorPublisher) PublishInverter(reading *solax.Reading, timeToCharged, timeToDepleted string, avgPowerKW float64, minSOC int) {
	metrics := reading.Metrics()
	for _, s := range inverterCatalog {
		if value, ok := metrics[s.Name]; ok {
			p.publishState(stateTopic(sensorID(s.Name)), formatFloat(value))
		}
	}
	p.publishState(stateTopic(sensorID("Battery/TimeToCharged")), timeToCharged)
	p.publishState(stateTopic(sensorID("Battery/TimeToDepleted")), timeToDepleted)
	p.publishState(stateTopic(sensorID("Battery/Power")), formatFloat(avgPowerKW))
	p.publishState(stateTopic(sensorID("Battery/MinSOC")), strconv.Itoa(minSOC))
}

// PublishChargerCurrent pushes a charger's commanded current.
func (p *SensorPublisher) PublishChargerCurrent(chargerName string, amps int) {
	p.publishState(stateTopic(sensorID(chargerName+" current")), strconv.Itoa(amps))
}

// PublishChargerPower pushes a charger's instantaneous draw.
func (p *SensorPublisher) PublishChargerPower(chargerName string, watts float64) {
	p.publishState(stateTopic(sensorID(chargerName+" power")), formatFloat(watts))
}

// PublishChargerSwitch pushes a charger's Use Excess Solar switch state.
func (p *SensorPublisher) PublishChargerSwitch(chargerName string, on bool) {
	state := "OFF"
	if on {
		state = "ON"
	}
	p.publishState(switchStateTopic(chargerSwitchID(chargerName)), state)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
