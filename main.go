// Command emporia-solax-homeassistant polls a Solax hybrid inverter and a
// fleet of Emporia EV chargers, steers the chargers toward excess solar, and
// publishes everything to Home Assistant over MQTT.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/sirmick/emporia-solax-homeassistant/emporia"
	"github.com/sirmick/emporia-solax-homeassistant/governor"
	"github.com/sirmick/emporia-solax-homeassistant/solax"
)

// SafeGo launches a goroutine with panic recovery and retry. On panic it
// restarts the worker with exponential backoff; the retry budget resets after
// the worker has run cleanly for a while. Exhausting the budget cancels the
// whole process.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	log *logrus.Logger,
	name string,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			if panicValue == nil {
				return
			}

			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Errorf("panic in %s (attempt %d/%d): %v", name, retries, maxRetries, panicValue)

			if retries >= maxRetries {
				log.Errorf("%s failed after %d retries, shutting down", name, maxRetries)
				cancel()
				return
			}

			log.Infof("%s will retry in %v", name, delay)
			select {
			case <-time.After(delay):
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	configPath := flag.String("config", "config.json", "configuration file path")
	debugMode := flag.Bool("debug", false, "start the interactive debug console")

	cfg := DefaultConfig()
	cfg.registerFlags(flag.CommandLine)

	// Parse once, remember which flags were given explicitly, overlay the
	// config file, then re-apply the explicit flags so they win.
	flag.Parse()
	explicit := make(map[string]string)
	flag.Visit(func(f *flag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	fileCfg := DefaultConfig()
	_, configExplicit := explicit["config"]
	if err := fileCfg.loadConfigFile(*configPath, configExplicit); err != nil {
		log.Fatalf("configuration: %v", err)
	}
	*cfg = *fileCfg
	for name, value := range explicit {
		if name == "config" || name == "debug" {
			continue
		}
		if err := flag.CommandLine.Set(name, value); err != nil {
			log.Fatalf("configuration: flag %s: %v", name, err)
		}
	}

	// MQTT credentials may live in the environment or a .env file.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("error loading .env file: %v", err)
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" && cfg.MQTTUsername == "" {
		cfg.MQTTUsername = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" && cfg.MQTTPassword == "" {
		cfg.MQTTPassword = v
	}

	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration: %v", err)
	}

	policyCfg, err := cfg.PolicyConfig()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	log.Info("starting emporia-solax controller...")

	vue, err := emporia.Login(cfg.CredsFile)
	if err != nil {
		log.Fatalf("emporia login: %v", err)
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	chargers, err := vue.GetChargers(startupCtx)
	startupCancel()
	if err != nil {
		log.Fatalf("emporia device discovery: %v", err)
	}
	if len(chargers) == 0 {
		log.Fatal("no EV chargers found in Emporia account")
	}
	chargerNames := make([]string, 0, len(chargers))
	for name := range chargers {
		chargerNames = append(chargerNames, name)
	}
	slices.Sort(chargerNames)
	for _, name := range chargerNames {
		log.Infof("found charger: %s %s (%d)", emporia.ChargerModel, name, chargers[name].DeviceGID)
	}

	primaryName := cfg.PrimaryCharger
	if primaryName != "" {
		if _, ok := chargers[primaryName]; !ok {
			log.Warnf("primary charger %q not found, treating all chargers equally", primaryName)
			primaryName = ""
		} else {
			log.Infof("primary charger: %s", primaryName)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	outgoingChan := make(chan MQTTMessage, 100)
	clientChan := make(chan mqtt.Client, 1)
	commandChan := make(chan SwitchCommand, 10)

	sender := NewMQTTSender(outgoingChan)
	sensors := NewSensorPublisher(sender, log)

	SafeGo(ctx, cancel, log, "mqtt-sender-worker", func(ctx context.Context) {
		mqttSenderWorker(ctx, outgoingChan, clientChan, log)
	})

	// Register the discovery catalog up front; the sender worker queues it
	// until the broker connection is up.
	sensors.RegisterInverter()

	policy := governor.NewDayWindow(policyCfg)
	filter := solax.NewFilter(cfg.MaxPowerThresholdW, log)
	inverter := solax.NewClient(cfg.InverterIP, cfg.InverterSerial)

	fleet := NewFleet()
	switchTopics := make(map[string]string)
	for _, name := range chargerNames {
		chargerCfg := ChargerConfig{
			MinCurrentA:    cfg.MinCurrentA,
			MaxCurrentA:    cfg.MaxCurrentA,
			VoltageV:       cfg.VoltageV,
			BusMaximumW:    cfg.BusMaximumW,
			BufferW:        cfg.BufferW,
			OnToOffLockout: time.Duration(cfg.OnToOffLockoutSeconds) * time.Second,
			OffToOnLockout: time.Duration(cfg.OffToOnLockoutSeconds) * time.Second,
			IsPrimary:      name == primaryName,
		}
		controller := NewChargerController(name, chargerCfg, vue, policy, sensors, log)
		fleet.Add(controller)
		sensors.RegisterCharger(name)
		controller.SetUseExcess(true)
		switchTopics[ChargerSwitchCommandTopic(name)] = name
	}

	SafeGo(ctx, cancel, log, "mqtt-worker", func(ctx context.Context) {
		mqttWorker(ctx, cfg.Broker, cfg.MQTTUsername, cfg.MQTTPassword, switchTopics, commandChan, clientChan, log)
	})

	var cycleLog *CycleLogger
	if cfg.DetailedLog {
		cycleLog, err = NewCycleLogger(cfg.DetailedLogPath)
		if err != nil {
			log.Fatalf("detailed log: %v", err)
		}
		defer cycleLog.Close()
	}

	var statusChan chan *SystemStatus
	if *debugMode {
		statusChan = make(chan *SystemStatus, 1)
		SafeGo(ctx, cancel, log, "debug-worker", func(ctx context.Context) {
			debugWorker(ctx, statusChan, log)
		})
	}

	loop := NewControlLoop(cfg, inverter, vue, fleet, filter, policy, sensors, cycleLog, commandChan, statusChan, log)
	SafeGo(ctx, cancel, log, "control-loop", func(ctx context.Context) {
		loop.Run(ctx)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info("shutting down...")
	case <-ctx.Done():
		log.Info("shutting down due to error...")
	}
	cancel()
}
