package main

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const mqttClientID = "emporia-solax"

// mqttWorker owns the broker connection. It forwards a connected client to
// the sender worker and turns Use Excess Solar switch commands into
// SwitchCommands for the control loop.
func mqttWorker(
	ctx context.Context,
	broker, username, password string,
	switchTopics map[string]string, // command topic -> charger name
	commandChan chan<- SwitchCommand,
	clientChan chan<- mqtt.Client,
	log *logrus.Logger,
) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:1883", broker))
	opts.SetClientID(mqttClientID)
	opts.SetUsername(username)
	opts.SetPassword(password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost")
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Infof("connected to MQTT broker at %s", broker)

		select {
		case clientChan <- client:
		case <-ctx.Done():
			return
		}

		for topic, charger := range switchTopics {
			charger := charger
			token := client.Subscribe(topic, 1, func(client mqtt.Client, msg mqtt.Message) {
				payload := string(msg.Payload())
				var on bool
				switch payload {
				case "ON":
					on = true
				case "OFF":
					on = false
				default:
					log.WithField("payload", payload).Warn("unexpected switch payload")
					return
				}
				select {
				case commandChan <- SwitchCommand{Charger: charger, On: on}:
				case <-ctx.Done():
				}
			})
			if token.Wait() && token.Error() != nil {
				log.WithError(token.Error()).WithField("topic", topic).Error("subscribe failed")
			} else {
				log.Debugf("subscribed to %s", topic)
			}
		}
	})

	client := mqtt.NewClient(opts)
	log.Infof("connecting to MQTT broker at %s...", broker)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.WithError(token.Error()).Error("failed to connect to MQTT broker")
		return
	}

	<-ctx.Done()

	if client.IsConnected() {
		client.Disconnect(250)
		log.Info("disconnected from MQTT broker")
	}
}
