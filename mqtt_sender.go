package main

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTMessage represents an outgoing MQTT message.
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MQTTSender wraps the outgoing channel so publishers never touch the client
// directly.
type MQTTSender struct {
	ch chan<- MQTTMessage
}

// NewMQTTSender creates a sender feeding the given channel.
func NewMQTTSender(ch chan<- MQTTMessage) *MQTTSender {
	return &MQTTSender{ch: ch}
}

// Send queues a message for publication.
func (s *MQTTSender) Send(msg MQTTMessage) {
	s.ch <- msg
}

// mqttSenderWorker publishes outgoing messages, queueing anything that
// arrives before the broker connection is up.
func mqttSenderWorker(
	ctx context.Context,
	outgoingChan <-chan MQTTMessage,
	clientChan <-chan mqtt.Client,
	log *logrus.Logger,
) {
	var client mqtt.Client
	var queue []MQTTMessage

	publish := func(msg MQTTMessage) {
		token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
		token.Wait()
		if token.Error() != nil {
			log.WithError(token.Error()).WithField("topic", msg.Topic).Error("publish failed")
		}
	}

	for {
		select {
		case newClient := <-clientChan:
			client = newClient
			if client != nil && client.IsConnected() && len(queue) > 0 {
				log.Debugf("publishing %d queued messages", len(queue))
				for _, msg := range queue {
					publish(msg)
				}
				queue = nil
			}

		case msg := <-outgoingChan:
			if client != nil && client.IsConnected() {
				publish(msg)
			} else {
				queue = append(queue, msg)
			}

		case <-ctx.Done():
			log.Debug("MQTT sender worker stopped")
			return
		}
	}
}
