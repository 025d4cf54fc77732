package shelly

import (
	"fmt"

	"github.com/brutella/hc/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/cloudkucooland/shellylock/config"
)

// Subscriber is the part of mqtt.Client used for status notifications
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

func statusTopic(prefix string, id int) string {
	return fmt.Sprintf("%s/status/switch:%d", prefix, id)
}

// SubscribeMQTT follows <prefix>/status/switch:<n> for every known switch
func (d *Device) SubscribeMQTT(client Subscriber, prefix string) error {
	for _, s := range d.Switches() {
		s := s
		topic := statusTopic(prefix, s.id)
		token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			s.handleComponent(msg.Payload())
		})
		if !token.WaitTimeout(d.timeout) {
			return errors.Errorf("mqtt subscribe %s: timeout", topic)
		}
		if err := token.Error(); err != nil {
			return errors.Wrapf(err, "mqtt subscribe %s", topic)
		}
		log.Info.Printf("subscribed to %s", topic)
	}
	return nil
}

// UnsubscribeMQTT undoes SubscribeMQTT
func (d *Device) UnsubscribeMQTT(client Subscriber, prefix string) error {
	var topics []string
	for _, s := range d.Switches() {
		topics = append(topics, statusTopic(prefix, s.id))
	}
	if len(topics) == 0 {
		return nil
	}
	token := client.Unsubscribe(topics...)
	if !token.WaitTimeout(d.timeout) {
		return errors.New("mqtt unsubscribe: timeout")
	}
	return token.Error()
}

// connectMQTT connects to the configured broker; onConnect runs after every (re)connect
func connectMQTT(c *config.Config, onConnect func(mqtt.Client)) (mqtt.Client, error) {
	clientID := c.MQTTClientID
	if clientID == "" {
		clientID = "shellylock"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(c.MQTTBroker).
		SetClientID(clientID).
		SetUsername(c.MQTTUsername).
		SetPassword(c.MQTTPassword).
		SetAutoReconnect(true).
		SetConnectTimeout(c.ShellyTimeoutDuration()).
		SetOnConnectHandler(onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Info.Printf("mqtt connection lost: %s", err.Error())
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(c.ShellyTimeoutDuration()) {
		return nil, errors.Errorf("mqtt connect %s: timeout", c.MQTTBroker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "mqtt connect %s", c.MQTTBroker)
	}
	return client, nil
}
