// Package publish forwards session reports to an MQTT broker.
package publish

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/gpslink/internal/config"
	"github.com/shaunagostinho/gpslink/internal/session"
)

const connectTimeout = 5 * time.Second

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes fixes to Topic (retained, so late subscribers get the last
// position) and every other report to Topic + "/events".
type MQTT struct {
	client client
	topic  string
	log    logrus.FieldLogger
}

// New builds a publisher for cfg. Call Connect before reports can flow.
func New(cfg config.MQTTConfig, log logrus.FieldLogger) *MQTT {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)
	return newMQTT(mqtt.NewClient(opts), cfg.Topic, log)
}

func newMQTT(c client, topic string, log logrus.FieldLogger) *MQTT {
	return &MQTT{client: c, topic: topic, log: log.WithField("module", "mqtt")}
}

// Connect dials the broker once.
func (m *MQTT) Connect() error {
	token := m.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt: connect timed out after %v", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	m.log.Infof("connected, publishing to %s", m.topic)
	return nil
}

// Close disconnects, giving in-flight messages a moment to go out.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

// Publish sends r without waiting for the broker. Reports are dropped while
// disconnected.
func (m *MQTT) Publish(r session.Report) {
	if !m.client.IsConnected() {
		return
	}
	topic, retained := m.topic+"/events", false
	if r.Location != nil {
		topic, retained = m.topic, true
	}
	payload, err := Payload(r)
	if err != nil {
		m.log.WithError(err).Error("marshal failed")
		return
	}

	token := m.client.Publish(topic, 0, retained, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			m.log.WithError(err).Warnf("publish to %s failed", topic)
		}
	}()
}

// fixMessage is the wire form of a report.
type fixMessage struct {
	Kind      string   `json:"kind"`
	State     string   `json:"state"`
	Stamp     int64    `json:"stamp"`
	Valid     *bool    `json:"valid,omitempty"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lon,omitempty"`
	AgeMs     *int64   `json:"ageMs,omitempty"`
	UTC       string   `json:"utc,omitempty"`
	Line      string   `json:"line,omitempty"`
}

// Payload encodes r as published on the wire.
func Payload(r session.Report) ([]byte, error) {
	msg := fixMessage{Kind: r.Kind, State: r.State, Stamp: r.Stamp, Line: r.Line}
	if loc := r.Location; loc != nil {
		age := loc.Age.Milliseconds()
		msg.Valid = &loc.Valid
		msg.Latitude = &loc.Latitude
		msg.Longitude = &loc.Longitude
		msg.AgeMs = &age
	}
	if dt := r.Datetime; dt != nil && dt.Valid {
		msg.UTC = fmt.Sprintf("%02d:%02d:%02d", dt.Hours, dt.Minutes, dt.Seconds)
	}
	return json.Marshal(msg)
}
