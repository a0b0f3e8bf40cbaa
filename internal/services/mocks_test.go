package services

import (
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/mock"
)

// mockToken is a pre-resolved paho token carrying an optional error.
type mockToken struct {
	err error
}

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *mockToken) Error() error { return t.err }

// mockMessage is a canned inbound MQTT message.
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 1 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

// mockMQTTClient is a testify mock of the pkg/mqtt client interface.
type mockMQTTClient struct {
	mock.Mock
}

func (m *mockMQTTClient) Connect() MQTT.Token {
	args := m.Called()
	return args.Get(0).(MQTT.Token)
}

func (m *mockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	args := m.Called(topic, qos, retained, payload)
	return args.Get(0).(MQTT.Token)
}

func (m *mockMQTTClient) Subscribe(topic string, qos byte, callback MQTT.MessageHandler) MQTT.Token {
	args := m.Called(topic, qos, callback)
	return args.Get(0).(MQTT.Token)
}

func (m *mockMQTTClient) Unsubscribe(topics ...string) MQTT.Token {
	args := m.Called(topics)
	return args.Get(0).(MQTT.Token)
}

func (m *mockMQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func (m *mockMQTTClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockMQTTClient) OnConnectionLost(fn func(error)) {
	m.Called(fn)
}
