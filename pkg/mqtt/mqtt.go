package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/stratovm/heartbeatd/pkg/file"
)

// MQTTClient defines the interface for the broker connection shared by
// the heartbeat pipeline.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	OnConnectionLost(fn func(error))
}

// MqttService provides methods for MQTT operations. Paho's automatic
// reconnection is disabled: connection recovery belongs to the
// reconnect supervisor so the backoff state machine stays explicit.
type MqttService struct {
	client     mqtt.Client
	fileClient file.FileOperations

	mu     sync.Mutex
	onLost []func(error)
}

// NewMqttService creates a new MqttService instance.
func NewMqttService(fileClient file.FileOperations) *MqttService {
	return &MqttService{
		fileClient: fileClient,
	}
}

// Initialize sets up the MQTT client and connects to the broker. A CA
// certificate path is optional; when empty the connection is plain TCP.
func (s *MqttService) Initialize(broker, clientID, caCertPath string) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.notifyLost(err)
	})

	if caCertPath != "" {
		caCert, err := s.fileClient.ReadFileRaw(caCertPath)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to append CA certificate")
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: caCertPool})
	}

	s.client = mqtt.NewClient(opts)

	token := s.Connect()
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Connect connects to the MQTT broker.
func (s *MqttService) Connect() mqtt.Token {
	return s.client.Connect()
}

// Publish sends a message to the specified topic.
func (s *MqttService) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return s.client.Publish(topic, qos, retained, payload)
}

// Subscribe subscribes to the specified topic with a message handler.
func (s *MqttService) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return s.client.Subscribe(topic, qos, callback)
}

// Unsubscribe unsubscribes from the specified topics.
func (s *MqttService) Unsubscribe(topics ...string) mqtt.Token {
	return s.client.Unsubscribe(topics...)
}

// Disconnect gracefully disconnects the MQTT client.
func (s *MqttService) Disconnect(quiesce uint) {
	s.client.Disconnect(quiesce)
}

// IsConnected reports whether the broker connection is live.
func (s *MqttService) IsConnected() bool {
	return s.client != nil && s.client.IsConnected()
}

// OnConnectionLost registers a callback invoked when the broker
// connection drops. Callbacks run on paho's notification goroutine.
func (s *MqttService) OnConnectionLost(fn func(error)) {
	s.mu.Lock()
	s.onLost = append(s.onLost, fn)
	s.mu.Unlock()
}

func (s *MqttService) notifyLost(err error) {
	s.mu.Lock()
	handlers := make([]func(error), len(s.onLost))
	copy(handlers, s.onLost)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(err)
	}
}
