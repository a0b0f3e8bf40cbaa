package utils

import (
	"fmt"
	"time"

	"github.com/stratovm/heartbeatd/internal/queue"
	"github.com/stratovm/heartbeatd/pkg/file"
)

// Config represents the structure of the configuration file. Everything
// the core consumes is fixed at construction; there is no runtime
// reconfiguration.
type Config struct {
	MQTT struct {
		Broker        string `yaml:"broker"`         // MQTT broker address
		ClientID      string `yaml:"client_id"`      // MQTT client ID prefix
		CACertificate string `yaml:"ca_certificate"` // Path to the CA certificate (optional)
	} `yaml:"mqtt"`

	Heartbeat struct {
		Topic string `yaml:"topic"` // MQTT topic carrying compute-node heartbeats
		QOS   int    `yaml:"qos"`   // MQTT QoS level for the subscription
	} `yaml:"heartbeat"`

	Queue struct {
		Capacity        int    `yaml:"capacity"`         // Fixed queue capacity C
		Concurrency     int    `yaml:"concurrency"`      // Max in-flight items K
		AdmissionPolicy string `yaml:"admission_policy"` // block | drop-newest | drop-oldest
	} `yaml:"queue"`

	Reconnect struct {
		Delay time.Duration `yaml:"delay"` // Fixed backoff between reconnect attempts (in seconds)
	} `yaml:"reconnect"`

	Metrics struct {
		Enabled       bool   `yaml:"enabled"`        // Enable/disable the prometheus endpoint
		ListenAddress string `yaml:"listen_address"` // Address for the metrics HTTP listener
	} `yaml:"metrics"`
}

// LoadConfig loads the YAML configuration from the specified file,
// applies defaults and validates the result.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.Heartbeat.Topic == "" {
		return fmt.Errorf("heartbeat.topic is required")
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 128
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 8
	}
	if c.Queue.Concurrency > c.Queue.Capacity {
		return fmt.Errorf("queue.concurrency (%d) must not exceed queue.capacity (%d)",
			c.Queue.Concurrency, c.Queue.Capacity)
	}
	if _, err := queue.ParsePolicy(c.Queue.AdmissionPolicy); err != nil {
		return fmt.Errorf("queue.admission_policy: %w", err)
	}
	if c.Reconnect.Delay <= 0 {
		c.Reconnect.Delay = 5
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}
	return nil
}
