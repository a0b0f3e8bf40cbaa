package services

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/stratovm/heartbeatd/internal/models"
	"github.com/stratovm/heartbeatd/internal/queue"
	"github.com/stratovm/heartbeatd/pkg/mqtt"
)

// ConnState is the receiver's view of the transport subscription.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ReceiverStats is a snapshot of the receiver's counters.
type ReceiverStats struct {
	Accepted     uint64
	DecodeErrors uint64
	Dropped      uint64
}

// HeartbeatReceiver subscribes to the heartbeat topic, decodes inbound
// payloads into heartbeat records and submits them to the bounded queue.
// Decode failures are dropped and counted; one corrupt heartbeat never
// interrupts the stream. Transport failures stop intake and are handed
// to the reconnect supervisor.
type HeartbeatReceiver struct {
	subTopic string
	qos      int

	mqttClient mqtt.MQTTClient
	queue      *queue.BoundedQueue
	logger     zerolog.Logger

	// onTransportFailure forwards connection loss to the supervisor.
	onTransportFailure func(error)

	state atomic.Int32

	accepted     atomic.Uint64
	decodeErrors atomic.Uint64
	dropped      atomic.Uint64

	mu      sync.Mutex
	running bool
}

// NewHeartbeatReceiver initializes a new HeartbeatReceiver.
func NewHeartbeatReceiver(subTopic string, qos int, mqttClient mqtt.MQTTClient, q *queue.BoundedQueue, logger zerolog.Logger) *HeartbeatReceiver {
	return &HeartbeatReceiver{
		subTopic:   subTopic,
		qos:        qos,
		mqttClient: mqttClient,
		queue:      q,
		logger:     logger,
	}
}

// SetFailureHandler wires the supervisor's failure intake. Must be set
// before Start.
func (r *HeartbeatReceiver) SetFailureHandler(fn func(error)) {
	r.onTransportFailure = fn
}

// Start subscribes to the heartbeat topic and begins admitting messages.
func (r *HeartbeatReceiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		r.logger.Warn().Msg("Heartbeat receiver is already running")
		return errors.New("heartbeat receiver is already running")
	}

	r.mqttClient.OnConnectionLost(r.handleConnectionLost)

	token := r.mqttClient.Subscribe(r.subTopic, byte(r.qos), r.HandleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		r.logger.Error().Err(err).Str("topic", r.subTopic).Msg("Failed to subscribe to heartbeat topic")
		return err
	}

	r.state.Store(int32(ConnConnected))
	r.running = true
	r.logger.Info().Str("topic", r.subTopic).Msg("Heartbeat receiver started")
	return nil
}

// Stop unsubscribes and stops admitting messages.
func (r *HeartbeatReceiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		r.logger.Warn().Msg("Heartbeat receiver is not running")
		return errors.New("heartbeat receiver is not running")
	}

	token := r.mqttClient.Unsubscribe(r.subTopic)
	token.Wait()
	if err := token.Error(); err != nil {
		r.logger.Warn().Err(err).Str("topic", r.subTopic).Msg("Failed to unsubscribe from heartbeat topic")
	}

	r.state.Store(int32(ConnDisconnected))
	r.running = false
	r.logger.Info().Msg("Heartbeat receiver stopped")
	return nil
}

// HandleMessage decodes one raw transport message and pushes it to the
// queue. Exposed for tests; the broker invokes it via the subscription.
func (r *HeartbeatReceiver) HandleMessage(_ MQTT.Client, msg MQTT.Message) {
	var record models.HeartbeatRecord
	if err := json.Unmarshal(msg.Payload(), &record); err != nil {
		r.decodeErrors.Add(1)
		r.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping undecodable heartbeat message")
		return
	}
	record.ReceivedAt = time.Now()

	if err := record.Validate(); err != nil {
		r.decodeErrors.Add(1)
		r.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping invalid heartbeat message")
		return
	}

	switch err := r.queue.Push(&record); {
	case err == nil:
		r.accepted.Add(1)
	case errors.Is(err, models.ErrQueueFull):
		r.dropped.Add(1)
		r.logger.Warn().Str("node_id", record.NodeID).Msg("Heartbeat rejected by saturated queue")
	case errors.Is(err, models.ErrShutdown):
		r.logger.Debug().Str("node_id", record.NodeID).Msg("Heartbeat discarded during shutdown")
	}
}

// Reconnect re-establishes the broker connection and the subscription.
// Called by the reconnect supervisor; queue and cache are left untouched
// so queued and in-flight heartbeats survive the reconnect.
func (r *HeartbeatReceiver) Reconnect() error {
	r.state.Store(int32(ConnConnecting))

	token := r.mqttClient.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		r.state.Store(int32(ConnDisconnected))
		return err
	}

	token = r.mqttClient.Subscribe(r.subTopic, byte(r.qos), r.HandleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		r.state.Store(int32(ConnDisconnected))
		return err
	}

	r.state.Store(int32(ConnConnected))
	r.logger.Info().Str("topic", r.subTopic).Msg("Heartbeat subscription re-established")
	return nil
}

// State reports the receiver's current transport state.
func (r *HeartbeatReceiver) State() ConnState {
	return ConnState(r.state.Load())
}

// Stats returns a snapshot of the receiver counters.
func (r *HeartbeatReceiver) Stats() ReceiverStats {
	return ReceiverStats{
		Accepted:     r.accepted.Load(),
		DecodeErrors: r.decodeErrors.Load(),
		Dropped:      r.dropped.Load(),
	}
}

func (r *HeartbeatReceiver) handleConnectionLost(err error) {
	r.state.Store(int32(ConnDisconnected))
	r.logger.Error().Err(err).Msg("Heartbeat transport connection lost")
	if r.onTransportFailure != nil {
		r.onTransportFailure(err)
	}
}
