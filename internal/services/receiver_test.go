package services

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stratovm/heartbeatd/internal/models"
	"github.com/stratovm/heartbeatd/internal/queue"
)

func newReceiverFixture(t *testing.T, q *queue.BoundedQueue) (*HeartbeatReceiver, *mockMQTTClient) {
	t.Helper()
	client := new(mockMQTTClient)
	r := NewHeartbeatReceiver("compute/heartbeats", 1, client, q, zerolog.Nop())
	return r, client
}

func validPayload(t *testing.T, node string, seq uint64) []byte {
	t.Helper()
	payload, err := json.Marshal(models.HeartbeatRecord{
		NodeID:    node,
		Timestamp: time.Now().UTC(),
		Sequence:  seq,
		VMs:       []models.VMStatus{{VMID: "vm-1", ZoneState: "running"}},
	})
	require.NoError(t, err)
	return payload
}

func TestHeartbeatReceiver_StartSubscribesAndGuards(t *testing.T) {
	q := queue.NewBoundedQueue(4, 1, queue.PolicyBlock, zerolog.Nop())
	r, client := newReceiverFixture(t, q)

	client.On("OnConnectionLost", mock.Anything).Return()
	client.On("Subscribe", "compute/heartbeats", byte(1), mock.Anything).Return(&mockToken{})

	require.NoError(t, r.Start())
	assert.Equal(t, ConnConnected, r.State())

	err := r.Start()
	require.Error(t, err)
	assert.Equal(t, "heartbeat receiver is already running", err.Error())

	client.On("Unsubscribe", []string{"compute/heartbeats"}).Return(&mockToken{})
	require.NoError(t, r.Stop())
	assert.Equal(t, ConnDisconnected, r.State())
	assert.Error(t, r.Stop())
}

func TestHeartbeatReceiver_StartFailsWhenSubscribeFails(t *testing.T) {
	q := queue.NewBoundedQueue(4, 1, queue.PolicyBlock, zerolog.Nop())
	r, client := newReceiverFixture(t, q)

	client.On("OnConnectionLost", mock.Anything).Return()
	client.On("Subscribe", "compute/heartbeats", byte(1), mock.Anything).
		Return(&mockToken{err: errors.New("broker refused")})

	assert.Error(t, r.Start())
	assert.Equal(t, ConnDisconnected, r.State())
}

func TestHeartbeatReceiver_HandleMessageAdmitsValidHeartbeat(t *testing.T) {
	q := queue.NewBoundedQueue(4, 1, queue.PolicyBlock, zerolog.Nop())
	r, _ := newReceiverFixture(t, q)

	r.HandleMessage(nil, &mockMessage{topic: "compute/heartbeats", payload: validPayload(t, "node-1", 1)})

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, uint64(1), r.Stats().Accepted)

	item, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, "node-1", item.Record.NodeID)
	assert.False(t, item.Record.ReceivedAt.IsZero(), "receiver must stamp receipt time")
	q.Done()
}

func TestHeartbeatReceiver_MalformedMessagesDroppedNotFatal(t *testing.T) {
	q := queue.NewBoundedQueue(4, 1, queue.PolicyBlock, zerolog.Nop())
	r, _ := newReceiverFixture(t, q)

	// Undecodable JSON.
	r.HandleMessage(nil, &mockMessage{payload: []byte("{not json")})
	// Missing node identifier.
	r.HandleMessage(nil, &mockMessage{payload: []byte(`{"timestamp":"2026-01-02T15:04:05Z","vms":[{"vm_id":"vm-1","zone_state":"running"}]}`)})
	// No well-formed VM tuple.
	r.HandleMessage(nil, &mockMessage{payload: []byte(`{"node_id":"node-1","timestamp":"2026-01-02T15:04:05Z","vms":[{"vm_id":""}]}`)})

	assert.Equal(t, uint64(3), r.Stats().DecodeErrors)
	assert.Equal(t, 0, q.Len())

	// The stream keeps flowing after the bad ones.
	r.HandleMessage(nil, &mockMessage{payload: validPayload(t, "node-1", 1)})
	assert.Equal(t, uint64(1), r.Stats().Accepted)
	assert.Equal(t, 1, q.Len())
}

func TestHeartbeatReceiver_CountsDropsFromSaturatedQueue(t *testing.T) {
	q := queue.NewBoundedQueue(1, 1, queue.PolicyDropNewest, zerolog.Nop())
	r, _ := newReceiverFixture(t, q)

	r.HandleMessage(nil, &mockMessage{payload: validPayload(t, "node-1", 1)})
	r.HandleMessage(nil, &mockMessage{payload: validPayload(t, "node-1", 2)})

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestHeartbeatReceiver_ConnectionLossNotifiesSupervisor(t *testing.T) {
	q := queue.NewBoundedQueue(4, 1, queue.PolicyBlock, zerolog.Nop())
	r, _ := newReceiverFixture(t, q)

	received := make(chan error, 1)
	r.SetFailureHandler(func(err error) { received <- err })

	cause := errors.New("broker went away")
	r.handleConnectionLost(cause)

	assert.Equal(t, ConnDisconnected, r.State())
	select {
	case err := <-received:
		assert.Equal(t, cause, err)
	default:
		t.Fatal("failure handler was not invoked")
	}
}

func TestHeartbeatReceiver_ReconnectRestoresSubscription(t *testing.T) {
	q := queue.NewBoundedQueue(4, 1, queue.PolicyBlock, zerolog.Nop())
	r, client := newReceiverFixture(t, q)

	client.On("Connect").Return(&mockToken{}).Once()
	client.On("Subscribe", "compute/heartbeats", byte(1), mock.Anything).Return(&mockToken{}).Once()

	require.NoError(t, r.Reconnect())
	assert.Equal(t, ConnConnected, r.State())
	client.AssertExpectations(t)
}

func TestHeartbeatReceiver_ReconnectReportsConnectFailure(t *testing.T) {
	q := queue.NewBoundedQueue(4, 1, queue.PolicyBlock, zerolog.Nop())
	r, client := newReceiverFixture(t, q)

	client.On("Connect").Return(&mockToken{err: errors.New("still down")})

	assert.Error(t, r.Reconnect())
	assert.Equal(t, ConnDisconnected, r.State())
}
