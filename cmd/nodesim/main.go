// Command nodesim publishes synthetic compute-node heartbeats so the
// ingestion pipeline can be exercised end to end against a real broker.
// Each simulated node reports a fixed set of fake VMs whose zone states
// drift randomly between runs of the publish loop.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/load"

	"github.com/stratovm/heartbeatd/internal/models"
)

var zoneStates = []string{"running", "stopped", "installed", "provisioning"}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	topic := flag.String("topic", "compute/heartbeats", "heartbeat topic")
	qos := flag.Int("qos", 1, "MQTT QoS level")
	nodes := flag.Int("nodes", 2, "number of simulated compute nodes")
	vms := flag.Int("vms", 8, "VMs per simulated node")
	interval := flag.Duration("interval", 5*time.Second, "heartbeat interval")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID("nodesim-" + uuid.New().String())
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal().Err(token.Error()).Msg("Failed to connect to broker")
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(*nodes)
	for n := 0; n < *nodes; n++ {
		node := newSimNode(fmt.Sprintf("node-%s", uuid.New().String()[:8]), *vms)
		go func() {
			defer wg.Done()
			node.run(client, *topic, byte(*qos), *interval, done, logger)
		}()
	}

	<-stopCh
	close(done)
	wg.Wait()
	client.Disconnect(250)
	logger.Info().Msg("Simulator stopped")
}

type simNode struct {
	id       string
	sequence uint64
	vms      []models.VMStatus
}

func newSimNode(id string, count int) *simNode {
	vms := make([]models.VMStatus, count)
	for i := range vms {
		vms[i] = models.VMStatus{
			VMID:           uuid.New().String(),
			ZoneState:      "running",
			LifecycleState: "active",
			ZonePath:       "/zones/" + strconv.Itoa(i),
			Brand:          "joyent",
		}
	}
	return &simNode{id: id, vms: vms}
}

func (n *simNode) run(client mqtt.Client, topic string, qos byte, interval time.Duration, done <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			payload, err := json.Marshal(n.nextHeartbeat())
			if err != nil {
				logger.Error().Err(err).Msg("Failed to serialize heartbeat")
				continue
			}
			token := client.Publish(topic, qos, false, payload)
			token.Wait()
			if err := token.Error(); err != nil {
				logger.Error().Err(err).Str("node_id", n.id).Msg("Failed to publish heartbeat")
			} else {
				logger.Debug().Str("node_id", n.id).Uint64("sequence", n.sequence).Msg("Heartbeat published")
			}
		case <-done:
			return
		}
	}
}

// nextHeartbeat advances the node's sequence, drifts a random VM to a
// new zone state and reports the real host load average as a node
// attribute.
func (n *simNode) nextHeartbeat() models.HeartbeatRecord {
	n.sequence++

	if len(n.vms) > 0 && rand.IntN(4) == 0 {
		vm := &n.vms[rand.IntN(len(n.vms))]
		vm.ZoneState = zoneStates[rand.IntN(len(zoneStates))]
	}

	attrs := map[string]string{}
	if avg, err := load.Avg(); err == nil {
		attrs["host_load1"] = strconv.FormatFloat(avg.Load1, 'f', 2, 64)
	}

	vms := make([]models.VMStatus, len(n.vms))
	copy(vms, n.vms)
	for i := range vms {
		vms[i].Attributes = attrs
	}

	return models.HeartbeatRecord{
		NodeID:    n.id,
		Timestamp: time.Now().UTC(),
		Sequence:  n.sequence,
		VMs:       vms,
	}
}
