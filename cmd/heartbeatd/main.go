package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stratovm/heartbeatd/internal/cache"
	"github.com/stratovm/heartbeatd/internal/metrics"
	"github.com/stratovm/heartbeatd/internal/queue"
	"github.com/stratovm/heartbeatd/internal/service_registry"
	"github.com/stratovm/heartbeatd/internal/services"
	"github.com/stratovm/heartbeatd/internal/utils"
	"github.com/stratovm/heartbeatd/pkg/file"
	"github.com/stratovm/heartbeatd/pkg/mqtt"
)

func main() {
	// Set up structured logging with JSON output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Load configuration from file
	fileClient := file.NewFileService()
	config, err := utils.LoadConfig("configs/config.yaml", fileClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Generate a unique MQTT Client ID by appending a UUID
	config.MQTT.ClientID = config.MQTT.ClientID + "-" + uuid.New().String()
	logger.Info().Str("client_id", config.MQTT.ClientID).Msg("Using MQTT client ID")

	// Initialize the shared MQTT connection
	mqttClient := mqtt.NewMqttService(fileClient)
	if err := mqttClient.Initialize(config.MQTT.Broker, config.MQTT.ClientID, config.MQTT.CACertificate); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize MQTT connection")
	}

	// Build the pipeline: queue -> updater -> cache, fed by the receiver
	// and supervised for reconnects.
	policy, err := queue.ParsePolicy(config.Queue.AdmissionPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid admission policy")
	}
	hbQueue := queue.NewBoundedQueue(config.Queue.Capacity, config.Queue.Concurrency, policy, logger)
	store := cache.NewStore(logger)
	updater := services.NewCacheUpdater(config.Queue.Concurrency, hbQueue, store, logger)
	receiver := services.NewHeartbeatReceiver(config.Heartbeat.Topic, config.Heartbeat.QOS, mqttClient, hbQueue, logger)
	supervisor := services.NewReconnectSupervisor(receiver, time.Duration(config.Reconnect.Delay)*time.Second, logger)
	receiver.SetFailureHandler(supervisor.NotifyFailure)

	if config.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		pipelineMetrics := metrics.NewPipelineMetrics(reg)
		hbQueue.AddListener(pipelineMetrics)
		updater.AddListener(pipelineMetrics)
		metrics.NewStatsCollector(reg, hbQueue.Stats, receiver.Stats, updater.Stats)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			logger.Info().Str("address", config.Metrics.ListenAddress).Msg("Serving prometheus metrics")
			if err := http.ListenAndServe(config.Metrics.ListenAddress, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	// Register the pipeline services: workers first so the queue is
	// consumed before intake opens, supervisor last.
	registry := service_registry.NewServiceRegistry(logger)
	registry.RegisterService("cache-updater", updater)
	registry.RegisterService("heartbeat-receiver", receiver)
	registry.RegisterService("reconnect-supervisor", supervisor)

	if err := registry.StartServices(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start services")
	}
	logger.Info().Msg("All services started successfully")

	// Handle graceful shutdown; a second signal forces the queue to
	// abandon whatever is still waiting.
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	logger.Info().Msg("Shutting down gracefully...")
	go func() {
		<-stopCh
		if n := hbQueue.CloseNow(); n > 0 {
			logger.Warn().Int("undelivered", n).Msg("Forced shutdown abandoned queued heartbeats")
		}
	}()

	if err := registry.StopServices(); err != nil {
		logger.Error().Err(err).Msg("Errors while stopping services")
	}
	mqttClient.Disconnect(250)
	logger.Info().Int("cached_vms", store.Len()).Msg("Shutdown complete")
}
