package service_registry

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Service is the interface for the pipeline's long-running components.
type Service interface {
	Start() error
	Stop() error
}

// ServiceRegistry manages the lifecycle of the pipeline services: the
// cache updater, the heartbeat receiver and the reconnect supervisor,
// started in registration order and stopped in reverse.
type ServiceRegistry struct {
	services    map[string]Service
	serviceKeys []string
	logger      zerolog.Logger
}

// NewServiceRegistry initializes a new service registry.
func NewServiceRegistry(logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]Service),
		logger:   logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc Service) {
	if _, exists := sr.services[name]; exists {
		sr.logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.logger.Info().Msgf("Registered service: %s", name)
}

// StartServices initiates all registered services in order. If a service
// fails to start, already started services are stopped in reverse.
func (sr *ServiceRegistry) StartServices() error {
	started := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(started) - 1; i >= 0; i-- {
				_ = sr.services[started[i]].Stop()
			}
			return err
		}
		started = append(started, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}
