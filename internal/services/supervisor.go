package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// SupervisorState is the reconnect state machine's current position.
type SupervisorState int32

const (
	StateIdle SupervisorState = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateShuttingDown
)

func (s SupervisorState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "idle"
	}
}

// Reconnector re-establishes the transport after a failure. Implemented
// by the heartbeat receiver against the real broker and by test doubles
// in isolation.
type Reconnector interface {
	Reconnect() error
}

// DefaultReconnectDelay is the fixed wait between reconnect attempts.
const DefaultReconnectDelay = 5 * time.Second

// ReconnectSupervisor owns the connection-recovery loop: on a reported
// transport failure it backs off for a fixed delay, attempts to
// reconnect and repeats indefinitely until success or an explicit stop.
// The delay deliberately does not grow per consecutive failure.
type ReconnectSupervisor struct {
	transport Reconnector
	delay     time.Duration
	logger    zerolog.Logger

	failures chan error
	state    atomic.Int32
	attempts atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconnectSupervisor initializes a supervisor for the given
// transport. A non-positive delay falls back to DefaultReconnectDelay.
func NewReconnectSupervisor(transport Reconnector, delay time.Duration, logger zerolog.Logger) *ReconnectSupervisor {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &ReconnectSupervisor{
		transport: transport,
		delay:     delay,
		logger:    logger,
		failures:  make(chan error, 1),
	}
}

// Start launches the supervision loop. The transport is expected to be
// connected at this point, so the machine begins in Connected.
func (s *ReconnectSupervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		s.logger.Warn().Msg("Reconnect supervisor is already running")
		return errors.New("reconnect supervisor is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.setState(StateConnected)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()

	s.logger.Info().Dur("delay", s.delay).Msg("Reconnect supervisor started")
	return nil
}

// Stop terminates the supervision loop. In-flight reconnect waits are
// abandoned; the machine parks in ShuttingDown.
func (s *ReconnectSupervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		s.logger.Warn().Msg("Reconnect supervisor is not running")
		return errors.New("reconnect supervisor is not running")
	}

	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil
	s.setState(StateShuttingDown)

	s.logger.Info().Msg("Reconnect supervisor stopped")
	return nil
}

// NotifyFailure reports a transport failure to the supervisor. Safe to
// call from transport callbacks; a failure reported while a reconnect
// cycle is already pending is coalesced into it.
func (s *ReconnectSupervisor) NotifyFailure(err error) {
	select {
	case s.failures <- err:
	default:
	}
}

// State reports the machine's current position.
func (s *ReconnectSupervisor) State() SupervisorState {
	return SupervisorState(s.state.Load())
}

// Attempts reports how many reconnect attempts have been made.
func (s *ReconnectSupervisor) Attempts() uint64 {
	return s.attempts.Load()
}

func (s *ReconnectSupervisor) run() {
	for {
		select {
		case err := <-s.failures:
			s.reconnectLoop(err)
		case <-s.ctx.Done():
			s.setState(StateShuttingDown)
			return
		}
	}
}

// reconnectLoop drives Backoff -> Connecting until the transport comes
// back or the supervisor is stopped. Retries are unbounded.
func (s *ReconnectSupervisor) reconnectLoop(cause error) {
	s.logger.Warn().Err(cause).Msg("Transport failure reported, entering backoff")

	for {
		s.setState(StateBackoff)
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			s.setState(StateShuttingDown)
			return
		}

		s.setState(StateConnecting)
		attempt := s.attempts.Add(1)
		if err := s.transport.Reconnect(); err != nil {
			s.logger.Error().Err(err).Uint64("attempt", attempt).Msg("Reconnect attempt failed")
			continue
		}

		s.setState(StateConnected)
		s.logger.Info().Uint64("attempt", attempt).Msg("Transport reconnected, heartbeat intake resumed")
		return
	}
}

func (s *ReconnectSupervisor) setState(st SupervisorState) {
	old := SupervisorState(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Debug().
			Str("from", old.String()).
			Str("to", st.String()).
			Msg("Reconnect supervisor state change")
	}
}
