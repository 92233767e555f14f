// Package kernel provides the kernel execution state machine and the
// execution-slot limiters that bound concurrent pipeline runs.
package kernel

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// State is the kernel execution state.
type State string

const (
	StateIdle      State = "idle"
	StateExecuting State = "executing"
	StateVerifying State = "verifying"
	StateSafeMode  State = "safe_mode"
)

// Trigger names the pipeline events that drive transitions.
type Trigger string

const (
	TriggerToolValidated      Trigger = "tool_validated"
	TriggerExecutionComplete  Trigger = "execution_complete"
	TriggerVerificationPassed Trigger = "verification_passed"
	TriggerVerificationFailed Trigger = "verification_failed"
	TriggerFatalError         Trigger = "fatal_error"
	TriggerRecovered          Trigger = "recovered"
)

// TransitionCallback observes every state change.
type TransitionCallback func(from, to State, trigger Trigger)

// DefaultSafeModeThreshold is the consecutive-failure run that trips safe mode.
const DefaultSafeModeThreshold = 3

// StateMachine tracks kernel execution state and the consecutive-error count.
// After a configurable run of consecutive fatal errors it enters safe mode,
// which only Recover exits.
type StateMachine struct {
	mu                sync.Mutex
	state             State
	consecutiveErrors int
	threshold         int
	callbacks         []TransitionCallback
	recoveryProbe     *rate.Limiter
	logger            *slog.Logger
}

// MachineOption configures a StateMachine.
type MachineOption func(*StateMachine)

// WithSafeModeThreshold sets the consecutive-error count that enters safe mode.
func WithSafeModeThreshold(n int) MachineOption {
	return func(m *StateMachine) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// WithRecoveryProbeLimit bounds how often Recover may be attempted.
func WithRecoveryProbeLimit(l *rate.Limiter) MachineOption {
	return func(m *StateMachine) { m.recoveryProbe = l }
}

// NewStateMachine creates a machine in the idle state.
func NewStateMachine(opts ...MachineOption) *StateMachine {
	m := &StateMachine{
		state:     StateIdle,
		threshold: DefaultSafeModeThreshold,
		// One recovery probe per second, small burst. Keeps a flapping
		// caller from spinning the kernel in and out of safe mode.
		recoveryProbe: rate.NewLimiter(rate.Limit(1), 2),
		logger:        slog.Default().With("component", "kernel-fsm"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTransition registers a callback invoked on every transition.
func (m *StateMachine) OnTransition(cb TransitionCallback) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConsecutiveErrors returns the current consecutive fatal-error run.
func (m *StateMachine) ConsecutiveErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveErrors
}

// InSafeMode reports whether the kernel is restricted to recovery only.
func (m *StateMachine) InSafeMode() bool {
	return m.State() == StateSafeMode
}

// Fire drives the machine with a pipeline trigger. Invalid triggers for the
// current state return an error and leave the state unchanged.
func (m *StateMachine) Fire(trigger Trigger) (State, error) {
	m.mu.Lock()
	from := m.state
	to, err := m.nextLocked(trigger)
	if err != nil {
		m.mu.Unlock()
		return from, err
	}
	m.state = to
	callbacks := append([]TransitionCallback(nil), m.callbacks...)
	m.mu.Unlock()

	if to != from {
		m.logger.Debug("kernel state changed", "from", string(from), "to", string(to), "trigger", string(trigger))
	}
	for _, cb := range callbacks {
		cb(from, to, trigger)
	}
	return to, nil
}

func (m *StateMachine) nextLocked(trigger Trigger) (State, error) {
	switch trigger {
	case TriggerToolValidated:
		if m.state != StateIdle {
			return m.state, m.invalid(trigger)
		}
		return StateExecuting, nil

	case TriggerExecutionComplete:
		if m.state != StateExecuting {
			return m.state, m.invalid(trigger)
		}
		return StateVerifying, nil

	case TriggerVerificationPassed:
		if m.state != StateVerifying {
			return m.state, m.invalid(trigger)
		}
		m.consecutiveErrors = 0
		return StateIdle, nil

	case TriggerVerificationFailed:
		if m.state != StateVerifying {
			return m.state, m.invalid(trigger)
		}
		return StateIdle, nil

	case TriggerFatalError:
		// Fatal errors are legal from any non-safe-mode state.
		if m.state == StateSafeMode {
			return m.state, m.invalid(trigger)
		}
		m.consecutiveErrors++
		if m.consecutiveErrors >= m.threshold {
			return StateSafeMode, nil
		}
		return StateIdle, nil

	case TriggerRecovered:
		if m.state != StateSafeMode {
			return m.state, m.invalid(trigger)
		}
		m.consecutiveErrors = 0
		return StateIdle, nil

	default:
		return m.state, fmt.Errorf("kernel: unknown trigger %q", trigger)
	}
}

func (m *StateMachine) invalid(trigger Trigger) error {
	return fmt.Errorf("kernel: invalid trigger %q in state %q", trigger, m.state)
}

// Recover attempts to exit safe mode. Attempts are rate-limited; a denied
// probe returns an error without touching the state.
func (m *StateMachine) Recover() error {
	if !m.InSafeMode() {
		return fmt.Errorf("kernel: recover called outside safe mode (state=%s)", m.State())
	}
	if m.recoveryProbe != nil && !m.recoveryProbe.Allow() {
		return fmt.Errorf("kernel: recovery probe rate limited")
	}
	_, err := m.Fire(TriggerRecovered)
	return err
}
