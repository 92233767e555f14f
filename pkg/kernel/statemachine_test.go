package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestHappyPathCycle(t *testing.T) {
	m := NewStateMachine()

	var transitions [][3]string
	m.OnTransition(func(from, to State, trigger Trigger) {
		transitions = append(transitions, [3]string{string(from), string(to), string(trigger)})
	})

	s, err := m.Fire(TriggerToolValidated)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, s)

	s, err = m.Fire(TriggerExecutionComplete)
	require.NoError(t, err)
	assert.Equal(t, StateVerifying, s)

	s, err = m.Fire(TriggerVerificationPassed)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s)

	require.Len(t, transitions, 3)
	assert.Equal(t, [3]string{"idle", "executing", "tool_validated"}, transitions[0])
	assert.Equal(t, [3]string{"verifying", "idle", "verification_passed"}, transitions[2])
}

func TestInvalidTrigger(t *testing.T) {
	m := NewStateMachine()
	_, err := m.Fire(TriggerExecutionComplete)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid trigger")
	assert.Equal(t, StateIdle, m.State())
}

func TestFatalErrorIncrementsCounter(t *testing.T) {
	m := NewStateMachine(WithSafeModeThreshold(5))

	_, err := m.Fire(TriggerToolValidated)
	require.NoError(t, err)
	_, err = m.Fire(TriggerFatalError)
	require.NoError(t, err)

	assert.Equal(t, 1, m.ConsecutiveErrors())
	assert.Equal(t, StateIdle, m.State())
}

func TestSuccessfulCycleResetsCounter(t *testing.T) {
	m := NewStateMachine(WithSafeModeThreshold(5))

	_, _ = m.Fire(TriggerToolValidated)
	_, _ = m.Fire(TriggerFatalError)
	require.Equal(t, 1, m.ConsecutiveErrors())

	_, _ = m.Fire(TriggerToolValidated)
	_, _ = m.Fire(TriggerExecutionComplete)
	_, _ = m.Fire(TriggerVerificationPassed)
	assert.Zero(t, m.ConsecutiveErrors())
}

func TestSafeModeEntryAndRecovery(t *testing.T) {
	m := NewStateMachine(
		WithSafeModeThreshold(2),
		WithRecoveryProbeLimit(rate.NewLimiter(rate.Inf, 1)),
	)

	for i := 0; i < 2; i++ {
		_, err := m.Fire(TriggerToolValidated)
		require.NoError(t, err)
		_, err = m.Fire(TriggerFatalError)
		require.NoError(t, err)
	}
	assert.True(t, m.InSafeMode())

	// Nothing but recovery is legal in safe mode.
	_, err := m.Fire(TriggerToolValidated)
	require.Error(t, err)
	_, err = m.Fire(TriggerFatalError)
	require.Error(t, err)

	require.NoError(t, m.Recover())
	assert.Equal(t, StateIdle, m.State())
	assert.Zero(t, m.ConsecutiveErrors())
}

func TestRecoverOutsideSafeMode(t *testing.T) {
	m := NewStateMachine()
	require.Error(t, m.Recover())
}

func TestRecoveryProbeRateLimited(t *testing.T) {
	m := NewStateMachine(
		WithSafeModeThreshold(1),
		WithRecoveryProbeLimit(rate.NewLimiter(rate.Limit(0.001), 1)),
	)

	_, _ = m.Fire(TriggerToolValidated)
	_, _ = m.Fire(TriggerFatalError)
	require.True(t, m.InSafeMode())

	require.NoError(t, m.Recover())

	// Re-trip safe mode; the probe budget is exhausted now.
	_, _ = m.Fire(TriggerToolValidated)
	_, _ = m.Fire(TriggerFatalError)
	require.True(t, m.InSafeMode())
	err := m.Recover()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestLocalSlotLimiterSequential(t *testing.T) {
	l := NewLocalSlotLimiter(1)

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, l.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	require.Error(t, err, "second acquire must block until release")

	release()
	assert.Zero(t, l.InFlight())

	release2, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestLocalSlotLimiterConcurrentBound(t *testing.T) {
	const maxConcurrent = 3
	l := NewLocalSlotLimiter(maxConcurrent)

	var mu sync.Mutex
	inFlight, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, maxConcurrent)
}
