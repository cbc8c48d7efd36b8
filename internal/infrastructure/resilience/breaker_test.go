package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		settings      Settings
		outcomes      []bool // true = success, false = failure
		expectedState State
	}{
		{
			name:          "stays closed on successes",
			settings:      Settings{FailMax: 3, ResetTimeout: time.Minute},
			outcomes:      []bool{true, true, true},
			expectedState: StateClosed,
		},
		{
			name:          "opens after consecutive failures",
			settings:      Settings{FailMax: 3, ResetTimeout: time.Minute},
			outcomes:      []bool{false, false, false},
			expectedState: StateOpen,
		},
		{
			name:          "success resets the failure count",
			settings:      Settings{FailMax: 3, ResetTimeout: time.Minute},
			outcomes:      []bool{false, false, true, false, false},
			expectedState: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker := New("test", tt.settings)
			for _, success := range tt.outcomes {
				if breaker.Allow() == nil {
					breaker.Record(success)
				}
			}
			assert.Equal(t, tt.expectedState, breaker.State())
		})
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	breaker := New("test", Settings{FailMax: 2, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		require.NoError(t, breaker.Allow())
		breaker.Record(false)
	}

	assert.Equal(t, StateOpen, breaker.State())
	assert.ErrorIs(t, breaker.Allow(), ErrOpen)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	breaker := New("test", Settings{FailMax: 1, ResetTimeout: 10 * time.Millisecond})

	require.NoError(t, breaker.Allow())
	breaker.Record(false)
	require.Equal(t, StateOpen, breaker.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, breaker.State())

	// Only one probe is admitted
	require.NoError(t, breaker.Allow())
	assert.ErrorIs(t, breaker.Allow(), ErrOpen)

	// Probe success closes the circuit
	breaker.Record(true)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreakerNeutralOutcomeReleasesProbe(t *testing.T) {
	breaker := New("test", Settings{FailMax: 1, ResetTimeout: 10 * time.Millisecond})

	require.NoError(t, breaker.Allow())
	breaker.Record(false)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, breaker.State())

	// The probe finishes with an outcome that says nothing about the
	// upstream; the slot must be released, not left dangling.
	require.NoError(t, breaker.Allow())
	breaker.Neutral()

	assert.Equal(t, StateHalfOpen, breaker.State())
	require.NoError(t, breaker.Allow(), "next request must be admitted as a fresh probe")
	breaker.Record(true)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	breaker := New("test", Settings{FailMax: 1, ResetTimeout: 10 * time.Millisecond})

	require.NoError(t, breaker.Allow())
	breaker.Record(false)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, breaker.Allow())
	breaker.Record(false)

	assert.Equal(t, StateOpen, breaker.State())
	assert.ErrorIs(t, breaker.Allow(), ErrOpen)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []State
	breaker := New("test", Settings{
		FailMax:      1,
		ResetTimeout: time.Minute,
		OnStateChange: func(name string, from, to State) {
			assert.Equal(t, "test", name)
			transitions = append(transitions, to)
		},
	})

	require.NoError(t, breaker.Allow())
	breaker.Record(false)

	require.Len(t, transitions, 1)
	assert.Equal(t, StateOpen, transitions[0])
}
