package circuitbreaker

import (
	"testing"
	"time"
)

const endpoint = "https://mail.example.com/v1/send"

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New(3, time.Minute)

	for i := 0; i < 2; i++ {
		cb.RecordFailure(endpoint)
		if err := cb.Allow(endpoint); err != nil {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}

	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); err != ErrCircuitOpen {
		t.Errorf("Allow = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	cb := New(1, time.Minute)
	cb.clock = func() time.Time { return now }

	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); err != ErrCircuitOpen {
		t.Fatalf("Allow = %v, want ErrCircuitOpen", err)
	}

	// Cooldown elapsed: one probe is allowed through, the next is not.
	now = now.Add(time.Minute)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("probe after cooldown rejected: %v", err)
	}
	if err := cb.Allow(endpoint); err != ErrCircuitOpen {
		t.Errorf("second probe allowed in half-open state")
	}

	// A successful probe closes the circuit.
	cb.RecordSuccess(endpoint)
	if err := cb.Allow(endpoint); err != nil {
		t.Errorf("Allow after success = %v, want nil", err)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	cb := New(1, time.Minute)
	cb.clock = func() time.Time { return now }

	cb.RecordFailure(endpoint)
	now = now.Add(time.Minute)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("probe after cooldown rejected: %v", err)
	}

	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); err != ErrCircuitOpen {
		t.Errorf("Allow after failed probe = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_EndpointsAreIndependent(t *testing.T) {
	cb := New(1, time.Minute)

	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); err != ErrCircuitOpen {
		t.Fatalf("Allow = %v, want ErrCircuitOpen", err)
	}
	if err := cb.Allow("https://other.example.com/send"); err != nil {
		t.Errorf("unrelated endpoint affected: %v", err)
	}
}
