package device

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testAttempt(name, version string) Attempt {
	return Attempt{
		DeviceID:   "id-" + name,
		DeviceName: name,
		Secret:     DeriveSecret(name),
		Version:    version,
	}
}

func TestRegistry_BeginUpdateRejectsSecondCommand(t *testing.T) {
	r := NewRegistry(NewMockRepository())
	defer r.Close()

	a := testAttempt("pump", "1.1.0")
	if err := r.BeginUpdate(a, time.Minute, nil); err != nil {
		t.Fatalf("BeginUpdate() error = %v", err)
	}
	if r.UpdatePhase(a.Secret) != PhaseAwaiting {
		t.Errorf("UpdatePhase() = %v, want awaiting", r.UpdatePhase(a.Secret))
	}

	if err := r.BeginUpdate(testAttempt("pump", "1.2.0"), time.Minute, nil); !errors.Is(err, ErrUpdateInFlight) {
		t.Errorf("second BeginUpdate() error = %v, want ErrUpdateInFlight", err)
	}

	// A different device is independent.
	if err := r.BeginUpdate(testAttempt("valve", "1.0.0"), time.Minute, nil); err != nil {
		t.Errorf("BeginUpdate(other) error = %v", err)
	}
	if n := len(r.InFlight()); n != 2 {
		t.Errorf("InFlight() len = %d, want 2", n)
	}
}

func TestRegistry_UpdateTimeoutFiresOnce(t *testing.T) {
	r := NewRegistry(NewMockRepository())
	defer r.Close()

	a := testAttempt("pump", "1.1.0")
	fired := make(chan Attempt, 2)
	if err := r.BeginUpdate(a, 20*time.Millisecond, func(got Attempt) { fired <- got }); err != nil {
		t.Fatalf("BeginUpdate() error = %v", err)
	}

	select {
	case got := <-fired:
		if got.Version != "1.1.0" || got.DeviceName != "pump" {
			t.Errorf("timeout attempt = %+v", got)
		}
		if got.SentAt.IsZero() {
			t.Error("SentAt not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never ran")
	}

	select {
	case <-fired:
		t.Fatal("timeout callback ran twice")
	case <-time.After(50 * time.Millisecond):
	}

	if r.UpdatePhase(a.Secret) != PhaseIdle {
		t.Errorf("UpdatePhase() after timeout = %v, want idle", r.UpdatePhase(a.Secret))
	}
	if _, ok := r.EndUpdate(a.Secret); ok {
		t.Error("EndUpdate() after timeout reported an outstanding attempt")
	}

	// The device accepts a new command once idle again.
	if err := r.BeginUpdate(a, time.Minute, nil); err != nil {
		t.Errorf("BeginUpdate() after timeout error = %v", err)
	}
}

func TestRegistry_EndUpdateCancelsTimer(t *testing.T) {
	r := NewRegistry(NewMockRepository())
	defer r.Close()

	a := testAttempt("pump", "1.1.0")
	var calls atomic.Int32
	if err := r.BeginUpdate(a, 30*time.Millisecond, func(Attempt) { calls.Add(1) }); err != nil {
		t.Fatalf("BeginUpdate() error = %v", err)
	}

	got, ok := r.EndUpdate(a.Secret)
	if !ok || got.Version != "1.1.0" {
		t.Fatalf("EndUpdate() = %+v, %v", got, ok)
	}
	if _, ok := r.EndUpdate(a.Secret); ok {
		t.Error("repeated EndUpdate() reported an outstanding attempt")
	}

	time.Sleep(80 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("timeout callback ran %d times after EndUpdate", calls.Load())
	}
}

func TestRegistry_CloseDisarmsTimers(t *testing.T) {
	r := NewRegistry(NewMockRepository())

	var calls atomic.Int32
	for _, name := range []string{"a", "b", "c"} {
		if err := r.BeginUpdate(testAttempt(name, "1.0.0"), 20*time.Millisecond, func(Attempt) { calls.Add(1) }); err != nil {
			t.Fatalf("BeginUpdate(%s) error = %v", name, err)
		}
	}
	r.Close()

	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("%d callbacks ran after Close", calls.Load())
	}
	if len(r.InFlight()) != 0 {
		t.Error("InFlight() not empty after Close")
	}
}

func TestRegistry_InFlightOrder(t *testing.T) {
	r := NewRegistry(NewMockRepository())
	defer r.Close()

	base := time.Now().UTC()
	later := testAttempt("later", "1.0.0")
	later.SentAt = base.Add(time.Second)
	earlier := testAttempt("earlier", "1.0.0")
	earlier.SentAt = base

	_ = r.BeginUpdate(later, time.Minute, nil)
	_ = r.BeginUpdate(earlier, time.Minute, nil)

	got := r.InFlight()
	if len(got) != 2 || got[0].DeviceName != "earlier" {
		t.Errorf("InFlight() = %+v, want earlier first", got)
	}
}

func TestPhaseString(t *testing.T) {
	if PhaseIdle.String() != "idle" || PhaseAwaiting.String() != "awaiting" {
		t.Errorf("Phase strings = %q, %q", PhaseIdle, PhaseAwaiting)
	}
}
