package device

import (
	"sort"
	"sync"
	"time"
)

// Phase is where a device stands in the update command protocol.
type Phase int

const (
	// PhaseIdle means no update command is outstanding.
	PhaseIdle Phase = iota

	// PhaseAwaiting means a command was published and its timeout is armed.
	PhaseAwaiting
)

// String returns the phase name used in logs and API output.
func (p Phase) String() string {
	switch p {
	case PhaseAwaiting:
		return "awaiting"
	default:
		return "idle"
	}
}

// Attempt describes one update command sent to a device.
type Attempt struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	Secret     string    `json:"-"`
	Version    string    `json:"version"`
	SentAt     time.Time `json:"sentAt"`
}

// dispatchState is the awaiting record for one device. A device with no
// entry in the table is idle.
type dispatchState struct {
	attempt Attempt
	timer   *time.Timer
}

// dispatchTable holds the per-device protocol state keyed by secret.
// Entering awaiting arms the timer; leaving it, by a terminal event or by
// the timer firing, happens exactly once under mu.
type dispatchTable struct {
	mu     sync.Mutex
	states map[string]*dispatchState
}

func newDispatchTable() *dispatchTable {
	return &dispatchTable{states: make(map[string]*dispatchState)}
}

func (t *dispatchTable) begin(attempt Attempt, window time.Duration, onExpire func(Attempt)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.states[attempt.Secret]; busy {
		return ErrUpdateInFlight
	}

	st := &dispatchState{attempt: attempt}
	st.timer = time.AfterFunc(window, func() {
		if t.expire(attempt.Secret, st) && onExpire != nil {
			onExpire(attempt)
		}
	})
	t.states[attempt.Secret] = st
	return nil
}

// expire clears the entry only if it is still the one the timer belongs to.
func (t *dispatchTable) expire(secret string, st *dispatchState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.states[secret] != st {
		return false
	}
	delete(t.states, secret)
	return true
}

func (t *dispatchTable) end(secret string) (Attempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[secret]
	if !ok {
		return Attempt{}, false
	}
	st.timer.Stop()
	delete(t.states, secret)
	return st.attempt, true
}

func (t *dispatchTable) phase(secret string) Phase {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.states[secret]; ok {
		return PhaseAwaiting
	}
	return PhaseIdle
}

func (t *dispatchTable) snapshot() []Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Attempt, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, st.attempt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

// stopAll disarms every timer without firing callbacks.
func (t *dispatchTable) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for secret, st := range t.states {
		st.timer.Stop()
		delete(t.states, secret)
	}
}
