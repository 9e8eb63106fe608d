// Package connectivity decides whether the terminal is online. A single
// manager goroutine owns the state; readers get copies and subscribers get
// debounced transitions of the effective offline flag.
package connectivity

import (
	"time"
)

// Cause names what produced a transition.
type Cause string

const (
	CauseProbe    Cause = "probe"
	CauseNetwork  Cause = "network"
	CauseOverride Cause = "override"
)

// outranks reports whether c should replace o as the cause of a pending
// transition. A probe or network change outranks an override toggle.
func (c Cause) outranks(o Cause) bool {
	return o == "" || (o == CauseOverride && c != CauseOverride)
}

// State is the connectivity state. The zero value is not meaningful; use
// initialState.
type State struct {
	NetworkReachable     bool            `json:"network_reachable"`
	ServerReachable      bool            `json:"server_reachable"`
	ManualOverride       bool            `json:"manual_override"`
	ConsecutiveSuccesses int             `json:"consecutive_successes"`
	ConsecutiveFailures  int             `json:"consecutive_failures"`
	Latencies            []time.Duration `json:"latencies"`
	Visible              bool            `json:"visible"`
	ChangedAt            time.Time       `json:"changed_at"`
	LastProbeAt          time.Time       `json:"last_probe_at,omitempty"`
	LastError            string          `json:"last_error,omitempty"`
}

// Offline reports the effective offline flag. The manual override always
// wins.
func (s State) Offline() bool {
	return s.ManualOverride || !s.NetworkReachable || !s.ServerReachable
}

// AverageLatency is the mean of the recorded probe latencies.
func (s State) AverageLatency() time.Duration {
	if len(s.Latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range s.Latencies {
		sum += l
	}
	return sum / time.Duration(len(s.Latencies))
}

// clone returns a copy that shares no memory with s.
func (s State) clone() State {
	s.Latencies = append([]time.Duration(nil), s.Latencies...)
	return s
}

// initialState starts offline until the threshold of successful probes
// proves otherwise.
func initialState(now time.Time) State {
	return State{
		NetworkReachable: true,
		Visible:          true,
		ChangedAt:        now,
	}
}

// applyProbe folds one scored probe into s and reports whether
// ServerReachable was committed to a new value. The opposite counter resets
// on every result; a commit needs threshold results of the same polarity.
func applyProbe(s *State, ok bool, latency time.Duration, threshold, samples int) bool {
	if ok {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.LastError = ""
		if samples > 0 {
			s.Latencies = append(s.Latencies, latency)
			if over := len(s.Latencies) - samples; over > 0 {
				s.Latencies = append(s.Latencies[:0:0], s.Latencies[over:]...)
			}
		}
		if !s.ServerReachable && s.ConsecutiveSuccesses >= threshold {
			s.ServerReachable = true
			return true
		}
		return false
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ServerReachable && s.ConsecutiveFailures >= threshold {
		s.ServerReachable = false
		return true
	}
	return false
}

// Transition is a delivered change of the effective offline flag.
type Transition struct {
	Offline bool  `json:"offline"`
	Cause   Cause `json:"cause"`
	State   State `json:"state"`
}

// Online is the inverse of Offline.
func (t Transition) Online() bool { return !t.Offline }
