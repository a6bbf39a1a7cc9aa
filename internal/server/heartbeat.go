package server

import (
	"context"
	"sync"
	"time"
)

// LivenessState is the heartbeat state of one connection.
type LivenessState int32

const (
	// Alive means the last probe was acknowledged (or none was sent yet).
	Alive LivenessState = iota
	// Probing means a probe is outstanding and its deadline is running.
	Probing
	// Dead is terminal: the deadline elapsed without an acknowledgment.
	Dead
)

func (s LivenessState) String() string {
	switch s {
	case Alive:
		return "alive"
	case Probing:
		return "probing"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Heartbeat drives the liveness state machine of a single connection:
//
//	Alive   --interval tick / probe sent-->  Probing
//	Probing --ack before deadline-------->  Alive
//	Probing --deadline elapsed----------->  Dead
//
// The interval ticker and the deadline timer belong to Run and are stopped
// on every way out of it.
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	probe    func() error
	onDead   func()
	acks     chan struct{}

	mu       sync.Mutex
	state    LivenessState
	deadline time.Time
}

// NewHeartbeat returns a heartbeat that calls probe every cfg.Interval and
// onDead once if an acknowledgment does not arrive within cfg.Timeout.
func NewHeartbeat(cfg HeartbeatConfig, probe func() error, onDead func()) *Heartbeat {
	return &Heartbeat{
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		probe:    probe,
		onDead:   onDead,
		acks:     make(chan struct{}, 1),
	}
}

// State returns the current liveness state.
func (h *Heartbeat) State() LivenessState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Deadline returns the deadline of the outstanding probe, or the zero time.
func (h *Heartbeat) Deadline() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deadline
}

// Ack records a probe acknowledgment. It never blocks; acks that arrive while
// no probe is outstanding are ignored by Run.
func (h *Heartbeat) Ack() {
	select {
	case h.acks <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done or the connection is declared dead.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var (
		timer   *time.Timer
		expired <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if h.State() != Alive {
				continue
			}
			// Drop acks for earlier probes before starting a new one.
			select {
			case <-h.acks:
			default:
			}
			// A failed probe write is not fatal on its own: the deadline
			// still decides.
			_ = h.probe()
			h.transition(Probing, time.Now().Add(h.timeout))
			timer = time.NewTimer(h.timeout)
			expired = timer.C

		case <-h.acks:
			if h.State() != Probing {
				continue
			}
			timer.Stop()
			timer, expired = nil, nil
			h.transition(Alive, time.Time{})

		case <-expired:
			timer, expired = nil, nil
			h.transition(Dead, time.Time{})
			ticker.Stop()
			h.onDead()
			return
		}
	}
}

func (h *Heartbeat) transition(state LivenessState, deadline time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
	h.deadline = deadline
}
