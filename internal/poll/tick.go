package poll

import "time"

// Phase tags why the current tick came to be.
type Phase string

const (
	PhaseInstantiated         Phase = "instantiated"
	PhaseInstantiatedResolved Phase = "instantiated-resolved"
	PhaseInstantiatedRejected Phase = "instantiated-rejected"
	PhaseStarted              Phase = "started"
	PhaseStopped              Phase = "stopped"
	PhaseStandby              Phase = "standby"
	PhaseRefreshed            Phase = "refreshed"
	PhaseResolved             Phase = "resolved"
	PhaseRejected             Phase = "rejected"
	PhaseReconnected          Phase = "reconnected"
	PhaseInvoked              Phase = "invoked"
	PhaseDisposed             Phase = "disposed"
)

// Phases lists every phase in declaration order.
func Phases() []Phase {
	return []Phase{
		PhaseInstantiated,
		PhaseInstantiatedResolved,
		PhaseInstantiatedRejected,
		PhaseStarted,
		PhaseStopped,
		PhaseStandby,
		PhaseRefreshed,
		PhaseResolved,
		PhaseRejected,
		PhaseReconnected,
		PhaseInvoked,
		PhaseDisposed,
	}
}

func (p Phase) String() string { return string(p) }

// Tick is an immutable snapshot of a scheduling decision: what just happened
// (Phase, Payload/Err) and when the next execution is due (Interval from Timestamp).
//
// Payload is only meaningful for resolved/reconnected ticks, Err only for rejected ones.
type Tick[T any] struct {
	Phase     Phase
	Interval  time.Duration
	Payload   T
	Err       error
	Timestamp time.Time
}

// Due returns the time the next execution is scheduled for.
// The zero time is returned for ticks that never fire.
func (t Tick[T]) Due() time.Time {
	if t.Interval == Never {
		return time.Time{}
	}
	return t.Timestamp.Add(t.Interval)
}

// Next describes a requested transition.
//
// Cancel, when set, is evaluated against the current state under the engine
// lock; returning true drops the transition.
type Next[T any] struct {
	Interval time.Duration
	Phase    Phase
	Payload  T
	Err      error
	Cancel   func(current Tick[T]) bool
}
