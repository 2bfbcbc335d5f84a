package app

import "sync/atomic"

// StandbySwitch is the process-wide hidden flag. Every configured poll uses
// Hidden as its standby predicate, so flipping it parks or wakes all
// when-hidden polls at their next execution.
type StandbySwitch struct {
	hidden atomic.Bool
}

func (s *StandbySwitch) Hidden() bool { return s.hidden.Load() }

// Set stores v and reports whether the value changed.
func (s *StandbySwitch) Set(v bool) bool {
	return s.hidden.Swap(v) != v
}
