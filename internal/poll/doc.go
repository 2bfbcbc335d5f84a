// Package poll provides a generic poll/retry scheduling engine.
//
// A Poll repeatedly calls a factory on a schedule:
//   - success schedules the next call after Frequency.Interval (jittered)
//   - failure backs off exponentially, capped at Frequency.Max
//   - while Hidden() reports true (StandbyWhenHidden) the factory is skipped
//
// Callers drive it with Refresh/Start/Stop/Schedule, observe it with OnTick,
// and await the next transition with Tick. Only one outstanding result is
// ever applied per transition; results of superseded calls are discarded.
package poll
