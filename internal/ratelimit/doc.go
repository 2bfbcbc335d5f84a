// Package ratelimit provides Debouncer and Throttler, two wrappers that turn a
// function into a rate-limited one backed by a manual poll.
//
// Every Invoke returns an *Outcome that settles with the result of the next
// execution. Invocations coalesced into the same execution share an Outcome.
package ratelimit
