// Package scheduler fires named cron or interval triggers.
//
// pollkit uses it to refresh polls on a wall-clock schedule in addition to
// their own adaptive cadence.
package scheduler
