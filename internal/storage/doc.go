// Package storage journals poll ticks so operators can inspect recent
// history after the fact.
//
// Two backends share the Store interface: an append-only JSONL file and a
// SQLite database. Both cap history per poll.
package storage
