// Package store provides durable backends for task records and checkpoint
// rows: an in-memory store for tests and embedding, a SQLite store for
// local hosts, and a Postgres store for server deployments.
package store

import "errors"

// ErrTaskNotFound is returned when no task row matches the requested id
var ErrTaskNotFound = errors.New("task not found")
