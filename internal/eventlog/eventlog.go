// Package eventlog appends orchestrator events to an NDJSON audit file.
// It subscribes to the event bus so every event the UI sees is also on
// disk for later replay.
package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"log/slog"

	"github.com/haldanesmith/agentloop/internal/events"
	"github.com/haldanesmith/agentloop/internal/ndjson"
)

// EventLog writes orchestrator events to an NDJSON file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewEventLog creates a new event log, appending to logPath
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	encoder := ndjson.NewEncoder(file, logger)

	return &EventLog{
		file:    file,
		encoder: encoder,
		logger:  logger,
	}, nil
}

// Write appends one event to the log
func (l *EventLog) Write(evt events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.encoder.Encode(evt)
}

// Attach subscribes the log to a bus. Encoding failures are logged and
// dropped so a full disk cannot stall the loop.
func (l *EventLog) Attach(bus *events.Bus) {
	bus.Subscribe(func(evt events.Event) {
		if err := l.Write(evt); err != nil {
			l.logger.Warn("failed to write audit event", "type", evt.Type, "error", err)
		}
	})
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
