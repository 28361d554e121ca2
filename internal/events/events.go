// Package events publishes session lifecycle events so other tools can follow
// what the pool is doing.
package events

import (
	"context"
	"time"
)

// Topics, relative to the publisher's subject prefix.
const (
	TopicRunStarted  = "run.started"
	TopicRunPhase    = "run.phase"
	TopicRunFinished = "run.finished"
)

// Publisher sends events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Event types

type RunStarted struct {
	RunID     string    `json:"run_id"`
	Project   string    `json:"project"`
	Slot      int       `json:"slot"`
	Container string    `json:"container"`
	Commands  []string  `json:"commands"`
	Time      time.Time `json:"time"`
}

type RunPhase struct {
	RunID string    `json:"run_id"`
	Slot  int       `json:"slot"`
	Phase string    `json:"phase"`
	Time  time.Time `json:"time"`
}

type RunFinished struct {
	RunID        string        `json:"run_id"`
	Slot         int           `json:"slot"`
	Success      bool          `json:"success"`
	Phase        string        `json:"phase,omitempty"` // failing phase
	FailedIndex  int           `json:"failed_index"`
	ExitCode     int           `json:"exit_code"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Error        string        `json:"error,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
}
