package scheduler

import (
	"strings"
	"time"

	kerrors "kestrel/core/errors"
)

// Priority orders queued processes; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PrioritySystem
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PrioritySystem:
		return "system"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool { return p >= PriorityLow && p <= PrioritySystem }

// ParsePriority parses a priority name as printed by String.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityLow; p <= PrioritySystem; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, kerrors.Validation(kerrors.ErrInvalidInput, "unknown priority %q", s)
}

// ProcessStatus is the state of a process in its lifecycle.
type ProcessStatus string

const (
	StatusQueued    ProcessStatus = "queued"
	StatusRunning   ProcessStatus = "running"
	StatusCompleted ProcessStatus = "completed"
	StatusFailed    ProcessStatus = "failed"
	StatusTimeout   ProcessStatus = "timeout"
	StatusCancelled ProcessStatus = "cancelled"
)

// Terminal reports whether no further transitions follow s.
func (s ProcessStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Spec describes a process to schedule.
type Spec struct {
	// Type selects the handler from the registry. Optional when Handler is set.
	Type    string
	Name    string
	Payload interface{}
	// Priority defaults to PriorityNormal.
	Priority Priority
	// Timeout defaults to the scheduler's DefaultTimeout.
	Timeout time.Duration
	// Retries is the number of extra attempts after the first failure.
	Retries int
	// Delay postpones the first attempt.
	Delay time.Duration
	// Handler runs the process instead of the registered handler for Type.
	Handler Handler
}

// ProcessInfo is a point-in-time copy of a process.
type ProcessInfo struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Name             string          `json:"name,omitempty"`
	Priority         Priority        `json:"priority"`
	Status           ProcessStatus   `json:"status"`
	Attempts         int             `json:"attempts"`
	RetriesRemaining int             `json:"retries_remaining"`
	Timeout          time.Duration   `json:"timeout"`
	SubmittedAt      time.Time       `json:"submitted_at"`
	ScheduledFor     time.Time       `json:"scheduled_for"`
	StartedAt        time.Time       `json:"started_at,omitempty"`
	FinishedAt       time.Time       `json:"finished_at,omitempty"`
	Result           interface{}     `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	Transitions      []ProcessStatus `json:"transitions"`
}

// ProcessRecord is the persisted form of a queued process.
type ProcessRecord struct {
	ID               string        `json:"id"`
	Type             string        `json:"type"`
	Name             string        `json:"name,omitempty"`
	Payload          interface{}   `json:"payload,omitempty"`
	Priority         Priority      `json:"priority"`
	Timeout          time.Duration `json:"timeout"`
	RetriesRemaining int           `json:"retries_remaining"`
	Attempts         int           `json:"attempts"`
}

// ProcessEvent is the payload of the Event messages the scheduler broadcasts.
type ProcessEvent struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Name    string        `json:"name,omitempty"`
	Status  ProcessStatus `json:"status"`
	Attempt int           `json:"attempt"`
	Error   string        `json:"error,omitempty"`
}

type process struct {
	id               string
	spec             Spec
	handler          Handler
	status           ProcessStatus
	attempts         int
	retriesRemaining int
	timeout          time.Duration
	seq              uint64
	submittedAt      time.Time
	scheduledFor     time.Time
	startedAt        time.Time
	finishedAt       time.Time
	result           interface{}
	err              error
	trail            []ProcessStatus
	cancel           func()
	index            int // heap position, -1 when not queued
}

func (p *process) transition(s ProcessStatus) {
	p.status = s
	p.trail = append(p.trail, s)
}

func (p *process) info() ProcessInfo {
	info := ProcessInfo{
		ID:               p.id,
		Type:             p.spec.Type,
		Name:             p.spec.Name,
		Priority:         p.spec.Priority,
		Status:           p.status,
		Attempts:         p.attempts,
		RetriesRemaining: p.retriesRemaining,
		Timeout:          p.timeout,
		SubmittedAt:      p.submittedAt,
		ScheduledFor:     p.scheduledFor,
		StartedAt:        p.startedAt,
		FinishedAt:       p.finishedAt,
		Result:           p.result,
		Transitions:      append([]ProcessStatus(nil), p.trail...),
	}
	if p.err != nil {
		info.Error = p.err.Error()
	}
	return info
}

func (p *process) record() ProcessRecord {
	return ProcessRecord{
		ID:               p.id,
		Type:             p.spec.Type,
		Name:             p.spec.Name,
		Payload:          p.spec.Payload,
		Priority:         p.spec.Priority,
		Timeout:          p.timeout,
		RetriesRemaining: p.retriesRemaining,
		Attempts:         p.attempts,
	}
}
