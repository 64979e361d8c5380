package medication

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type CommandFilter struct {
	PatientID uuid.UUID
	Statuses  []Status
	Limit     int
	Offset    int
}

// EventFilter selects events of one patient. From and To bound
// scheduled_for as [From, To).
type EventFilter struct {
	PatientID uuid.UUID
	CommandID *uuid.UUID
	Types     []EventType
	From      *time.Time
	To        *time.Time
	Archived  *bool
	Limit     int
	Offset    int
}

// CascadeResult reports what a hard delete removed.
type CascadeResult struct {
	CommandDeleted    bool  `json:"command_deleted"`
	EventsDeleted     int64 `json:"events_deleted"`
	MilestonesDeleted int64 `json:"milestones_deleted"`
}

// Repository is the persistence port. Implementations return ErrNotFound
// for missing rows, ErrConflict for version mismatches and wrap transient
// failures in ErrStorageUnavailable.
type Repository interface {
	GetCommand(ctx context.Context, id uuid.UUID) (*Command, error)
	QueryCommands(ctx context.Context, f CommandFilter) ([]*Command, int, error)
	CreateCommand(ctx context.Context, cmd *Command) error
	// PutCommand replaces cmd if its stored version equals expectedVersion.
	PutCommand(ctx context.Context, cmd *Command, expectedVersion int) error
	// DeleteCommandAndEvents removes the command with every event and
	// milestone referencing it in one transaction, and fails unless no event
	// for the command remains. Deleting an absent command succeeds.
	DeleteCommandAndEvents(ctx context.Context, id uuid.UUID) (*CascadeResult, error)

	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)
	AppendEvent(ctx context.Context, e *Event) error
	QueryEvents(ctx context.Context, f EventFilter) ([]*Event, int, error)
	FindEventByIdempotencyKey(ctx context.Context, commandID uuid.UUID, key string) (*Event, error)
	ArchiveEvents(ctx context.Context, ids []uuid.UUID, belongsTo string, at time.Time) (int64, error)

	// PutDailySummary inserts s unless a summary for the same patient and
	// date exists, and reports whether it inserted.
	PutDailySummary(ctx context.Context, s *DailySummary) (bool, error)
	GetDailySummary(ctx context.Context, patientID uuid.UUID, date string) (*DailySummary, error)

	GetPreferences(ctx context.Context, patientID uuid.UUID) (*PatientPreferences, error)
	PutPreferences(ctx context.Context, p *PatientPreferences) error
	// ListPatientIDs returns every patient with at least one command.
	ListPatientIDs(ctx context.Context) ([]uuid.UUID, error)

	ListMilestones(ctx context.Context, patientID uuid.UUID) ([]*Milestone, error)
	PutMilestone(ctx context.Context, m *Milestone) (bool, error)
}

// TxRunner runs fn inside one transaction, committing when it returns nil.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
