package medication

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the calendar-date format used for schedule bounds, summaries
// and archive dates. Dates are always patient-local.
const DateLayout = "2006-01-02"

// Frequency is how often a scheduled medication is taken.
type Frequency string

const (
	FrequencyDaily           Frequency = "daily"
	FrequencyTwiceDaily      Frequency = "twice_daily"
	FrequencyThreeTimesDaily Frequency = "three_times_daily"
	FrequencyFourTimesDaily  Frequency = "four_times_daily"
	FrequencyWeekly          Frequency = "weekly"
	FrequencyMonthly         Frequency = "monthly"
	FrequencyAsNeeded        Frequency = "as_needed"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyTwiceDaily, FrequencyThreeTimesDaily, FrequencyFourTimesDaily,
		FrequencyWeekly, FrequencyMonthly, FrequencyAsNeeded:
		return true
	}
	return false
}

// Status is the lifecycle state of a MedicationCommand.
type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusHeld         Status = "held"
	StatusDiscontinued Status = "discontinued"
	StatusCompleted    Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusHeld, StatusDiscontinued, StatusCompleted:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDiscontinued || s == StatusCompleted
}

// EventType identifies the kind of fact recorded in the event log.
type EventType string

const (
	EventDoseScheduled   EventType = "dose_scheduled"
	EventDoseTaken       EventType = "dose_taken"
	EventDoseMissed      EventType = "dose_missed"
	EventDoseSkipped     EventType = "dose_skipped"
	EventDoseSnoozed     EventType = "dose_snoozed"
	EventDoseTakenUndone EventType = "dose_taken_undone"
	EventDoseCorrected   EventType = "dose_corrected"
	EventStatusChanged   EventType = "status_changed"
)

func (t EventType) Valid() bool {
	switch t {
	case EventDoseScheduled, EventDoseTaken, EventDoseMissed, EventDoseSkipped,
		EventDoseSnoozed, EventDoseTakenUndone, EventDoseCorrected, EventStatusChanged:
		return true
	}
	return false
}

// IsResolving reports whether the event settles a dose instance.
func (t EventType) IsResolving() bool {
	return t == EventDoseTaken || t == EventDoseMissed || t == EventDoseSkipped
}

// DisplayLabel is the short user-facing label for an event type.
func (t EventType) DisplayLabel() string {
	switch t {
	case EventDoseScheduled:
		return "scheduled"
	case EventDoseTaken:
		return "taken"
	case EventDoseMissed:
		return "missed"
	case EventDoseSkipped:
		return "skipped"
	case EventDoseSnoozed:
		return "snoozed"
	case EventDoseTakenUndone:
		return "undone"
	case EventDoseCorrected:
		return "corrected"
	case EventStatusChanged:
		return "status changed"
	}
	return "unknown"
}

// TimeSlot is a named part of the patient's day.
type TimeSlot string

const (
	SlotMorning   TimeSlot = "morning"
	SlotLunch     TimeSlot = "lunch"
	SlotEvening   TimeSlot = "evening"
	SlotBeforeBed TimeSlot = "beforeBed"
	SlotCustom    TimeSlot = "custom"
)

func (s TimeSlot) Valid() bool {
	switch s {
	case SlotMorning, SlotLunch, SlotEvening, SlotBeforeBed, SlotCustom:
		return true
	}
	return false
}

// MedicationType drives the grace period a dose gets.
type MedicationType string

const (
	TypeCritical MedicationType = "critical"
	TypeStandard MedicationType = "standard"
	TypeVitamin  MedicationType = "vitamin"
	TypePRN      MedicationType = "prn"
)

func (m MedicationType) Valid() bool {
	switch m {
	case TypeCritical, TypeStandard, TypeVitamin, TypePRN:
		return true
	}
	return false
}

// TimingCategory classifies when a dose was taken relative to its schedule.
type TimingCategory string

const (
	TimingEarly    TimingCategory = "early"
	TimingOnTime   TimingCategory = "on_time"
	TimingLate     TimingCategory = "late"
	TimingVeryLate TimingCategory = "very_late"
)

// TriggerSource records what produced an event.
type TriggerSource string

const (
	TriggerUserAction     TriggerSource = "user_action"
	TriggerSystemDetected TriggerSource = "system_detected"
	TriggerMigration      TriggerSource = "migration"
)

func (t TriggerSource) Valid() bool {
	return t == TriggerUserAction || t == TriggerSystemDetected || t == TriggerMigration
}

// TimingType says whether schedule times are clock times or relative to
// another event (meals, waking).
type TimingType string

const (
	TimingAbsolute TimingType = "absolute"
	TimingRelative TimingType = "relative"
)

// MedicationInfo describes what is being taken.
type MedicationInfo struct {
	Name         string `json:"name"`
	GenericName  string `json:"generic_name,omitempty"`
	BrandName    string `json:"brand_name,omitempty"`
	Dosage       string `json:"dosage"`
	Instructions string `json:"instructions,omitempty"`
	Prescriber   string `json:"prescriber,omitempty"`
	TakeWithFood bool   `json:"take_with_food,omitempty"`
}

// Schedule is the prescribed timing of a command. StartDate and EndDate are
// patient-local calendar dates in DateLayout.
type Schedule struct {
	Frequency    Frequency  `json:"frequency"`
	Times        []string   `json:"times"`
	StartDate    string     `json:"start_date"`
	EndDate      string     `json:"end_date,omitempty"`
	IsIndefinite bool       `json:"is_indefinite"`
	DosageAmount string     `json:"dosage_amount,omitempty"`
	TimingType   TimingType `json:"timing_type,omitempty"`
}

// Reminders controls notification delivery for a command.
type Reminders struct {
	Enabled       bool        `json:"enabled"`
	MinutesBefore []int       `json:"minutes_before,omitempty"`
	Methods       []string    `json:"methods,omitempty"`
	Recipients    []string    `json:"recipients,omitempty"`
	QuietHours    *TimeWindow `json:"quiet_hours,omitempty"`
}

// GracePeriodConfig overrides the policy defaults for one command. Zero
// values fall back to the policy.
type GracePeriodConfig struct {
	DefaultMinutes    int            `json:"default_minutes,omitempty"`
	MedicationType    MedicationType `json:"medication_type"`
	WeekendMultiplier float64        `json:"weekend_multiplier,omitempty"`
	HolidayMultiplier float64        `json:"holiday_multiplier,omitempty"`
}

// CommandStatus is the current lifecycle state plus who changed it last.
type CommandStatus struct {
	Current        Status     `json:"current"`
	IsActive       bool       `json:"is_active"`
	IsPRN          bool       `json:"is_prn"`
	Reason         string     `json:"reason,omitempty"`
	ChangedAt      time.Time  `json:"changed_at"`
	ChangedBy      string     `json:"changed_by"`
	DiscontinuedAt *time.Time `json:"discontinued_at,omitempty"`
}

// SeparationRule keeps this command's doses at least MinMinutes away from
// another command's doses.
type SeparationRule struct {
	CommandID  uuid.UUID `json:"command_id"`
	MinMinutes int       `json:"min_minutes"`
	Note       string    `json:"note,omitempty"`
}

type CommandPreferences struct {
	TimeSlot        TimeSlot         `json:"time_slot,omitempty"`
	SeparationRules []SeparationRule `json:"separation_rules,omitempty"`
}

type CommandMetadata struct {
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by"`
	UpdatedAt    time.Time `json:"updated_at"`
	UpdatedBy    string    `json:"updated_by"`
	Checksum     string    `json:"checksum"`
	MigratedFrom string    `json:"migrated_from,omitempty"`
}

// Command is the authoritative definition of a prescribed medication for a
// patient (a MedicationCommand).
type Command struct {
	ID          uuid.UUID          `json:"id"`
	PatientID   uuid.UUID          `json:"patient_id"`
	Medication  MedicationInfo     `json:"medication"`
	Schedule    Schedule           `json:"schedule"`
	Reminders   Reminders          `json:"reminders"`
	GracePeriod GracePeriodConfig  `json:"grace_period"`
	Status      CommandStatus      `json:"status"`
	Preferences CommandPreferences `json:"preferences"`
	Metadata    CommandMetadata    `json:"metadata"`
}

// Schedulable reports whether the command takes part in time-bucket and
// adherence scheduling today.
func (c *Command) Schedulable() bool {
	return c.Status.Current == StatusActive && !c.Status.IsPRN
}

// ComputeChecksum hashes the medication and schedule content so that
// migrated or replicated copies can be compared cheaply.
func (c *Command) ComputeChecksum() string {
	payload, _ := json.Marshal(struct {
		Medication MedicationInfo `json:"m"`
		Schedule   Schedule       `json:"s"`
	}{c.Medication, c.Schedule})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Timing locates an event relative to the dose instance it concerns.
type Timing struct {
	EventTimestamp time.Time  `json:"event_timestamp"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	GracePeriodEnd *time.Time `json:"grace_period_end,omitempty"`
	IsOnTime       *bool      `json:"is_on_time,omitempty"`
	MinutesLate    *int       `json:"minutes_late,omitempty"`
}

// AdherenceTracking is the scored assessment attached to a take.
type AdherenceTracking struct {
	ScheduledDateTime      time.Time      `json:"scheduled_date_time"`
	TakenAt                time.Time      `json:"taken_at"`
	MinutesFromScheduled   int            `json:"minutes_from_scheduled"`
	TimingCategory         TimingCategory `json:"timing_category"`
	PrescribedDose         string         `json:"prescribed_dose,omitempty"`
	ActualDose             string         `json:"actual_dose,omitempty"`
	DoseAccuracy           int            `json:"dose_accuracy"`
	TimingAccuracy         int            `json:"timing_accuracy"`
	CircumstanceCompliance int            `json:"circumstance_compliance"`
	OverallScore           float64        `json:"overall_score"`
}

// StatusChange is the payload of a status_changed event.
type StatusChange struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason"`
}

// EventData holds the type-specific payload of an event. Only the fields
// relevant to the event type are set.
type EventData struct {
	Adherence       *AdherenceTracking `json:"adherence,omitempty"`
	SkipReason      string             `json:"skip_reason,omitempty"`
	SnoozeMinutes   int                `json:"snooze_minutes,omitempty"`
	OriginalEventID *uuid.UUID         `json:"original_event_id,omitempty"`
	CorrectedAction EventType          `json:"corrected_action,omitempty"`
	CorrectedData   map[string]string  `json:"corrected_data,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	StatusChange    *StatusChange      `json:"status_change,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	Actor           string             `json:"actor,omitempty"`
}

type EventContext struct {
	MedicationName string        `json:"medication_name"`
	TriggerSource  TriggerSource `json:"trigger_source"`
}

// ArchiveStatus is set by the daily reset. BelongsToDate is the
// patient-local date the event is filed under.
type ArchiveStatus struct {
	IsArchived    bool       `json:"is_archived"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	BelongsToDate string     `json:"belongs_to_date,omitempty"`
}

// Event is an immutable fact in the medication event log.
type Event struct {
	ID             uuid.UUID     `json:"id"`
	CommandID      uuid.UUID     `json:"command_id"`
	PatientID      uuid.UUID     `json:"patient_id"`
	Type           EventType     `json:"event_type"`
	Timing         Timing        `json:"timing"`
	Data           EventData     `json:"event_data"`
	Context        EventContext  `json:"context"`
	Archive        ArchiveStatus `json:"archive_status"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// DisplayStatus is the label shown for the event in timelines.
func (e *Event) DisplayStatus() string {
	return e.Type.DisplayLabel()
}

// EventDraft is the caller-supplied part of a new event. CreateEvent fills
// in identity, timestamp and denormalised context.
type EventDraft struct {
	CommandID      uuid.UUID
	Type           EventType
	ScheduledFor   time.Time
	GracePeriodEnd *time.Time
	IsOnTime       *bool
	MinutesLate    *int
	Data           EventData
	TriggerSource  TriggerSource
	IdempotencyKey string
}

// DailySummary is the per-patient, per-local-day roll-up written by the
// daily reset. It is never updated after creation.
type DailySummary struct {
	PatientID     uuid.UUID `json:"patient_id"`
	Date          string    `json:"date"`
	Timezone      string    `json:"timezone"`
	Scheduled     int       `json:"scheduled"`
	Taken         int       `json:"taken"`
	Missed        int       `json:"missed"`
	Skipped       int       `json:"skipped"`
	AdherenceRate float64   `json:"adherence_rate"`
	CreatedAt     time.Time `json:"created_at"`
}

// PatientPreferences holds the patient's timezone and time-slot windows.
type PatientPreferences struct {
	PatientID uuid.UUID       `json:"patient_id"`
	Timezone  string          `json:"timezone"`
	Windows   TimePreferences `json:"windows"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Location resolves the patient's timezone, defaulting to UTC.
func (p *PatientPreferences) Location() (*time.Location, error) {
	if p == nil || p.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, &ValidationError{Field: "timezone", Reason: "unknown IANA timezone " + p.Timezone}
	}
	return loc, nil
}

// Milestone records that a command's streak crossed a threshold.
type Milestone struct {
	CommandID  uuid.UUID `json:"command_id"`
	PatientID  uuid.UUID `json:"patient_id"`
	Threshold  int       `json:"threshold"`
	StreakDays int       `json:"streak_days"`
	ReachedAt  time.Time `json:"reached_at"`
}

func ptr[T any](v T) *T { return &v }
