package medication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medtrack/medtrack/internal/platform/clock"
)

// Urgency of an outbound notification.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// Notification is a message for a patient and their recipients.
type Notification struct {
	ID         uuid.UUID
	PatientID  uuid.UUID
	Kind       string
	Title      string
	Message    string
	Urgency    Urgency
	Recipients []string
	Methods    []string
}

type SendResult struct {
	TotalSent int
}

// Notifier delivers notifications. The service never waits on it for
// correctness and never rolls back because of it.
type Notifier interface {
	SendNotification(ctx context.Context, n Notification) (SendResult, error)
}

// Recorder receives domain counters. Telemetry implements it.
type Recorder interface {
	EventRecorded(t EventType)
	DuplicateRejected()
	UndoExpired()
	StatusTransitioned(from, to Status)
	DayArchived(events int)
	MilestoneReached(threshold int)
	NotificationSent(kind string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) EventRecorded(EventType) {}
func (nopRecorder) DuplicateRejected() {}
func (nopRecorder) UndoExpired() {}
func (nopRecorder) StatusTransitioned(Status, Status) {}
func (nopRecorder) DayArchived(int) {}
func (nopRecorder) MilestoneReached(int) {}
func (nopRecorder) NotificationSent(string, bool) {}

type Options struct {
	UndoWindow          time.Duration
	DuplicateWindow     time.Duration
	ImpactWindow        time.Duration
	NotifyTimeout       time.Duration
	MilestoneThresholds []int
}

func DefaultOptions() Options {
	return Options{
		UndoWindow:          30 * time.Second,
		DuplicateWindow:     5 * time.Minute,
		ImpactWindow:        30 * 24 * time.Hour,
		NotifyTimeout:       10 * time.Second,
		MilestoneThresholds: DefaultMilestoneThresholds,
	}
}

type Service struct {
	repo     Repository
	tx       TxRunner
	clock    clock.Clock
	grace    GracePolicy
	holidays *HolidayCalendar
	notifier Notifier
	rec      Recorder
	log      zerolog.Logger
	opts     Options
	wg       sync.WaitGroup
}

func NewService(
	repo Repository,
	tx TxRunner,
	clk clock.Clock,
	grace GracePolicy,
	holidays *HolidayCalendar,
	notifier Notifier,
	logger zerolog.Logger,
	opts Options,
) *Service {
	def := DefaultOptions()
	if opts.UndoWindow <= 0 {
		opts.UndoWindow = def.UndoWindow
	}
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = def.DuplicateWindow
	}
	if opts.ImpactWindow <= 0 {
		opts.ImpactWindow = def.ImpactWindow
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = def.NotifyTimeout
	}
	if len(opts.MilestoneThresholds) == 0 {
		opts.MilestoneThresholds = def.MilestoneThresholds
	}
	return &Service{
		repo:     repo,
		tx:       tx,
		clock:    clk,
		grace:    grace,
		holidays: holidays,
		notifier: notifier,
		rec:      nopRecorder{},
		log:      logger.With().Str("component", "medication").Logger(),
		opts:     opts,
	}
}

// SetRecorder attaches a metrics recorder.
func (s *Service) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.rec = r
}

// Wait blocks until in-flight notifications finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// inTx runs fn in a transaction. Failures that are not already classified
// become ErrTransactionFailed; nothing fn did is kept.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.tx.InTx(ctx, fn)
	if err == nil || IsDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
}

// -- Preferences --

// GetPreferences returns the stored preferences or the defaults (UTC,
// default windows) when the patient has none.
func (s *Service) GetPreferences(ctx context.Context, patientID uuid.UUID) (*PatientPreferences, error) {
	p, err := s.repo.GetPreferences(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return &PatientPreferences{PatientID: patientID, Timezone: "UTC", Windows: DefaultTimePreferences()}, nil
	}
	return p, err
}

func (s *Service) PutPreferences(ctx context.Context, p *PatientPreferences) error {
	if p.PatientID == uuid.Nil {
		return invalid("patient_id", "is required")
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if _, err := p.Location(); err != nil {
		return err
	}
	if err := p.Windows.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = s.clock.Now()
	return s.repo.PutPreferences(ctx, p)
}

func (s *Service) patientLocation(ctx context.Context, patientID uuid.UUID) (*time.Location, *PatientPreferences, error) {
	p, err := s.repo.GetPreferences(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return time.UTC, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	loc, err := p.Location()
	if err != nil {
		return nil, nil, err
	}
	return loc, p, nil
}

func (s *Service) calendar(loc *time.Location) CalendarContext {
	return CalendarContext{Location: loc, Holidays: s.holidays}
}

// -- Commands --

func (s *Service) CreateCommand(ctx context.Context, cmd *Command, actor string) (*Command, error) {
	if cmd.PatientID == uuid.Nil {
		return nil, invalid("patient_id", "is required")
	}
	if strings.TrimSpace(actor) == "" {
		return nil, invalid("actor", "is required")
	}
	loc, prefs, err := s.patientLocation(ctx, cmd.PatientID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.normalizeCommand(cmd, loc, prefs, now); err != nil {
		return nil, err
	}
	if err := s.checkSeparation(ctx, cmd); err != nil {
		return nil, err
	}

	cmd.ID = uuid.New()
	cmd.Status = CommandStatus{
		Current:   StatusActive,
		IsActive:  true,
		IsPRN:     cmd.Status.IsPRN,
		ChangedAt: now,
		ChangedBy: actor,
	}
	cmd.Metadata = CommandMetadata{
		Version:      1,
		CreatedAt:    now,
		CreatedBy:    actor,
		UpdatedAt:    now,
		UpdatedBy:    actor,
		Checksum:     cmd.ComputeChecksum(),
		MigratedFrom: cmd.Metadata.MigratedFrom,
	}
	if err := s.repo.CreateCommand(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// normalizeCommand validates cmd and fills defaults: schedule times from the
// patient's slot windows, start date today, PRN flag from frequency.
func (s *Service) normalizeCommand(cmd *Command, loc *time.Location, prefs *PatientPreferences, now time.Time) error {
	if strings.TrimSpace(cmd.Medication.Name) == "" {
		return invalid("medication.name", "is required")
	}
	sch := &cmd.Schedule
	if !sch.Frequency.Valid() {
		return invalid("schedule.frequency", "unrecognised frequency %q", sch.Frequency)
	}
	if sch.TimingType == "" {
		sch.TimingType = TimingAbsolute
	}
	if sch.TimingType != TimingAbsolute && sch.TimingType != TimingRelative {
		return invalid("schedule.timing_type", "must be absolute or relative")
	}

	cmd.Status.IsPRN = sch.Frequency == FrequencyAsNeeded || cmd.GracePeriod.MedicationType == TypePRN
	if cmd.Status.IsPRN {
		if len(sch.Times) > 0 && sch.Frequency == FrequencyAsNeeded {
			return invalid("schedule.times", "as_needed medications have no fixed times")
		}
		cmd.GracePeriod.MedicationType = TypePRN
	}
	if cmd.GracePeriod.MedicationType == "" {
		cmd.GracePeriod.MedicationType = TypeStandard
	}
	if !cmd.GracePeriod.MedicationType.Valid() {
		return invalid("grace_period.medication_type", "unrecognised medication type %q", cmd.GracePeriod.MedicationType)
	}
	if cmd.GracePeriod.DefaultMinutes < 0 {
		return invalid("grace_period.default_minutes", "must not be negative")
	}
	if m := cmd.GracePeriod.WeekendMultiplier; m != 0 && m < 1 {
		return invalid("grace_period.weekend_multiplier", "must be at least 1")
	}
	if m := cmd.GracePeriod.HolidayMultiplier; m != 0 && m < 1 {
		return invalid("grace_period.holiday_multiplier", "must be at least 1")
	}

	var windows *TimePreferences
	if prefs != nil {
		windows = &prefs.Windows
	}
	times, err := ComputeScheduleTimes(sch.Frequency, windows, sch.Times)
	if err != nil {
		return err
	}
	sch.Times = times

	if sch.StartDate == "" {
		sch.StartDate = now.In(loc).Format(DateLayout)
	}
	start, err := time.Parse(DateLayout, sch.StartDate)
	if err != nil {
		return invalid("schedule.start_date", "%q is not YYYY-MM-DD", sch.StartDate)
	}
	if sch.EndDate == "" {
		sch.IsIndefinite = true
	} else {
		end, err := time.Parse(DateLayout, sch.EndDate)
		if err != nil {
			return invalid("schedule.end_date", "%q is not YYYY-MM-DD", sch.EndDate)
		}
		if end.Before(start) {
			return invalid("schedule.end_date", "is before start_date")
		}
		sch.IsIndefinite = false
	}

	if slot := cmd.Preferences.TimeSlot; slot != "" && !slot.Valid() {
		return invalid("preferences.time_slot", "unrecognised time slot %q", slot)
	}
	if q := cmd.Reminders.QuietHours; q != nil {
		if _, err := ParseTimeOfDay(q.Start); err != nil {
			return invalid("reminders.quiet_hours.start", "%v", err)
		}
		if _, err := ParseTimeOfDay(q.End); err != nil {
			return invalid("reminders.quiet_hours.end", "%v", err)
		}
	}
	for _, m := range cmd.Reminders.MinutesBefore {
		if m < 0 {
			return invalid("reminders.minutes_before", "must not be negative")
		}
	}
	return nil
}

func (s *Service) checkSeparation(ctx context.Context, cmd *Command) error {
	if len(cmd.Preferences.SeparationRules) == 0 {
		return nil
	}
	others, _, err := s.repo.QueryCommands(ctx, CommandFilter{
		PatientID: cmd.PatientID,
		Statuses:  []Status{StatusActive, StatusPaused, StatusHeld},
	})
	if err != nil {
		return err
	}
	return CheckSeparation(cmd, others)
}

func (s *Service) GetCommand(ctx context.Context, id uuid.UUID) (*Command, error) {
	return s.repo.GetCommand(ctx, id)
}

func (s *Service) ListCommands(ctx context.Context, f CommandFilter) ([]*Command, int, error) {
	if f.PatientID == uuid.Nil {
		return nil, 0, invalid("patient_id", "is required")
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, 0, invalid("status", "unrecognised status %q", st)
		}
	}
	return s.repo.QueryCommands(ctx, f)
}

// UpdateCommand replaces the editable parts of a command: medication,
// schedule, reminders, grace period and preferences. Status changes go
// through TransitionStatus. A zero expectedVersion skips the version check
// against the caller's copy but still guards against concurrent writers.
func (s *Service) UpdateCommand(ctx context.Context, id uuid.UUID, patch *Command, expectedVersion int, actor string) (*Command, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, invalid("actor", "is required")
	}
	cur, err := s.repo.GetCommand(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && expectedVersion != cur.Metadata.Version {
		return nil, ErrConflict
	}
	if cur.Status.Current.IsTerminal() {
		return nil, invalid("status", "%s commands cannot be edited", cur.Status.Current)
	}

	next := *cur
	next.Medication = patch.Medication
	next.Schedule = patch.Schedule
	next.Reminders = patch.Reminders
	next.GracePeriod = patch.GracePeriod
	next.Preferences = patch.Preferences

	loc, prefs, err := s.patientLocation(ctx, cur.PatientID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if next.Schedule.StartDate == "" {
		next.Schedule.StartDate = cur.Schedule.StartDate
	}
	if err := s.normalizeCommand(&next, loc, prefs, now); err != nil {
		return nil, err
	}
	if err := s.checkSeparation(ctx, &next); err != nil {
		return nil, err
	}
	next.Metadata.Version = cur.Metadata.Version + 1
	next.Metadata.UpdatedAt = now
	next.Metadata.UpdatedBy = actor
	next.Metadata.Checksum = next.ComputeChecksum()

	if err := s.repo.PutCommand(ctx, &next, cur.Metadata.Version); err != nil {
		return nil, err
	}
	return &next, nil
}

// TransitionStatus applies a status change and records it as a
// status_changed event in the same transaction. A concurrent change on the
// same command makes one of them fail with ErrConflict.
func (s *Service) TransitionStatus(ctx context.Context, id uuid.UUID, t StatusTransition) (*Command, *Event, error) {
	var cmd *Command
	var evt *Event
	err := s.inTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetCommand(ctx, id)
		if err != nil {
			return err
		}
		if err := t.Validate(c.Status.Current); err != nil {
			return err
		}
		expected := c.Metadata.Version
		now := s.clock.Now()
		change := ApplyTransition(c, t, now)
		if err := s.repo.PutCommand(ctx, c, expected); err != nil {
			return err
		}
		e := &Event{
			ID:        uuid.New(),
			CommandID: c.ID,
			PatientID: c.PatientID,
			Type:      EventStatusChanged,
			Timing:    Timing{EventTimestamp: now, ScheduledFor: now},
			Data:      EventData{StatusChange: &change, Actor: t.Actor, Reason: t.Reason},
			Context:   EventContext{MedicationName: c.Medication.Name, TriggerSource: TriggerUserAction},
		}
		if err := s.repo.AppendEvent(ctx, e); err != nil {
			return err
		}
		cmd, evt = c, e
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	change := evt.Data.StatusChange
	s.rec.StatusTransitioned(change.From, change.To)
	s.rec.EventRecorded(EventStatusChanged)
	s.log.Info().
		Str("command_id", cmd.ID.String()).
		Str("from", string(change.From)).
		Str("to", string(change.To)).
		Str("actor", t.Actor).
		Msg("medication status changed")
	s.notifyCommand(ctx, cmd, "status_changed", UrgencyNormal,
		"Medication status changed",
		fmt.Sprintf("%s is now %s: %s", cmd.Medication.Name, change.To, change.Reason))
	return cmd, evt, nil
}

// SoftDelete discontinues the command and keeps its events as history.
// Discontinuing an already discontinued command is a no-op.
func (s *Service) SoftDelete(ctx context.Context, id uuid.UUID, reason, actor string) (*Command, error) {
	cur, err := s.repo.GetCommand(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Current == StatusDiscontinued {
		return cur, nil
	}
	if strings.TrimSpace(reason) == "" {
		reason = "deleted"
	}
	cmd, _, err := s.TransitionStatus(ctx, id, StatusTransition{To: StatusDiscontinued, Reason: reason, Actor: actor})
	return cmd, err
}

// HardDelete removes the command and every event referencing it atomically.
// Repeating it after success removes nothing and succeeds.
func (s *Service) HardDelete(ctx context.Context, id uuid.UUID, actor string) (*CascadeResult, error) {
	res, err := s.repo.DeleteCommandAndEvents(ctx, id)
	if err != nil {
		if IsDomainError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	s.log.Info().
		Str("command_id", id.String()).
		Str("actor", actor).
		Bool("command_deleted", res.CommandDeleted).
		Int64("events_deleted", res.EventsDeleted).
		Msg("medication command hard deleted")
	return res, nil
}

// StatusHistory replays the command's status_changed events and checks the
// result against the stored status.
func (s *Service) StatusHistory(ctx context.Context, id uuid.UUID) ([]StatusHistoryEntry, error) {
	cmd, err := s.repo.GetCommand(ctx, id)
	if err != nil {
		return nil, err
	}
	events, _, err := s.repo.QueryEvents(ctx, EventFilter{
		PatientID: cmd.PatientID,
		CommandID: &cmd.ID,
		Types:     []EventType{EventStatusChanged},
	})
	if err != nil {
		return nil, err
	}
	derived, history, err := DeriveStatus(StatusActive, events)
	if err != nil {
		return history, err
	}
	if derived != cmd.Status.Current {
		return history, &InvariantViolationError{
			Rule:   "status_history",
			Detail: fmt.Sprintf("events derive %s but command is %s", derived, cmd.Status.Current),
		}
	}
	return history, nil
}

// -- Notifications --

func (s *Service) notifyCommand(ctx context.Context, cmd *Command, kind string, urgency Urgency, title, message string) {
	if s.notifier == nil || !cmd.Reminders.Enabled {
		return
	}
	if urgency != UrgencyHigh && s.inQuietHours(ctx, cmd) {
		s.log.Debug().Str("command_id", cmd.ID.String()).Str("kind", kind).Msg("notification suppressed by quiet hours")
		return
	}
	s.notifyAsync(Notification{
		ID:         uuid.New(),
		PatientID:  cmd.PatientID,
		Kind:       kind,
		Title:      title,
		Message:    message,
		Urgency:    urgency,
		Recipients: cmd.Reminders.Recipients,
		Methods:    cmd.Reminders.Methods,
	})
}

func (s *Service) inQuietHours(ctx context.Context, cmd *Command) bool {
	q := cmd.Reminders.QuietHours
	if q == nil {
		return false
	}
	loc, _, err := s.patientLocation(ctx, cmd.PatientID)
	if err != nil {
		loc = time.UTC
	}
	return q.Contains(localTimeOfDay(s.clock.Now(), loc))
}

// notifyAsync sends n on its own goroutine with a bounded timeout. Failures
// are logged and counted, never returned.
func (s *Service) notifyAsync(n Notification) {
	if s.notifier == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.NotifyTimeout)
		defer cancel()

		res, err := s.notifier.SendNotification(ctx, n)
		s.rec.NotificationSent(n.Kind, err == nil)
		if err != nil {
			s.log.Warn().Err(err).
				Str("notification_id", n.ID.String()).
				Str("patient_id", n.PatientID.String()).
				Str("kind", n.Kind).
				Msg("notification failed")
			return
		}
		s.log.Debug().
			Str("notification_id", n.ID.String()).
			Str("kind", n.Kind).
			Int("sent", res.TotalSent).
			Msg("notification sent")
	}()
}
