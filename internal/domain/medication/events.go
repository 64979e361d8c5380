package medication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateEvent appends an event to the log. It stamps id and timestamp,
// requires the command to exist and rejects duplicates of resolving events:
// another live resolving event for the same command and scheduled hour
// recorded within the duplicate window, or any event carrying the same
// idempotency key. The window check narrows double submissions; it is not a
// lock, and two requests racing inside it can both succeed.
func (s *Service) CreateEvent(ctx context.Context, d EventDraft) (*Event, error) {
	if !d.Type.Valid() {
		return nil, invalid("event_type", "unrecognised event type %q", d.Type)
	}
	cmd, err := s.repo.GetCommand(ctx, d.CommandID)
	if err != nil {
		return nil, err
	}
	return s.appendFor(ctx, cmd, d)
}

// appendFor is the single write path for events. An empty trigger source
// means the patient acted.
func (s *Service) appendFor(ctx context.Context, cmd *Command, d EventDraft) (*Event, error) {
	if d.TriggerSource == "" {
		d.TriggerSource = TriggerUserAction
	}
	if !d.TriggerSource.Valid() {
		return nil, invalid("trigger_source", "unrecognised trigger source %q", d.TriggerSource)
	}
	now := s.clock.Now()
	if d.ScheduledFor.IsZero() {
		d.ScheduledFor = now
	}

	if d.IdempotencyKey != "" {
		existing, err := s.repo.FindEventByIdempotencyKey(ctx, cmd.ID, d.IdempotencyKey)
		switch {
		case err == nil:
			s.rec.DuplicateRejected()
			return nil, &DuplicateEventError{ExistingEventID: existing.ID}
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	if d.Type.IsResolving() {
		if dup, err := s.findDuplicate(ctx, cmd, d.ScheduledFor, now); err != nil {
			return nil, err
		} else if dup != nil {
			s.rec.DuplicateRejected()
			return nil, &DuplicateEventError{ExistingEventID: dup.ID}
		}
	}

	e := &Event{
		ID:        uuid.New(),
		CommandID: cmd.ID,
		PatientID: cmd.PatientID,
		Type:      d.Type,
		Timing: Timing{
			EventTimestamp: now,
			ScheduledFor:   d.ScheduledFor,
			GracePeriodEnd: d.GracePeriodEnd,
			IsOnTime:       d.IsOnTime,
			MinutesLate:    d.MinutesLate,
		},
		Data:           d.Data,
		Context:        EventContext{MedicationName: cmd.Medication.Name, TriggerSource: d.TriggerSource},
		IdempotencyKey: d.IdempotencyKey,
	}
	if err := s.repo.AppendEvent(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			s.rec.DuplicateRejected()
		}
		return nil, err
	}
	s.rec.EventRecorded(e.Type)
	return e, nil
}

// findDuplicate returns a live resolving event of cmd scheduled in the same
// patient-local hour as scheduledFor and recorded within the duplicate window
// before now.
func (s *Service) findDuplicate(ctx context.Context, cmd *Command, scheduledFor, now time.Time) (*Event, error) {
	loc, _, err := s.patientLocation(ctx, cmd.PatientID)
	if err != nil {
		return nil, err
	}
	hour := localHour(scheduledFor, loc)
	next := hour.Add(time.Hour)
	events, _, err := s.repo.QueryEvents(ctx, EventFilter{
		PatientID: cmd.PatientID,
		CommandID: &cmd.ID,
		Types:     []EventType{EventDoseTaken, EventDoseMissed, EventDoseSkipped, EventDoseTakenUndone},
		From:      &hour,
		To:        &next,
	})
	if err != nil {
		return nil, err
	}
	undone := make(map[uuid.UUID]bool)
	for _, e := range events {
		if e.Type == EventDoseTakenUndone && e.Data.OriginalEventID != nil {
			undone[*e.Data.OriginalEventID] = true
		}
	}
	SortEvents(events)
	cutoff := now.Add(-s.opts.DuplicateWindow)
	for _, e := range events {
		if !e.Type.IsResolving() || undone[e.ID] {
			continue
		}
		if !e.Timing.EventTimestamp.Before(cutoff) {
			return e, nil
		}
	}
	return nil, nil
}

// localHour is the start of the wall-clock hour containing t in loc. Zones
// with half-hour offsets do not align with UTC hours.
func localHour(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return local.Add(-time.Duration(local.Minute())*time.Minute -
		time.Duration(local.Second())*time.Second -
		time.Duration(local.Nanosecond()))
}

// DoseAction is a user or system action on one dose instance.
type DoseAction struct {
	CommandID    uuid.UUID
	ScheduledFor time.Time
	// Take only. TakenAt defaults to now.
	TakenAt      *time.Time
	ActualDose   string
	TookWithFood *bool
	Symptomatic  bool
	// Skip reason, or a free-text note on a miss.
	Reason         string
	SnoozeMinutes  int
	Notes          string
	Trigger        TriggerSource
	IdempotencyKey string
	Actor          string
}

const maxSnoozeMinutes = 240

// Take records a dose as taken with its timing and adherence assessment.
// PRN commands may omit ScheduledFor; the take time is used.
func (s *Service) Take(ctx context.Context, a DoseAction) (*Event, error) {
	cmd, err := s.repo.GetCommand(ctx, a.CommandID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	takenAt := now
	if a.TakenAt != nil {
		takenAt = *a.TakenAt
	}
	if takenAt.After(now.Add(time.Minute)) {
		return nil, invalid("taken_at", "is in the future")
	}
	if a.ScheduledFor.IsZero() {
		if !cmd.Status.IsPRN {
			return nil, invalid("scheduled_for", "is required for scheduled medications")
		}
		a.ScheduledFor = takenAt
	}
	if err := s.requireDoseable(cmd); err != nil {
		return nil, err
	}

	loc, _, err := s.patientLocation(ctx, cmd.PatientID)
	if err != nil {
		return nil, err
	}
	graceEnd, err := s.grace.GracePeriodEnd(cmd, a.ScheduledFor, s.calendar(loc))
	if err != nil {
		return nil, err
	}
	assessment := AssessTake(TakeInput{
		ScheduledFor:   a.ScheduledFor,
		TakenAt:        takenAt,
		PrescribedDose: prescribedDose(cmd),
		ActualDose:     a.ActualDose,
		TakeWithFood:   cmd.Medication.TakeWithFood,
		TookWithFood:   a.TookWithFood,
		Symptomatic:    a.Symptomatic,
	})
	onTime, late := TakeTiming(a.ScheduledFor, takenAt, graceEnd)

	e, err := s.appendFor(ctx, cmd, EventDraft{
		Type:           EventDoseTaken,
		ScheduledFor:   a.ScheduledFor,
		GracePeriodEnd: &graceEnd,
		IsOnTime:       &onTime,
		MinutesLate:    &late,
		Data:           EventData{Adherence: &assessment, Notes: a.Notes, Actor: a.Actor},
		TriggerSource:  a.Trigger,
		IdempotencyKey: a.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	s.notifyCommand(ctx, cmd, "dose_taken", UrgencyLow, "Dose taken",
		fmt.Sprintf("%s was taken (%s).", cmd.Medication.Name, strings.ReplaceAll(string(assessment.TimingCategory), "_", " ")))
	return e, nil
}

// Miss records a dose as missed. Missed doses notify with high urgency.
func (s *Service) Miss(ctx context.Context, a DoseAction) (*Event, error) {
	cmd, err := s.resolvableCommand(ctx, a)
	if err != nil {
		return nil, err
	}
	graceEnd, err := s.graceEndFor(ctx, cmd, a.ScheduledFor)
	if err != nil {
		return nil, err
	}
	e, err := s.appendFor(ctx, cmd, EventDraft{
		Type:           EventDoseMissed,
		ScheduledFor:   a.ScheduledFor,
		GracePeriodEnd: &graceEnd,
		IsOnTime:       ptr(false),
		Data:           EventData{Reason: a.Reason, Notes: a.Notes, Actor: a.Actor},
		TriggerSource:  a.Trigger,
		IdempotencyKey: a.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	s.notifyCommand(ctx, cmd, "dose_missed", UrgencyHigh, "Missed dose",
		fmt.Sprintf("%s scheduled for %s was missed.", cmd.Medication.Name, a.ScheduledFor.Format(time.RFC3339)))
	return e, nil
}

// Skip records a deliberate skip. A reason is required.
func (s *Service) Skip(ctx context.Context, a DoseAction) (*Event, error) {
	if strings.TrimSpace(a.Reason) == "" {
		return nil, invalid("reason", "a reason is required to skip a dose")
	}
	cmd, err := s.resolvableCommand(ctx, a)
	if err != nil {
		return nil, err
	}
	e, err := s.appendFor(ctx, cmd, EventDraft{
		Type:           EventDoseSkipped,
		ScheduledFor:   a.ScheduledFor,
		Data:           EventData{SkipReason: a.Reason, Notes: a.Notes, Actor: a.Actor},
		TriggerSource:  a.Trigger,
		IdempotencyKey: a.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	s.notifyCommand(ctx, cmd, "dose_skipped", UrgencyNormal, "Dose skipped",
		fmt.Sprintf("%s was skipped: %s", cmd.Medication.Name, a.Reason))
	return e, nil
}

// Snooze postpones an unresolved dose by SnoozeMinutes from now.
func (s *Service) Snooze(ctx context.Context, a DoseAction) (*Event, error) {
	if a.SnoozeMinutes <= 0 || a.SnoozeMinutes > maxSnoozeMinutes {
		return nil, invalid("snooze_minutes", "must be between 1 and %d", maxSnoozeMinutes)
	}
	cmd, err := s.resolvableCommand(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := s.requireUnresolved(ctx, cmd, a.ScheduledFor); err != nil {
		return nil, err
	}
	return s.appendFor(ctx, cmd, EventDraft{
		Type:           EventDoseSnoozed,
		ScheduledFor:   a.ScheduledFor,
		Data:           EventData{SnoozeMinutes: a.SnoozeMinutes, Notes: a.Notes, Actor: a.Actor},
		TriggerSource:  a.Trigger,
		IdempotencyKey: a.IdempotencyKey,
	})
}

func (s *Service) resolvableCommand(ctx context.Context, a DoseAction) (*Command, error) {
	if a.ScheduledFor.IsZero() {
		return nil, invalid("scheduled_for", "is required")
	}
	cmd, err := s.repo.GetCommand(ctx, a.CommandID)
	if err != nil {
		return nil, err
	}
	if cmd.Status.IsPRN {
		return nil, invalid("command_id", "as-needed medications are not scheduled")
	}
	return cmd, s.requireDoseable(cmd)
}

// requireDoseable rejects dose actions on commands that are no longer
// running. Paused and held commands still accept late records.
func (s *Service) requireDoseable(cmd *Command) error {
	if cmd.Status.Current.IsTerminal() {
		return invalid("command_id", "medication is %s", cmd.Status.Current)
	}
	return nil
}

func (s *Service) requireUnresolved(ctx context.Context, cmd *Command, scheduledFor time.Time) error {
	from := scheduledFor.Truncate(time.Minute)
	to := from.Add(time.Minute)
	events, _, err := s.repo.QueryEvents(ctx, EventFilter{PatientID: cmd.PatientID, CommandID: &cmd.ID, From: &from, To: &to})
	if err != nil {
		return err
	}
	if r := ActiveResolution(events, cmd.ID, scheduledFor); r != nil {
		return &DuplicateEventError{ExistingEventID: r.Event.ID}
	}
	return nil
}

func (s *Service) graceEndFor(ctx context.Context, cmd *Command, scheduledFor time.Time) (time.Time, error) {
	loc, _, err := s.patientLocation(ctx, cmd.PatientID)
	if err != nil {
		return time.Time{}, err
	}
	return s.grace.GracePeriodEnd(cmd, scheduledFor, s.calendar(loc))
}

func prescribedDose(cmd *Command) string {
	if cmd.Schedule.DosageAmount != "" {
		return cmd.Schedule.DosageAmount
	}
	return cmd.Medication.Dosage
}

// -- Undo and correction --

type UndoResult struct {
	Event  *Event          `json:"event"`
	Impact AdherenceImpact `json:"adherence_impact"`
}

// Undo reverses a dose_taken event within the undo window by appending a
// dose_taken_undone event. After the window it fails with
// *UndoWindowExpiredError and the caller should use Correct.
func (s *Service) Undo(ctx context.Context, originalID uuid.UUID, reason, actor string) (*UndoResult, error) {
	orig, err := s.repo.GetEvent(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if orig.Type != EventDoseTaken {
		return nil, invalid("event_id", "only dose_taken events can be undone, got %s", orig.Type)
	}
	now := s.clock.Now()
	expiry := orig.Timing.EventTimestamp.Add(s.opts.UndoWindow)
	if now.After(expiry) {
		s.rec.UndoExpired()
		return nil, &UndoWindowExpiredError{OriginalEventID: orig.ID, ExpiredAt: expiry}
	}

	cmd, err := s.repo.GetCommand(ctx, orig.CommandID)
	if err != nil {
		return nil, err
	}
	if prior, err := s.findUndo(ctx, orig); err != nil {
		return nil, err
	} else if prior != nil {
		return nil, &DuplicateEventError{ExistingEventID: prior.ID}
	}
	history, err := s.impactEvents(ctx, cmd, orig.Timing.ScheduledFor, now)
	if err != nil {
		return nil, err
	}

	undo, err := s.appendFor(ctx, cmd, EventDraft{
		Type:          EventDoseTakenUndone,
		ScheduledFor:  orig.Timing.ScheduledFor,
		Data:          EventData{OriginalEventID: &orig.ID, Reason: reason, Actor: actor},
		TriggerSource: TriggerUserAction,
	})
	if err != nil {
		return nil, err
	}
	from, to := s.impactRange(orig.Timing.ScheduledFor, now)
	return &UndoResult{Event: undo, Impact: EstimateImpact(cmd, from, to, history, undo)}, nil
}

// findUndo returns the dose_taken_undone event that already reverses orig.
// Undo events share the original's scheduled time, so the lookup is bounded
// to that minute however old the dose is.
func (s *Service) findUndo(ctx context.Context, orig *Event) (*Event, error) {
	from := orig.Timing.ScheduledFor.Truncate(time.Minute)
	to := from.Add(time.Minute)
	events, _, err := s.repo.QueryEvents(ctx, EventFilter{
		PatientID: orig.PatientID,
		CommandID: &orig.CommandID,
		Types:     []EventType{EventDoseTakenUndone},
		From:      &from,
		To:        &to,
	})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.Data.OriginalEventID != nil && *e.Data.OriginalEventID == orig.ID {
			return e, nil
		}
	}
	return nil, nil
}

// CorrectionRequest changes the outcome of a recorded dose without a time
// limit. CorrectedData is free-form; a "taken_at" entry in RFC 3339 sets the
// take time when correcting to dose_taken.
type CorrectionRequest struct {
	OriginalEventID uuid.UUID
	CorrectedAction EventType
	Reason          string
	CorrectedData   map[string]string
	Actor           string
}

type CorrectionResult struct {
	Event  *Event          `json:"event"`
	Impact AdherenceImpact `json:"adherence_impact"`
}

// Correct appends a dose_corrected event that replaces the outcome of the
// original event's dose instance. The original is never modified.
func (s *Service) Correct(ctx context.Context, req CorrectionRequest) (*CorrectionResult, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, invalid("reason", "a reason is required for corrections")
	}
	if !req.CorrectedAction.IsResolving() {
		return nil, invalid("corrected_action", "must be dose_taken, dose_missed or dose_skipped")
	}
	orig, err := s.repo.GetEvent(ctx, req.OriginalEventID)
	if err != nil {
		return nil, err
	}
	switch orig.Type {
	case EventStatusChanged, EventDoseTakenUndone, EventDoseCorrected:
		return nil, invalid("event_id", "%s events cannot be corrected", orig.Type)
	}
	cmd, err := s.repo.GetCommand(ctx, orig.CommandID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	d := EventDraft{
		Type:         EventDoseCorrected,
		ScheduledFor: orig.Timing.ScheduledFor,
		Data: EventData{
			OriginalEventID: &orig.ID,
			CorrectedAction: req.CorrectedAction,
			CorrectedData:   req.CorrectedData,
			Reason:          req.Reason,
			Actor:           req.Actor,
		},
		TriggerSource: TriggerUserAction,
	}
	if req.CorrectedAction == EventDoseTaken {
		takenAt := orig.Timing.EventTimestamp
		if raw := req.CorrectedData["taken_at"]; raw != "" {
			if takenAt, err = time.Parse(time.RFC3339, raw); err != nil {
				return nil, invalid("corrected_data.taken_at", "must be RFC 3339")
			}
		}
		if takenAt.After(now.Add(time.Minute)) {
			return nil, invalid("corrected_data.taken_at", "is in the future")
		}
		graceEnd, err := s.graceEndFor(ctx, cmd, orig.Timing.ScheduledFor)
		if err != nil {
			return nil, err
		}
		assessment := AssessTake(TakeInput{
			ScheduledFor:   orig.Timing.ScheduledFor,
			TakenAt:        takenAt,
			PrescribedDose: prescribedDose(cmd),
			ActualDose:     req.CorrectedData["actual_dose"],
			TakeWithFood:   cmd.Medication.TakeWithFood,
		})
		onTime, late := TakeTiming(orig.Timing.ScheduledFor, takenAt, graceEnd)
		d.Data.Adherence = &assessment
		d.GracePeriodEnd = &graceEnd
		d.IsOnTime = &onTime
		d.MinutesLate = &late
	}

	history, err := s.impactEvents(ctx, cmd, orig.Timing.ScheduledFor, now)
	if err != nil {
		return nil, err
	}
	corr, err := s.appendFor(ctx, cmd, d)
	if err != nil {
		return nil, err
	}
	from, to := s.impactRange(orig.Timing.ScheduledFor, now)
	return &CorrectionResult{Event: corr, Impact: EstimateImpact(cmd, from, to, history, corr)}, nil
}

// impactRange is the trailing window ending at now, stretched to include
// scheduledFor when it lies in the future.
func (s *Service) impactRange(scheduledFor, now time.Time) (time.Time, time.Time) {
	end := now
	if scheduledFor.After(end) {
		end = scheduledFor
	}
	end = end.Add(time.Minute)
	return end.Add(-s.opts.ImpactWindow), end
}

func (s *Service) impactEvents(ctx context.Context, cmd *Command, scheduledFor, now time.Time) ([]*Event, error) {
	from, to := s.impactRange(scheduledFor, now)
	events, _, err := s.repo.QueryEvents(ctx, EventFilter{
		PatientID: cmd.PatientID,
		CommandID: &cmd.ID,
		From:      &from,
		To:        &to,
	})
	return events, err
}

// ListEvents returns a patient's events, oldest first.
func (s *Service) ListEvents(ctx context.Context, f EventFilter) ([]*Event, int, error) {
	if f.PatientID == uuid.Nil {
		return nil, 0, invalid("patient_id", "is required")
	}
	for _, t := range f.Types {
		if !t.Valid() {
			return nil, 0, invalid("event_type", "unrecognised event type %q", t)
		}
	}
	return s.repo.QueryEvents(ctx, f)
}
