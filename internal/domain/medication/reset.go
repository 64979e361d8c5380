package medication

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ScheduleDay appends a dose_scheduled event, carrying its grace period end,
// for every dose instance of the patient's active scheduled commands on the
// patient-local date that does not have one yet. It returns the number of
// events created; running it again creates none.
func (s *Service) ScheduleDay(ctx context.Context, patientID uuid.UUID, date string) (int, error) {
	loc, _, err := s.patientLocation(ctx, patientID)
	if err != nil {
		return 0, err
	}
	start, end, err := LocalDayBounds(date, loc)
	if err != nil {
		return 0, err
	}
	cal := s.calendar(loc)

	created := 0
	err = s.inTx(ctx, func(ctx context.Context) error {
		created = 0
		commands, _, err := s.repo.QueryCommands(ctx, CommandFilter{PatientID: patientID, Statuses: []Status{StatusActive}})
		if err != nil {
			return err
		}
		existing, _, err := s.repo.QueryEvents(ctx, EventFilter{
			PatientID: patientID,
			Types:     []EventType{EventDoseScheduled},
			From:      &start,
			To:        &end,
		})
		if err != nil {
			return err
		}
		have := make(map[DoseKey]bool, len(existing))
		for _, e := range existing {
			have[KeyFor(e.CommandID, e.Timing.ScheduledFor)] = true
		}

		for _, cmd := range commands {
			if !cmd.Schedulable() {
				continue
			}
			times, err := cmd.DoseTimesOn(date, loc)
			if err != nil {
				return err
			}
			for _, at := range times {
				if have[KeyFor(cmd.ID, at)] {
					continue
				}
				graceEnd, err := s.grace.GracePeriodEnd(cmd, at, cal)
				if err != nil {
					return err
				}
				if _, err := s.appendFor(ctx, cmd, EventDraft{
					Type:           EventDoseScheduled,
					ScheduledFor:   at,
					GracePeriodEnd: &graceEnd,
					TriggerSource:  TriggerSystemDetected,
				}); err != nil {
					return err
				}
				have[KeyFor(cmd.ID, at)] = true
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if created > 0 {
		s.log.Info().Str("patient_id", patientID.String()).Str("date", date).Int("scheduled", created).Msg("doses scheduled")
	}
	return created, nil
}

// RunDailyReset archives every event scheduled within a completed
// patient-local day and stores the day's summary, in one transaction. A day
// that already has a summary is left alone. With dryRun nothing is written
// and the would-be counts are returned.
func (s *Service) RunDailyReset(ctx context.Context, patientID uuid.UUID, date string, dryRun bool) (*ArchiveResult, error) {
	loc, _, err := s.patientLocation(ctx, patientID)
	if err != nil {
		return nil, err
	}
	start, end, err := LocalDayBounds(date, loc)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if now.Before(end) {
		return nil, invalid("date", "%s has not ended in %s", date, loc)
	}

	res := &ArchiveResult{PatientID: patientID, Date: date, DryRun: dryRun}
	existing, err := s.repo.GetDailySummary(ctx, patientID, date)
	switch {
	case err == nil:
		res.AlreadyDone = true
		res.Summary = existing
		return res, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		commands, _, err := s.repo.QueryCommands(ctx, CommandFilter{PatientID: patientID})
		if err != nil {
			return err
		}
		events, _, err := s.repo.QueryEvents(ctx, EventFilter{PatientID: patientID, From: &start, To: &end})
		if err != nil {
			return err
		}
		summary, err := SummarizeDay(patientID, date, loc, commands, events, now)
		if err != nil {
			return err
		}
		res.Summary = summary

		var ids []uuid.UUID
		for _, e := range events {
			if !e.Archive.IsArchived {
				ids = append(ids, e.ID)
			}
		}
		if dryRun {
			res.EventsArchived = len(ids)
			return nil
		}
		n, err := s.repo.ArchiveEvents(ctx, ids, date, now)
		if err != nil {
			return err
		}
		res.EventsArchived = int(n)
		inserted, err := s.repo.PutDailySummary(ctx, summary)
		if err != nil {
			return err
		}
		res.AlreadyDone = !inserted
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !dryRun {
		s.rec.DayArchived(res.EventsArchived)
		s.log.Info().
			Str("patient_id", patientID.String()).
			Str("date", date).
			Int("archived", res.EventsArchived).
			Int("scheduled", res.Summary.Scheduled).
			Int("taken", res.Summary.Taken).
			Float64("adherence_rate", res.Summary.AdherenceRate).
			Msg("daily reset complete")
	}
	return res, nil
}

// SweepResult summarises one pass of SweepDailyReset.
type SweepResult struct {
	Patients  int
	Archived  int
	Scheduled int
	Failed    int
}

// SweepDailyReset resets the previous local day and schedules the current
// one for every patient. Failures for one patient are logged and do not
// stop the sweep; they are returned joined.
func (s *Service) SweepDailyReset(ctx context.Context) (SweepResult, error) {
	var out SweepResult
	ids, err := s.repo.ListPatientIDs(ctx)
	if err != nil {
		return out, err
	}
	now := s.clock.Now()
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		out.Patients++
		loc, _, err := s.patientLocation(ctx, id)
		if err != nil {
			out.Failed++
			errs = append(errs, err)
			continue
		}
		res, err := s.RunDailyReset(ctx, id, PreviousLocalDate(now, loc), false)
		if err != nil {
			out.Failed++
			errs = append(errs, err)
			s.log.Error().Err(err).Str("patient_id", id.String()).Msg("daily reset failed")
			continue
		}
		if !res.AlreadyDone {
			out.Archived++
		}
		n, err := s.ScheduleDay(ctx, id, now.In(loc).Format(DateLayout))
		if err != nil {
			out.Failed++
			errs = append(errs, err)
			s.log.Error().Err(err).Str("patient_id", id.String()).Msg("schedule day failed")
			continue
		}
		out.Scheduled += n
	}
	return out, errors.Join(errs...)
}
