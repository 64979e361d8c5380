package medication

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxAdherenceRangeDays = 366

// TodayBuckets returns the bucketed view of the patient's doses for the
// patient-local day containing now.
func (s *Service) TodayBuckets(ctx context.Context, patientID uuid.UUID) (*TodayBuckets, error) {
	loc, _, err := s.patientLocation(ctx, patientID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	commands, _, err := s.repo.QueryCommands(ctx, CommandFilter{PatientID: patientID, Statuses: []Status{StatusActive}})
	if err != nil {
		return nil, err
	}
	start, end, err := LocalDayBounds(now.In(loc).Format(DateLayout), loc)
	if err != nil {
		return nil, err
	}
	archived := false
	events, _, err := s.repo.QueryEvents(ctx, EventFilter{PatientID: patientID, From: &start, To: &end, Archived: &archived})
	if err != nil {
		return nil, err
	}
	return ComputeTodayBuckets(now, loc, commands, events)
}

// AdherenceMetrics aggregates adherence over the inclusive patient-local
// date range [fromDate, toDate].
func (s *Service) AdherenceMetrics(ctx context.Context, patientID uuid.UUID, fromDate, toDate string) (*AdherenceMetrics, error) {
	loc, _, err := s.patientLocation(ctx, patientID)
	if err != nil {
		return nil, err
	}
	from, _, err := LocalDayBounds(fromDate, loc)
	if err != nil {
		return nil, invalid("from", "%q is not YYYY-MM-DD", fromDate)
	}
	_, to, err := LocalDayBounds(toDate, loc)
	if err != nil {
		return nil, invalid("to", "%q is not YYYY-MM-DD", toDate)
	}
	if !from.Before(to) {
		return nil, invalid("to", "must not be before from")
	}
	if to.Sub(from) > maxAdherenceRangeDays*25*time.Hour {
		return nil, invalid("to", "range exceeds %d days", maxAdherenceRangeDays)
	}

	commands, _, err := s.repo.QueryCommands(ctx, CommandFilter{PatientID: patientID})
	if err != nil {
		return nil, err
	}
	events, _, err := s.repo.QueryEvents(ctx, EventFilter{PatientID: patientID, From: &from, To: &to})
	if err != nil {
		return nil, err
	}
	return CalculateAdherence(patientID, from, to, commands, events), nil
}

// StreakReport is the current streak of one command.
type StreakReport struct {
	CommandID      uuid.UUID    `json:"command_id"`
	MedicationName string       `json:"medication_name"`
	StreakDays     int          `json:"streak_days"`
	NewMilestones  []*Milestone `json:"new_milestones"`
}

// DetectMilestones computes each schedulable command's current streak and
// persists thresholds crossed for the first time. A threshold already
// stored for a command is never reported again.
func (s *Service) DetectMilestones(ctx context.Context, patientID uuid.UUID) ([]StreakReport, error) {
	loc, _, err := s.patientLocation(ctx, patientID)
	if err != nil {
		return nil, err
	}
	commands, _, err := s.repo.QueryCommands(ctx, CommandFilter{PatientID: patientID, Statuses: []Status{StatusActive}})
	if err != nil {
		return nil, err
	}
	stored, err := s.repo.ListMilestones(ctx, patientID)
	if err != nil {
		return nil, err
	}
	reported := make(map[uuid.UUID]map[int]bool)
	for _, m := range stored {
		if reported[m.CommandID] == nil {
			reported[m.CommandID] = make(map[int]bool)
		}
		reported[m.CommandID][m.Threshold] = true
	}

	maxThreshold := 0
	for _, th := range s.opts.MilestoneThresholds {
		if th > maxThreshold {
			maxThreshold = th
		}
	}
	now := s.clock.Now()
	from := now.AddDate(0, 0, -(maxThreshold + 2))
	to := now.Add(24 * time.Hour)
	events, _, err := s.repo.QueryEvents(ctx, EventFilter{PatientID: patientID, From: &from, To: &to})
	if err != nil {
		return nil, err
	}
	byCommand := make(map[uuid.UUID][]*Event)
	for _, e := range events {
		byCommand[e.CommandID] = append(byCommand[e.CommandID], e)
	}

	reports := make([]StreakReport, 0, len(commands))
	for _, cmd := range commands {
		if !cmd.Schedulable() {
			continue
		}
		streak := CurrentStreak(cmd.ID, byCommand[cmd.ID], loc, now)
		report := StreakReport{CommandID: cmd.ID, MedicationName: cmd.Medication.Name, StreakDays: streak, NewMilestones: []*Milestone{}}
		for _, th := range CrossedMilestones(streak, s.opts.MilestoneThresholds, reported[cmd.ID]) {
			m := &Milestone{CommandID: cmd.ID, PatientID: patientID, Threshold: th, StreakDays: streak, ReachedAt: now}
			inserted, err := s.repo.PutMilestone(ctx, m)
			if err != nil {
				return nil, err
			}
			if !inserted {
				continue
			}
			report.NewMilestones = append(report.NewMilestones, m)
			s.rec.MilestoneReached(th)
			s.notifyCommand(ctx, cmd, "milestone", UrgencyLow, "Adherence milestone",
				fmt.Sprintf("%d days in a row taking %s. Keep it up!", th, cmd.Medication.Name))
		}
		reports = append(reports, report)
	}
	return reports, nil
}
