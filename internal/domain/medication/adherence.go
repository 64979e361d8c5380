package medication

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultMilestoneThresholds are the streak lengths, in days, that are
// celebrated.
var DefaultMilestoneThresholds = []int{7, 30, 100}

// MedicationAdherence is the per-command breakdown of AdherenceMetrics.
type MedicationAdherence struct {
	CommandID           uuid.UUID `json:"command_id"`
	MedicationName      string    `json:"medication_name"`
	TotalScheduled      int       `json:"total_scheduled"`
	TotalTaken          int       `json:"total_taken"`
	TotalMissed         int       `json:"total_missed"`
	TotalSkipped        int       `json:"total_skipped"`
	AdherenceRate       float64   `json:"adherence_rate"`
	OnTimeRate          float64   `json:"on_time_rate"`
	AverageDelayMinutes float64   `json:"average_delay_minutes"`

	onTime     int
	delayTotal int
}

type AdherenceMetrics struct {
	PatientID           uuid.UUID             `json:"patient_id"`
	From                time.Time             `json:"from"`
	To                  time.Time             `json:"to"`
	TotalScheduled      int                   `json:"total_scheduled"`
	TotalTaken          int                   `json:"total_taken"`
	TotalMissed         int                   `json:"total_missed"`
	TotalSkipped        int                   `json:"total_skipped"`
	AdherenceRate       float64               `json:"adherence_rate"`
	OnTimeRate          float64               `json:"on_time_rate"`
	AverageDelayMinutes float64               `json:"average_delay_minutes"`
	ByMedication        []MedicationAdherence `json:"by_medication"`
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return round4(float64(n) / float64(d))
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

// CalculateAdherence aggregates the dose instances scheduled in [from, to).
// An instance counts as scheduled once it has a dose_scheduled or resolving
// event. PRN commands are excluded entirely; events of commands missing from
// commands are still counted.
func CalculateAdherence(patientID uuid.UUID, from, to time.Time, commands []*Command, events []*Event) *AdherenceMetrics {
	byID := make(map[uuid.UUID]*Command, len(commands))
	for _, c := range commands {
		byID[c.ID] = c
	}

	m := &AdherenceMetrics{PatientID: patientID, From: from, To: to, ByMedication: []MedicationAdherence{}}
	perCmd := make(map[uuid.UUID]*MedicationAdherence)
	var onTime, delayTotal int

	for key, s := range ReplayDoses(events) {
		at := key.Time()
		if at.Before(from) || !at.Before(to) || !s.Expected() {
			continue
		}
		cmd := byID[key.CommandID]
		if cmd != nil && (cmd.Status.IsPRN || cmd.Schedule.Frequency == FrequencyAsNeeded) {
			continue
		}

		ma, ok := perCmd[key.CommandID]
		if !ok {
			ma = &MedicationAdherence{CommandID: key.CommandID}
			if cmd != nil {
				ma.MedicationName = cmd.Medication.Name
			} else if s.Scheduled != nil {
				ma.MedicationName = s.Scheduled.Context.MedicationName
			}
			perCmd[key.CommandID] = ma
		}
		ma.TotalScheduled++
		m.TotalScheduled++

		if s.Resolution == nil {
			continue
		}
		if ma.MedicationName == "" {
			ma.MedicationName = s.Resolution.Event.Context.MedicationName
		}
		switch s.Resolution.Action {
		case EventDoseTaken:
			ma.TotalTaken++
			m.TotalTaken++
			ma.delayTotal += s.Resolution.MinutesLate
			delayTotal += s.Resolution.MinutesLate
			if s.Resolution.IsOnTime {
				ma.onTime++
				onTime++
			}
		case EventDoseMissed:
			ma.TotalMissed++
			m.TotalMissed++
		case EventDoseSkipped:
			ma.TotalSkipped++
			m.TotalSkipped++
		}
	}

	m.AdherenceRate = ratio(m.TotalTaken, m.TotalScheduled)
	m.OnTimeRate = ratio(onTime, m.TotalTaken)
	if m.TotalTaken > 0 {
		m.AverageDelayMinutes = math.Round(float64(delayTotal)/float64(m.TotalTaken)*100) / 100
	}
	for _, ma := range perCmd {
		ma.AdherenceRate = ratio(ma.TotalTaken, ma.TotalScheduled)
		ma.OnTimeRate = ratio(ma.onTime, ma.TotalTaken)
		if ma.TotalTaken > 0 {
			ma.AverageDelayMinutes = math.Round(float64(ma.delayTotal)/float64(ma.TotalTaken)*100) / 100
		}
		m.ByMedication = append(m.ByMedication, *ma)
	}
	sort.Slice(m.ByMedication, func(i, j int) bool {
		a, b := m.ByMedication[i], m.ByMedication[j]
		if a.MedicationName != b.MedicationName {
			return a.MedicationName < b.MedicationName
		}
		return a.CommandID.String() < b.CommandID.String()
	})
	return m
}

// streakOK are the take categories that keep a streak going.
var streakOK = map[TimingCategory]bool{
	TimingEarly:  true,
	TimingOnTime: true,
	TimingLate:   true,
}

// CurrentStreak counts consecutive patient-local days, ending at the most
// recent day with a resolved dose of commandID on or before asOf, on which
// the command had at least one acceptable take and no missed or very late
// dose. A day without any resolved dose ends the streak.
func CurrentStreak(commandID uuid.UUID, events []*Event, loc *time.Location, asOf time.Time) int {
	if loc == nil {
		loc = time.UTC
	}
	type dayState struct{ ok, broken bool }
	days := make(map[string]*dayState)
	latest := ""
	limit := asOf.In(loc).Format(DateLayout)

	for key, s := range ReplayDoses(events) {
		if key.CommandID != commandID || s.Resolution == nil {
			continue
		}
		day := key.Time().In(loc).Format(DateLayout)
		if day > limit {
			continue
		}
		ds, ok := days[day]
		if !ok {
			ds = &dayState{}
			days[day] = ds
		}
		switch r := s.Resolution; {
		case r.Action == EventDoseMissed:
			ds.broken = true
		case r.Action == EventDoseTaken && r.Category == TimingVeryLate:
			ds.broken = true
		case r.Action == EventDoseTaken && streakOK[r.Category]:
			ds.ok = true
		}
		if day > latest {
			latest = day
		}
	}
	if latest == "" {
		return 0
	}

	streak := 0
	cursor, _ := time.Parse(DateLayout, latest)
	for {
		ds, ok := days[cursor.Format(DateLayout)]
		if !ok || ds.broken || !ds.ok {
			return streak
		}
		streak++
		cursor = cursor.AddDate(0, 0, -1)
	}
}

// CrossedMilestones returns, in ascending order, the thresholds that streak
// has reached and that have not been reported yet.
func CrossedMilestones(streak int, thresholds []int, reported map[int]bool) []int {
	var out []int
	for _, th := range thresholds {
		if th > 0 && streak >= th && !reported[th] {
			out = append(out, th)
		}
	}
	sort.Ints(out)
	return out
}

// AdherenceImpact is the effect of an undo or correction on the affected
// command's adherence rate, as percentages.
type AdherenceImpact struct {
	PreviousScore float64 `json:"previous_score"`
	NewScore      float64 `json:"new_score"`
}

// EstimateImpact compares the command's adherence over [from, to) without
// and with the added event.
func EstimateImpact(cmd *Command, from, to time.Time, events []*Event, added *Event) AdherenceImpact {
	cmds := []*Command{cmd}
	before := CalculateAdherence(cmd.PatientID, from, to, cmds, events)
	withAdded := append(append(make([]*Event, 0, len(events)+1), events...), added)
	after := CalculateAdherence(cmd.PatientID, from, to, cmds, withAdded)
	return AdherenceImpact{
		PreviousScore: math.Round(before.AdherenceRate*10000) / 100,
		NewScore:      math.Round(after.AdherenceRate*10000) / 100,
	}
}
