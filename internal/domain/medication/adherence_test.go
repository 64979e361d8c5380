package medication

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCalculateAdherence_Empty(t *testing.T) {
	from, to := at(tue, 0, 0), at(wed0900, 0, 0)
	m := CalculateAdherence(testPatient, from, to, nil, nil)
	if m.TotalScheduled != 0 || m.AdherenceRate != 0 || m.OnTimeRate != 0 || m.AverageDelayMinutes != 0 {
		t.Errorf("expected zero metrics, got %+v", m)
	}
	if m.ByMedication == nil {
		t.Error("ByMedication should be an empty slice")
	}
}

func TestCalculateAdherence(t *testing.T) {
	a := newCommand(FrequencyTwiceDaily, "08:00", "20:00")
	a.Medication.Name = "Zestril"
	b := newCommand(FrequencyDaily, "09:00")
	b.Medication.Name = "Aspirin"
	prn := newCommand(FrequencyAsNeeded)
	prn.Status.IsPRN = true

	day := tue
	lateTake := logEvent(a.ID, EventDoseTaken, at(day, 20, 0), at(day, 21, 0))
	lateTake.Timing.IsOnTime = ptr(false)
	lateTake.Timing.MinutesLate = ptr(60)
	events := []*Event{
		logEvent(a.ID, EventDoseTaken, at(day, 8, 0), at(day, 8, 10)),
		lateTake,
		logEvent(b.ID, EventDoseScheduled, at(day, 9, 0), at(day, 0, 1)),
		logEvent(b.ID, EventDoseSkipped, at(day.AddDate(0, 0, 1), 9, 0), at(day.AddDate(0, 0, 1), 9, 5)),
		logEvent(prn.ID, EventDoseTaken, at(day, 14, 0), at(day, 14, 0)),
		logEvent(a.ID, EventDoseTaken, at(day.AddDate(0, 0, -1), 8, 0), at(day.AddDate(0, 0, -1), 8, 0)),
	}

	m := CalculateAdherence(testPatient, at(day, 0, 0), at(day.AddDate(0, 0, 2), 0, 0), []*Command{a, b, prn}, events)
	if m.TotalScheduled != 4 || m.TotalTaken != 2 || m.TotalSkipped != 1 || m.TotalMissed != 0 {
		t.Errorf("totals: %+v", m)
	}
	if m.AdherenceRate != 0.5 || m.OnTimeRate != 0.5 || m.AverageDelayMinutes != 35 {
		t.Errorf("rates: %+v", m)
	}
	if len(m.ByMedication) != 2 || m.ByMedication[0].MedicationName != "Aspirin" || m.ByMedication[1].MedicationName != "Zestril" {
		t.Fatalf("breakdown: %+v", m.ByMedication)
	}
	if asp := m.ByMedication[0]; asp.TotalScheduled != 2 || asp.TotalSkipped != 1 || asp.AdherenceRate != 0 {
		t.Errorf("aspirin: %+v", asp)
	}
	if z := m.ByMedication[1]; z.AdherenceRate != 1 || z.OnTimeRate != 0.5 {
		t.Errorf("zestril: %+v", z)
	}
}

func TestCalculateAdherence_UnknownCommandStillCounted(t *testing.T) {
	orphan := uuid.New()
	e := logEvent(orphan, EventDoseMissed, at(tue, 8, 0), at(tue, 9, 0))
	e.Context.MedicationName = "Deleted Med"

	m := CalculateAdherence(testPatient, at(tue, 0, 0), at(wed0900, 0, 0), nil, []*Event{e})
	if m.TotalMissed != 1 || len(m.ByMedication) != 1 || m.ByMedication[0].MedicationName != "Deleted Med" {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func dailyTakes(cmdID uuid.UUID, first time.Time, days int) []*Event {
	var out []*Event
	for d := 0; d < days; d++ {
		day := first.AddDate(0, 0, d)
		out = append(out, logEvent(cmdID, EventDoseTaken, at(day, 8, 0), at(day, 8, 5)))
	}
	return out
}

func TestCurrentStreak(t *testing.T) {
	cmd := uuid.New()
	first := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	if got := CurrentStreak(cmd, nil, time.UTC, first); got != 0 {
		t.Errorf("no events: %d", got)
	}

	events := dailyTakes(cmd, first, 10)
	if got := CurrentStreak(cmd, events, time.UTC, at(first.AddDate(0, 0, 9), 12, 0)); got != 10 {
		t.Errorf("ten days: %d", got)
	}
	if got := CurrentStreak(cmd, events, time.UTC, at(first.AddDate(0, 0, 4), 12, 0)); got != 5 {
		t.Errorf("asOf should cap the streak: %d", got)
	}

	missDay := first.AddDate(0, 0, 6)
	withMiss := append(append([]*Event{}, events...), logEvent(cmd, EventDoseMissed, at(missDay, 20, 0), at(missDay, 21, 0)))
	if got := CurrentStreak(cmd, withMiss, time.UTC, at(first.AddDate(0, 0, 9), 12, 0)); got != 3 {
		t.Errorf("a missed dose breaks the streak: %d", got)
	}

	veryLate := logEvent(cmd, EventDoseTaken, at(first.AddDate(0, 0, 10), 8, 0), at(first.AddDate(0, 0, 10), 11, 0))
	if got := CurrentStreak(cmd, append(events, veryLate), time.UTC, at(first.AddDate(0, 0, 10), 12, 0)); got != 0 {
		t.Errorf("a very late dose on the latest day ends the streak: %d", got)
	}

	gap := append(dailyTakes(cmd, first, 3), dailyTakes(cmd, first.AddDate(0, 0, 4), 2)...)
	if got := CurrentStreak(cmd, gap, time.UTC, at(first.AddDate(0, 0, 5), 12, 0)); got != 2 {
		t.Errorf("a day without doses ends the streak: %d", got)
	}

	other := dailyTakes(uuid.New(), first, 10)
	if got := CurrentStreak(cmd, other, time.UTC, at(first.AddDate(0, 0, 9), 12, 0)); got != 0 {
		t.Errorf("other commands must not count: %d", got)
	}
}

func TestCrossedMilestones(t *testing.T) {
	tests := []struct {
		streak   int
		reported map[int]bool
		want     []int
	}{
		{6, nil, nil},
		{7, nil, []int{7}},
		{30, map[int]bool{7: true}, []int{30}},
		{120, nil, []int{7, 30, 100}},
		{120, map[int]bool{7: true, 30: true, 100: true}, nil},
	}
	for _, tt := range tests {
		got := CrossedMilestones(tt.streak, []int{100, 7, 30}, tt.reported)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("CrossedMilestones(%d, %v) = %v, want %v", tt.streak, tt.reported, got, tt.want)
		}
	}
}

func TestEstimateImpact(t *testing.T) {
	cmd := newCommand(FrequencyDaily, "08:00")
	var events []*Event
	for d := 0; d < 4; d++ {
		day := tue.AddDate(0, 0, -d)
		events = append(events, logEvent(cmd.ID, EventDoseTaken, at(day, 8, 0), at(day, 8, 5)))
	}
	undo := referencing(logEvent(cmd.ID, EventDoseTakenUndone, at(tue, 8, 0), at(tue, 8, 5).Add(10*time.Second)), events[0])

	impact := EstimateImpact(cmd, at(tue.AddDate(0, 0, -10), 0, 0), at(wed0900, 0, 0), events, undo)
	if impact.PreviousScore != 100 || impact.NewScore != 75 {
		t.Errorf("unexpected impact %+v", impact)
	}
	if len(events) != 4 {
		t.Error("EstimateImpact must not grow the input slice")
	}
}
