package medication

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func logEvent(cmdID uuid.UUID, typ EventType, scheduled, recorded time.Time) *Event {
	return &Event{
		ID:        uuid.New(),
		CommandID: cmdID,
		PatientID: testPatient,
		Type:      typ,
		Timing:    Timing{EventTimestamp: recorded, ScheduledFor: scheduled},
		Context:   EventContext{MedicationName: "Test Med", TriggerSource: TriggerUserAction},
	}
}

func referencing(e *Event, original *Event) *Event {
	id := original.ID
	e.Data.OriginalEventID = &id
	return e
}

func TestReplayDoses_FirstResolutionWins(t *testing.T) {
	cmd := uuid.New()
	sched := at(wed0900, 8, 0)
	take := logEvent(cmd, EventDoseTaken, sched, at(wed0900, 8, 10))
	miss := logEvent(cmd, EventDoseMissed, sched.Add(20*time.Second), at(wed0900, 8, 40))

	s := ReplayDoses([]*Event{miss, take})[KeyFor(cmd, sched)]
	if s == nil || s.Resolution == nil || s.Resolution.Event != take {
		t.Fatalf("expected take to resolve the instance, got %+v", s)
	}
	if s.Resolution.Category != TimingOnTime || !s.Resolution.IsOnTime || s.Resolution.MinutesLate != 10 {
		t.Errorf("derived timing: %+v", s.Resolution)
	}
}

func TestReplayDoses_Undo(t *testing.T) {
	cmd := uuid.New()
	sched := at(wed0900, 8, 0)
	take := logEvent(cmd, EventDoseTaken, sched, at(wed0900, 8, 5))
	undo := referencing(logEvent(cmd, EventDoseTakenUndone, sched, at(wed0900, 8, 5).Add(10*time.Second)), take)

	s := ReplayDoses([]*Event{take, undo})[KeyFor(cmd, sched)]
	if s.Resolution != nil {
		t.Errorf("undo should clear the take, got %+v", s.Resolution)
	}
	if !s.Recorded || !s.Expected() {
		t.Error("an undone instance still counts as expected")
	}

	retake := logEvent(cmd, EventDoseTaken, sched, at(wed0900, 8, 6))
	s = ReplayDoses([]*Event{take, undo, retake})[KeyFor(cmd, sched)]
	if s.Resolution == nil || s.Resolution.Event != retake {
		t.Errorf("retake after undo should resolve, got %+v", s.Resolution)
	}

	orphan := logEvent(cmd, EventDoseTakenUndone, sched, at(wed0900, 8, 7))
	orphan.Data.OriginalEventID = ptr(uuid.New())
	if s := ReplayDoses([]*Event{take, orphan})[KeyFor(cmd, sched)]; s.Resolution == nil {
		t.Error("undo of an unknown event must be ignored")
	}
}

func TestReplayDoses_Correction(t *testing.T) {
	cmd := uuid.New()
	sched := at(wed0900, 8, 0)
	miss := logEvent(cmd, EventDoseMissed, sched, at(wed0900, 9, 0))
	corr := referencing(logEvent(cmd, EventDoseCorrected, sched, at(wed0900, 15, 0)), miss)
	corr.Data.CorrectedAction = EventDoseTaken
	corr.Data.Adherence = &AdherenceTracking{TimingCategory: TimingOnTime, MinutesFromScheduled: 20}
	corr.Timing.IsOnTime = ptr(true)
	corr.Timing.MinutesLate = ptr(20)

	s := ReplayDoses([]*Event{corr, miss})[KeyFor(cmd, sched)]
	r := s.Resolution
	if r == nil || r.Action != EventDoseTaken || r.Event != miss || r.CorrectedBy != corr {
		t.Fatalf("unexpected resolution %+v", r)
	}
	if !r.IsOnTime || r.MinutesLate != 20 || r.Category != TimingOnTime {
		t.Errorf("correction timing not applied: %+v", r)
	}

	// A corrected take is not cleared by a late undo of the original.
	take := logEvent(cmd, EventDoseTaken, sched, at(wed0900, 8, 0))
	fix := referencing(logEvent(cmd, EventDoseCorrected, sched, at(wed0900, 8, 1)), take)
	fix.Data.CorrectedAction = EventDoseTaken
	undo := referencing(logEvent(cmd, EventDoseTakenUndone, sched, at(wed0900, 8, 2)), take)
	if s := ReplayDoses([]*Event{take, fix, undo})[KeyFor(cmd, sched)]; s.Resolution == nil {
		t.Error("undo must not clear a corrected resolution")
	}

	bad := referencing(logEvent(cmd, EventDoseCorrected, sched, at(wed0900, 16, 0)), miss)
	bad.Data.CorrectedAction = EventDoseSnoozed
	if s := ReplayDoses([]*Event{miss, bad})[KeyFor(cmd, sched)]; s.Resolution.Action != EventDoseMissed {
		t.Error("correction to a non-resolving action must be ignored")
	}
}

func TestReplayDoses_SnoozeAndScheduled(t *testing.T) {
	cmd := uuid.New()
	sched := at(wed0900, 8, 0)
	planned := logEvent(cmd, EventDoseScheduled, sched, at(wed0900, 0, 5))
	snooze := logEvent(cmd, EventDoseSnoozed, sched, at(wed0900, 8, 2))
	snooze.Data.SnoozeMinutes = 15
	status := logEvent(cmd, EventStatusChanged, sched, at(wed0900, 8, 3))

	states := ReplayDoses([]*Event{status, snooze, planned})
	if len(states) != 1 {
		t.Fatalf("status changes must not create instances, got %d", len(states))
	}
	s := states[KeyFor(cmd, sched)]
	if s.Scheduled != planned || s.Resolution != nil || s.Recorded {
		t.Errorf("unexpected state %+v", s)
	}
	if !s.DueAt().Equal(at(wed0900, 8, 17)) {
		t.Errorf("DueAt = %s", s.DueAt())
	}
}

func TestReplayDoses_DoesNotModifyInput(t *testing.T) {
	cmd := uuid.New()
	a := logEvent(cmd, EventDoseTaken, at(wed0900, 8, 0), at(wed0900, 8, 30))
	b := logEvent(cmd, EventDoseScheduled, at(wed0900, 8, 0), at(wed0900, 0, 0))
	in := []*Event{a, b}
	ReplayDoses(in)
	if in[0] != a || in[1] != b {
		t.Error("input slice was reordered")
	}
}

func TestSortEvents_TiesBrokenByID(t *testing.T) {
	ts := at(wed0900, 8, 0)
	a := &Event{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Timing: Timing{EventTimestamp: ts}}
	b := &Event{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Timing: Timing{EventTimestamp: ts}}
	c := &Event{ID: uuid.MustParse("00000000-0000-0000-0000-000000000000"), Timing: Timing{EventTimestamp: ts.Add(time.Second)}}

	events := []*Event{c, b, a}
	SortEvents(events)
	if !reflect.DeepEqual(events, []*Event{a, b, c}) {
		t.Errorf("unexpected order: %s %s %s", events[0].ID, events[1].ID, events[2].ID)
	}
}

func TestKeyFor_TruncatesToMinute(t *testing.T) {
	cmd := uuid.New()
	if KeyFor(cmd, at(wed0900, 8, 0)) != KeyFor(cmd, at(wed0900, 8, 0).Add(59*time.Second)) {
		t.Error("instants within the same minute must share a key")
	}
	if got := KeyFor(cmd, at(wed0900, 8, 0)).Time(); !got.Equal(at(wed0900, 8, 0)) {
		t.Errorf("Time() = %s", got)
	}
}
