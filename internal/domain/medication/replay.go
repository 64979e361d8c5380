package medication

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// DoseKey identifies one dose instance: a command and the minute it is
// scheduled for.
type DoseKey struct {
	CommandID    uuid.UUID
	ScheduledFor int64
}

func KeyFor(commandID uuid.UUID, scheduledFor time.Time) DoseKey {
	return DoseKey{CommandID: commandID, ScheduledFor: scheduledFor.Truncate(time.Minute).Unix()}
}

func (k DoseKey) Time() time.Time { return time.Unix(k.ScheduledFor, 0).UTC() }

// Resolution is the effective outcome of a dose instance after undos and
// corrections are applied.
type Resolution struct {
	Action      EventType
	Event       *Event
	CorrectedBy *Event
	IsOnTime    bool
	MinutesLate int
	Category    TimingCategory
}

// DoseState is everything the log says about one dose instance.
type DoseState struct {
	Key          DoseKey
	Scheduled    *Event
	Resolution   *Resolution
	SnoozedUntil *time.Time
	// Recorded is set once any resolving event was logged for the
	// instance, even if it was later undone.
	Recorded bool
}

// Expected reports whether the instance counts as scheduled.
func (d *DoseState) Expected() bool {
	return d.Scheduled != nil || d.Recorded
}

// DueAt is when the dose is currently expected: the snooze target if it was
// snoozed, otherwise the scheduled instant.
func (d *DoseState) DueAt() time.Time {
	if d.SnoozedUntil != nil {
		return *d.SnoozedUntil
	}
	return d.Key.Time()
}

// SortEvents orders events by recording time with the id as tiebreaker, the
// order in which replay applies them.
func SortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Timing.EventTimestamp.Equal(b.Timing.EventTimestamp) {
			return a.Timing.EventTimestamp.Before(b.Timing.EventTimestamp)
		}
		return a.ID.String() < b.ID.String()
	})
}

// ReplayDoses folds the event log into per-instance state. An undo removes
// the take it references; a correction replaces the referenced instance's
// outcome with its corrected action. The input slice is not modified.
func ReplayDoses(events []*Event) map[DoseKey]*DoseState {
	ordered := make([]*Event, len(events))
	copy(ordered, events)
	SortEvents(ordered)

	states := make(map[DoseKey]*DoseState)
	byEvent := make(map[uuid.UUID]DoseKey, len(ordered))
	state := func(k DoseKey) *DoseState {
		s, ok := states[k]
		if !ok {
			s = &DoseState{Key: k}
			states[k] = s
		}
		return s
	}

	for _, e := range ordered {
		if e.Type == EventStatusChanged {
			continue
		}
		key := KeyFor(e.CommandID, e.Timing.ScheduledFor)
		byEvent[e.ID] = key

		switch e.Type {
		case EventDoseScheduled:
			if s := state(key); s.Scheduled == nil {
				s.Scheduled = e
			}
		case EventDoseTaken, EventDoseMissed, EventDoseSkipped:
			s := state(key)
			s.Recorded = true
			if s.Resolution == nil {
				s.Resolution = resolutionOf(e, e.Type, nil)
			}
		case EventDoseSnoozed:
			until := e.Timing.EventTimestamp.Add(time.Duration(e.Data.SnoozeMinutes) * time.Minute)
			state(key).SnoozedUntil = &until
		case EventDoseTakenUndone:
			if e.Data.OriginalEventID == nil {
				continue
			}
			origKey, ok := byEvent[*e.Data.OriginalEventID]
			if !ok {
				continue
			}
			s := state(origKey)
			if s.Resolution != nil && s.Resolution.Action == EventDoseTaken &&
				s.Resolution.Event.ID == *e.Data.OriginalEventID && s.Resolution.CorrectedBy == nil {
				s.Resolution = nil
			}
		case EventDoseCorrected:
			if e.Data.OriginalEventID == nil || !e.Data.CorrectedAction.IsResolving() {
				continue
			}
			origKey, ok := byEvent[*e.Data.OriginalEventID]
			if !ok {
				continue
			}
			s := state(origKey)
			s.Recorded = true
			orig := e
			if s.Resolution != nil {
				orig = s.Resolution.Event
			}
			s.Resolution = resolutionOf(orig, e.Data.CorrectedAction, e)
		}
	}
	return states
}

func resolutionOf(e *Event, action EventType, correction *Event) *Resolution {
	r := &Resolution{Action: action, Event: e, CorrectedBy: correction}
	if action != EventDoseTaken {
		return r
	}
	src := e
	if correction != nil && correction.Data.Adherence != nil {
		src = correction
	}
	switch {
	case src.Data.Adherence != nil:
		r.Category = src.Data.Adherence.TimingCategory
	default:
		r.Category = ClassifyTiming(MinutesBetween(src.Timing.ScheduledFor, src.Timing.EventTimestamp))
	}
	if src.Timing.IsOnTime != nil {
		r.IsOnTime = *src.Timing.IsOnTime
	} else {
		r.IsOnTime = r.Category == TimingOnTime
	}
	if src.Timing.MinutesLate != nil {
		r.MinutesLate = *src.Timing.MinutesLate
	} else if m := MinutesBetween(src.Timing.ScheduledFor, src.Timing.EventTimestamp); m > 0 {
		r.MinutesLate = m
	}
	return r
}

// ActiveResolution returns the non-undone resolving event for a dose
// instance, if any.
func ActiveResolution(events []*Event, commandID uuid.UUID, scheduledFor time.Time) *Resolution {
	s, ok := ReplayDoses(events)[KeyFor(commandID, scheduledFor)]
	if !ok {
		return nil
	}
	return s.Resolution
}
