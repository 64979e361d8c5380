package medication

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Bucket is where an expected dose sits relative to now.
type Bucket string

const (
	BucketNow       Bucket = "now"
	BucketDueSoon   Bucket = "dueSoon"
	BucketOverdue   Bucket = "overdue"
	BucketMorning   Bucket = "morning"
	BucketLunch     Bucket = "lunch"
	BucketEvening   Bucket = "evening"
	BucketBeforeBed Bucket = "beforeBed"
	BucketCompleted Bucket = "completed"
)

const (
	dueNowWindow  = 15 * time.Minute
	dueSoonWindow = 60 * time.Minute
)

// BucketItem is one command's entry in today's view.
type BucketItem struct {
	CommandID       uuid.UUID      `json:"command_id"`
	MedicationName  string         `json:"medication_name"`
	Dosage          string         `json:"dosage,omitempty"`
	Bucket          Bucket         `json:"bucket"`
	TimeSlot        TimeSlot       `json:"time_slot"`
	ScheduledFor    time.Time      `json:"scheduled_for"`
	DueAt           time.Time      `json:"due_at"`
	MinutesUntilDue int            `json:"minutes_until_due"`
	MinutesOverdue  int            `json:"minutes_overdue,omitempty"`
	DosesToday      int            `json:"doses_today"`
	DosesResolved   int            `json:"doses_resolved"`
	Action          EventType      `json:"action,omitempty"`
	IsOnTime        *bool          `json:"is_on_time,omitempty"`
	MinutesLate     *int           `json:"minutes_late,omitempty"`
	TimingCategory  TimingCategory `json:"timing_category,omitempty"`
}

// BucketSummary counts dose instances, not items: TotalScheduled is every
// instance expected today, Completed the resolved ones and Overdue the
// unresolved ones whose due time has passed.
type BucketSummary struct {
	TotalScheduled int `json:"total_scheduled"`
	Completed      int `json:"completed"`
	Overdue        int `json:"overdue"`
}

type TodayBuckets struct {
	Date      string        `json:"date"`
	Now       []BucketItem  `json:"now"`
	DueSoon   []BucketItem  `json:"dueSoon"`
	Overdue   []BucketItem  `json:"overdue"`
	Morning   []BucketItem  `json:"morning"`
	Lunch     []BucketItem  `json:"lunch"`
	Evening   []BucketItem  `json:"evening"`
	BeforeBed []BucketItem  `json:"beforeBed"`
	Completed []BucketItem  `json:"completed"`
	Summary   BucketSummary `json:"summary"`
}

func newTodayBuckets(date string) *TodayBuckets {
	return &TodayBuckets{
		Date:      date,
		Now:       []BucketItem{},
		DueSoon:   []BucketItem{},
		Overdue:   []BucketItem{},
		Morning:   []BucketItem{},
		Lunch:     []BucketItem{},
		Evening:   []BucketItem{},
		BeforeBed: []BucketItem{},
		Completed: []BucketItem{},
	}
}

func (b *TodayBuckets) slot(bucket Bucket) *[]BucketItem {
	switch bucket {
	case BucketNow:
		return &b.Now
	case BucketDueSoon:
		return &b.DueSoon
	case BucketOverdue:
		return &b.Overdue
	case BucketMorning:
		return &b.Morning
	case BucketLunch:
		return &b.Lunch
	case BucketEvening:
		return &b.Evening
	case BucketBeforeBed:
		return &b.BeforeBed
	}
	return &b.Completed
}

// All returns every item across buckets.
func (b *TodayBuckets) All() []BucketItem {
	var out []BucketItem
	for _, bucket := range []Bucket{BucketNow, BucketDueSoon, BucketOverdue, BucketMorning,
		BucketLunch, BucketEvening, BucketBeforeBed, BucketCompleted} {
		out = append(out, *b.slot(bucket)...)
	}
	return out
}

// ClassifyDue places an unresolved dose by the exact time left until it is
// due. The band edges are inclusive at 15 and 60 minutes.
func ClassifyDue(untilDue time.Duration, slot TimeSlot) Bucket {
	switch {
	case untilDue < 0:
		return BucketOverdue
	case untilDue <= dueNowWindow:
		return BucketNow
	case untilDue <= dueSoonWindow:
		return BucketDueSoon
	}
	switch slot {
	case SlotMorning:
		return BucketMorning
	case SlotLunch:
		return BucketLunch
	case SlotEvening:
		return BucketEvening
	}
	return BucketBeforeBed
}

// ComputeTodayBuckets classifies each schedulable command's doses for the
// patient-local day containing now. Each command yields one item for its
// earliest unresolved instance, or a completed item once every instance is
// resolved. dose_scheduled events for the day define the instances when
// present; otherwise the command's schedule does. The result depends only on
// the arguments.
func ComputeTodayBuckets(now time.Time, loc *time.Location, commands []*Command, events []*Event) (*TodayBuckets, error) {
	if loc == nil {
		loc = time.UTC
	}
	today := now.In(loc).Format(DateLayout)
	out := newTodayBuckets(today)

	live := make([]*Event, 0, len(events))
	scheduledToday := make(map[uuid.UUID][]time.Time)
	for _, e := range events {
		if e.Archive.IsArchived {
			continue
		}
		live = append(live, e)
		if e.Type == EventDoseScheduled && e.Timing.ScheduledFor.In(loc).Format(DateLayout) == today {
			scheduledToday[e.CommandID] = append(scheduledToday[e.CommandID], e.Timing.ScheduledFor)
		}
	}
	states := ReplayDoses(live)

	for _, cmd := range commands {
		if !cmd.Schedulable() {
			continue
		}
		instances, err := instancesToday(cmd, today, loc, scheduledToday[cmd.ID])
		if err != nil {
			return nil, err
		}
		if len(instances) == 0 {
			continue
		}

		item := BucketItem{
			CommandID:      cmd.ID,
			MedicationName: cmd.Medication.Name,
			Dosage:         cmd.Medication.Dosage,
			DosesToday:     len(instances),
		}
		var pending *DoseState
		var last *Resolution
		for _, at := range instances {
			s := states[KeyFor(cmd.ID, at)]
			if s != nil && s.Resolution != nil {
				item.DosesResolved++
				last = s.Resolution
				continue
			}
			if s == nil {
				s = &DoseState{Key: KeyFor(cmd.ID, at)}
			}
			if s.DueAt().Before(now) {
				out.Summary.Overdue++
			}
			if pending == nil {
				pending = s
			}
		}
		out.Summary.TotalScheduled += len(instances)
		out.Summary.Completed += item.DosesResolved

		if pending == nil {
			item.Bucket = BucketCompleted
			item.ScheduledFor = last.Event.Timing.ScheduledFor
			item.DueAt = item.ScheduledFor
			item.TimeSlot = cmd.slotFor(localTimeOfDay(item.ScheduledFor, loc))
			item.Action = last.Action
			if last.Action == EventDoseTaken {
				item.IsOnTime = ptr(last.IsOnTime)
				item.MinutesLate = ptr(last.MinutesLate)
				item.TimingCategory = last.Category
			}
		} else {
			item.ScheduledFor = pending.Key.Time()
			item.DueAt = pending.DueAt()
			item.TimeSlot = cmd.slotFor(localTimeOfDay(item.ScheduledFor, loc))
			untilDue := item.DueAt.Sub(now)
			item.MinutesUntilDue = int(math.Floor(untilDue.Minutes()))
			item.Bucket = ClassifyDue(untilDue, item.TimeSlot)
			if item.Bucket == BucketOverdue {
				item.MinutesOverdue = -item.MinutesUntilDue
			}
		}
		dst := out.slot(item.Bucket)
		*dst = append(*dst, item)
	}

	for _, bucket := range []Bucket{BucketNow, BucketDueSoon, BucketOverdue, BucketMorning,
		BucketLunch, BucketEvening, BucketBeforeBed, BucketCompleted} {
		sortItems(*out.slot(bucket))
	}
	return out, nil
}

func instancesToday(cmd *Command, today string, loc *time.Location, scheduled []time.Time) ([]time.Time, error) {
	if len(scheduled) == 0 {
		return cmd.DoseTimesOn(today, loc)
	}
	seen := make(map[int64]bool, len(scheduled))
	out := make([]time.Time, 0, len(scheduled))
	for _, t := range scheduled {
		k := t.Truncate(time.Minute).Unix()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t.Truncate(time.Minute).UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func localTimeOfDay(t time.Time, loc *time.Location) TimeOfDay {
	l := t.In(loc)
	return TimeOfDay(l.Hour()*60 + l.Minute())
}

func sortItems(items []BucketItem) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		if a.MedicationName != b.MedicationName {
			return a.MedicationName < b.MedicationName
		}
		return a.CommandID.String() < b.CommandID.String()
	})
}
