package medication

import (
	"time"

	"github.com/google/uuid"
)

// LocalDayBounds returns the UTC instants bounding the patient-local date,
// [start, end). Days containing a DST shift are 23 or 25 hours long.
func LocalDayBounds(date string, loc *time.Location) (time.Time, time.Time, error) {
	day, err := ParseDate(date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	y, m, d := day.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	return day.UTC(), next.UTC(), nil
}

// PreviousLocalDate is the patient-local calendar date before the one
// containing now.
func PreviousLocalDate(now time.Time, loc *time.Location) string {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d-1, 12, 0, 0, 0, loc).Format(DateLayout)
}

// SummarizeDay builds the DailySummary for the events scheduled within one
// patient-local day.
func SummarizeDay(patientID uuid.UUID, date string, loc *time.Location, commands []*Command, events []*Event, createdAt time.Time) (*DailySummary, error) {
	start, end, err := LocalDayBounds(date, loc)
	if err != nil {
		return nil, err
	}
	m := CalculateAdherence(patientID, start, end, commands, events)
	return &DailySummary{
		PatientID:     patientID,
		Date:          date,
		Timezone:      loc.String(),
		Scheduled:     m.TotalScheduled,
		Taken:         m.TotalTaken,
		Missed:        m.TotalMissed,
		Skipped:       m.TotalSkipped,
		AdherenceRate: m.AdherenceRate,
		CreatedAt:     createdAt,
	}, nil
}

// ArchiveResult reports what a daily reset did, or would do in a dry run.
type ArchiveResult struct {
	PatientID      uuid.UUID     `json:"patient_id"`
	Date           string        `json:"date"`
	DryRun         bool          `json:"dry_run"`
	AlreadyDone    bool          `json:"already_done"`
	EventsArchived int           `json:"events_archived"`
	Summary        *DailySummary `json:"summary"`
}
