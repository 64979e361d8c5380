package medication

import (
	"fmt"
	"sort"
	"time"
)

// TimeOfDay is a wall-clock time expressed as minutes after midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

// ParseTimeOfDay parses a strict "HH:MM" 24-hour string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	digit := func(b byte) (int, bool) { return int(b - '0'), b >= '0' && b <= '9' }
	h1, ok1 := digit(s[0])
	h2, ok2 := digit(s[1])
	m1, ok3 := digit(s[3])
	m2, ok4 := digit(s[4])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	h, m := h1*10+h2, m1*10+m2
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("time %q is out of range", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) Hour() int { return int(t) / 60 }

// On returns the instant at which this time of day occurs on the local date
// of day in loc, expressed in UTC.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, int(t)/60, int(t)%60, 0, 0, loc).UTC()
}

// TimeWindow is a named part of the day. End may be earlier than Start, in
// which case the window wraps past midnight.
type TimeWindow struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Default string `json:"default"`
}

func (w TimeWindow) parse() (start, end, def TimeOfDay, err error) {
	if start, err = ParseTimeOfDay(w.Start); err != nil {
		return
	}
	if end, err = ParseTimeOfDay(w.End); err != nil {
		return
	}
	if w.Default != "" {
		def, err = ParseTimeOfDay(w.Default)
	}
	return
}

func windowContains(start, end, t TimeOfDay) bool {
	if start <= end {
		return t >= start && t <= end
	}
	return t >= start || t <= end
}

// Contains reports whether t falls inside the window, inclusive at both
// ends. Malformed windows contain nothing.
func (w TimeWindow) Contains(t TimeOfDay) bool {
	start, end, _, err := w.parse()
	if err != nil {
		return false
	}
	return windowContains(start, end, t)
}

// Validate checks the window's times and that the default lies inside it.
func (w TimeWindow) Validate(name string) error {
	start, end, def, err := w.parse()
	if err != nil {
		return invalid(name, "%v", err)
	}
	if w.Default == "" {
		return invalid(name, "default time is required")
	}
	if !windowContains(start, end, def) {
		return &InvariantViolationError{
			Rule:   "time_window_default",
			Detail: fmt.Sprintf("%s default %s is outside its window [%s, %s]", name, w.Default, w.Start, w.End),
		}
	}
	return nil
}

// TimePreferences are a patient's four time-slot windows.
type TimePreferences struct {
	Morning   TimeWindow `json:"morning"`
	Lunch     TimeWindow `json:"lunch"`
	Evening   TimeWindow `json:"evening"`
	BeforeBed TimeWindow `json:"beforeBed"`
}

func DefaultTimePreferences() TimePreferences {
	return TimePreferences{
		Morning:   TimeWindow{Start: "06:00", End: "10:00", Default: "08:00"},
		Lunch:     TimeWindow{Start: "11:00", End: "14:00", Default: "12:00"},
		Evening:   TimeWindow{Start: "17:00", End: "20:00", Default: "18:00"},
		BeforeBed: TimeWindow{Start: "21:00", End: "23:59", Default: "22:00"},
	}
}

// Window returns the window for one of the four named slots.
func (p TimePreferences) Window(slot TimeSlot) (TimeWindow, bool) {
	switch slot {
	case SlotMorning:
		return p.Morning, true
	case SlotLunch:
		return p.Lunch, true
	case SlotEvening:
		return p.Evening, true
	case SlotBeforeBed:
		return p.BeforeBed, true
	}
	return TimeWindow{}, false
}

func (p TimePreferences) Validate() error {
	for _, slot := range []TimeSlot{SlotMorning, SlotLunch, SlotEvening, SlotBeforeBed} {
		w, _ := p.Window(slot)
		if err := w.Validate(string(slot)); err != nil {
			return err
		}
	}
	return nil
}

var frequencySlots = map[Frequency][]TimeSlot{
	FrequencyDaily:           {SlotMorning},
	FrequencyTwiceDaily:      {SlotMorning, SlotEvening},
	FrequencyThreeTimesDaily: {SlotMorning, SlotLunch, SlotEvening},
	FrequencyFourTimesDaily:  {SlotMorning, SlotLunch, SlotEvening, SlotBeforeBed},
	FrequencyWeekly:          {SlotMorning},
	FrequencyMonthly:         {SlotMorning},
	FrequencyAsNeeded:        nil,
}

var defaultTimes = map[Frequency][]string{
	FrequencyDaily:           {"08:00"},
	FrequencyTwiceDaily:      {"08:00", "20:00"},
	FrequencyThreeTimesDaily: {"08:00", "14:00", "20:00"},
	FrequencyFourTimesDaily:  {"08:00", "12:00", "17:00", "22:00"},
	FrequencyWeekly:          {"08:00"},
	FrequencyMonthly:         {"08:00"},
	FrequencyAsNeeded:        {},
}

// ComputeScheduleTimes turns a frequency into the ordered list of daily dose
// times. Each occurrence takes the patient's slot default when prefs are
// given, otherwise the fixed default for the frequency; a non-empty override
// at the same position always wins.
func ComputeScheduleTimes(freq Frequency, prefs *TimePreferences, overrides []string) ([]string, error) {
	if !freq.Valid() {
		return nil, invalid("schedule.frequency", "unrecognised frequency %q", freq)
	}
	slots := frequencySlots[freq]
	if len(overrides) > len(slots) {
		return nil, invalid("schedule.times", "%s takes %d times, got %d", freq, len(slots), len(overrides))
	}

	base := defaultTimes[freq]
	if prefs != nil {
		if err := prefs.Validate(); err != nil {
			return nil, err
		}
		base = make([]string, len(slots))
		for i, slot := range slots {
			w, _ := prefs.Window(slot)
			base[i] = w.Default
		}
	}

	parsed := make([]TimeOfDay, len(slots))
	for i := range slots {
		src := base[i]
		if i < len(overrides) && overrides[i] != "" {
			src = overrides[i]
		}
		t, err := ParseTimeOfDay(src)
		if err != nil {
			return nil, invalid("schedule.times", "%v", err)
		}
		parsed[i] = t
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i] < parsed[j] })

	out := make([]string, len(parsed))
	for i, t := range parsed {
		if i > 0 && parsed[i-1] == t {
			return nil, invalid("schedule.times", "time %s appears twice", t)
		}
		out[i] = t.String()
	}
	return out, nil
}

// SlotForHour derives a time slot from an hour of day when a command has no
// assigned slot.
func SlotForHour(hour int) TimeSlot {
	switch {
	case hour >= 6 && hour < 11:
		return SlotMorning
	case hour >= 11 && hour < 15:
		return SlotLunch
	case hour >= 17 && hour < 21:
		return SlotEvening
	default:
		return SlotBeforeBed
	}
}

// slotFor resolves the display slot for one dose of cmd.
func (c *Command) slotFor(t TimeOfDay) TimeSlot {
	switch c.Preferences.TimeSlot {
	case SlotMorning, SlotLunch, SlotEvening, SlotBeforeBed:
		return c.Preferences.TimeSlot
	}
	return SlotForHour(t.Hour())
}

// ParseDate parses a DateLayout string as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, invalid("date", "%q is not YYYY-MM-DD", s)
	}
	return d, nil
}

// OccursOn reports whether the command has scheduled doses on the given
// patient-local date.
func (c *Command) OccursOn(date string) bool {
	if c.Schedule.Frequency == FrequencyAsNeeded || c.Status.IsPRN {
		return false
	}
	day, err := time.Parse(DateLayout, date)
	if err != nil {
		return false
	}
	var start time.Time
	if c.Schedule.StartDate != "" {
		if start, err = time.Parse(DateLayout, c.Schedule.StartDate); err != nil {
			return false
		}
		if day.Before(start) {
			return false
		}
	}
	if !c.Schedule.IsIndefinite && c.Schedule.EndDate != "" {
		end, err := time.Parse(DateLayout, c.Schedule.EndDate)
		if err == nil && day.After(end) {
			return false
		}
	}

	switch c.Schedule.Frequency {
	case FrequencyWeekly:
		return start.IsZero() || day.Weekday() == start.Weekday()
	case FrequencyMonthly:
		if start.IsZero() {
			return day.Day() == 1
		}
		want := start.Day()
		if last := daysIn(day.Year(), day.Month()); want > last {
			want = last
		}
		return day.Day() == want
	}
	return true
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DoseTimesOn returns the UTC instants of the command's doses on a
// patient-local date, in schedule order.
func (c *Command) DoseTimesOn(date string, loc *time.Location) ([]time.Time, error) {
	if !c.OccursOn(date) {
		return nil, nil
	}
	day, err := ParseDate(date, loc)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(c.Schedule.Times))
	for _, s := range c.Schedule.Times {
		t, err := ParseTimeOfDay(s)
		if err != nil {
			return nil, invalid("schedule.times", "%v", err)
		}
		out = append(out, t.On(day, loc))
	}
	return out, nil
}

// CheckSeparation verifies the command's separation rules against the other
// commands of the same patient. Rules referencing commands that are not in
// others are ignored.
func CheckSeparation(cmd *Command, others []*Command) error {
	byID := make(map[string]*Command, len(others))
	for _, o := range others {
		byID[o.ID.String()] = o
	}
	for _, rule := range cmd.Preferences.SeparationRules {
		other, ok := byID[rule.CommandID.String()]
		if !ok || other.ID == cmd.ID || rule.MinMinutes <= 0 {
			continue
		}
		for _, a := range cmd.Schedule.Times {
			ta, err := ParseTimeOfDay(a)
			if err != nil {
				return invalid("schedule.times", "%v", err)
			}
			for _, b := range other.Schedule.Times {
				tb, err := ParseTimeOfDay(b)
				if err != nil {
					continue
				}
				diff := int(ta - tb)
				if diff < 0 {
					diff = -diff
				}
				if minutesPerDay-diff < diff {
					diff = minutesPerDay - diff
				}
				if diff < rule.MinMinutes {
					return invalid("preferences.separation_rules",
						"%s at %s is within %d minutes of %s at %s",
						cmd.Medication.Name, a, rule.MinMinutes, other.Medication.Name, b)
				}
			}
		}
	}
	return nil
}
