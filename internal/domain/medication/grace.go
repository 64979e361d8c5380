package medication

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DayKind is the calendar context a dose falls in.
type DayKind int

const (
	Weekday DayKind = iota
	Weekend
	Holiday
)

func (k DayKind) String() string {
	switch k {
	case Weekend:
		return "weekend"
	case Holiday:
		return "holiday"
	}
	return "weekday"
}

// HolidayEntry is one configured holiday.
type HolidayEntry struct {
	Date string `yaml:"date"`
	Name string `yaml:"name"`
}

// HolidayCalendar is a set of patient-local dates with extended grace.
// A nil calendar has no holidays.
type HolidayCalendar struct {
	days map[string]string
}

func NewHolidayCalendar(entries ...HolidayEntry) (*HolidayCalendar, error) {
	c := &HolidayCalendar{days: make(map[string]string, len(entries))}
	for _, e := range entries {
		if _, err := time.Parse(DateLayout, e.Date); err != nil {
			return nil, fmt.Errorf("holiday %q: date %q is not YYYY-MM-DD", e.Name, e.Date)
		}
		c.days[e.Date] = e.Name
	}
	return c, nil
}

// LoadHolidayCalendar reads a YAML document of the form
//
//	holidays:
//	  - date: "2024-12-25"
//	    name: Christmas Day
func LoadHolidayCalendar(r io.Reader) (*HolidayCalendar, error) {
	var doc struct {
		Holidays []HolidayEntry `yaml:"holidays"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode holiday calendar: %w", err)
	}
	return NewHolidayCalendar(doc.Holidays...)
}

func LoadHolidayCalendarFile(path string) (*HolidayCalendar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open holiday calendar: %w", err)
	}
	defer f.Close()
	return LoadHolidayCalendar(f)
}

// IsHoliday reports whether date (YYYY-MM-DD) is a holiday and its name.
func (c *HolidayCalendar) IsHoliday(date string) (string, bool) {
	if c == nil {
		return "", false
	}
	name, ok := c.days[date]
	return name, ok
}

func (c *HolidayCalendar) Len() int {
	if c == nil {
		return 0
	}
	return len(c.days)
}

// CalendarContext classifies instants by the patient's local calendar.
type CalendarContext struct {
	Location *time.Location
	Holidays *HolidayCalendar
}

func (c CalendarContext) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// Classify returns the kind of the patient-local day containing t. A holiday
// that falls on a weekend is a holiday.
func (c CalendarContext) Classify(t time.Time) DayKind {
	local := t.In(c.location())
	if _, ok := c.Holidays.IsHoliday(local.Format(DateLayout)); ok {
		return Holiday
	}
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return Weekend
	}
	return Weekday
}

// GracePolicy maps medication type and calendar context to allowed lateness.
type GracePolicy struct {
	BaseMinutes       map[MedicationType]int
	WeekendMultiplier float64
	HolidayMultiplier float64
}

func DefaultGracePolicy() GracePolicy {
	return GracePolicy{
		BaseMinutes: map[MedicationType]int{
			TypeCritical: 15,
			TypeStandard: 30,
			TypeVitamin:  120,
			TypePRN:      0,
		},
		WeekendMultiplier: 1.5,
		HolidayMultiplier: 2.0,
	}
}

// ResolveGracePeriod returns the grace minutes for a dose of medType
// scheduled at scheduledFor. The holiday multiplier replaces the weekend
// multiplier, it never compounds with it.
func (p GracePolicy) ResolveGracePeriod(medType MedicationType, scheduledFor time.Time, cal CalendarContext) (int, error) {
	if !medType.Valid() {
		return 0, invalid("grace_period.medication_type", "unrecognised medication type %q", medType)
	}
	return p.apply(p.BaseMinutes[medType], p.WeekendMultiplier, p.HolidayMultiplier, scheduledFor, cal), nil
}

func (p GracePolicy) apply(base int, weekend, holiday float64, scheduledFor time.Time, cal CalendarContext) int {
	mult := 1.0
	switch cal.Classify(scheduledFor) {
	case Weekend:
		mult = weekend
	case Holiday:
		mult = holiday
	}
	if mult < 1 {
		mult = 1
	}
	return int(math.Round(float64(base) * mult))
}

// ForCommand resolves grace for a dose of cmd, honouring the command's own
// overrides. An unset medication type is treated as standard.
func (p GracePolicy) ForCommand(cmd *Command, scheduledFor time.Time, cal CalendarContext) (int, error) {
	gp := cmd.GracePeriod
	medType := gp.MedicationType
	if medType == "" {
		medType = TypeStandard
	}
	if cmd.Status.IsPRN {
		medType = TypePRN
	}
	if !medType.Valid() {
		return 0, invalid("grace_period.medication_type", "unrecognised medication type %q", medType)
	}

	base := p.BaseMinutes[medType]
	if gp.DefaultMinutes > 0 && medType != TypePRN {
		base = gp.DefaultMinutes
	}
	weekend, holiday := p.WeekendMultiplier, p.HolidayMultiplier
	if gp.WeekendMultiplier > 0 {
		weekend = gp.WeekendMultiplier
	}
	if gp.HolidayMultiplier > 0 {
		holiday = gp.HolidayMultiplier
	}
	return p.apply(base, weekend, holiday, scheduledFor, cal), nil
}

// GracePeriodEnd is scheduledFor plus the resolved grace.
func (p GracePolicy) GracePeriodEnd(cmd *Command, scheduledFor time.Time, cal CalendarContext) (time.Time, error) {
	minutes, err := p.ForCommand(cmd, scheduledFor, cal)
	if err != nil {
		return time.Time{}, err
	}
	return scheduledFor.Add(time.Duration(minutes) * time.Minute), nil
}
