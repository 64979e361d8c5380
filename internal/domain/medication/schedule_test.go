package medication

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newCommand(freq Frequency, times ...string) *Command {
	return &Command{
		ID:         uuid.New(),
		PatientID:  testPatient,
		Medication: MedicationInfo{Name: "Test Med", Dosage: "10 mg"},
		Schedule:   Schedule{Frequency: freq, Times: times, StartDate: "2024-03-01", IsIndefinite: true},
		Status:     CommandStatus{Current: StatusActive, IsActive: true},
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in   string
		want TimeOfDay
		ok   bool
	}{
		{"00:00", 0, true},
		{"08:30", 510, true},
		{"23:59", 1439, true},
		{"24:00", 0, false},
		{"12:60", 0, false},
		{"8:30", 0, false},
		{"08-30", 0, false},
		{"ab:cd", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseTimeOfDay(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseTimeOfDay(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if s := TimeOfDay(545).String(); s != "09:05" {
		t.Errorf("String() = %s", s)
	}
}

func TestComputeScheduleTimes_Defaults(t *testing.T) {
	tests := []struct {
		freq Frequency
		want []string
	}{
		{FrequencyDaily, []string{"08:00"}},
		{FrequencyTwiceDaily, []string{"08:00", "20:00"}},
		{FrequencyThreeTimesDaily, []string{"08:00", "14:00", "20:00"}},
		{FrequencyFourTimesDaily, []string{"08:00", "12:00", "17:00", "22:00"}},
		{FrequencyWeekly, []string{"08:00"}},
		{FrequencyAsNeeded, []string{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.freq), func(t *testing.T) {
			got, err := ComputeScheduleTimes(tt.freq, nil, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeScheduleTimes_PreferencesAndOverrides(t *testing.T) {
	prefs := DefaultTimePreferences()
	prefs.Morning.Default = "07:15"

	got, err := ComputeScheduleTimes(FrequencyThreeTimesDaily, &prefs, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"07:15", "12:00", "18:00"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got, err = ComputeScheduleTimes(FrequencyTwiceDaily, &prefs, []string{"", "21:30"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"07:15", "21:30"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got, _ = ComputeScheduleTimes(FrequencyTwiceDaily, nil, []string{"22:00", "06:00"})
	if want := []string{"06:00", "22:00"}; !reflect.DeepEqual(got, want) {
		t.Errorf("overrides should be sorted, got %v", got)
	}
}

func TestComputeScheduleTimes_Errors(t *testing.T) {
	if _, err := ComputeScheduleTimes("hourly", nil, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown frequency: %v", err)
	}
	if _, err := ComputeScheduleTimes(FrequencyDaily, nil, []string{"08:00", "20:00"}); !errors.Is(err, ErrValidation) {
		t.Errorf("too many overrides: %v", err)
	}
	if _, err := ComputeScheduleTimes(FrequencyTwiceDaily, nil, []string{"09:00", "09:00"}); !errors.Is(err, ErrValidation) {
		t.Errorf("duplicate times: %v", err)
	}
	if _, err := ComputeScheduleTimes(FrequencyDaily, nil, []string{"9am"}); !errors.Is(err, ErrValidation) {
		t.Errorf("malformed override: %v", err)
	}
}

func TestComputeScheduleTimes_NightShiftDefaultOutsideWindow(t *testing.T) {
	prefs := DefaultTimePreferences()
	prefs.Morning = TimeWindow{Start: "22:00", End: "02:00", Default: "03:00"}

	_, err := ComputeScheduleTimes(FrequencyDaily, &prefs, nil)
	var iv *InvariantViolationError
	if !errors.As(err, &iv) || iv.Rule != "time_window_default" {
		t.Fatalf("expected time_window_default violation, got %v", err)
	}

	prefs.Morning.Default = "23:30"
	got, err := ComputeScheduleTimes(FrequencyDaily, &prefs, nil)
	if err != nil || got[0] != "23:30" {
		t.Errorf("wrapping window with inside default should pass, got %v %v", got, err)
	}
}

func TestTimeWindow_Contains(t *testing.T) {
	wrap := TimeWindow{Start: "22:00", End: "07:00"}
	day := TimeWindow{Start: "06:00", End: "10:00"}
	tests := []struct {
		w    TimeWindow
		at   string
		want bool
	}{
		{wrap, "23:00", true},
		{wrap, "03:00", true},
		{wrap, "07:00", true},
		{wrap, "12:00", false},
		{day, "06:00", true},
		{day, "10:00", true},
		{day, "10:01", false},
		{TimeWindow{Start: "bad", End: "07:00"}, "03:00", false},
	}
	for _, tt := range tests {
		tod, _ := ParseTimeOfDay(tt.at)
		if got := tt.w.Contains(tod); got != tt.want {
			t.Errorf("%+v.Contains(%s) = %v, want %v", tt.w, tt.at, got, tt.want)
		}
	}
}

func TestSlotForHour(t *testing.T) {
	tests := map[int]TimeSlot{
		6: SlotMorning, 10: SlotMorning, 11: SlotLunch, 14: SlotLunch,
		15: SlotBeforeBed, 17: SlotEvening, 20: SlotEvening, 21: SlotBeforeBed, 2: SlotBeforeBed,
	}
	for hour, want := range tests {
		if got := SlotForHour(hour); got != want {
			t.Errorf("SlotForHour(%d) = %s, want %s", hour, got, want)
		}
	}
}

func TestOccursOn(t *testing.T) {
	weekly := newCommand(FrequencyWeekly, "08:00")
	weekly.Schedule.StartDate = "2024-03-04" // Monday

	monthly := newCommand(FrequencyMonthly, "08:00")
	monthly.Schedule.StartDate = "2024-01-31"

	bounded := newCommand(FrequencyDaily, "08:00")
	bounded.Schedule.IsIndefinite = false
	bounded.Schedule.EndDate = "2024-03-10"

	prn := newCommand(FrequencyAsNeeded)

	tests := []struct {
		name string
		cmd  *Command
		date string
		want bool
	}{
		{"weekly same weekday", weekly, "2024-03-11", true},
		{"weekly other weekday", weekly, "2024-03-12", false},
		{"weekly before start", weekly, "2024-02-26", false},
		{"monthly clamps to february", monthly, "2024-02-29", true},
		{"monthly not on 28th in leap year", monthly, "2024-02-28", false},
		{"monthly 31st", monthly, "2024-03-31", true},
		{"monthly april clamps", monthly, "2024-04-30", true},
		{"bounded last day", bounded, "2024-03-10", true},
		{"bounded after end", bounded, "2024-03-11", false},
		{"prn never", prn, "2024-03-11", false},
		{"bad date", bounded, "03/05/2024", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.OccursOn(tt.date); got != tt.want {
				t.Errorf("OccursOn(%s) = %v, want %v", tt.date, got, tt.want)
			}
		})
	}
}

func TestDoseTimesOn_DST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	cmd := newCommand(FrequencyTwiceDaily, "08:00", "20:00")

	before, _ := cmd.DoseTimesOn("2024-03-09", ny)
	after, _ := cmd.DoseTimesOn("2024-03-11", ny)
	if before[0].Hour() != 13 || after[0].Hour() != 12 {
		t.Errorf("08:00 local should be 13:00 UTC in EST and 12:00 UTC in EDT, got %s and %s", before[0], after[0])
	}

	start, end, err := LocalDayBounds("2024-03-10", ny)
	if err != nil {
		t.Fatalf("LocalDayBounds: %v", err)
	}
	if d := end.Sub(start); d != 23*time.Hour {
		t.Errorf("spring-forward day should be 23h, got %s", d)
	}
}

func TestPreviousLocalDate(t *testing.T) {
	now := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	if got := PreviousLocalDate(now, time.UTC); got != "2024-02-29" {
		t.Errorf("got %s", got)
	}
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 03:00 UTC on March 1 is still February 29 in Los Angeles.
	if got := PreviousLocalDate(now, la); got != "2024-02-28" {
		t.Errorf("got %s", got)
	}
}

func TestCheckSeparation(t *testing.T) {
	iron := newCommand(FrequencyDaily, "08:00")
	iron.Medication.Name = "Iron"
	thyroid := newCommand(FrequencyDaily, "07:00")
	thyroid.Medication.Name = "Levothyroxine"
	thyroid.Preferences.SeparationRules = []SeparationRule{{CommandID: iron.ID, MinMinutes: 240}}

	if err := CheckSeparation(thyroid, []*Command{iron}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected separation violation, got %v", err)
	}

	iron.Schedule.Times = []string{"12:00"}
	if err := CheckSeparation(thyroid, []*Command{iron}); err != nil {
		t.Errorf("5 hours apart should pass, got %v", err)
	}

	// Distances wrap around midnight.
	thyroid.Schedule.Times = []string{"23:00"}
	iron.Schedule.Times = []string{"01:00"}
	if err := CheckSeparation(thyroid, []*Command{iron}); !errors.Is(err, ErrValidation) {
		t.Errorf("23:00 and 01:00 are 2 hours apart, got %v", err)
	}

	if err := CheckSeparation(thyroid, nil); err != nil {
		t.Errorf("unknown command in rule should be ignored, got %v", err)
	}
}
