package medication

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// TakeInput is what is known about a single dose-taken action.
type TakeInput struct {
	ScheduledFor   time.Time
	TakenAt        time.Time
	PrescribedDose string
	ActualDose     string
	// TakeWithFood is the prescription's instruction; TookWithFood is what the
	// patient reported, nil when not reported.
	TakeWithFood bool
	TookWithFood *bool
	Symptomatic  bool
}

// MinutesBetween is the signed whole-minute offset of taken from scheduled.
func MinutesBetween(scheduled, taken time.Time) int {
	return int(taken.Sub(scheduled) / time.Minute)
}

func ClassifyTiming(minutesFromScheduled int) TimingCategory {
	switch {
	case minutesFromScheduled < -30:
		return TimingEarly
	case minutesFromScheduled <= 30:
		return TimingOnTime
	case minutesFromScheduled <= 120:
		return TimingLate
	default:
		return TimingVeryLate
	}
}

func TimingAccuracy(minutesFromScheduled int) int {
	abs := minutesFromScheduled
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs <= 15:
		return 100
	case abs <= 30:
		return 90
	case abs <= 60:
		return 75
	case abs <= 120:
		return 50
	default:
		return 25
	}
}

// DoseAccuracy scores the actual dose against the prescribed one: 100 when
// they match or either is unspecified, otherwise actual/prescribed as a
// percentage capped at 100, and 90 when the amounts are not numeric.
func DoseAccuracy(prescribed, actual string) int {
	p, a := strings.TrimSpace(prescribed), strings.TrimSpace(actual)
	if p == "" || a == "" || strings.EqualFold(p, a) {
		return 100
	}
	pv, okP := leadingAmount(p)
	av, okA := leadingAmount(a)
	if !okP || !okA || pv <= 0 {
		return 90
	}
	score := int(math.Round(av / pv * 100))
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

// leadingAmount extracts the first decimal number in s ("2.5 mg" -> 2.5).
func leadingAmount(s string) (float64, bool) {
	start := strings.IndexFunc(s, unicode.IsDigit)
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(s) && (s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	v, err := strconv.ParseFloat(s[start:end], 64)
	return v, err == nil
}

func CircumstanceCompliance(takeWithFood bool, tookWithFood *bool, symptomatic bool) int {
	score := 100
	if takeWithFood && tookWithFood != nil && !*tookWithFood {
		score -= 20
	}
	if symptomatic {
		score -= 10
	}
	if score < 0 {
		score = 0
	}
	return score
}

// AssessTake scores a dose-taken action.
func AssessTake(in TakeInput) AdherenceTracking {
	mfs := MinutesBetween(in.ScheduledFor, in.TakenAt)
	at := AdherenceTracking{
		ScheduledDateTime:      in.ScheduledFor,
		TakenAt:                in.TakenAt,
		MinutesFromScheduled:   mfs,
		TimingCategory:         ClassifyTiming(mfs),
		PrescribedDose:         in.PrescribedDose,
		ActualDose:             in.ActualDose,
		DoseAccuracy:           DoseAccuracy(in.PrescribedDose, in.ActualDose),
		TimingAccuracy:         TimingAccuracy(mfs),
		CircumstanceCompliance: CircumstanceCompliance(in.TakeWithFood, in.TookWithFood, in.Symptomatic),
	}
	at.OverallScore = math.Round(float64(at.DoseAccuracy+at.TimingAccuracy+at.CircumstanceCompliance)/3*100) / 100
	return at
}

// TakeTiming derives the on-time flag and lateness stored on a take. A take
// is on time when it is not early and lands inside the grace period.
func TakeTiming(scheduledFor, takenAt, graceEnd time.Time) (isOnTime bool, minutesLate int) {
	mfs := MinutesBetween(scheduledFor, takenAt)
	isOnTime = mfs >= -30 && !takenAt.After(graceEnd)
	if mfs > 0 {
		minutesLate = mfs
	}
	return isOnTime, minutesLate
}
