package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/medtrack/medtrack/internal/domain/medication"
)

// MedicationRecorder implements medication.Recorder.
type MedicationRecorder struct {
	events         *prometheus.CounterVec
	duplicates     prometheus.Counter
	undoExpired    prometheus.Counter
	transitions    *prometheus.CounterVec
	daysArchived   prometheus.Counter
	eventsArchived prometheus.Counter
	milestones     *prometheus.CounterVec
	notifications  *prometheus.CounterVec
}

var _ medication.Recorder = (*MedicationRecorder)(nil)

func newMedicationRecorder(reg prometheus.Registerer, ns string) *MedicationRecorder {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: ns, Subsystem: "medication", Name: name, Help: help}
	}
	r := &MedicationRecorder{
		events:         prometheus.NewCounterVec(opts("events_total", "Events appended to the log by type."), []string{"type"}),
		duplicates:     prometheus.NewCounter(opts("duplicates_rejected_total", "Resolving events rejected as duplicates.")),
		undoExpired:    prometheus.NewCounter(opts("undo_expired_total", "Undo requests that arrived after the undo window.")),
		transitions:    prometheus.NewCounterVec(opts("status_transitions_total", "Command lifecycle transitions."), []string{"from", "to"}),
		daysArchived:   prometheus.NewCounter(opts("days_archived_total", "Patient days closed by the daily reset.")),
		eventsArchived: prometheus.NewCounter(opts("events_archived_total", "Events archived by the daily reset.")),
		milestones:     prometheus.NewCounterVec(opts("milestones_total", "Streak milestones reached."), []string{"threshold"}),
		notifications:  prometheus.NewCounterVec(opts("notifications_total", "Notification attempts by kind and result."), []string{"kind", "result"}),
	}
	reg.MustRegister(r.events, r.duplicates, r.undoExpired, r.transitions,
		r.daysArchived, r.eventsArchived, r.milestones, r.notifications)
	return r
}

func (r *MedicationRecorder) EventRecorded(t medication.EventType) {
	r.events.WithLabelValues(string(t)).Inc()
}

func (r *MedicationRecorder) DuplicateRejected() { r.duplicates.Inc() }

func (r *MedicationRecorder) UndoExpired() { r.undoExpired.Inc() }

func (r *MedicationRecorder) StatusTransitioned(from, to medication.Status) {
	r.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (r *MedicationRecorder) DayArchived(events int) {
	r.daysArchived.Inc()
	r.eventsArchived.Add(float64(events))
}

func (r *MedicationRecorder) MilestoneReached(threshold int) {
	r.milestones.WithLabelValues(strconv.Itoa(threshold)).Inc()
}

func (r *MedicationRecorder) NotificationSent(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.notifications.WithLabelValues(kind, result).Inc()
}
