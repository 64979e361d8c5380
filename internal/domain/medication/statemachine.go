package medication

import (
	"fmt"
	"strings"
	"time"
)

var transitions = map[Status][]Status{
	StatusActive: {StatusPaused, StatusHeld, StatusDiscontinued, StatusCompleted},
	StatusPaused: {StatusActive, StatusDiscontinued},
	StatusHeld:   {StatusActive, StatusDiscontinued},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions lists the states reachable from s.
func AllowedTransitions(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}

// StatusTransition is a requested lifecycle change.
type StatusTransition struct {
	To     Status `json:"to"`
	Reason string `json:"reason"`
	Actor  string `json:"-"`
}

func (t StatusTransition) Validate(from Status) error {
	if !t.To.Valid() {
		return invalid("to", "unrecognised status %q", t.To)
	}
	if strings.TrimSpace(t.Reason) == "" {
		return invalid("reason", "a reason is required for status changes")
	}
	if strings.TrimSpace(t.Actor) == "" {
		return invalid("actor", "an actor is required for status changes")
	}
	if !CanTransition(from, t.To) {
		allowed := AllowedTransitions(from)
		if len(allowed) == 0 {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
		}
		return fmt.Errorf("%w: %s -> %s (allowed: %v)", ErrInvalidTransition, from, t.To, allowed)
	}
	return nil
}

// ApplyTransition mutates cmd's status for an already validated transition
// and bumps its version.
func ApplyTransition(cmd *Command, t StatusTransition, at time.Time) StatusChange {
	change := StatusChange{From: cmd.Status.Current, To: t.To, Reason: t.Reason}
	cmd.Status.Current = t.To
	cmd.Status.IsActive = t.To == StatusActive
	cmd.Status.Reason = t.Reason
	cmd.Status.ChangedAt = at
	cmd.Status.ChangedBy = t.Actor
	if t.To == StatusDiscontinued {
		cmd.Status.DiscontinuedAt = ptr(at)
	}
	cmd.Metadata.Version++
	cmd.Metadata.UpdatedAt = at
	cmd.Metadata.UpdatedBy = t.Actor
	return change
}

// StatusHistoryEntry is one replayed status change.
type StatusHistoryEntry struct {
	EventID   string    `json:"event_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	ChangedAt time.Time `json:"changed_at"`
}

// DeriveStatus replays status_changed events on top of initial and returns
// the resulting status with the ordered history. Changes that do not start
// from the current derived state are reported as an invariant violation.
func DeriveStatus(initial Status, events []*Event) (Status, []StatusHistoryEntry, error) {
	ordered := make([]*Event, 0, len(events))
	for _, e := range events {
		if e.Type == EventStatusChanged && e.Data.StatusChange != nil {
			ordered = append(ordered, e)
		}
	}
	SortEvents(ordered)

	current := initial
	history := make([]StatusHistoryEntry, 0, len(ordered))
	for _, e := range ordered {
		sc := e.Data.StatusChange
		if sc.From != current || !CanTransition(sc.From, sc.To) {
			return current, history, &InvariantViolationError{
				Rule:   "status_history",
				Detail: fmt.Sprintf("event %s changes %s -> %s but command was %s", e.ID, sc.From, sc.To, current),
			}
		}
		current = sc.To
		history = append(history, StatusHistoryEntry{
			EventID:   e.ID.String(),
			From:      sc.From,
			To:        sc.To,
			Reason:    sc.Reason,
			Actor:     e.Data.Actor,
			ChangedAt: e.Timing.EventTimestamp,
		})
	}
	return current, history, nil
}
