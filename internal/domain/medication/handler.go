package medication

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medtrack/medtrack/internal/platform/auth"
	"github.com/medtrack/medtrack/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Reads and dose actions: anyone involved in the patient's care
	care := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleCaregiver, auth.RolePatient))
	care.GET("/patients/:patientId/commands", h.ListCommands)
	care.GET("/commands/:id", h.GetCommand)
	care.GET("/commands/:id/history", h.StatusHistory)
	care.POST("/commands/:id/take", h.Take)
	care.POST("/commands/:id/miss", h.Miss)
	care.POST("/commands/:id/skip", h.Skip)
	care.POST("/commands/:id/snooze", h.Snooze)
	care.POST("/events/:id/undo", h.Undo)
	care.GET("/patients/:patientId/events", h.ListEvents)
	care.GET("/patients/:patientId/today", h.Today)
	care.GET("/patients/:patientId/adherence", h.Adherence)
	care.POST("/patients/:patientId/milestones/detect", h.DetectMilestones)
	care.GET("/patients/:patientId/preferences", h.GetPreferences)
	care.PUT("/patients/:patientId/preferences", h.PutPreferences)

	// Prescribing: clinicians and caregivers
	write := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleCaregiver))
	write.POST("/patients/:patientId/commands", h.CreateCommand)
	write.PUT("/commands/:id", h.UpdateCommand)
	write.DELETE("/commands/:id", h.DeleteCommand)
	write.POST("/commands/:id/status", h.TransitionStatus)
	write.POST("/events/:id/correct", h.Correct)

	// Day maintenance: admin only
	ops := api.Group("", auth.RequireRole(auth.RoleAdmin))
	ops.POST("/patients/:patientId/archive", h.RunDailyReset)
	ops.POST("/patients/:patientId/schedule-day", h.ScheduleDay)
}

// httpError maps domain errors to HTTP responses. Storage and transaction
// failures never expose driver text.
func httpError(err error) error {
	var verr *ValidationError
	var ierr *InvariantViolationError
	var dup *DuplicateEventError
	var expired *UndoWindowExpiredError

	switch {
	case errors.As(err, &ierr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]any{
			"error": "invariant_violation", "rule": ierr.Rule, "message": ierr.Detail,
		})
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]any{
			"error": "validation", "field": verr.Field, "message": verr.Reason,
		})
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]any{"error": "validation", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, map[string]any{"error": "not_found"})
	case errors.As(err, &dup):
		return echo.NewHTTPError(http.StatusConflict, map[string]any{
			"error": "duplicate_event", "existing_event_id": dup.ExistingEventID,
		})
	case errors.As(err, &expired):
		return echo.NewHTTPError(http.StatusConflict, map[string]any{
			"error": "undo_window_expired", "expired_at": expired.ExpiredAt, "hint": "use correction instead",
		})
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, map[string]any{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, map[string]any{"error": "conflict", "message": "command was modified concurrently; reload and retry"})
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrTransactionFailed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, map[string]any{"error": "unavailable", "message": "temporarily unavailable, please retry"})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]any{"error": "internal"})
	}
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func actorFrom(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func hasRole(c echo.Context, roles ...string) bool {
	for _, has := range auth.RolesFromContext(c.Request().Context()) {
		if has == auth.RoleAdmin {
			return true
		}
		for _, r := range roles {
			if has == r {
				return true
			}
		}
	}
	return false
}

// -- Commands --

func (h *Handler) CreateCommand(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	var cmd Command
	if err := c.Bind(&cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cmd.PatientID = patientID
	created, err := h.svc.CreateCommand(c.Request().Context(), &cmd, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) GetCommand(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	cmd, err := h.svc.GetCommand(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cmd)
}

func (h *Handler) ListCommands(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	f := CommandFilter{PatientID: patientID, Limit: p.Limit, Offset: p.Offset}
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, Status(strings.TrimSpace(s)))
		}
	}
	cmds, total, err := h.svc.ListCommands(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(cmds, total, p))
}

type updateCommandRequest struct {
	Command
	ExpectedVersion int `json:"expected_version"`
}

func (h *Handler) UpdateCommand(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req updateCommandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cmd, err := h.svc.UpdateCommand(c.Request().Context(), id, &req.Command, req.ExpectedVersion, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cmd)
}

// DeleteCommand discontinues the command. With ?hard=true it removes the
// command and its whole event history, which only clinicians may do.
func (h *Handler) DeleteCommand(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if hard, _ := strconv.ParseBool(c.QueryParam("hard")); hard {
		if !hasRole(c, auth.RoleClinician) {
			return echo.NewHTTPError(http.StatusForbidden, "required role: clinician")
		}
		res, err := h.svc.HardDelete(ctx, id, actorFrom(c))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, res)
	}
	cmd, err := h.svc.SoftDelete(ctx, id, c.QueryParam("reason"), actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cmd)
}

type statusRequest struct {
	To     Status `json:"to"`
	Reason string `json:"reason"`
}

func (h *Handler) TransitionStatus(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cmd, evt, err := h.svc.TransitionStatus(c.Request().Context(), id, StatusTransition{
		To: req.To, Reason: req.Reason, Actor: actorFrom(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"command": cmd, "event": evt})
}

func (h *Handler) StatusHistory(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	history, err := h.svc.StatusHistory(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, history)
}

// -- Dose actions --

type doseRequest struct {
	ScheduledFor   time.Time  `json:"scheduled_for"`
	TakenAt        *time.Time `json:"taken_at,omitempty"`
	ActualDose     string     `json:"actual_dose,omitempty"`
	TookWithFood   *bool      `json:"took_with_food,omitempty"`
	Symptomatic    bool       `json:"symptomatic,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	SnoozeMinutes  int        `json:"snooze_minutes,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

func (h *Handler) bindDose(c echo.Context) (DoseAction, error) {
	id, err := uuidParam(c, "id")
	if err != nil {
		return DoseAction{}, err
	}
	var req doseRequest
	if err := c.Bind(&req); err != nil {
		return DoseAction{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key := req.IdempotencyKey
	if hdr := c.Request().Header.Get("Idempotency-Key"); hdr != "" {
		key = hdr
	}
	return DoseAction{
		CommandID:      id,
		ScheduledFor:   req.ScheduledFor,
		TakenAt:        req.TakenAt,
		ActualDose:     req.ActualDose,
		TookWithFood:   req.TookWithFood,
		Symptomatic:    req.Symptomatic,
		Reason:         req.Reason,
		SnoozeMinutes:  req.SnoozeMinutes,
		Notes:          req.Notes,
		Trigger:        TriggerUserAction,
		IdempotencyKey: key,
		Actor:          actorFrom(c),
	}, nil
}

func (h *Handler) doseAction(c echo.Context, fn func(*Service, echo.Context, DoseAction) (*Event, error)) error {
	a, err := h.bindDose(c)
	if err != nil {
		return err
	}
	e, err := fn(h.svc, c, a)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) Take(c echo.Context) error {
	return h.doseAction(c, func(s *Service, c echo.Context, a DoseAction) (*Event, error) {
		return s.Take(c.Request().Context(), a)
	})
}

func (h *Handler) Miss(c echo.Context) error {
	return h.doseAction(c, func(s *Service, c echo.Context, a DoseAction) (*Event, error) {
		return s.Miss(c.Request().Context(), a)
	})
}

func (h *Handler) Skip(c echo.Context) error {
	return h.doseAction(c, func(s *Service, c echo.Context, a DoseAction) (*Event, error) {
		return s.Skip(c.Request().Context(), a)
	})
}

func (h *Handler) Snooze(c echo.Context) error {
	return h.doseAction(c, func(s *Service, c echo.Context, a DoseAction) (*Event, error) {
		return s.Snooze(c.Request().Context(), a)
	})
}

type undoRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Undo(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req undoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Undo(c.Request().Context(), id, req.Reason, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

type correctRequest struct {
	CorrectedAction EventType         `json:"corrected_action"`
	Reason          string            `json:"reason"`
	CorrectedData   map[string]string `json:"corrected_data,omitempty"`
}

func (h *Handler) Correct(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req correctRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Correct(c.Request().Context(), CorrectionRequest{
		OriginalEventID: id,
		CorrectedAction: req.CorrectedAction,
		Reason:          req.Reason,
		CorrectedData:   req.CorrectedData,
		Actor:           actorFrom(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// ListEvents supports ?command_id, ?type (comma separated), ?from and ?to
// (RFC 3339, bounding scheduled_for) and ?archived.
func (h *Handler) ListEvents(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	f := EventFilter{PatientID: patientID, Limit: p.Limit, Offset: p.Offset}
	if raw := c.QueryParam("command_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid command_id")
		}
		f.CommandID = &id
	}
	if raw := c.QueryParam("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			f.Types = append(f.Types, EventType(strings.TrimSpace(t)))
		}
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if raw := c.QueryParam(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": must be RFC 3339")
			}
			*dst = &t
		}
	}
	if raw := c.QueryParam("archived"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid archived")
		}
		f.Archived = &b
	}
	events, total, err := h.svc.ListEvents(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, p))
}

// -- Views --

func (h *Handler) Today(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	b, err := h.svc.TodayBuckets(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Adherence(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	m, err := h.svc.AdherenceMetrics(c.Request().Context(), patientID, c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) DetectMilestones(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	reports, err := h.svc.DetectMilestones(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, reports)
}

func (h *Handler) GetPreferences(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPreferences(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) PutPreferences(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	var p PatientPreferences
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.PatientID = patientID
	if err := h.svc.PutPreferences(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Day maintenance --

func (h *Handler) RunDailyReset(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	dryRun, _ := strconv.ParseBool(c.QueryParam("dry_run"))
	res, err := h.svc.RunDailyReset(c.Request().Context(), patientID, c.QueryParam("date"), dryRun)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ScheduleDay(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	n, err := h.svc.ScheduleDay(c.Request().Context(), patientID, c.QueryParam("date"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"scheduled": n})
}
