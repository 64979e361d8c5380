package medication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medtrack/medtrack/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct {
	pool *pgxpool.Pool
	tx   TxRunner
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool, tx: db.NewTxManager(pool)}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// storageErr classifies driver errors. Callers see ErrNotFound or
// ErrStorageUnavailable; the driver text stays in the wrapped chain for logs.
func storageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case IsDomainError(err):
		return err
	case db.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}

// =========== Commands ===========

const commandCols = `id, patient_id, medication, schedule, reminders, grace_period,
	status, is_active, is_prn, COALESCE(status_reason, ''),
	COALESCE(status_changed_at, created_at), COALESCE(status_changed_by, ''), discontinued_at,
	preferences, version, checksum, COALESCE(migrated_from, ''),
	created_at, created_by, updated_at, updated_by`

func scanCommand(row pgx.Row) (*Command, error) {
	var c Command
	err := row.Scan(&c.ID, &c.PatientID, &c.Medication, &c.Schedule, &c.Reminders, &c.GracePeriod,
		&c.Status.Current, &c.Status.IsActive, &c.Status.IsPRN, &c.Status.Reason,
		&c.Status.ChangedAt, &c.Status.ChangedBy, &c.Status.DiscontinuedAt,
		&c.Preferences, &c.Metadata.Version, &c.Metadata.Checksum, &c.Metadata.MigratedFrom,
		&c.Metadata.CreatedAt, &c.Metadata.CreatedBy, &c.Metadata.UpdatedAt, &c.Metadata.UpdatedBy)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) GetCommand(ctx context.Context, id uuid.UUID) (*Command, error) {
	c, err := scanCommand(r.conn(ctx).QueryRow(ctx, `SELECT `+commandCols+` FROM medication_command WHERE id = $1`, id))
	return c, storageErr(err)
}

func (r *repoPG) QueryCommands(ctx context.Context, f CommandFilter) ([]*Command, int, error) {
	where := []string{"patient_id = $1"}
	args := []interface{}{f.PatientID}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medication_command WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, storageErr(err)
	}

	sql := `SELECT ` + commandCols + ` FROM medication_command WHERE ` + clause + ` ORDER BY created_at, id`
	sql, args = paginate(sql, args, f.Limit, f.Offset)
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, storageErr(err)
	}
	defer rows.Close()
	var items []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, 0, storageErr(err)
		}
		items = append(items, c)
	}
	return items, total, storageErr(rows.Err())
}

func paginate(sql string, args []interface{}, limit, offset int) (string, []interface{}) {
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return sql, args
}

func (r *repoPG) CreateCommand(ctx context.Context, c *Command) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medication_command (id, patient_id, medication, schedule, reminders, grace_period,
			status, is_active, is_prn, status_reason, status_changed_at, status_changed_by, discontinued_at,
			preferences, version, checksum, migrated_from, created_at, created_by, updated_at, updated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,NULLIF($12,''),$13,$14,$15,$16,NULLIF($17,''),$18,$19,$20,$21)`,
		c.ID, c.PatientID, c.Medication, c.Schedule, c.Reminders, c.GracePeriod,
		c.Status.Current, c.Status.IsActive, c.Status.IsPRN, c.Status.Reason, c.Status.ChangedAt,
		c.Status.ChangedBy, c.Status.DiscontinuedAt,
		c.Preferences, c.Metadata.Version, c.Metadata.Checksum, c.Metadata.MigratedFrom,
		c.Metadata.CreatedAt, c.Metadata.CreatedBy, c.Metadata.UpdatedAt, c.Metadata.UpdatedBy)
	return storageErr(err)
}

func (r *repoPG) PutCommand(ctx context.Context, c *Command, expectedVersion int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medication_command SET medication=$2, schedule=$3, reminders=$4, grace_period=$5,
			status=$6, is_active=$7, is_prn=$8, status_reason=NULLIF($9,''), status_changed_at=$10,
			status_changed_by=NULLIF($11,''), discontinued_at=$12, preferences=$13,
			version=$14, checksum=$15, updated_at=$16, updated_by=$17
		WHERE id = $1 AND version = $18`,
		c.ID, c.Medication, c.Schedule, c.Reminders, c.GracePeriod,
		c.Status.Current, c.Status.IsActive, c.Status.IsPRN, c.Status.Reason, c.Status.ChangedAt,
		c.Status.ChangedBy, c.Status.DiscontinuedAt, c.Preferences,
		c.Metadata.Version, c.Metadata.Checksum, c.Metadata.UpdatedAt, c.Metadata.UpdatedBy,
		expectedVersion)
	if err != nil {
		return storageErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM medication_command WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
		return storageErr(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (r *repoPG) DeleteCommandAndEvents(ctx context.Context, id uuid.UUID) (*CascadeResult, error) {
	res := &CascadeResult{}
	err := r.tx.InTx(ctx, func(ctx context.Context) error {
		c := r.conn(ctx)
		// Appends take a key-share lock on the command row, so holding the
		// row lock keeps new events out until commit.
		if _, err := c.Exec(ctx, `SELECT id FROM medication_command WHERE id = $1 FOR UPDATE`, id); err != nil {
			return err
		}
		tag, err := c.Exec(ctx, `DELETE FROM medication_event WHERE command_id = $1`, id)
		if err != nil {
			return err
		}
		res.EventsDeleted = tag.RowsAffected()
		if tag, err = c.Exec(ctx, `DELETE FROM streak_milestone WHERE command_id = $1`, id); err != nil {
			return err
		}
		res.MilestonesDeleted = tag.RowsAffected()
		if tag, err = c.Exec(ctx, `DELETE FROM medication_command WHERE id = $1`, id); err != nil {
			return err
		}
		res.CommandDeleted = tag.RowsAffected() == 1

		var orphans int
		if err := c.QueryRow(ctx, `SELECT COUNT(*) FROM medication_event WHERE command_id = $1`, id).Scan(&orphans); err != nil {
			return err
		}
		if orphans != 0 {
			return fmt.Errorf("%w: %d events remain for command %s", ErrCascadeIncomplete, orphans, id)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return res, nil
}

// =========== Events ===========

const eventCols = `id, command_id, patient_id, event_type, event_timestamp, scheduled_for,
	grace_period_end, is_on_time, minutes_late, event_data, medication_name, trigger_source,
	COALESCE(idempotency_key, ''), is_archived, archived_at,
	COALESCE(to_char(belongs_to_date, 'YYYY-MM-DD'), '')`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.CommandID, &e.PatientID, &e.Type, &e.Timing.EventTimestamp, &e.Timing.ScheduledFor,
		&e.Timing.GracePeriodEnd, &e.Timing.IsOnTime, &e.Timing.MinutesLate, &e.Data,
		&e.Context.MedicationName, &e.Context.TriggerSource,
		&e.IdempotencyKey, &e.Archive.IsArchived, &e.Archive.ArchivedAt, &e.Archive.BelongsToDate)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := scanEvent(r.conn(ctx).QueryRow(ctx, `SELECT `+eventCols+` FROM medication_event WHERE id = $1`, id))
	return e, storageErr(err)
}

// AppendEvent inserts e only while its command exists. The key-share lock
// serialises the insert against a concurrent cascade delete.
func (r *repoPG) AppendEvent(ctx context.Context, e *Event) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medication_event (id, command_id, patient_id, event_type, event_timestamp, scheduled_for,
			grace_period_end, is_on_time, minutes_late, event_data, medication_name, trigger_source,
			idempotency_key, is_archived, archived_at, belongs_to_date)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13,''),$14,$15,NULLIF($16,'')::date
		WHERE EXISTS (SELECT 1 FROM medication_command WHERE id = $2 FOR KEY SHARE)`,
		e.ID, e.CommandID, e.PatientID, e.Type, e.Timing.EventTimestamp, e.Timing.ScheduledFor,
		e.Timing.GracePeriodEnd, e.Timing.IsOnTime, e.Timing.MinutesLate, e.Data,
		e.Context.MedicationName, e.Context.TriggerSource,
		e.IdempotencyKey, e.Archive.IsArchived, e.Archive.ArchivedAt, e.Archive.BelongsToDate)
	if err != nil {
		if db.IsUniqueViolation(err) && e.IdempotencyKey != "" {
			if existing, ferr := r.FindEventByIdempotencyKey(ctx, e.CommandID, e.IdempotencyKey); ferr == nil {
				return &DuplicateEventError{ExistingEventID: existing.ID}
			}
		}
		return storageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) QueryEvents(ctx context.Context, f EventFilter) ([]*Event, int, error) {
	where := []string{"patient_id = $1"}
	args := []interface{}{f.PatientID}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.CommandID != nil {
		add("command_id = $%d", *f.CommandID)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}
	if f.From != nil {
		add("scheduled_for >= $%d", *f.From)
	}
	if f.To != nil {
		add("scheduled_for < $%d", *f.To)
	}
	if f.Archived != nil {
		add("is_archived = $%d", *f.Archived)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medication_event WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, storageErr(err)
	}

	sql := `SELECT ` + eventCols + ` FROM medication_event WHERE ` + clause + ` ORDER BY event_timestamp, id`
	sql, args = paginate(sql, args, f.Limit, f.Offset)
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, storageErr(err)
	}
	defer rows.Close()
	var items []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, storageErr(err)
		}
		items = append(items, e)
	}
	return items, total, storageErr(rows.Err())
}

func (r *repoPG) FindEventByIdempotencyKey(ctx context.Context, commandID uuid.UUID, key string) (*Event, error) {
	e, err := scanEvent(r.conn(ctx).QueryRow(ctx,
		`SELECT `+eventCols+` FROM medication_event WHERE command_id = $1 AND idempotency_key = $2`, commandID, key))
	return e, storageErr(err)
}

func (r *repoPG) ArchiveEvents(ctx context.Context, ids []uuid.UUID, belongsTo string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medication_event SET is_archived = TRUE, archived_at = $3, belongs_to_date = $2::date
		WHERE id = ANY($1::uuid[]) AND NOT is_archived`, strIDs, belongsTo, at)
	if err != nil {
		return 0, storageErr(err)
	}
	return tag.RowsAffected(), nil
}

// =========== Daily summaries ===========

func (r *repoPG) PutDailySummary(ctx context.Context, s *DailySummary) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO daily_summary (patient_id, summary_date, timezone, scheduled, taken, missed, skipped,
			adherence_rate, created_at)
		VALUES ($1,$2::date,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (patient_id, summary_date) DO NOTHING`,
		s.PatientID, s.Date, s.Timezone, s.Scheduled, s.Taken, s.Missed, s.Skipped, s.AdherenceRate, s.CreatedAt)
	if err != nil {
		return false, storageErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) GetDailySummary(ctx context.Context, patientID uuid.UUID, date string) (*DailySummary, error) {
	var s DailySummary
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT patient_id, to_char(summary_date, 'YYYY-MM-DD'), timezone, scheduled, taken, missed, skipped,
			adherence_rate, created_at
		FROM daily_summary WHERE patient_id = $1 AND summary_date = $2::date`, patientID, date).
		Scan(&s.PatientID, &s.Date, &s.Timezone, &s.Scheduled, &s.Taken, &s.Missed, &s.Skipped,
			&s.AdherenceRate, &s.CreatedAt)
	if err != nil {
		return nil, storageErr(err)
	}
	return &s, nil
}

// =========== Preferences ===========

func (r *repoPG) GetPreferences(ctx context.Context, patientID uuid.UUID) (*PatientPreferences, error) {
	var p PatientPreferences
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT patient_id, timezone, windows, updated_at FROM patient_preferences WHERE patient_id = $1`, patientID).
		Scan(&p.PatientID, &p.Timezone, &p.Windows, &p.UpdatedAt)
	if err != nil {
		return nil, storageErr(err)
	}
	return &p, nil
}

func (r *repoPG) PutPreferences(ctx context.Context, p *PatientPreferences) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_preferences (patient_id, timezone, windows, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (patient_id) DO UPDATE SET timezone = EXCLUDED.timezone, windows = EXCLUDED.windows,
			updated_at = EXCLUDED.updated_at`,
		p.PatientID, p.Timezone, p.Windows, p.UpdatedAt)
	return storageErr(err)
}

func (r *repoPG) ListPatientIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT patient_id FROM medication_command
		UNION
		SELECT patient_id FROM patient_preferences
		ORDER BY patient_id`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr(err)
		}
		ids = append(ids, id)
	}
	return ids, storageErr(rows.Err())
}

// =========== Milestones ===========

func (r *repoPG) ListMilestones(ctx context.Context, patientID uuid.UUID) ([]*Milestone, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT command_id, patient_id, threshold, streak_days, reached_at
		FROM streak_milestone WHERE patient_id = $1 ORDER BY reached_at, threshold`, patientID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var items []*Milestone
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.CommandID, &m.PatientID, &m.Threshold, &m.StreakDays, &m.ReachedAt); err != nil {
			return nil, storageErr(err)
		}
		items = append(items, &m)
	}
	return items, storageErr(rows.Err())
}

func (r *repoPG) PutMilestone(ctx context.Context, m *Milestone) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO streak_milestone (command_id, patient_id, threshold, streak_days, reached_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (command_id, threshold) DO NOTHING`,
		m.CommandID, m.PatientID, m.Threshold, m.StreakDays, m.ReachedAt)
	if err != nil {
		return false, storageErr(err)
	}
	return tag.RowsAffected() == 1, nil
}
