package procedure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/quickcare/internal/platform/apperr"
	"github.com/ehr/quickcare/internal/platform/db"
)

// =========== Procedure Repository ===========

type procedureRepoPG struct{ pool *pgxpool.Pool }

func NewProcedureRepoPG(pool *pgxpool.Pool) ProcedureRepository {
	return &procedureRepoPG{pool: pool}
}

func (r *procedureRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const procedureCols = `id, patient_id, status, lock_holder, locked_at, origin, origin_encounter_id,
	requesting_physician, origin_specialty, allergies, notes, started_at, ended_at,
	cancelled_by, cancel_reason, cancelled_at, created_by, created_at, updated_by, updated_at`

func (r *procedureRepoPG) scanProcedure(row pgx.Row) (*Procedure, error) {
	var p Procedure
	err := row.Scan(&p.ID, &p.PatientID, &p.Status, &p.LockHolder, &p.LockedAt, &p.Origin, &p.OriginEncounterID,
		&p.RequestingPhysician, &p.OriginSpecialty, &p.Allergies, &p.Notes, &p.StartedAt, &p.EndedAt,
		&p.CancelledBy, &p.CancelReason, &p.CancelledAt, &p.CreatedBy, &p.CreatedAt, &p.UpdatedBy, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("procedure not found")
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *procedureRepoPG) Create(ctx context.Context, p *Procedure) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO quick_procedure (id, patient_id, status, origin, origin_encounter_id, requesting_physician,
			origin_specialty, allergies, notes, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.PatientID, p.Status, p.Origin, p.OriginEncounterID, p.RequestingPhysician,
		p.OriginSpecialty, p.Allergies, p.Notes, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *procedureRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return r.scanProcedure(r.conn(ctx).QueryRow(ctx, `SELECT `+procedureCols+` FROM quick_procedure WHERE id = $1`, id))
}

func (r *procedureRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return r.scanProcedure(r.conn(ctx).QueryRow(ctx, `SELECT `+procedureCols+` FROM quick_procedure WHERE id = $1 FOR UPDATE`, id))
}

func (r *procedureRepoPG) GetOutcome(ctx context.Context, procedureID uuid.UUID) (*Outcome, error) {
	var o Outcome
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT procedure_id, type, destination, specialty, requested_procedure, follow_up_date, notes,
			recorded_at, responsible_id
		FROM quick_procedure_outcome WHERE procedure_id = $1`, procedureID).
		Scan(&o.ProcedureID, &o.Type, &o.Destination, &o.Specialty, &o.RequestedProcedure, &o.FollowUpDate, &o.Notes,
			&o.RecordedAt, &o.ResponsibleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *procedureRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Procedure, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.PatientID != nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.LockHolder != nil {
		where += fmt.Sprintf(` AND lock_holder = $%d`, idx)
		args = append(args, *f.LockHolder)
		idx++
	}
	if f.OverdueAt != nil {
		where += fmt.Sprintf(` AND status IN ('AWAITING','IN_PROGRESS') AND EXISTS (
			SELECT 1 FROM quick_procedure_activity a
			WHERE a.procedure_id = quick_procedure.id AND a.situacao = 'PENDING' AND a.scheduled_times[1] < $%d)`, idx)
		args = append(args, *f.OverdueAt)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM quick_procedure`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := `DESC`
	if f.OldestFirst {
		order = `ASC`
	}
	query := `SELECT ` + procedureCols + ` FROM quick_procedure` + where +
		fmt.Sprintf(` ORDER BY created_at %s LIMIT $%d OFFSET $%d`, order, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Procedure
	for rows.Next() {
		p, err := r.scanProcedure(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *procedureRepoPG) ClaimLock(ctx context.Context, id, professionalID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE quick_procedure
		SET status='IN_PROGRESS', lock_holder=$2, locked_at=$3, started_at=COALESCE(started_at,$3),
			updated_by=$2, updated_at=$3
		WHERE id = $1 AND status = 'AWAITING' AND lock_holder IS NULL`,
		id, professionalID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *procedureRepoPG) ReleaseLock(ctx context.Context, id, holder, by uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE quick_procedure
		SET status='AWAITING', lock_holder=NULL, locked_at=NULL, updated_by=$3, updated_at=$4
		WHERE id = $1 AND status = 'IN_PROGRESS' AND lock_holder = $2`,
		id, holder, by, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *procedureRepoPG) Finalize(ctx context.Context, p *Procedure, o *Outcome) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE quick_procedure
		SET status='FINISHED', lock_holder=NULL, locked_at=NULL, ended_at=$2, updated_by=$3, updated_at=$2
		WHERE id = $1 AND status IN ('AWAITING','IN_PROGRESS')`,
		p.ID, p.EndedAt, p.UpdatedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return apperr.Conflict("procedure is already closed")
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO quick_procedure_outcome (procedure_id, type, destination, specialty, requested_procedure,
			follow_up_date, notes, recorded_at, responsible_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ProcedureID, o.Type, o.Destination, o.Specialty, o.RequestedProcedure,
		o.FollowUpDate, o.Notes, o.RecordedAt, o.ResponsibleID)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("procedure already has an outcome")
	}
	return err
}

func (r *procedureRepoPG) MarkCancelled(ctx context.Context, p *Procedure) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE quick_procedure
		SET status='CANCELLED', lock_holder=NULL, locked_at=NULL, cancelled_by=$2, cancel_reason=$3,
			cancelled_at=$4, ended_at=$4, updated_by=$2, updated_at=$4
		WHERE id = $1 AND status IN ('AWAITING','IN_PROGRESS')`,
		p.ID, p.CancelledBy, p.CancelReason, p.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return apperr.Conflict("procedure is already closed")
	}
	return nil
}

func (r *procedureRepoPG) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM quick_procedure WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

// =========== Activity Repository ===========

type activityRepoPG struct{ pool *pgxpool.Pool }

func NewActivityRepoPG(pool *pgxpool.Pool) ActivityRepository {
	return &activityRepoPG{pool: pool}
}

func (r *activityRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const activityCols = `id, procedure_id, kind, description, medication_id, medication_name, dose, route, dilution,
	situacao, scheduled_times, prior_schedules, interval_minutes, series_start, continues_from,
	initial_timestamp, final_timestamp, professional_id, observations, urgent, alert,
	adverse_reaction, adverse_reaction_notes, refusal_reason,
	has_checklist, right_patient, right_medication, right_dose, right_route, right_time,
	signature_digest, signed_license, created_at, updated_at`

func (r *activityRepoPG) scanActivity(row pgx.Row) (*Activity, error) {
	var a Activity
	var hasChecklist bool
	var cl Checklist
	err := row.Scan(&a.ID, &a.ProcedureID, &a.Kind, &a.Description, &a.MedicationID, &a.MedicationName, &a.Dose, &a.Route, &a.Dilution,
		&a.Situacao, &a.ScheduledTimes, &a.PriorSchedules, &a.IntervalMinutes, &a.SeriesStart, &a.ContinuesFrom,
		&a.InitialTimestamp, &a.FinalTimestamp, &a.ProfessionalID, &a.Observations, &a.Urgent, &a.Alert,
		&a.AdverseReaction, &a.AdverseReactionNotes, &a.RefusalReason,
		&hasChecklist, &cl.RightPatient, &cl.RightMedication, &cl.RightDose, &cl.RightRoute, &cl.RightTime,
		&a.SignatureDigest, &a.SignedLicense, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("activity not found")
	}
	if err != nil {
		return nil, err
	}
	if hasChecklist {
		a.Checklist = &cl
	}
	return &a, nil
}

// checklistArgs flattens an optional checklist into its column values.
func checklistArgs(c *Checklist) []interface{} {
	if c == nil {
		return []interface{}{false, false, false, false, false, false}
	}
	return []interface{}{true, c.RightPatient, c.RightMedication, c.RightDose, c.RightRoute, c.RightTime}
}

func (r *activityRepoPG) Add(ctx context.Context, a *Activity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	args := []interface{}{
		a.ID, a.ProcedureID, a.Kind, a.Description, a.MedicationID, a.MedicationName, a.Dose, a.Route, a.Dilution,
		a.Situacao, a.ScheduledTimes, a.PriorSchedules, a.IntervalMinutes, a.SeriesStart, a.ContinuesFrom,
		a.InitialTimestamp, a.FinalTimestamp, a.ProfessionalID, a.Observations, a.Urgent, a.Alert,
		a.AdverseReaction, a.AdverseReactionNotes, a.RefusalReason,
	}
	args = append(args, checklistArgs(a.Checklist)...)
	args = append(args, a.CreatedAt, a.UpdatedAt)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO quick_procedure_activity (id, procedure_id, kind, description, medication_id, medication_name,
			dose, route, dilution, situacao, scheduled_times, prior_schedules, interval_minutes, series_start,
			continues_from, initial_timestamp, final_timestamp, professional_id, observations, urgent, alert,
			adverse_reaction, adverse_reaction_notes, refusal_reason,
			has_checklist, right_patient, right_medication, right_dose, right_route, right_time,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,
			$25,$26,$27,$28,$29,$30,$31,$32)`,
		args...)
	return err
}

func (r *activityRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Activity, error) {
	return r.scanActivity(r.conn(ctx).QueryRow(ctx, `SELECT `+activityCols+` FROM quick_procedure_activity WHERE id = $1`, id))
}

func (r *activityRepoPG) ListByProcedure(ctx context.Context, procedureID uuid.UUID) ([]*Activity, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+activityCols+` FROM quick_procedure_activity
		WHERE procedure_id = $1 ORDER BY created_at, id`, procedureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Activity
	for rows.Next() {
		a, err := r.scanActivity(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *activityRepoPG) Update(ctx context.Context, a *Activity) error {
	args := []interface{}{
		a.ID, a.Situacao, a.ScheduledTimes, a.PriorSchedules, a.InitialTimestamp, a.FinalTimestamp,
		a.ProfessionalID, a.Observations, a.AdverseReaction, a.AdverseReactionNotes, a.RefusalReason,
	}
	args = append(args, checklistArgs(a.Checklist)...)
	args = append(args, a.UpdatedAt)
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE quick_procedure_activity
		SET situacao=$2, scheduled_times=$3, prior_schedules=$4, initial_timestamp=$5, final_timestamp=$6,
			professional_id=$7, observations=$8, adverse_reaction=$9, adverse_reaction_notes=$10,
			refusal_reason=$11, has_checklist=$12, right_patient=$13, right_medication=$14, right_dose=$15,
			right_route=$16, right_time=$17, updated_at=$18
		WHERE id = $1`,
		args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return apperr.NotFound("activity not found")
	}
	return nil
}

func (r *activityRepoPG) CancelPending(ctx context.Context, procedureID uuid.UUID, observation string, at time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE quick_procedure_activity SET situacao='CANCELLED', observations=$2, updated_at=$3
		WHERE procedure_id = $1 AND situacao = 'PENDING'`,
		procedureID, observation, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *activityRepoPG) Seal(ctx context.Context, id uuid.UUID, digest, license string, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE quick_procedure_activity SET signature_digest=$2, signed_license=$3, updated_at=$4
		WHERE id = $1 AND situacao = 'EXECUTED' AND signature_digest IS NULL`,
		id, digest, license, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
