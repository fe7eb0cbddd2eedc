package assessment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/quickcare/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const assessmentCols = `id, patient_id, scale, items, score, classification, label, high_risk,
	assessor_id, assessed_at, observations, pain_location, pain_characteristics,
	pain_worsening_factors, pain_relieving_factors, created_at`

func scanAssessment(row pgx.Row) (*Assessment, error) {
	var a Assessment
	var pain PainDetails
	err := row.Scan(&a.ID, &a.PatientID, &a.Scale, &a.Items, &a.Score, &a.Classification, &a.Label, &a.HighRisk,
		&a.AssessorID, &a.AssessedAt, &a.Observations, &pain.Location, &pain.Characteristics,
		&pain.WorseningFactors, &pain.RelievingFactors, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if a.Scale == ScaleEVA {
		a.Pain = &pain
	}
	return &a, nil
}

func collect(rows pgx.Rows) ([]*Assessment, error) {
	defer rows.Close()
	var items []*Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, a *Assessment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	pain := a.Pain
	if pain == nil {
		pain = &PainDetails{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO nursing_assessment (id, patient_id, scale, items, score, classification, label, high_risk,
			assessor_id, assessed_at, observations, pain_location, pain_characteristics,
			pain_worsening_factors, pain_relieving_factors, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		a.ID, a.PatientID, a.Scale, a.Items, a.Score, a.Classification, a.Label, a.HighRisk,
		a.AssessorID, a.AssessedAt, a.Observations, pain.Location, pain.Characteristics,
		pain.WorseningFactors, pain.RelievingFactors, a.CreatedAt)
	return err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, scale Scale, limit, offset int) ([]*Assessment, int, error) {
	where := ` WHERE patient_id = $1`
	args := []interface{}{patientID}
	if scale != "" {
		where += ` AND scale = $2`
		args = append(args, scale)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM nursing_assessment`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assessmentCols+` FROM nursing_assessment`+where+
		fmt.Sprintf(` ORDER BY assessed_at DESC, created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collect(rows)
	return items, total, err
}

// latestCTE keeps the newest row of every (patient, scale).
const latestCTE = `WITH latest AS (
	SELECT DISTINCT ON (patient_id, scale) ` + assessmentCols + `
	FROM nursing_assessment
	ORDER BY patient_id, scale, assessed_at DESC, created_at DESC
) `

func (r *repoPG) LatestByPatient(ctx context.Context, patientID uuid.UUID) ([]*Assessment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT DISTINCT ON (scale) `+assessmentCols+`
		FROM nursing_assessment WHERE patient_id = $1
		ORDER BY scale, assessed_at DESC, created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *repoPG) ListHighRisk(ctx context.Context, scale Scale, limit, offset int) ([]*Assessment, int, error) {
	where := ` WHERE high_risk`
	var args []interface{}
	if scale != "" {
		where += ` AND scale = $1`
		args = append(args, scale)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, latestCTE+`SELECT COUNT(*) FROM latest`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	rows, err := r.conn(ctx).Query(ctx, latestCTE+`SELECT `+assessmentCols+` FROM latest`+where+
		fmt.Sprintf(` ORDER BY assessed_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collect(rows)
	return items, total, err
}
