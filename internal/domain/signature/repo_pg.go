package signature

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/quickcare/internal/platform/apperr"
	"github.com/ehr/quickcare/internal/platform/db"
)

// =========== Credential Repository ===========

type credentialRepoPG struct{ pool *pgxpool.Pool }

func NewCredentialRepoPG(pool *pgxpool.Pool) CredentialRepository {
	return &credentialRepoPG{pool: pool}
}

func (r *credentialRepoPG) Upsert(ctx context.Context, c *SigningCredential) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO signing_credential (professional_id, secret_hash, license_number, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (professional_id) DO UPDATE
		SET secret_hash = EXCLUDED.secret_hash, license_number = EXCLUDED.license_number,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at`,
		c.ProfessionalID, c.SecretHash, c.LicenseNumber, c.UpdatedAt).
		Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *credentialRepoPG) Get(ctx context.Context, professionalID uuid.UUID) (*SigningCredential, error) {
	var c SigningCredential
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT professional_id, secret_hash, license_number, created_at, updated_at
		FROM signing_credential WHERE professional_id = $1`, professionalID).
		Scan(&c.ProfessionalID, &c.SecretHash, &c.LicenseNumber, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no signing credential enrolled")
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// =========== Record Repository ===========

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

const recordCols = `id, professional_id, activity_id, procedure_id, signed_at, origin_address, license_number, digest`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.ProfessionalID, &rec.ActivityID, &rec.ProcedureID, &rec.SignedAt,
		&rec.OriginAddress, &rec.LicenseNumber, &rec.Digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("activity has no signature")
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepoPG) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO activity_signature (`+recordCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.ProfessionalID, rec.ActivityID, rec.ProcedureID, rec.SignedAt,
		rec.OriginAddress, rec.LicenseNumber, rec.Digest)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("activity is already signed")
	}
	return err
}

func (r *recordRepoPG) GetByActivity(ctx context.Context, activityID uuid.UUID) (*Record, error) {
	return scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+recordCols+` FROM activity_signature WHERE activity_id = $1`, activityID))
}

func (r *recordRepoPG) ListByProfessional(ctx context.Context, professionalID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM activity_signature WHERE professional_id = $1`, professionalID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, `
		SELECT `+recordCols+` FROM activity_signature
		WHERE professional_id = $1 ORDER BY signed_at DESC LIMIT $2 OFFSET $3`,
		professionalID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}
