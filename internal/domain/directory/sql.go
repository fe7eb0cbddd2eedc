package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/quickcare/internal/platform/apperr"
)

// SecretVerifier checks a secret against a stored hash.
type SecretVerifier interface {
	Verify(hash, secret string) (bool, error)
}

// SQLDirectory reads the patient and professional tables through
// database/sql. Both tables are maintained by other systems.
type SQLDirectory struct {
	db       *sql.DB
	verifier SecretVerifier
}

func NewSQLDirectory(db *sql.DB, verifier SecretVerifier) *SQLDirectory {
	return &SQLDirectory{db: db, verifier: verifier}
}

// Patients returns the directory as a PatientDirectory.
func (d *SQLDirectory) Patients() PatientDirectory { return patientView{d} }

// Professionals returns the directory as a ProfessionalDirectory.
func (d *SQLDirectory) Professionals() ProfessionalDirectory { return professionalView{d} }

const (
	patientQuery = `SELECT id, full_name, medical_record_number, birth_date
		FROM patient WHERE id = $1 AND active`
	professionalQuery = `SELECT id, full_name, role, license_number
		FROM professional WHERE id = $1 AND active`
	loginHashQuery = `SELECT login_password_hash FROM professional WHERE id = $1 AND active`
)

type patientView struct{ d *SQLDirectory }

func (v patientView) Resolve(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := v.d.db.QueryRowContext(ctx, patientQuery, id).
		Scan(&p.ID, &p.FullName, &p.MedicalRecordNumber, &p.BirthDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("patient %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}
	return &p, nil
}

type professionalView struct{ d *SQLDirectory }

func (v professionalView) Resolve(ctx context.Context, id uuid.UUID) (*Professional, error) {
	var p Professional
	err := v.d.db.QueryRowContext(ctx, professionalQuery, id).
		Scan(&p.ID, &p.FullName, &p.Role, &p.LicenseNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("professional %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve professional: %w", err)
	}
	return &p, nil
}

func (v professionalView) VerifyLogin(ctx context.Context, id uuid.UUID, password string) (bool, error) {
	var hash sql.NullString
	err := v.d.db.QueryRowContext(ctx, loginHashQuery, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperr.NotFound("professional %s not found", id)
	}
	if err != nil {
		return false, fmt.Errorf("load login hash: %w", err)
	}
	if !hash.Valid || hash.String == "" {
		return false, nil
	}
	return v.d.verifier.Verify(hash.String, password)
}
