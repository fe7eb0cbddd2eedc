package signature

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/quickcare/internal/domain/directory"
	"github.com/ehr/quickcare/internal/platform/apperr"
	"github.com/ehr/quickcare/internal/platform/db"
	"github.com/ehr/quickcare/internal/platform/events"
	"github.com/ehr/quickcare/internal/platform/metrics"
)

// MinSecretLength is the shortest signing secret accepted at enrollment.
const MinSecretLength = 6

// MaxOriginLength matches activity_signature.origin_address.
const MaxOriginLength = 64

// SecretHasher hashes signing secrets. *password.Hasher satisfies it.
type SecretHasher interface {
	Hash(secret string) (string, error)
	Verify(hash, secret string) (bool, error)
}

type Service struct {
	creds     CredentialRepository
	records   RecordRepository
	acts      ActivityPort
	staff     directory.ProfessionalDirectory
	hasher    SecretHasher
	tx        db.TxRunner
	metrics   *metrics.Metrics
	publisher events.Publisher
	logger    zerolog.Logger
	clock     func() time.Time
}

func NewService(
	creds CredentialRepository,
	records RecordRepository,
	acts ActivityPort,
	staff directory.ProfessionalDirectory,
	hasher SecretHasher,
	tx db.TxRunner,
	logger zerolog.Logger,
) *Service {
	return &Service{
		creds:   creds,
		records: records,
		acts:    acts,
		staff:   staff,
		hasher:  hasher,
		tx:      tx,
		logger:  logger.With().Str("component", "signature").Logger(),
		clock:   time.Now,
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) SetPublisher(p events.Publisher) {
	s.publisher = p
}

func (s *Service) SetClock(now func() time.Time) {
	s.clock = now
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

type EnrollRequest struct {
	ProfessionalID uuid.UUID `json:"professional_id"`
	SigningSecret  string    `json:"signing_secret" validate:"required"`
	LicenseNumber  string    `json:"license_number" validate:"required"`
}

type SignRequest struct {
	ProcedureID     uuid.UUID `json:"-"`
	ActivityID      uuid.UUID `json:"-"`
	ProfessionalID  uuid.UUID `json:"professional_id"`
	LoginPassword   string    `json:"login_password" validate:"required"`
	SigningPassword string    `json:"signing_password" validate:"required"`
	OriginAddress   string    `json:"-"`
	LicenseNumber   string    `json:"license_number" validate:"required"`
}

// Enroll stores or replaces a professional's signing credential.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (*CredentialStatus, error) {
	if _, err := s.staff.Resolve(ctx, req.ProfessionalID); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(req.SigningSecret) < MinSecretLength {
		return nil, apperr.Validation("signing secret must have at least %d characters", MinSecretLength)
	}
	license, err := ValidateLicense(req.LicenseNumber)
	if err != nil {
		return nil, err
	}
	same, err := s.staff.VerifyLogin(ctx, req.ProfessionalID, req.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("compare with login password: %w", err)
	}
	if same {
		return nil, apperr.Validation("signing secret must differ from the login password")
	}

	hash, err := s.hasher.Hash(req.SigningSecret)
	if err != nil {
		return nil, err
	}
	now := s.now()
	c := &SigningCredential{
		ProfessionalID: req.ProfessionalID,
		SecretHash:     hash,
		LicenseNumber:  license,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.creds.Upsert(ctx, c); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}

	events.Emit(ctx, s.publisher, s.logger, events.New(events.CredentialEnrolled).
		WithProfessional(req.ProfessionalID).
		With("license_number", license))
	return statusOf(c), nil
}

func statusOf(c *SigningCredential) *CredentialStatus {
	updated := c.UpdatedAt
	return &CredentialStatus{
		ProfessionalID: c.ProfessionalID,
		Enrolled:       true,
		LicenseNumber:  c.LicenseNumber,
		UpdatedAt:      &updated,
	}
}

func signResult(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := apperr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

// Sign attests an executed activity. Every check runs before anything is
// written; the record insert and the activity seal commit together.
func (s *Service) Sign(ctx context.Context, req SignRequest) (rec *Record, err error) {
	defer func() { s.metrics.Signature(signResult(err)) }()

	if req.ProcedureID == uuid.Nil || req.ActivityID == uuid.Nil {
		return nil, apperr.Validation("procedure and activity are required")
	}
	origin := strings.TrimSpace(req.OriginAddress)
	if origin == "" {
		return nil, apperr.Validation("origin address is required")
	}
	if utf8.RuneCountInString(origin) > MaxOriginLength {
		return nil, apperr.Validation("origin address exceeds %d characters", MaxOriginLength)
	}

	ok, err := s.staff.VerifyLogin(ctx, req.ProfessionalID, req.LoginPassword)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Authentication("login password does not match")
	}

	license, err := ValidateLicense(req.LicenseNumber)
	if err != nil {
		return nil, err
	}

	act, err := s.acts.Signable(ctx, req.ProcedureID, req.ActivityID)
	if err != nil {
		return nil, err
	}
	if act.Medication && len(act.MissingChecks) > 0 {
		return nil, apperr.ChecklistIncomplete(act.MissingChecks)
	}
	if !act.Executed {
		return nil, apperr.InvalidState("only executed activities can be signed")
	}
	if act.Sealed {
		return nil, apperr.Conflict("activity is already signed")
	}

	cred, err := s.creds.Get(ctx, req.ProfessionalID)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Authentication("no signing credential enrolled")
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	match, err := s.hasher.Verify(cred.SecretHash, req.SigningPassword)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, apperr.Authentication("signing password does not match")
	}

	signedAt := s.now()
	rec = &Record{
		ID:             uuid.New(),
		ProfessionalID: req.ProfessionalID,
		ActivityID:     req.ActivityID,
		ProcedureID:    req.ProcedureID,
		SignedAt:       signedAt,
		OriginAddress:  origin,
		LicenseNumber:  license,
		Digest:         Digest(req.ProfessionalID, signedAt, origin, license),
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.records.Insert(ctx, rec); err != nil {
			return err
		}
		sealed, err := s.acts.Seal(ctx, req.ActivityID, rec.Digest, license, signedAt)
		if err != nil {
			return fmt.Errorf("seal activity: %w", err)
		}
		if !sealed {
			return apperr.Conflict("activity is already signed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	events.Emit(ctx, s.publisher, s.logger, events.New(events.ActivitySigned).
		WithProcedure(req.ProcedureID).
		WithActivity(req.ActivityID).
		WithProfessional(req.ProfessionalID).
		With("license_number", license))
	return rec, nil
}

func (s *Service) HasCredential(ctx context.Context, professionalID uuid.UUID) (bool, error) {
	_, err := s.creds.Get(ctx, professionalID)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetCredential reports enrollment status and license. The hash is never
// returned.
func (s *Service) GetCredential(ctx context.Context, professionalID uuid.UUID) (*CredentialStatus, error) {
	c, err := s.creds.Get(ctx, professionalID)
	if apperr.Is(err, apperr.KindNotFound) {
		return &CredentialStatus{ProfessionalID: professionalID}, nil
	}
	if err != nil {
		return nil, err
	}
	return statusOf(c), nil
}

func (s *Service) GetByActivity(ctx context.Context, activityID uuid.UUID) (*Record, error) {
	return s.records.GetByActivity(ctx, activityID)
}

func (s *Service) ListByProfessional(ctx context.Context, professionalID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	return s.records.ListByProfessional(ctx, professionalID, limit, offset)
}

// Verify loads the record of an activity and reports whether its digest
// still matches its fields.
func (s *Service) Verify(ctx context.Context, activityID uuid.UUID) (*Record, bool, error) {
	rec, err := s.records.GetByActivity(ctx, activityID)
	if err != nil {
		return nil, false, err
	}
	return rec, Verify(rec), nil
}
