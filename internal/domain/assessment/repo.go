package assessment

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, a *Assessment) error
	// ListByPatient returns newest first. An empty scale lists every scale.
	ListByPatient(ctx context.Context, patientID uuid.UUID, scale Scale, limit, offset int) ([]*Assessment, int, error)
	// LatestByPatient returns the newest assessment of each scale the
	// patient has.
	LatestByPatient(ctx context.Context, patientID uuid.UUID) ([]*Assessment, error)
	// ListHighRisk returns assessments that are both the newest of their
	// patient and scale and high risk. An empty scale lists every scale.
	ListHighRisk(ctx context.Context, scale Scale, limit, offset int) ([]*Assessment, int, error)
}
