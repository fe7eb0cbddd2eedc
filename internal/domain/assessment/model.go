package assessment

import (
	"time"

	"github.com/google/uuid"
)

// Assessment is one scored application of a scale to a patient. Rows are
// append-only; a reassessment is a new row.
type Assessment struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	PatientID      uuid.UUID      `db:"patient_id" json:"patient_id"`
	Scale          Scale          `db:"scale" json:"scale"`
	Items          map[string]int `db:"items" json:"items"`
	Score          int            `db:"score" json:"score"`
	Classification Classification `db:"classification" json:"classification"`
	Label          string         `db:"label" json:"label"`
	HighRisk       bool           `db:"high_risk" json:"high_risk"`
	AssessorID     uuid.UUID      `db:"assessor_id" json:"assessor_id"`
	AssessedAt     time.Time      `db:"assessed_at" json:"assessed_at"`
	Observations   *string        `db:"observations" json:"observations,omitempty"`
	Pain           *PainDetails   `json:"pain,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// PainDetails qualifies an EVA assessment.
type PainDetails struct {
	Location         *string `db:"pain_location" json:"location,omitempty"`
	Characteristics  *string `db:"pain_characteristics" json:"characteristics,omitempty"`
	WorseningFactors *string `db:"pain_worsening_factors" json:"worsening_factors,omitempty"`
	RelievingFactors *string `db:"pain_relieving_factors" json:"relieving_factors,omitempty"`
}

// MaxPainLocation matches nursing_assessment.pain_location.
const MaxPainLocation = 200
