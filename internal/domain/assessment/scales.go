package assessment

import (
	"sort"
	"strings"

	"github.com/ehr/quickcare/internal/platform/apperr"
)

// Scale identifies one of the nursing assessment instruments.
type Scale string

const (
	ScaleMorse   Scale = "morse"
	ScaleBraden  Scale = "braden"
	ScaleFugulin Scale = "fugulin"
	ScaleGlasgow Scale = "glasgow"
	ScaleEVA     Scale = "eva"
)

// Scales lists every instrument in presentation order.
var Scales = []Scale{ScaleMorse, ScaleBraden, ScaleFugulin, ScaleGlasgow, ScaleEVA}

// Classification is the band a total score falls in.
type Classification string

const (
	MorseNoRisk   Classification = "NO_RISK"
	MorseLowRisk  Classification = "LOW_RISK"
	MorseHighRisk Classification = "HIGH_RISK"

	BradenVeryHighRisk Classification = "VERY_HIGH_RISK"
	BradenHighRisk     Classification = "HIGH_RISK"
	BradenModerateRisk Classification = "MODERATE_RISK"
	BradenLowRisk      Classification = "LOW_RISK"
	BradenNoRisk       Classification = "NO_RISK"

	FugulinMinimal        Classification = "MINIMAL_CARE"
	FugulinIntermediate   Classification = "INTERMEDIATE_CARE"
	FugulinHighDependency Classification = "HIGH_DEPENDENCY_CARE"
	FugulinSemiIntensive  Classification = "SEMI_INTENSIVE_CARE"
	FugulinIntensive      Classification = "INTENSIVE_CARE"

	GlasgowSevere   Classification = "SEVERE"
	GlasgowModerate Classification = "MODERATE"
	GlasgowMild     Classification = "MILD"

	PainNone       Classification = "NO_PAIN"
	PainMild       Classification = "MILD_PAIN"
	PainModerate   Classification = "MODERATE_PAIN"
	PainSevere     Classification = "SEVERE_PAIN"
	PainUnbearable Classification = "UNBEARABLE_PAIN"
)

// Item is one scored question of a scale and the points it accepts.
type Item struct {
	Name    string `json:"name"`
	Allowed []int  `json:"allowed"`
}

// Band maps every score up to Max (inclusive) to a classification.
type Band struct {
	Max            int            `json:"max"`
	Classification Classification `json:"classification"`
	Label          string         `json:"label"`
	HighRisk       bool           `json:"high_risk"`
}

// Definition describes how a scale is scored. Bands are ascending and the
// last one covers the maximum score.
type Definition struct {
	Scale       Scale  `json:"scale"`
	Description string `json:"description"`
	Items       []Item `json:"items"`
	Bands       []Band `json:"bands"`
}

func span(lo, hi int) []int {
	out := make([]int, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		out = append(out, v)
	}
	return out
}

var definitions = map[Scale]Definition{
	ScaleMorse: {
		Scale:       ScaleMorse,
		Description: "Fall risk",
		Items: []Item{
			{"history_of_falling", []int{0, 25}},
			{"secondary_diagnosis", []int{0, 15}},
			{"ambulatory_aid", []int{0, 15, 30}},
			{"iv_therapy", []int{0, 20}},
			{"gait", []int{0, 10, 20}},
			{"mental_status", []int{0, 15}},
		},
		Bands: []Band{
			{24, MorseNoRisk, "Sem Risco", false},
			{50, MorseLowRisk, "Baixo Risco", false},
			{125, MorseHighRisk, "Alto Risco", true},
		},
	},
	ScaleBraden: {
		Scale:       ScaleBraden,
		Description: "Pressure injury risk",
		Items: []Item{
			{"sensory_perception", span(1, 4)},
			{"moisture", span(1, 4)},
			{"activity", span(1, 4)},
			{"mobility", span(1, 4)},
			{"nutrition", span(1, 4)},
			{"friction_shear", span(1, 3)},
		},
		Bands: []Band{
			{9, BradenVeryHighRisk, "Muito Alto Risco", true},
			{12, BradenHighRisk, "Alto Risco", false},
			{14, BradenModerateRisk, "Risco Moderado", false},
			{18, BradenLowRisk, "Baixo Risco", false},
			{23, BradenNoRisk, "Sem Risco", false},
		},
	},
	ScaleFugulin: {
		Scale:       ScaleFugulin,
		Description: "Patient classification by nursing workload",
		Items: []Item{
			{"mental_state", span(1, 4)},
			{"oxygenation", span(1, 4)},
			{"vital_signs", span(1, 4)},
			{"motility", span(1, 4)},
			{"ambulation", span(1, 4)},
			{"feeding", span(1, 4)},
			{"body_care", span(1, 4)},
			{"elimination", span(1, 4)},
			{"therapeutics", span(1, 5)},
		},
		Bands: []Band{
			{17, FugulinMinimal, "Cuidado Mínimo", false},
			{22, FugulinIntermediate, "Cuidado Intermediário", false},
			{27, FugulinHighDependency, "Cuidado de Alta Dependência", false},
			{32, FugulinSemiIntensive, "Cuidado Semi-Intensivo", false},
			{37, FugulinIntensive, "Cuidado Intensivo", true},
		},
	},
	ScaleGlasgow: {
		Scale:       ScaleGlasgow,
		Description: "Level of consciousness",
		Items: []Item{
			{"eye_opening", span(1, 4)},
			{"verbal_response", span(1, 5)},
			{"motor_response", span(1, 6)},
		},
		Bands: []Band{
			{8, GlasgowSevere, "Grave", true},
			{12, GlasgowModerate, "Moderado", false},
			{15, GlasgowMild, "Leve", false},
		},
	},
	ScaleEVA: {
		Scale:       ScaleEVA,
		Description: "Visual analogue pain scale",
		Items: []Item{
			{"pain_score", span(0, 10)},
		},
		Bands: []Band{
			{0, PainNone, "Sem dor", false},
			{3, PainMild, "Dor leve", false},
			{6, PainModerate, "Dor moderada", false},
			{9, PainSevere, "Dor intensa", true},
			{10, PainUnbearable, "Dor insuportável", true},
		},
	},
}

// Lookup returns the definition of scale.
func Lookup(scale Scale) (Definition, bool) {
	d, ok := definitions[scale]
	return d, ok
}

// Result is a scored assessment.
type Result struct {
	Score          int            `json:"score"`
	Classification Classification `json:"classification"`
	Label          string         `json:"label"`
	HighRisk       bool           `json:"high_risk"`
}

func allowed(values []int, v int) bool {
	for _, a := range values {
		if a == v {
			return true
		}
	}
	return false
}

// Evaluate validates items against the scale and scores them. Every item
// must be present with an accepted value and no other item may appear.
func Evaluate(scale Scale, items map[string]int) (Result, error) {
	def, ok := definitions[scale]
	if !ok {
		return Result{}, apperr.Validation("unknown scale %q", scale)
	}

	var missing, invalid []string
	score := 0
	for _, it := range def.Items {
		v, ok := items[it.Name]
		switch {
		case !ok:
			missing = append(missing, it.Name)
		case !allowed(it.Allowed, v):
			invalid = append(invalid, it.Name)
		default:
			score += v
		}
	}
	var unknown []string
	for name := range items {
		if !def.has(name) {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)

	switch {
	case len(missing) > 0:
		return Result{}, apperr.Validation("%s: missing items %s", scale, strings.Join(missing, ", "))
	case len(invalid) > 0:
		return Result{}, apperr.Validation("%s: values out of range for %s", scale, strings.Join(invalid, ", "))
	case len(unknown) > 0:
		return Result{}, apperr.Validation("%s: unknown items %s", scale, strings.Join(unknown, ", "))
	}

	b := def.classify(score)
	return Result{Score: score, Classification: b.Classification, Label: b.Label, HighRisk: b.HighRisk}, nil
}

func (d Definition) has(name string) bool {
	for _, it := range d.Items {
		if it.Name == name {
			return true
		}
	}
	return false
}

func (d Definition) classify(score int) Band {
	for _, b := range d.Bands {
		if score <= b.Max {
			return b
		}
	}
	return d.Bands[len(d.Bands)-1]
}
