package procedure

import (
	"time"

	"github.com/ehr/quickcare/internal/platform/apperr"
)

// RescheduleWindow is how far past the current time a slot may be moved.
const RescheduleWindow = 24 * time.Hour

// GenerateSlots returns count slots starting at first and spaced by
// interval minutes. Without an interval only first is returned.
func GenerateSlots(first time.Time, intervalMinutes *int, count int) []time.Time {
	if intervalMinutes == nil || *intervalMinutes <= 0 || count < 1 {
		count = 1
	}
	slots := make([]time.Time, count)
	slots[0] = first
	for i := 1; i < count; i++ {
		slots[i] = slots[i-1].Add(time.Duration(*intervalMinutes) * time.Minute)
	}
	return slots
}

// SameSeries reports whether two activities belong to one recurring series:
// same procedure, same non-nil interval and same series start.
func SameSeries(a, b *Activity) bool {
	if a.IntervalMinutes == nil || b.IntervalMinutes == nil {
		return false
	}
	return a.ProcedureID == b.ProcedureID &&
		*a.IntervalMinutes == *b.IntervalMinutes &&
		a.SeriesStart.Equal(b.SeriesStart)
}

// seriesExecuted reports whether any other member of a's series is EXECUTED.
func seriesExecuted(a *Activity, siblings []*Activity) bool {
	for _, s := range siblings {
		if s.ID == a.ID {
			continue
		}
		if s.Situacao == SituacaoExecuted && SameSeries(a, s) {
			return true
		}
	}
	return false
}

// Reschedule moves a's first slot to newTime and regenerates the rest of its
// schedule, keeping the slot count. siblings are the other activities of the
// same procedure. a is modified only when every rule passes.
func Reschedule(a *Activity, siblings []*Activity, newTime, now time.Time) error {
	if a.Situacao != SituacaoPending {
		return apperr.InvalidState("only pending activities can be rescheduled (situacao %s)", a.Situacao)
	}
	if a.InitialTimestamp != nil && newTime.Before(*a.InitialTimestamp) {
		return apperr.Ordering("new time %s is before the activity initial timestamp %s",
			newTime.Format(time.RFC3339), a.InitialTimestamp.Format(time.RFC3339))
	}
	if latest := latestPrior(a.PriorSchedules); latest != nil && newTime.Before(*latest) {
		return apperr.Ordering("new time %s is before a previous schedule %s",
			newTime.Format(time.RFC3339), latest.Format(time.RFC3339))
	}
	if limit := now.Add(RescheduleWindow); newTime.After(limit) {
		return apperr.Window("new time %s is more than 24h ahead (limit %s)",
			newTime.Format(time.RFC3339), limit.Format(time.RFC3339))
	}
	if seriesExecuted(a, siblings) {
		return apperr.SequenceLocked("a dose of this recurring series was already executed")
	}

	count := len(a.ScheduledTimes)
	prior := append([]time.Time(nil), a.PriorSchedules...)
	if count > 0 {
		prior = append(prior, a.ScheduledTimes[0])
	}
	a.PriorSchedules = prior
	a.ScheduledTimes = GenerateSlots(newTime, a.IntervalMinutes, count)
	return nil
}

func latestPrior(ts []time.Time) *time.Time {
	if len(ts) == 0 {
		return nil
	}
	max := ts[0]
	for _, t := range ts[1:] {
		if t.After(max) {
			max = t
		}
	}
	return &max
}

// continuation builds the pending activity that carries the remaining slots
// of a recurring series once its current member is executed. It returns nil
// when nothing remains.
func continuation(a *Activity, now time.Time) *Activity {
	if a.IntervalMinutes == nil || len(a.ScheduledTimes) < 2 {
		return nil
	}
	parent := a.ID
	next := &Activity{
		ProcedureID:    a.ProcedureID,
		Kind:           a.Kind,
		Description:    a.Description,
		MedicationID:   a.MedicationID,
		MedicationName: a.MedicationName,
		Dose:           a.Dose,
		Route:          a.Route,
		Dilution:       a.Dilution,
		Situacao:       SituacaoPending,
		ScheduledTimes: append([]time.Time(nil), a.ScheduledTimes[1:]...),
		PriorSchedules: []time.Time{},
		SeriesStart:    a.SeriesStart,
		ContinuesFrom:  &parent,
		Urgent:         a.Urgent,
		Alert:          a.Alert,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	interval := *a.IntervalMinutes
	next.IntervalMinutes = &interval
	return next
}
