package procedure

// Lifecycle events, also used as metric labels.
const (
	eventClaim    = "claim"
	eventRelease  = "release"
	eventFinalize = "finalize"
	eventCancel   = "cancel"
)

var procedureTransitions = map[Status]map[string]Status{
	StatusAwaiting: {
		eventClaim:    StatusInProgress,
		eventFinalize: StatusFinished,
		eventCancel:   StatusCancelled,
	},
	StatusInProgress: {
		eventRelease:  StatusAwaiting,
		eventFinalize: StatusFinished,
		eventCancel:   StatusCancelled,
	},
}

// nextStatus returns the status reached from s by event, if allowed.
func nextStatus(s Status, event string) (Status, bool) {
	to, ok := procedureTransitions[s][event]
	return to, ok
}

var activityTransitions = map[Situacao]map[Situacao]bool{
	SituacaoPending: {
		SituacaoInProgress: true,
		SituacaoExecuted:   true,
		SituacaoCancelled:  true,
	},
	SituacaoInProgress: {
		SituacaoExecuted: true,
	},
}

// CanTransition reports whether an activity may move from one situacao to
// another.
func CanTransition(from, to Situacao) bool {
	return activityTransitions[from][to]
}

func validStatus(s Status) bool {
	switch s {
	case StatusAwaiting, StatusInProgress, StatusFinished, StatusCancelled:
		return true
	}
	return false
}

func validSituacao(s Situacao) bool {
	switch s {
	case SituacaoPending, SituacaoInProgress, SituacaoExecuted, SituacaoCancelled:
		return true
	}
	return false
}

func validKind(k ActivityKind) bool {
	switch k {
	case KindMedication, KindVaccine, KindProcedure:
		return true
	}
	return false
}

func validOutcome(t OutcomeType) bool {
	switch t {
	case OutcomeReleasePatient, OutcomeObservation, OutcomeInternalReferral, OutcomeReassessment:
		return true
	}
	return false
}
