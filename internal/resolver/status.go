package resolver

// Status is the outcome of a visibility-gated lookup.
type Status int

const (
	// Unknown is the initial state and also what a failed lookup settles to.
	Unknown Status = iota
	// Positive means the remote returned at least one record (e.g. blocked).
	Positive
	// Negative means the remote returned an explicit empty result.
	Negative
)

func (s Status) String() string {
	switch s {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	default:
		return "unknown"
	}
}

// Label is the user-facing text shown next to a resolved row.
func (s Status) Label() string {
	switch s {
	case Positive:
		return "Bloqueado"
	case Negative:
		return "Normal"
	default:
		return "Desconhecido"
	}
}
