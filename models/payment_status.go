package models

type PaymentStatus string

const (
	PaymentUnset      PaymentStatus = "Unset"
	PaymentPending    PaymentStatus = "Pending"
	PaymentProcessing PaymentStatus = "Processing"
	PaymentCompleted  PaymentStatus = "Completed"
	PaymentFailed     PaymentStatus = "Failed"
)

// transitions lists, for every target status, the statuses it may be
// entered from. Completed appears as a source nowhere.
var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentUnset},
	PaymentProcessing: {PaymentUnset, PaymentPending, PaymentProcessing, PaymentFailed},
	PaymentCompleted:  {PaymentProcessing},
	PaymentFailed:     {PaymentProcessing},
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentUnset, PaymentPending, PaymentProcessing, PaymentCompleted, PaymentFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no automatic transition leaves s.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

func CanTransition(from, to PaymentStatus) bool {
	for _, src := range transitions[to] {
		if src == from {
			return true
		}
	}
	return false
}

// SourcesFor returns the statuses from which `to` may be entered. Stores use
// it as the guard of their conditional updates.
func SourcesFor(to PaymentStatus) []PaymentStatus {
	src := transitions[to]
	out := make([]PaymentStatus, len(src))
	copy(out, src)
	return out
}

// SourceStrings is SourcesFor as plain strings, for query builders.
func SourceStrings(to PaymentStatus) []string {
	src := transitions[to]
	out := make([]string, len(src))
	for i, s := range src {
		out[i] = string(s)
	}
	return out
}
