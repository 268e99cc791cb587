package approvals

// Status is the lifecycle state of an approval request. Pending is the only
// non-terminal state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusAllowed Status = "ALLOWED"
	StatusDenied  Status = "DENIED"
	StatusExpired Status = "EXPIRED"
)

func IsTerminal(s Status) bool {
	switch s {
	case StatusAllowed, StatusDenied, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition permits only Pending -> terminal moves. Terminal states are
// frozen; a second decision must never rewrite history.
func CanTransition(from, to Status) bool {
	return from == StatusPending && IsTerminal(to)
}

// DecisionKind is what a resolver chose for a pending request.
type DecisionKind string

const (
	DecideAllowOnce   DecisionKind = "allow-once"
	DecideAllowAlways DecisionKind = "allow-always"
	DecideDeny        DecisionKind = "deny"
)

func (k DecisionKind) Valid() bool {
	switch k {
	case DecideAllowOnce, DecideAllowAlways, DecideDeny:
		return true
	default:
		return false
	}
}

// status maps a decision to the terminal state it produces.
func (k DecisionKind) status() Status {
	if k == DecideDeny {
		return StatusDenied
	}
	return StatusAllowed
}

// Decision records who resolved a request and how.
type Decision struct {
	Kind      DecisionKind `json:"kind"`
	ActorID   string       `json:"actor_id"`
	DecidedAt int64        `json:"decided_at_ms"`
}
