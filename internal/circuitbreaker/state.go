package circuitbreaker

type State int

const (
	// StateClosed - normal operation, calls reach the store
	StateClosed State = iota

	// StateOpen - store considered down, calls fail immediately
	StateOpen

	// StateHalfOpen - trial calls decide whether the store recovered
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
