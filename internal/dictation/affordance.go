package dictation

// AffordanceState is what the toggle control shows.
type AffordanceState string

const (
	AffordanceUnavailable AffordanceState = "unavailable"
	AffordanceIdle        AffordanceState = "idle"
	AffordanceActive      AffordanceState = "active"
)

// Affordance describes the toggle control.
type Affordance struct {
	State   AffordanceState `json:"state"`
	Enabled bool            `json:"enabled"`
	Label   string          `json:"label"`
}

// Affordance reports the current toggle presentation.
func (c *Coordinator) Affordance() Affordance {
	switch {
	case c.state == StateUnsupported:
		return Affordance{
			State: AffordanceUnavailable,
			Label: "Speech recognition is not supported in this environment",
		}
	case c.closed:
		return Affordance{State: AffordanceUnavailable, Label: "Dictation closed"}
	case c.dictating:
		return Affordance{State: AffordanceActive, Enabled: true, Label: "Listening... click to stop"}
	default:
		return Affordance{State: AffordanceIdle, Enabled: true, Label: "Start dictation"}
	}
}
