package rendezvous

// Key identifies one pending rendezvous: the run being executed plus the
// node inside it that is waiting. Keys must be unique while an entry is
// live; Register rejects duplicates.
type Key struct {
	RunID  string
	NodeID string
}

func (k Key) String() string {
	return k.RunID + "/" + k.NodeID
}

// Action is the decision-maker's verdict for a paused node.
type Action string

const (
	// ActionContinue applies the submitted crop rectangle.
	ActionContinue Action = "continue"
	// ActionCancel aborts the entire run.
	ActionCancel Action = "cancel"
	// ActionPassthrough resumes with the original image untouched.
	ActionPassthrough Action = "passthrough"
)

// ParseAction maps a raw action string to a known Action. Unrecognized
// values report ok=false and must be treated as an invalid decision, never
// as a silent passthrough.
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionContinue, ActionCancel, ActionPassthrough:
		return Action(s), true
	}
	return Action(s), false
}

// Decision is the payload handed from the submitter to the waiter. The
// coordinate pairs are raw as sent: sign and ordering are not guaranteed,
// normalization happens in the geometry resolver.
type Decision struct {
	Action Action `json:"action"`
	X0     int    `json:"x0"`
	Y0     int    `json:"y0"`
	X1     int    `json:"x1"`
	Y1     int    `json:"y1"`
}
