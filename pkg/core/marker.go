// pkg/core/marker.go
package core

import "time"

// Phase is the lifecycle stage of a marker's animation.
type Phase uint8

const (
	Hidden Phase = iota
	Appearing
	Moving
	Steady
	Disappearing
)

var phaseNames = [...]string{
	Hidden:       "hidden",
	Appearing:    "appearing",
	Moving:       "moving",
	Steady:       "steady",
	Disappearing: "disappearing",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Visible reports whether a marker in this phase is drawn.
func (p Phase) Visible() bool {
	return p != Hidden
}

// Transitioning reports whether the phase is mid-animation.
func (p Phase) Transitioning() bool {
	return p == Appearing || p == Moving || p == Disappearing
}

// Signal is a one-shot instruction for the renderer.
type Signal uint8

const (
	SignalAppear Signal = iota + 1
	SignalMove
	SignalTrail
	SignalDisappear
)

func (s Signal) String() string {
	switch s {
	case SignalAppear:
		return "appear"
	case SignalMove:
		return "move"
	case SignalDisappear:
		return "disappear"
	case SignalTrail:
		return "trail"
	default:
		return "unknown"
	}
}

// MarkerState is a snapshot of one friend's marker.
type MarkerState struct {
	ID                           string
	IsVisible                    bool
	Phase                        Phase
	Position                     LatLng
	PreviousPosition             *LatLng
	IsMoving                     bool
	IsFocused                    bool
	ShouldHighlight              bool
	ShouldPulse                  bool
	ShouldShowAppearAnimation    bool
	ShouldShowDisappearAnimation bool
	ShouldShowMovementTrail      bool
	UpdatedAt                    time.Time
}

// Transition records one applied phase change.
type Transition struct {
	SessionID string
	FriendID  string
	From      Phase
	To        Phase
	Cause     string
	Position  LatLng
	Previous  *LatLng
	At        time.Time
}

// Transition causes.
const (
	CauseAdd    = "add"
	CauseMove   = "move"
	CauseRemove = "remove"
	CauseStatus = "status"
	CauseAck    = "ack"
	CauseReset  = "reset"
)
