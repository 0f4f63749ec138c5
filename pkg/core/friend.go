// pkg/core/friend.go
package core

import (
	"fmt"
	"time"
)

// LatLng is a WGS84 coordinate in decimal degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p LatLng) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// Friend is the subject of one map marker.
type Friend struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Position    LatLng `json:"position"`
	Online      bool   `json:"online"`
}

// UpdateKind tags what a feed event means for the marker.
//
// String-typed so it travels unchanged over the wire.
type UpdateKind string

const (
	InitialLoad     UpdateKind = "initial_load"
	Appeared        UpdateKind = "appeared"
	PositionChanged UpdateKind = "position_changed"
	StatusChanged   UpdateKind = "status_changed"
	Disappeared     UpdateKind = "disappeared"
)

// UpdateKinds returns every known update kind.
func UpdateKinds() []UpdateKind {
	return []UpdateKind{InitialLoad, Appeared, PositionChanged, StatusChanged, Disappeared}
}

// Valid reports whether k is one of the known update kinds.
func (k UpdateKind) Valid() bool {
	switch k {
	case InitialLoad, Appeared, PositionChanged, StatusChanged, Disappeared:
		return true
	}
	return false
}

// LocationUpdate is a single event from the friend-sync feed.
type LocationUpdate struct {
	FriendID    string     `json:"friendId"`
	DisplayName string     `json:"displayName,omitempty"`
	Previous    *LatLng    `json:"previous,omitempty"`
	Position    LatLng     `json:"position"`
	Online      bool       `json:"online"`
	Kind        UpdateKind `json:"kind"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Friend returns the friend described by the update.
func (u LocationUpdate) Friend() Friend {
	return Friend{
		ID:          u.FriendID,
		DisplayName: u.DisplayName,
		Position:    u.Position,
		Online:      u.Online,
	}
}
