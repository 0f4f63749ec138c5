package gormstore

import (
	"encoding/json"
	"time"

	"github.com/friendmap/markerd/internal/geo"
	"github.com/friendmap/markerd/pkg/core"
	"gorm.io/datatypes"
)

// TransitionRecord is one journal row.
type TransitionRecord struct {
	ID        uint      `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"autoCreateTime"`

	SessionID string `gorm:"size:64;index"`
	FriendID  string `gorm:"size:128;index:idx_friend_at,priority:1"`
	FromPhase string `gorm:"size:16"`
	ToPhase   string `gorm:"size:16"`
	Cause     string `gorm:"size:16;index"`

	Lat     float64
	Lng     float64
	PrevLat *float64
	PrevLng *float64

	// TrailWKT is the EPSG:3857 movement line for move transitions.
	TrailWKT string
	Detail   datatypes.JSON

	At time.Time `gorm:"index:idx_friend_at,priority:2"`
}

// TableName sets the table name.
func (TransitionRecord) TableName() string {
	return "marker_transitions"
}

type detail struct {
	DistanceMetres float64 `json:"distanceMetres,omitempty"`
	Settled        bool    `json:"settled,omitempty"`
	Visible        bool    `json:"visible"`
}

// NewRecord converts a transition to a row.
func NewRecord(t core.Transition) TransitionRecord {
	rec := TransitionRecord{
		SessionID: t.SessionID,
		FriendID:  t.FriendID,
		FromPhase: t.From.String(),
		ToPhase:   t.To.String(),
		Cause:     t.Cause,
		Lat:       t.Position.Lat,
		Lng:       t.Position.Lng,
		At:        t.At,
	}

	d := detail{
		Settled: t.To == core.Steady,
		Visible: t.To.Visible(),
	}
	if t.Previous != nil {
		lat, lng := t.Previous.Lat, t.Previous.Lng
		rec.PrevLat = &lat
		rec.PrevLng = &lng
		if t.Cause == core.CauseMove {
			rec.TrailWKT = geo.TrailWKT(*t.Previous, t.Position)
			d.DistanceMetres = geo.Distance(*t.Previous, t.Position)
		}
	}
	if raw, err := json.Marshal(d); err == nil {
		rec.Detail = datatypes.JSON(raw)
	}
	return rec
}
