package geo

import (
	"fmt"

	"github.com/friendmap/markerd/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// TrailLine builds the EPSG:3857 line a movement trail is drawn along.
func TrailLine(points ...core.LatLng) (geom.LineString, error) {
	if len(points) < 2 {
		return geom.LineString{}, fmt.Errorf("trail must have at least 2 points, got %d", len(points))
	}

	flat := make([]float64, 0, len(points)*2)
	for i, p := range points {
		if err := Validate(p); err != nil {
			return geom.LineString{}, fmt.Errorf("trail point %d: %w", i, err)
		}
		x, y := project(p)
		flat = append(flat, x, y)
	}

	seq := geom.NewSequence(flat, geom.DimXY)
	ls, err := geom.NewLineString(seq)
	if err != nil {
		return geom.LineString{}, fmt.Errorf("building trail: %w", err)
	}
	return ls, nil
}

// TrailWKT renders the trail from -> to as WKT, or "" if either end is invalid.
func TrailWKT(from, to core.LatLng) string {
	ls, err := TrailLine(from, to)
	if err != nil {
		return ""
	}
	return ls.AsText()
}
