package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/friendmap/markerd/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// Feed coordinates are WGS84 (EPSG:4326) as "lat,lng".
// Geometry handed to renderers and the journal is Web Mercator (EPSG:3857),
// the projection slippy-map tiles use.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// earthRadius is the mean Earth radius in metres.
const earthRadius = 6371008.8

// ParseLatLng parses a string in the format "lat,lng" into a coordinate.
func ParseLatLng(coords string) (core.LatLng, error) {
	parts := strings.Split(coords, ",")
	if len(parts) != 2 {
		return core.LatLng{}, ErrInvalidCoordinates
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return core.LatLng{}, ErrInvalidCoordinates
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return core.LatLng{}, ErrInvalidCoordinates
	}
	p := core.LatLng{Lat: lat, Lng: lng}
	if err := Validate(p); err != nil {
		return core.LatLng{}, err
	}
	return p, nil
}

// Validate checks that p lies inside the WGS84 range.
func Validate(p core.LatLng) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return ErrInvalidCoordinates
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// ToWebMercator projects p into an EPSG:3857 point.
func ToWebMercator(p core.LatLng) (geom.Point, error) {
	if err := Validate(p); err != nil {
		return geom.Point{}, err
	}
	x, y := project(p)
	point, err := geom.NewPoint(
		geom.Coordinates{
			XY:   geom.XY{X: x, Y: y},
			Type: geom.DimXY,
		},
	)
	if err != nil {
		return geom.Point{}, fmt.Errorf("building point: %w", err)
	}
	return point, nil
}

// PointWKT renders p in EPSG:3857 as WKT, or "" if p is invalid.
func PointWKT(p core.LatLng) string {
	point, err := ToWebMercator(p)
	if err != nil {
		return ""
	}
	return point.AsText()
}

func project(p core.LatLng) (x, y float64) {
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ = f(p.Lng, p.Lat, 0)
	return x, y
}

// Distance returns the great-circle distance between a and b in metres.
func Distance(a, b core.LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}
