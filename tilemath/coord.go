// Package tilemath implements the Web-Mercator tile/geodetic/cartesian
// transforms, quadkey encoding, and per-tile triangle patches that the
// rest of planetstream builds on.
package tilemath

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Coord addresses one Web-Mercator tile. It is the Go analog of the
// original geo_trig::TileCoord.
type Coord struct {
	X, Y uint64
	Z    uint8
}

func (c Coord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// side is the tile-grid width/height at z: 2^z.
func side(z uint8) uint64 {
	return uint64(1) << uint(z)
}

// Valid reports whether x,y are in range for z, per the spec invariant
// x,y < 2^z.
func (c Coord) Valid() bool {
	n := side(c.Z)
	return c.X < n && c.Y < n
}

// RootTiles returns the root tile set {(x,y,z0) : 0<=x,y<2^z0}.
func RootTiles(z0 uint8) []Coord {
	n := side(z0)
	out := make([]Coord, 0, n*n)
	for x := uint64(0); x < n; x++ {
		for y := uint64(0); y < n; y++ {
			out = append(out, Coord{X: x, Y: y, Z: z0})
		}
	}
	return out
}

// Children returns the four tiles {(2x+i,2y+j,z+1)} for i,j in {0,1}.
func (c Coord) Children() [4]Coord {
	return [4]Coord{
		{X: 2 * c.X, Y: 2 * c.Y, Z: c.Z + 1},
		{X: 2*c.X + 1, Y: 2 * c.Y, Z: c.Z + 1},
		{X: 2 * c.X, Y: 2*c.Y + 1, Z: c.Z + 1},
		{X: 2*c.X + 1, Y: 2*c.Y + 1, Z: c.Z + 1},
	}
}

// Parent returns the tile one zoom level up, or ok=false at z==0.
func (c Coord) Parent() (Coord, bool) {
	if c.Z == 0 {
		return Coord{}, false
	}
	return Coord{X: c.X / 2, Y: c.Y / 2, Z: c.Z - 1}, true
}

// AsMaptile returns the orb/maptile representation of c, for interop
// with orb's geometry and tile-cover helpers.
func (c Coord) AsMaptile() maptile.Tile {
	return maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z))
}

// BBox is the geodetic bounding box of a tile: west/east longitude,
// south/north latitude, all in degrees.
type BBox struct {
	West, South, East, North float64
}

// GeoBBox derives the standard Web-Mercator inverse bbox of c.
func (c Coord) GeoBBox() BBox {
	n := math.Exp2(float64(c.Z))
	lonAt := func(x uint64) float64 {
		return float64(x)/n*360.0 - 180.0
	}
	latAt := func(y uint64) float64 {
		return math.Atan(math.Sinh(math.Pi-float64(y)/n*2*math.Pi)) * 180.0 / math.Pi
	}
	return BBox{
		West:  lonAt(c.X),
		East:  lonAt(c.X + 1),
		North: latAt(c.Y),
		South: latAt(c.Y + 1),
	}
}

// Bound converts a BBox into an orb.Bound for interop with orb
// geometry helpers (tilecover, planar containment, geojson export).
func (b BBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.West, b.South},
		Max: orb.Point{b.East, b.North},
	}
}

// Center returns the geodetic center point of b.
func (b BBox) Center() orb.Point {
	return orb.Point{(b.West + b.East) / 2, (b.South + b.North) / 2}
}

// TileIndex maps a geodetic point to integer tile indices at zoom z,
// via the standard Web-Mercator forward formulas.
func TileIndex(z uint8, lon, lat float64) Coord {
	n := math.Exp2(float64(z))
	x := (lon + 180.0) / 360.0 * n
	latRad := lat * math.Pi / 180.0
	y := (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n

	xi := clampIndex(x, n)
	yi := clampIndex(y, n)
	return Coord{X: xi, Y: yi, Z: z}
}

func clampIndex(v, n float64) uint64 {
	if v < 0 {
		return 0
	}
	if v >= n {
		return uint64(n) - 1
	}
	return uint64(v)
}

// BingQuadkey encodes (x,y,z) as Bing Maps' base-4 digit string.
func BingQuadkey(c Coord) string {
	digits := make([]byte, c.Z)
	for i := range digits {
		bit := uint(int(c.Z) - 1 - i)
		d := ((c.X >> bit) & 1) | (((c.Y >> bit) & 1) << 1)
		digits[i] = '0' + byte(d)
	}
	return string(digits)
}

// QuadkeyToCoord decodes a Bing quadkey back into a Coord, the inverse
// of BingQuadkey, used by the quadkey round-trip property test.
func QuadkeyToCoord(q string) (Coord, error) {
	z := uint8(len(q))
	var x, y uint64
	for i := 0; i < len(q); i++ {
		bit := uint(len(q) - 1 - i)
		d := q[i] - '0'
		if d > 3 {
			return Coord{}, fmt.Errorf("tilemath: invalid quadkey digit %q", q[i])
		}
		x |= uint64(d&1) << bit
		y |= uint64((d>>1)&1) << bit
	}
	return Coord{X: x, Y: y, Z: z}, nil
}
