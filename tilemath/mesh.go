package tilemath

import "math"

// Vec3 is a minimal cartesian vector, kept local instead of pulling in
// a full linear-algebra package: the patch math below, the quadtree's
// coverage test and the camera setup in cmd/planetstreamd need no more
// than add/sub/scale/normalize/length/dot.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}
func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}
func (v Vec3) Normalize() Vec3 {
	l := v.Length()
	if l == 0 {
		return v
	}
	return v.Scale(1 / l)
}
func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Vec2 is a UV coordinate.
type Vec2 struct{ U, V float64 }

// GPSToUnitSphere maps a geodetic point to a point on the unit sphere:
// (-cos(phi)*cos(lambda), sin(phi), cos(phi)*sin(lambda)).
func GPSToUnitSphere(lonDeg, latDeg float64) Vec3 {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	return Vec3{
		X: -(math.Cos(lat) * math.Cos(lon)),
		Y: math.Sin(lat),
		Z: math.Cos(lat) * math.Sin(lon),
	}
}

// Triangle is one triangle of a tile patch: three local (centroid
// relative) vertex positions, their UVs, and point-on-sphere normals.
type Triangle struct {
	Verts [3]Vec3
	UVs   [3]Vec2
	Norms [3]Vec3
}

func newTriangle(verts [3]Vec3, uvs [3]Vec2, center Vec3) Triangle {
	return Triangle{
		Verts: [3]Vec3{verts[0].Sub(center), verts[1].Sub(center), verts[2].Sub(center)},
		UVs:   uvs,
		Norms: [3]Vec3{verts[0].Normalize(), verts[1].Normalize(), verts[2].Normalize()},
	}
}

// Patch is the renderable mesh for one tile: two triangles over the
// four bbox corners lifted to the sphere, in centroid-local
// coordinates to preserve float precision at planetary radii.
type Patch struct {
	Tris     [2]Triangle
	Center   Vec3
	Diagonal float64
}

// ToPatch lifts b's four corners onto a sphere of the given radius and
// builds the two-triangle patch plus its diagonal (the max of the two
// corner-to-corner distances).
func (b BBox) ToPatch(radius float64) Patch {
	// 1 2
	// 3 4 ; triangles 1-3-2 and 2-3-4
	p1 := GPSToUnitSphere(b.West, b.North).Scale(radius)
	p2 := GPSToUnitSphere(b.East, b.North).Scale(radius)
	p3 := GPSToUnitSphere(b.West, b.South).Scale(radius)
	p4 := GPSToUnitSphere(b.East, b.South).Scale(radius)

	center := p1.Add(p2).Add(p3).Add(p4).Scale(0.25)

	uv1, uv2, uv3, uv4 := Vec2{0, 0}, Vec2{1, 0}, Vec2{0, 1}, Vec2{1, 1}

	d13 := p1.Sub(p4).Length()
	d24 := p2.Sub(p3).Length()
	diag := d13
	if d24 > diag {
		diag = d24
	}

	return Patch{
		Tris: [2]Triangle{
			newTriangle([3]Vec3{p1, p3, p2}, [3]Vec2{uv1, uv3, uv2}, center),
			newTriangle([3]Vec3{p2, p3, p4}, [3]Vec2{uv2, uv3, uv4}, center),
		},
		Center:   center,
		Diagonal: diag,
	}
}

// Patch builds the triangle patch for a tile coordinate at the given
// sphere radius.
func (c Coord) Patch(radius float64) Patch {
	return c.GeoBBox().ToPatch(radius)
}
