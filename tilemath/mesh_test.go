package tilemath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatchVertexNormalsAreUnitSphereNormals(t *testing.T) {
	c := Coord{X: 1, Y: 1, Z: 2}
	radius := 6.4e6
	patch := c.Patch(radius)
	center := patch.Center

	for _, tri := range patch.Tris {
		for i, v := range tri.Verts {
			world := v.Add(center)
			expected := world.Normalize()
			n := tri.Norms[i]
			assert.InDelta(t, expected.X, n.X, 1e-9)
			assert.InDelta(t, expected.Y, n.Y, 1e-9)
			assert.InDelta(t, expected.Z, n.Z, 1e-9)
			assert.InDelta(t, 1.0, n.Length(), 1e-9)
		}
	}
}

func TestPatchDiagonalIsMaxCornerDistance(t *testing.T) {
	c := Coord{X: 0, Y: 0, Z: 0}
	patch := c.Patch(1.0)
	assert.Greater(t, patch.Diagonal, 0.0)

	b := c.GeoBBox()
	nw := GPSToUnitSphere(b.West, b.North)
	ne := GPSToUnitSphere(b.East, b.North)
	sw := GPSToUnitSphere(b.West, b.South)
	se := GPSToUnitSphere(b.East, b.South)
	want := math.Max(nw.Sub(se).Length(), ne.Sub(sw).Length())
	assert.InDelta(t, want, patch.Diagonal, 1e-9)
}

func TestGPSToUnitSphereIsUnitLength(t *testing.T) {
	for _, pt := range [][2]float64{{0, 0}, {90, 45}, {-120, -60}} {
		v := GPSToUnitSphere(pt[0], pt[1])
		assert.InDelta(t, 1.0, v.Length(), 1e-9)
	}
}
