// Package geometry provides the side-effect-free helpers shared by the pose
// estimation engines: marker corner models and the pinhole camera with
// Brown-Conrady distortion.
package geometry

import (
	"fmt"

	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
)

// Point2 is a 2D image point in pixels.
type Point2 struct {
	X, Y float64
}

// MarkerCornerCount is the number of corners on a square fiducial marker.
const MarkerCornerCount = 4

// MarkerCorners returns the corner locations of a square marker of side
// length l in the marker's own frame. The marker lies in its XY plane,
// corners ordered to match detector output: top-left, top-right,
// bottom-right, bottom-left.
func MarkerCorners(l float64) [MarkerCornerCount]pose.Vec3 {
	h := l / 2

	return [MarkerCornerCount]pose.Vec3{
		{X: -h, Y: h, Z: 0},
		{X: h, Y: h, Z: 0},
		{X: h, Y: -h, Z: 0},
		{X: -h, Y: -h, Z: 0},
	}
}

// MarkerCornersInFrame returns the marker corners transformed by t, i.e. the
// corner locations in the frame t maps marker coordinates into.
func MarkerCornersInFrame(t pose.Transform, l float64) [MarkerCornerCount]pose.Vec3 {
	corners := MarkerCorners(l)
	for i := range corners {
		corners[i] = t.Apply(corners[i])
	}

	return corners
}

// Camera holds pinhole intrinsics and Brown-Conrady distortion coefficients.
// It is an immutable value: estimators copy it in and never share it.
type Camera struct {
	// Fx, Fy are focal lengths in pixels
	Fx, Fy float64
	// Cx, Cy is the principal point in pixels
	Cx, Cy float64
	// K1, K2, K3 are radial distortion coefficients
	K1, K2, K3 float64
	// P1, P2 are tangential distortion coefficients
	P1, P2 float64
}

// Validate returns error if the intrinsics cannot form a projection.
func (c Camera) Validate() error {
	if c.Fx <= 0 || c.Fy <= 0 {
		return fmt.Errorf("invalid focal lengths: [%v, %v]", c.Fx, c.Fy)
	}

	return nil
}

// Distort applies the Brown-Conrady model to normalized coordinates.
func (c Camera) Distort(x, y float64) (xd, yd float64) {
	r2 := x*x + y*y
	radial := 1 + c.K1*r2 + c.K2*r2*r2 + c.K3*r2*r2*r2
	xd = x*radial + 2*c.P1*x*y + c.P2*(r2+2*x*x)
	yd = y*radial + 2*c.P2*x*y + c.P1*(r2+2*y*y)

	return xd, yd
}

// Project projects point p, expressed in the camera frame, to pixel
// coordinates. It reports false if p is on or behind the image plane.
func (c Camera) Project(p pose.Vec3) (Point2, bool) {
	if p.Z <= 1e-9 {
		return Point2{}, false
	}

	xd, yd := c.Distort(p.X/p.Z, p.Y/p.Z)

	return Point2{
		X: c.Fx*xd + c.Cx,
		Y: c.Fy*yd + c.Cy,
	}, true
}

// Undistort maps pixel pt to ideal normalized image coordinates, inverting
// the distortion model with a Newton iteration.
func (c Camera) Undistort(pt Point2) (x, y float64) {
	xd := (pt.X - c.Cx) / c.Fx
	yd := (pt.Y - c.Cy) / c.Fy

	x, y = xd, yd
	const maxIterations = 20
	const tolerance = 1e-12

	for i := 0; i < maxIterations; i++ {
		xe, ye := c.Distort(x, y)
		ex, ey := xe-xd, ye-yd
		if ex*ex+ey*ey < tolerance*tolerance {
			break
		}

		// numeric 2x2 Jacobian of the forward distortion
		const h = 1e-7
		xpx, ypx := c.Distort(x+h, y)
		xpy, ypy := c.Distort(x, y+h)
		j00, j10 := (xpx-xe)/h, (ypx-ye)/h
		j01, j11 := (xpy-xe)/h, (ypy-ye)/h

		det := j00*j11 - j01*j10
		if det == 0 {
			break
		}
		x -= (j11*ex - j01*ey) / det
		y -= (-j10*ex + j00*ey) / det
	}

	return x, y
}
