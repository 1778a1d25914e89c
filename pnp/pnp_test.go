package pnp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clydemcqueen/fiducial-vlam-sam/geometry"
	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
)

func testCamera() geometry.Camera {
	return geometry.Camera{Fx: 600, Fy: 600, Cx: 320, Cy: 240}
}

// project synthesizes pixel observations of object under the model-to-camera
// transform tr.
func project(t *testing.T, tr pose.Transform, object []pose.Vec3, cam geometry.Camera) []geometry.Point2 {
	t.Helper()

	img := make([]geometry.Point2, len(object))
	for i, p := range object {
		px, ok := cam.Project(tr.Apply(p))
		if !ok {
			t.Fatalf("synthetic point %d behind camera", i)
		}
		img[i] = px
	}

	return img
}

func assertPoseRecovered(t *testing.T, want pose.Transform, rvec, tvec pose.Vec3, object []pose.Vec3, tol float64) {
	t.Helper()

	got := pose.NewTransform(pose.RotationFromVector(rvec), tvec)
	for _, p := range object {
		a, b := want.Apply(p), got.Apply(p)
		assert.InDelta(t, a.X, b.X, tol)
		assert.InDelta(t, a.Y, b.Y, tol)
		assert.InDelta(t, a.Z, b.Z, tol)
	}
}

// grid builds a spread of coplanar marker corner sets in a common frame.
func grid(markerLength float64, centers []pose.Vec3) []pose.Vec3 {
	var pts []pose.Vec3
	for _, c := range centers {
		for _, p := range geometry.MarkerCorners(markerLength) {
			pts = append(pts, p.Add(c))
		}
	}

	return pts
}

func TestSolveSingleMarker(t *testing.T) {
	assert := assert.New(t)

	cam := testCamera()
	corners := geometry.MarkerCorners(0.2)
	object := corners[:]

	tr := pose.NewTransform(
		pose.RotationFromRPY(0.2, -0.3, 0.1),
		pose.Vec3{X: 0.1, Y: -0.05, Z: 1.5},
	)
	img := project(t, tr, object, cam)

	s := New(DefaultConfig())
	rvec, tvec, err := s.Solve(object, img, cam)
	assert.NoError(err)

	assertPoseRecovered(t, tr, rvec, tvec, object, 1e-6)
}

func TestSolveMultiMarkerPlanar(t *testing.T) {
	assert := assert.New(t)

	cam := testCamera()
	object := grid(0.2, []pose.Vec3{{}, {X: 1}, {X: 0.5, Y: 0.8}})

	tr := pose.NewTransform(
		pose.RotationFromRPY(-0.1, 0.25, 0.4),
		pose.Vec3{X: -0.2, Y: 0.1, Z: 2.5},
	)
	img := project(t, tr, object, cam)

	s := New(DefaultConfig())
	rvec, tvec, err := s.Solve(object, img, cam)
	assert.NoError(err)

	assertPoseRecovered(t, tr, rvec, tvec, object, 1e-6)
}

func TestSolveNonPlanar(t *testing.T) {
	assert := assert.New(t)

	cam := testCamera()
	object := []pose.Vec3{
		{X: -0.3, Y: 0.3, Z: 0},
		{X: 0.3, Y: 0.3, Z: 0.1},
		{X: 0.3, Y: -0.3, Z: -0.15},
		{X: -0.3, Y: -0.3, Z: 0.2},
		{X: 0, Y: 0, Z: 0.35},
		{X: 0.15, Y: 0.1, Z: -0.25},
		{X: -0.2, Y: -0.1, Z: 0.12},
	}

	tr := pose.NewTransform(
		pose.RotationFromRPY(0.15, -0.1, 0.3),
		pose.Vec3{X: 0.1, Y: 0.05, Z: 2.0},
	)
	img := project(t, tr, object, cam)

	s := New(DefaultConfig())
	rvec, tvec, err := s.Solve(object, img, cam)
	assert.NoError(err)

	assertPoseRecovered(t, tr, rvec, tvec, object, 1e-6)
}

func TestSolveWithDistortion(t *testing.T) {
	assert := assert.New(t)

	cam := testCamera()
	cam.K1 = -0.1
	cam.K2 = 0.02
	cam.P1 = 0.001
	cam.P2 = -0.001

	object := grid(0.2, []pose.Vec3{{}, {X: 0.8, Y: 0.3}})
	tr := pose.NewTransform(
		pose.RotationFromRPY(0.1, 0.1, -0.2),
		pose.Vec3{Z: 2.0},
	)
	img := project(t, tr, object, cam)

	s := New(DefaultConfig())
	rvec, tvec, err := s.Solve(object, img, cam)
	assert.NoError(err)

	assertPoseRecovered(t, tr, rvec, tvec, object, 1e-5)
}

func TestSolveErrors(t *testing.T) {
	assert := assert.New(t)

	cam := testCamera()
	s := New(DefaultConfig())
	corners := geometry.MarkerCorners(0.2)

	_, _, err := s.Solve(corners[:3], make([]geometry.Point2, 3), cam)
	assert.Error(err)

	_, _, err = s.Solve(corners[:], make([]geometry.Point2, 3), cam)
	assert.Error(err)

	_, _, err = s.Solve(corners[:], make([]geometry.Point2, 4), geometry.Camera{})
	assert.Error(err)
}

func TestSolveRobustOutliers(t *testing.T) {
	assert := assert.New(t)

	cam := testCamera()
	object := grid(0.2, []pose.Vec3{{}, {X: 1.2}, {X: 0.6, Y: 1.0}})

	tr := pose.NewTransform(
		pose.RotationFromRPY(0.1, -0.2, 0.3),
		pose.Vec3{X: 0.1, Y: 0, Z: 2.2},
	)
	img := project(t, tr, object, cam)

	// corrupt two observations well past the inlier threshold
	img[2].X += 150
	img[7].Y -= 200

	cfg := DefaultConfig()
	cfg.Seed = 42
	s := New(cfg)

	rvec, tvec, err := s.SolveRobust(object, img, cam)
	assert.NoError(err)

	inliers := append(append([]pose.Vec3{}, object[:2]...), object[3:7]...)
	inliers = append(inliers, object[8:]...)
	assertPoseRecovered(t, tr, rvec, tvec, inliers, 1e-6)
}

func TestSolveRobustNonCoplanarMarkers(t *testing.T) {
	assert := assert.New(t)

	cam := testCamera()

	// three markers at generic orientations: no subset spanning two
	// markers is coplanar, so hypotheses go through the spatial DLT
	var object []pose.Vec3
	for _, tr := range []pose.Transform{
		pose.NewTransform(pose.RotationFromRPY(0.3, -0.2, 0.1), pose.Vec3{}),
		pose.NewTransform(pose.RotationFromRPY(-0.4, 0.5, 0.2), pose.Vec3{X: 1, Z: 0.3}),
		pose.NewTransform(pose.RotationFromRPY(0.2, 0.3, -0.5), pose.Vec3{X: 0.5, Y: 0.9, Z: -0.2}),
	} {
		corners := geometry.MarkerCornersInFrame(tr, 0.2)
		object = append(object, corners[:]...)
	}

	tr := pose.NewTransform(
		pose.RotationFromRPY(0.1, -0.15, 0.25),
		pose.Vec3{X: 0.3, Y: -0.1, Z: 2.5},
	)
	img := project(t, tr, object, cam)

	// clean input must solve regardless of the sampler's seed
	for seed := uint64(1); seed <= 10; seed++ {
		cfg := DefaultConfig()
		cfg.Seed = seed
		s := New(cfg)

		rvec, tvec, err := s.SolveRobust(object, img, cam)
		assert.NoError(err, "seed %d", seed)

		assertPoseRecovered(t, tr, rvec, tvec, object, 1e-6)
	}
}

func TestSolveRobustMinimalDelegates(t *testing.T) {
	assert := assert.New(t)

	cam := testCamera()
	corners := geometry.MarkerCorners(0.2)
	object := corners[:]

	tr := pose.NewTransform(pose.Identity(), pose.Vec3{Z: 1.0})
	img := project(t, tr, object, cam)

	cfg := DefaultConfig()
	cfg.Seed = 7
	s := New(cfg)

	rvec, tvec, err := s.SolveRobust(object, img, cam)
	assert.NoError(err)

	assertPoseRecovered(t, tr, rvec, tvec, object, 1e-6)
}
