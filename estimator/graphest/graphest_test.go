package graphest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	vlam "github.com/clydemcqueen/fiducial-vlam-sam"
	"github.com/clydemcqueen/fiducial-vlam-sam/geometry"
	"github.com/clydemcqueen/fiducial-vlam-sam/pnp"
	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
	"github.com/clydemcqueen/fiducial-vlam-sam/vmap"
)

func testCamera() geometry.Camera {
	return geometry.Camera{Fx: 600, Fy: 600, Cx: 320, Cy: 240}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()

	e, err := New(testCamera(), pnp.New(pnp.DefaultConfig()), DefaultConfig())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	return e
}

func observation(t *testing.T, id int, corners [geometry.MarkerCornerCount]geometry.Point2) vlam.Observation {
	t.Helper()

	o, err := vlam.NewObservation(id, corners[:])
	if err != nil {
		t.Fatalf("observation %d: %v", id, err)
	}

	return o
}

func observeMarker(t *testing.T, id int, markerToCamera pose.Transform, markerLength float64) vlam.Observation {
	t.Helper()

	cam := testCamera()
	var pixels [geometry.MarkerCornerCount]geometry.Point2
	for i, p := range geometry.MarkerCorners(markerLength) {
		px, ok := cam.Project(markerToCamera.Apply(p))
		if !ok {
			t.Fatalf("marker %d corner %d behind camera", id, i)
		}
		pixels[i] = px
	}

	return observation(t, id, pixels)
}

func TestCameraInMarkerFrame(t *testing.T) {
	assert := assert.New(t)

	cameraInMarker := pose.NewTransform(
		pose.RotationFromRPY(0.05, -0.1, 0.02),
		pose.Vec3{X: 0.1, Y: -0.05, Z: -1.5},
	)
	obs := observeMarker(t, 4, cameraInMarker.Inverse(), 0.2)

	got, err := testEngine(t).CameraInMarkerFrame(obs, 0.2)
	assert.NoError(err)
	assert.True(got.Valid())

	tr := got.Transform()
	assert.InDelta(cameraInMarker.T.X, tr.T.X, 1e-4)
	assert.InDelta(cameraInMarker.T.Y, tr.T.Y, 1e-4)
	assert.InDelta(cameraInMarker.T.Z, tr.T.Z, 1e-4)

	// a corner pixel noise of one pixel yields a small but nonzero marginal
	cov := got.Cov()
	for i := 0; i < pose.CovDim; i++ {
		assert.Greater(cov[i*pose.CovDim+i], 0.0)
	}
}

// failingSolver always errors, standing in for a degenerate solve.
type failingSolver struct{}

func (failingSolver) Solve(object []pose.Vec3, img []geometry.Point2, cam geometry.Camera) (pose.Vec3, pose.Vec3, error) {
	return pose.Vec3{}, pose.Vec3{}, fmt.Errorf("degenerate correspondences")
}

func (failingSolver) SolveRobust(object []pose.Vec3, img []geometry.Point2, cam geometry.Camera) (pose.Vec3, pose.Vec3, error) {
	return pose.Vec3{}, pose.Vec3{}, fmt.Errorf("degenerate correspondences")
}

func TestCameraFromMapSeedErrorPropagates(t *testing.T) {
	assert := assert.New(t)

	e, err := New(testCamera(), failingSolver{}, DefaultConfig())
	assert.NoError(err)

	m := vmap.New(vmap.StyleCovariance, 0.2)
	tr := pose.NewTransform(pose.Identity(), pose.Vec3{X: 1})
	assert.NoError(m.Add(vmap.NewFixedMarker(1, pose.FromTransform(tr))))

	var pixels [geometry.MarkerCornerCount]geometry.Point2
	got, err := e.CameraFromMap(vlam.ObservationSet{observation(t, 1, pixels)}, m)
	assert.Error(err)
	assert.False(got.Valid())
}

func TestCameraFromMapInvalidWithoutKnownMarkers(t *testing.T) {
	assert := assert.New(t)

	m := vmap.New(vmap.StyleCovariance, 0.2)
	var pixels [geometry.MarkerCornerCount]geometry.Point2

	got, err := testEngine(t).CameraFromMap(vlam.ObservationSet{observation(t, 1, pixels)}, m)
	assert.NoError(err)
	assert.False(got.Valid())
}

func TestCameraFromMapRefines(t *testing.T) {
	assert := assert.New(t)

	m := vmap.New(vmap.StyleCovariance, 0.2)
	for i, c := range []pose.Vec3{{}, {X: 0.8}, {Y: 0.8}} {
		tr := pose.NewTransform(pose.Identity(), c)
		assert.NoError(m.Add(vmap.NewFixedMarker(i, pose.FromTransform(tr))))
	}

	cameraInMap := pose.NewTransform(
		pose.RotationFromRPY(0.02, -0.03, 0.01),
		pose.Vec3{X: 0.4, Y: 0.4, Z: -2},
	)
	mapToCamera := cameraInMap.Inverse()

	var obs vlam.ObservationSet
	for _, id := range m.IDs() {
		markerToCamera := mapToCamera.Mul(m.Pose(id).Transform())
		obs = append(obs, observeMarker(t, id, markerToCamera, 0.2))
	}

	got, err := testEngine(t).CameraFromMap(obs, m)
	assert.NoError(err)
	assert.True(got.Valid())

	tr := got.Transform()
	assert.InDelta(cameraInMap.T.X, tr.T.X, 1e-4)
	assert.InDelta(cameraInMap.T.Y, tr.T.Y, 1e-4)
	assert.InDelta(cameraInMap.T.Z, tr.T.Z, 1e-4)
	assert.Greater(got.Cov()[0], 0.0)
}

func TestSolveJointNeedsTwoObservations(t *testing.T) {
	assert := assert.New(t)

	m := vmap.New(vmap.StyleCovariance, 0.2)
	var pixels [geometry.MarkerCornerCount]geometry.Point2

	_, err := testEngine(t).SolveJoint(vlam.ObservationSet{observation(t, 1, pixels)}, m)
	assert.Error(err)
}

func TestSolveJointLocatesUnknownMarker(t *testing.T) {
	assert := assert.New(t)

	m := vmap.New(vmap.StyleCovariance, 0.2)
	anchor := pose.NewTransform(pose.Identity(), pose.Vec3{})
	assert.NoError(m.Add(vmap.NewFixedMarker(0, pose.FromTransform(anchor))))

	unknown := pose.NewTransform(pose.Identity(), pose.Vec3{X: 0.6})

	cameraInMap := pose.NewTransform(pose.Identity(), pose.Vec3{X: 0.3, Z: -2})
	mapToCamera := cameraInMap.Inverse()

	obs := vlam.ObservationSet{
		observeMarker(t, 0, mapToCamera.Mul(anchor), 0.2),
		observeMarker(t, 1, mapToCamera.Mul(unknown), 0.2),
	}

	sol, err := testEngine(t).SolveJoint(obs, m)
	assert.NoError(err)
	assert.True(sol.Camera.Valid())

	assert.InDelta(cameraInMap.T.X, sol.Camera.Transform().T.X, 1e-3)
	assert.InDelta(cameraInMap.T.Z, sol.Camera.Transform().T.Z, 1e-3)

	// the anchor is pinned, the unknown marker is located next to it
	got, ok := sol.Markers[1]
	assert.True(ok)
	assert.True(got.Valid())
	assert.InDelta(unknown.T.X, got.Transform().T.X, 1e-3)
	assert.InDelta(unknown.T.Y, got.Transform().T.Y, 1e-3)
	assert.InDelta(unknown.T.Z, got.Transform().T.Z, 1e-3)
	assert.Greater(got.Cov()[0], 0.0)

	pinned, ok := sol.Markers[0]
	assert.True(ok)
	assert.Equal(pose.Covariance{}, pinned.Cov())
}

func TestPriorNoiseSelection(t *testing.T) {
	assert := assert.New(t)

	tr := pose.NewTransform(pose.Identity(), pose.Vec3{X: 1})

	var tracked pose.Covariance
	for i := 0; i < pose.CovDim; i++ {
		tracked[i*pose.CovDim+i] = 0.01
	}

	covMap := vmap.New(vmap.StyleCovariance, 0.2)
	assert.NoError(covMap.Add(vmap.NewFixedMarker(0, pose.New(tr, tracked))))
	assert.NoError(covMap.Add(vmap.NewMarker(1, pose.New(tr, tracked))))
	assert.NoError(covMap.Add(vmap.NewMarker(2, pose.FromTransform(tr))))

	poseMap := vmap.New(vmap.StylePose, 0.2)
	assert.NoError(poseMap.Add(vmap.NewMarker(3, pose.New(tr, tracked))))

	for _, test := range []struct {
		desc        string
		m           *vmap.Map
		id          int
		constrained bool
	}{
		{desc: "fixed marker", m: covMap, id: 0, constrained: true},
		{desc: "tracked covariance", m: covMap, id: 1, constrained: false},
		{desc: "zero leading variance", m: covMap, id: 2, constrained: true},
		{desc: "pose-only style", m: poseMap, id: 3, constrained: true},
	} {
		ref, ok := test.m.Lookup(test.id)
		assert.True(ok, test.desc)

		n := priorNoise(ref, test.m.Style())
		assert.Equal(test.constrained, n.Constrained(), test.desc)
	}
}
