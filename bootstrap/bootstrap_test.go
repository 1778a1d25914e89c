package bootstrap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	vlam "github.com/clydemcqueen/fiducial-vlam-sam"
	"github.com/clydemcqueen/fiducial-vlam-sam/geometry"
	"github.com/clydemcqueen/fiducial-vlam-sam/mapio"
	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
	"github.com/clydemcqueen/fiducial-vlam-sam/vmap"
)

func quietLog(t *testing.T) {
	t.Helper()

	old := Logf
	Logf = t.Logf
	t.Cleanup(func() { Logf = old })
}

func testConfig() Config {
	return Config{
		InitID:       6,
		InitPose:     pose.NewTransform(pose.RotationFromRPY(0, 0, 0.5), pose.Vec3{X: 1, Y: 2}),
		MarkerLength: 0.2,
		MapStyle:     vmap.StyleCovariance,
	}
}

func TestInitializeLoadsExistingMap(t *testing.T) {
	assert := assert.New(t)
	quietLog(t)

	path := filepath.Join(t.TempDir(), "map.yaml")
	saved := vmap.New(vmap.StyleCovariance, 0.2)
	tr := pose.NewTransform(pose.Identity(), pose.Vec3{X: 3})
	assert.NoError(saved.Add(vmap.NewFixedMarker(6, pose.FromTransform(tr))))
	assert.NoError(saved.Add(vmap.NewMarker(7, pose.FromTransform(tr))))
	assert.NoError(mapio.SaveFile(path, saved))

	cfg := testConfig()
	cfg.LoadFilename = path
	cfg.UseExistingMap = true

	m, err := Initialize(cfg)
	assert.NoError(err)
	assert.NotNil(m)
	assert.Equal(2, m.Len())
}

func TestInitializeLoadAnchor(t *testing.T) {
	assert := assert.New(t)
	quietLog(t)

	path := filepath.Join(t.TempDir(), "map.yaml")
	saved := vmap.New(vmap.StyleCovariance, 0.2)
	tr := pose.NewTransform(pose.RotationFromRPY(0, 0, 1), pose.Vec3{X: 3, Z: 1})
	assert.NoError(saved.Add(vmap.NewMarker(6, pose.FromTransform(tr))))
	assert.NoError(saved.Add(vmap.NewMarker(7, pose.FromTransform(tr))))
	assert.NoError(mapio.SaveFile(path, saved))

	cfg := testConfig()
	cfg.LoadFilename = path
	cfg.InitStyle = StyleLoadAnchor

	m, err := Initialize(cfg)
	assert.NoError(err)
	assert.NotNil(m)

	// only the anchor marker carries over, pinned
	assert.Equal(1, m.Len())
	ref, ok := m.Lookup(6)
	assert.True(ok)
	assert.True(ref.Fixed())
	assert.InDelta(3.0, ref.Pose().Transform().T.X, 1e-9)
}

func TestInitializeCascadeFallsThrough(t *testing.T) {
	assert := assert.New(t)
	quietLog(t)

	cfg := testConfig()
	cfg.LoadFilename = filepath.Join(t.TempDir(), "missing.yaml")
	cfg.UseExistingMap = true
	cfg.InitStyle = StyleLoadAnchor

	m, err := Initialize(cfg)
	assert.NoError(err)
	assert.NotNil(m)

	// missing file: load and load-anchor both fail, parameter anchor wins
	assert.Equal(1, m.Len())
	ref, ok := m.Lookup(cfg.InitID)
	assert.True(ok)
	assert.True(ref.Fixed())

	got := ref.Pose().Transform()
	assert.InDelta(cfg.InitPose.T.X, got.T.X, 1e-12)
	assert.InDelta(cfg.InitPose.T.Y, got.T.Y, 1e-12)
}

func TestInitializeDeferred(t *testing.T) {
	assert := assert.New(t)
	quietLog(t)

	cfg := testConfig()
	cfg.InitStyle = StyleAwaitObservation

	m, err := Initialize(cfg)
	assert.NoError(err)
	assert.Nil(m)
}

// stubMarkerSolver returns one canned marker-to-camera transform.
type stubMarkerSolver struct {
	markerToCamera pose.Transform
}

func (s *stubMarkerSolver) CameraFromMarker(obs vlam.Observation, markerLength float64) (pose.Transform, error) {
	return s.markerToCamera, nil
}

func observation(t *testing.T, id int) vlam.Observation {
	t.Helper()

	var pixels [geometry.MarkerCornerCount]geometry.Point2
	o, err := vlam.NewObservation(id, pixels[:])
	if err != nil {
		t.Fatalf("observation %d: %v", id, err)
	}

	return o
}

func TestFromObservationsAnchorsLowestID(t *testing.T) {
	assert := assert.New(t)
	quietLog(t)

	cfg := testConfig()
	markerToCamera := pose.NewTransform(pose.Identity(), pose.Vec3{Z: 1.5})
	solver := &stubMarkerSolver{markerToCamera: markerToCamera}

	obs := vlam.ObservationSet{observation(t, 9), observation(t, 4), observation(t, 12)}
	m, err := FromObservations(cfg, obs, solver)
	assert.NoError(err)
	assert.Equal(1, m.Len())

	ref, ok := m.Lookup(4)
	assert.True(ok)
	assert.True(ref.Fixed())

	want := cfg.InitPose.Mul(markerToCamera)
	got := ref.Pose().Transform()
	assert.InDelta(want.T.X, got.T.X, 1e-12)
	assert.InDelta(want.T.Y, got.T.Y, 1e-12)
	assert.InDelta(want.T.Z, got.T.Z, 1e-12)
}

func TestFromObservationsEmpty(t *testing.T) {
	assert := assert.New(t)
	quietLog(t)

	_, err := FromObservations(testConfig(), nil, &stubMarkerSolver{})
	assert.Error(err)
}
