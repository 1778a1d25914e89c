// Package geometric estimates camera pose from marker observations with a
// perspective-n-point solve over the known markers' corners. It is fast and
// covariance-free: the result carries a zero-filled covariance.
package geometric

import (
	"fmt"
	"math"

	vlam "github.com/clydemcqueen/fiducial-vlam-sam"
	"github.com/clydemcqueen/fiducial-vlam-sam/geometry"
	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
	"github.com/clydemcqueen/fiducial-vlam-sam/vmap"
)

// Config holds the engine tuning parameters.
type Config struct {
	// AmbiguityThreshold is the per-axis rotation vector disagreement, in
	// radians, above which the robust solve replaces the deterministic one
	AmbiguityThreshold float64
	// AmbiguityMinMarkers and AmbiguityMaxMarkers bound the known-marker
	// counts for which the ambiguity check runs. Below the window a single
	// marker leaves the ambiguity unresolvable; above it the deterministic
	// solve has enough spread to be trusted.
	AmbiguityMinMarkers int
	AmbiguityMaxMarkers int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		AmbiguityThreshold:  0.5,
		AmbiguityMinMarkers: 2,
		AmbiguityMaxMarkers: 3,
	}
}

// Engine estimates camera pose geometrically.
type Engine struct {
	cam    geometry.Camera
	solver vlam.PoseSolver
	cfg    Config
}

// New creates a new geometric Engine for camera cam using solver.
// It returns error if the camera intrinsics are invalid or solver is nil.
func New(cam geometry.Camera, solver vlam.PoseSolver, cfg Config) (*Engine, error) {
	if err := cam.Validate(); err != nil {
		return nil, err
	}
	if solver == nil {
		return nil, fmt.Errorf("nil pose solver")
	}

	return &Engine{cam: cam, solver: solver, cfg: cfg}, nil
}

// CameraFromMarker solves the pose of a single observed marker relative to
// the camera: the returned transform maps marker-frame points into the
// camera frame.
func (e *Engine) CameraFromMarker(obs vlam.Observation, markerLength float64) (pose.Transform, error) {
	corners := geometry.MarkerCorners(markerLength)
	pixels := obs.Corners()

	rvec, tvec, err := e.solver.Solve(corners[:], pixels[:], e.cam)
	if err != nil {
		return pose.Transform{}, fmt.Errorf("marker %d solve failed: %v", obs.ID(), err)
	}

	return pose.NewTransform(pose.RotationFromVector(rvec), tvec), nil
}

// CameraFromMap estimates the camera pose in the map frame from one frame's
// observations. Markers absent from the map are skipped; if no observed
// marker is known the result is invalid and the error is nil.
func (e *Engine) CameraFromMap(obs vlam.ObservationSet, m *vmap.Map) (pose.WithCovariance, error) {
	var object []pose.Vec3
	var img []geometry.Point2
	var known int

	for _, o := range obs {
		mp := m.Pose(o.ID())
		if !mp.Valid() {
			continue
		}
		known++

		corners := geometry.MarkerCornersInFrame(mp.Transform(), m.MarkerLength())
		pixels := o.Corners()
		object = append(object, corners[:]...)
		img = append(img, pixels[:]...)
	}

	if known == 0 {
		return pose.Invalid(), nil
	}

	rvec, tvec, err := e.solver.Solve(object, img, e.cam)
	if err != nil {
		return pose.Invalid(), fmt.Errorf("map solve failed: %v", err)
	}

	if known >= e.cfg.AmbiguityMinMarkers && known <= e.cfg.AmbiguityMaxMarkers {
		rvec, tvec = e.resolveAmbiguity(rvec, tvec, object, img)
	}

	mapToCamera := pose.NewTransform(pose.RotationFromVector(rvec), tvec)

	return pose.FromTransform(mapToCamera.Inverse()), nil
}

// resolveAmbiguity re-solves with the sample-consensus solver and keeps its
// answer when the two rotations disagree on any axis. A near-planar view of
// few markers can mirror-flip the deterministic solve; the consensus solve is
// slower and noisier but does not inherit the flipped minimum.
func (e *Engine) resolveAmbiguity(rvec, tvec pose.Vec3, object []pose.Vec3, img []geometry.Point2) (pose.Vec3, pose.Vec3) {
	rvecR, tvecR, err := e.solver.SolveRobust(object, img, e.cam)
	if err != nil {
		return rvec, tvec
	}

	if math.Abs(rvec.X-rvecR.X) > e.cfg.AmbiguityThreshold ||
		math.Abs(rvec.Y-rvecR.Y) > e.cfg.AmbiguityThreshold ||
		math.Abs(rvec.Z-rvecR.Z) > e.cfg.AmbiguityThreshold {
		return rvecR, tvecR
	}

	return rvec, tvec
}
