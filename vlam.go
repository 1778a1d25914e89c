// Package vlam estimates a camera's pose relative to a map of planar fiducial
// markers and incrementally builds that map as new observations arrive.
package vlam

import (
	"fmt"
	"image"

	"github.com/clydemcqueen/fiducial-vlam-sam/geometry"
	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
	"github.com/clydemcqueen/fiducial-vlam-sam/vmap"
)

// Observation is one detected marker: its id and the pixel coordinates of its
// four corners, in the detector's winding order.
type Observation struct {
	id      int
	corners [geometry.MarkerCornerCount]geometry.Point2
}

// NewObservation creates an observation from a marker id and its corner
// pixels. It returns error unless exactly four corners are supplied: a
// malformed corner count is a contract violation rejected at construction,
// not deep inside the estimators.
func NewObservation(id int, corners []geometry.Point2) (Observation, error) {
	if len(corners) != geometry.MarkerCornerCount {
		return Observation{}, fmt.Errorf("invalid corner count for marker %d: %d", id, len(corners))
	}

	o := Observation{id: id}
	copy(o.corners[:], corners)

	return o, nil
}

// ID returns the marker id.
func (o Observation) ID() int {
	return o.id
}

// Corners returns the observed corner pixels.
func (o Observation) Corners() [geometry.MarkerCornerCount]geometry.Point2 {
	return o.corners
}

// ObservationSet is the markers observed in one camera frame.
// Order carries no meaning.
type ObservationSet []Observation

// PoseSolver recovers a model-to-camera pose from n >= 4 correspondences
// between model points and their image projections.
type PoseSolver interface {
	// Solve returns the deterministic perspective pose as a rotation
	// vector and translation mapping model points into the camera frame.
	Solve(object []pose.Vec3, img []geometry.Point2, cam geometry.Camera) (rvec, tvec pose.Vec3, err error)
	// SolveRobust is a sample-consensus variant of Solve: more tolerant
	// of outliers and ambiguity, noisier otherwise.
	SolveRobust(object []pose.Vec3, img []geometry.Point2, cam geometry.Camera) (rvec, tvec pose.Vec3, err error)
}

// Engine estimates the camera pose in the map frame from one frame's
// observations. The result is invalid when no observed marker is known to
// the map; callers must check validity before use.
type Engine interface {
	CameraFromMap(obs ObservationSet, m *vmap.Map) (pose.WithCovariance, error)
}

// Detector finds fiducial markers in an image.
type Detector interface {
	Detect(img image.Image) (ObservationSet, error)
}
