// Package update applies one frame's observations to the marker map. A
// policy decides how newly observed markers enter the map and how repeat
// observations refine markers already in it.
package update

import (
	"fmt"

	vlam "github.com/clydemcqueen/fiducial-vlam-sam"
	"github.com/clydemcqueen/fiducial-vlam-sam/estimator/graphest"
	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
	"github.com/clydemcqueen/fiducial-vlam-sam/vmap"
)

// Policy folds one frame's observations into the map. camera is the camera
// pose in the map frame estimated for the same frame; an invalid camera pose
// makes the update a no-op. Fixed markers are never modified.
type Policy interface {
	Update(m *vmap.Map, obs vlam.ObservationSet, camera pose.WithCovariance) error
}

// SimpleAverage refines each known marker with a running average of its
// per-frame geometric pose estimates and inserts unknown markers at their
// first estimate. Cheap, covariance-free, and order-dependent only in
// round-off.
type SimpleAverage struct {
	engine MarkerSolver
}

// MarkerSolver resects a single observed marker relative to the camera.
// *geometric.Engine implements it.
type MarkerSolver interface {
	CameraFromMarker(obs vlam.Observation, markerLength float64) (pose.Transform, error)
}

// NewSimpleAverage returns a SimpleAverage policy backed by engine.
func NewSimpleAverage(engine MarkerSolver) *SimpleAverage {
	return &SimpleAverage{engine: engine}
}

// Update implements the Policy interface.
func (p *SimpleAverage) Update(m *vmap.Map, obs vlam.ObservationSet, camera pose.WithCovariance) error {
	if !camera.Valid() {
		return nil
	}

	for _, o := range obs {
		markerToCamera, err := p.engine.CameraFromMarker(o, m.MarkerLength())
		if err != nil {
			continue
		}
		observed := camera.Transform().Mul(markerToCamera)

		ref, ok := m.Lookup(o.ID())
		if !ok {
			if err := m.Add(vmap.NewMarker(o.ID(), pose.FromTransform(observed))); err != nil {
				return fmt.Errorf("insert marker %d: %v", o.ID(), err)
			}
			continue
		}
		if ref.Fixed() {
			continue
		}

		old := ref.Pose().Transform()
		w := 1 / float64(ref.UpdateCount()+1)
		blended := pose.NewTransform(
			pose.Slerp(old.R, observed.R, w),
			old.T.Scale(1-w).Add(observed.T.Scale(w)),
		)
		ref.SetPose(pose.FromTransform(blended))
		ref.SetUpdateCount(ref.UpdateCount() + 1)
	}

	return nil
}

// Joint refines the camera and all observed markers together with a factor
// graph solve and writes the optimized marker poses, covariance included,
// back into the map. Frames with fewer than two observations are skipped:
// they cannot improve on the per-marker geometric estimate.
type Joint struct {
	engine *graphest.Engine
}

// NewJoint returns a Joint policy backed by engine.
func NewJoint(engine *graphest.Engine) *Joint {
	return &Joint{engine: engine}
}

// Update implements the Policy interface.
func (p *Joint) Update(m *vmap.Map, obs vlam.ObservationSet, camera pose.WithCovariance) error {
	if !camera.Valid() || len(obs) < 2 {
		return nil
	}

	sol, err := p.engine.SolveJoint(obs, m)
	if err != nil {
		return fmt.Errorf("joint update: %v", err)
	}

	for id, mp := range sol.Markers {
		ref, ok := m.Lookup(id)
		if !ok {
			if err := m.Add(vmap.NewMarker(id, mp)); err != nil {
				return fmt.Errorf("insert marker %d: %v", id, err)
			}
			continue
		}
		if ref.Fixed() {
			continue
		}

		ref.SetPose(mp)
		ref.SetUpdateCount(ref.UpdateCount() + 1)
	}

	return nil
}
