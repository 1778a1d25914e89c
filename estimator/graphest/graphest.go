// Package graphest estimates camera pose by nonlinear optimization over a
// factor graph of marker observations. It is slower than the geometric
// engine but produces a marginal covariance with every pose, and its joint
// solve refines known marker poses alongside the camera.
package graphest

import (
	"fmt"

	vlam "github.com/clydemcqueen/fiducial-vlam-sam"
	"github.com/clydemcqueen/fiducial-vlam-sam/estimator/geometric"
	"github.com/clydemcqueen/fiducial-vlam-sam/geometry"
	"github.com/clydemcqueen/fiducial-vlam-sam/graph"
	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
	"github.com/clydemcqueen/fiducial-vlam-sam/vmap"
)

// Config holds the engine tuning parameters.
type Config struct {
	// CornerSigma is the corner pixel noise, isotropic, in pixels
	CornerSigma float64
	// MaxIterations bounds the graph optimizer
	MaxIterations int
	// Geometric configures the embedded geometric engine used for seeding
	Geometric geometric.Config
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		CornerSigma:   1.0,
		MaxIterations: 100,
		Geometric:     geometric.DefaultConfig(),
	}
}

// Engine estimates camera pose over a factor graph. It embeds a geometric
// engine whose solves seed the optimizer.
type Engine struct {
	cam  geometry.Camera
	cfg  Config
	geom *geometric.Engine
}

// New creates a new graph Engine for camera cam using solver for seeding.
// It returns error if the camera intrinsics are invalid or solver is nil.
func New(cam geometry.Camera, solver vlam.PoseSolver, cfg Config) (*Engine, error) {
	geom, err := geometric.New(cam, solver, cfg.Geometric)
	if err != nil {
		return nil, err
	}

	return &Engine{cam: cam, cfg: cfg, geom: geom}, nil
}

// CameraInMarkerFrame estimates the camera pose in the frame of a single
// observed marker, with marginal covariance. This is the measurement that
// links a marker variable to the camera variable in the joint solve.
func (e *Engine) CameraInMarkerFrame(obs vlam.Observation, markerLength float64) (pose.WithCovariance, error) {
	markerToCamera, err := e.geom.CameraFromMarker(obs, markerLength)
	if err != nil {
		return pose.Invalid(), err
	}

	g := graph.New()
	key := graph.CameraVar()
	noise := graph.Isotropic(2, e.cfg.CornerSigma)

	corners := geometry.MarkerCorners(markerLength)
	pixels := obs.Corners()
	for i := range corners {
		g.Add(graph.NewReprojection(key, e.cam, corners[i], pixels[i], noise))
	}

	initial := graph.NewValues()
	initial.Insert(key, markerToCamera.Inverse())

	sol, err := graph.Optimize(g, initial, e.cfg.MaxIterations)
	if err != nil {
		return pose.Invalid(), fmt.Errorf("marker %d resection failed: %v", obs.ID(), err)
	}

	marginals, err := graph.Marginals(sol)
	if err != nil {
		return pose.Invalid(), fmt.Errorf("marker %d marginals failed: %v", obs.ID(), err)
	}

	t, _ := sol.Values().At(key)

	return pose.New(t, marginals[key]), nil
}

// CameraFromMap estimates the camera pose in the map frame with marginal
// covariance. Known marker poses are treated as fixed geometry; only the
// camera is optimized. If no observed marker is known the result is invalid
// and the error is nil; a failed seed solve is reported as an error.
func (e *Engine) CameraFromMap(obs vlam.ObservationSet, m *vmap.Map) (pose.WithCovariance, error) {
	seed, err := e.geom.CameraFromMap(obs, m)
	if err != nil {
		return pose.Invalid(), fmt.Errorf("seed solve: %v", err)
	}
	if !seed.Valid() {
		return pose.Invalid(), nil
	}

	g := graph.New()
	key := graph.CameraVar()
	noise := graph.Isotropic(2, e.cfg.CornerSigma)

	for _, o := range obs {
		mp := m.Pose(o.ID())
		if !mp.Valid() {
			continue
		}

		corners := geometry.MarkerCornersInFrame(mp.Transform(), m.MarkerLength())
		pixels := o.Corners()
		for i := range corners {
			g.Add(graph.NewReprojection(key, e.cam, corners[i], pixels[i], noise))
		}
	}

	initial := graph.NewValues()
	initial.Insert(key, seed.Transform())

	sol, err := graph.Optimize(g, initial, e.cfg.MaxIterations)
	if err != nil {
		return pose.Invalid(), fmt.Errorf("camera solve failed: %v", err)
	}

	marginals, err := graph.Marginals(sol)
	if err != nil {
		return pose.Invalid(), fmt.Errorf("camera marginals failed: %v", err)
	}

	t, _ := sol.Values().At(key)

	return pose.New(t, marginals[key]), nil
}

// Solution is the result of a joint solve: the camera pose and the refined
// map-frame pose of every observed marker, all with marginal covariance.
type Solution struct {
	// Camera is the camera pose in the map frame
	Camera pose.WithCovariance
	// Markers maps marker ids to refined map-frame poses. It covers every
	// marker in the solved graph, known and newly observed alike.
	Markers map[int]pose.WithCovariance
}

// SolveJoint optimizes the camera pose and the observed markers' map-frame
// poses together. Known markers enter with a prior on their map pose, hard
// when the marker is fixed or the map carries no covariance; unknown markers
// enter unconstrained and are located by their single-marker measurement.
// It requires at least two observations; with fewer the joint problem adds
// nothing over CameraFromMap.
func (e *Engine) SolveJoint(obs vlam.ObservationSet, m *vmap.Map) (*Solution, error) {
	if len(obs) < 2 {
		return nil, fmt.Errorf("joint solve needs at least 2 observations, have %d", len(obs))
	}

	seed, err := e.geom.CameraFromMap(obs, m)
	if err != nil {
		return nil, err
	}
	if !seed.Valid() {
		return nil, fmt.Errorf("no observed marker is in the map")
	}

	g := graph.New()
	initial := graph.NewValues()
	cameraKey := graph.CameraVar()
	initial.Insert(cameraKey, seed.Transform())

	for _, o := range obs {
		meas, err := e.CameraInMarkerFrame(o, m.MarkerLength())
		if err != nil {
			continue
		}

		key := graph.MarkerVar(o.ID())
		g.Add(graph.NewBetween(key, cameraKey, meas.Transform(), betweenNoise(meas)))

		if ref, ok := m.Lookup(o.ID()); ok {
			g.Add(graph.NewPrior(key, ref.Pose().Transform(), priorNoise(ref, m.Style())))
			initial.Insert(key, ref.Pose().Transform())
			continue
		}

		// unknown marker: locate it from the camera seed and the measurement
		initial.Insert(key, seed.Transform().Mul(meas.Transform().Inverse()))
	}

	sol, err := graph.Optimize(g, initial, e.cfg.MaxIterations)
	if err != nil {
		return nil, fmt.Errorf("joint solve failed: %v", err)
	}

	marginals, err := graph.Marginals(sol)
	if err != nil {
		return nil, fmt.Errorf("joint marginals failed: %v", err)
	}

	out := &Solution{Markers: make(map[int]pose.WithCovariance)}
	for _, k := range sol.Values().Keys() {
		t, _ := sol.Values().At(k)
		p := pose.New(t, marginals[k])
		if k.IsMarker() {
			out.Markers[k.MarkerID()] = p
			continue
		}
		out.Camera = p
	}

	return out, nil
}

// betweenNoise builds the noise model for a camera-marker measurement: the
// measurement's own marginal covariance when it is positive definite, an
// isotropic fallback otherwise.
func betweenNoise(meas pose.WithCovariance) graph.Noise {
	n, err := graph.Covariance(meas.Cov().Matrix())
	if err != nil {
		return graph.Isotropic(pose.CovDim, 0.1)
	}

	return n
}

// priorNoise builds the noise model for a known marker's map-pose prior.
// Fixed markers, pose-only maps and markers whose stored covariance was
// never populated get a hard constraint; otherwise the stored covariance
// is used as a Gaussian.
func priorNoise(ref *vmap.Ref, style vmap.Style) graph.Noise {
	p := ref.Pose()
	if ref.Fixed() || style == vmap.StylePose || p.Cov()[0] == 0 {
		return graph.Constrained(pose.CovDim)
	}

	n, err := graph.Covariance(p.Cov().Matrix())
	if err != nil {
		return graph.Constrained(pose.CovDim)
	}

	return n
}
