// Package pnp implements perspective-n-point pose recovery: the pose of a
// camera from n >= 4 correspondences between known model points and their
// observed image projections. The deterministic solver initializes with a
// direct linear transform (a planar homography when the model points are
// coplanar) and polishes with damped Gauss-Newton on the reprojection error.
// A sample-consensus variant tolerates outliers and mirror ambiguity.
package pnp

import (
	"fmt"
	"time"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/clydemcqueen/fiducial-vlam-sam/geometry"
	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
)

// Config holds solver tuning parameters.
type Config struct {
	// RefineIterations bounds the Gauss-Newton polish
	RefineIterations int
	// RansacIterations bounds the sample-consensus loop
	RansacIterations int
	// RansacThreshold is the inlier reprojection threshold in pixels
	RansacThreshold float64
	// Seed seeds the consensus sampler; 0 means time-based
	Seed uint64
}

// DefaultConfig returns the default solver configuration.
func DefaultConfig() Config {
	return Config{
		RefineIterations: 15,
		RansacIterations: 100,
		RansacThreshold:  8.0,
	}
}

// Solver solves perspective-n-point problems.
type Solver struct {
	cfg Config
	rnd *rand.Rand
}

// New creates a new Solver with configuration cfg.
func New(cfg Config) *Solver {
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Solver{
		cfg: cfg,
		rnd: rand.New(rand.NewSource(seed)),
	}
}

// Solve returns the deterministic perspective pose as a rotation vector and
// translation mapping model points into the camera frame.
// It returns error if the correspondence set is malformed or degenerate.
func (s *Solver) Solve(object []pose.Vec3, img []geometry.Point2, cam geometry.Camera) (pose.Vec3, pose.Vec3, error) {
	if err := validate(object, img, cam); err != nil {
		return pose.Vec3{}, pose.Vec3{}, err
	}

	norm := make([]geometry.Point2, len(img))
	for i, p := range img {
		x, y := cam.Undistort(p)
		norm[i] = geometry.Point2{X: x, Y: y}
	}

	return s.solveNormalized(object, norm)
}

// SolveRobust runs a RANSAC loop over small subsets, scores each hypothesis
// by pixel reprojection error and re-solves on the inlier set. Samples hold
// 6 points so the spatial DLT can handle non-coplanar draws; a 4-point
// sample is only drawn from a 5-point set, where coplanarity is the lone
// solvable case anyway. With exactly 4 correspondences it is identical to
// Solve.
func (s *Solver) SolveRobust(object []pose.Vec3, img []geometry.Point2, cam geometry.Camera) (pose.Vec3, pose.Vec3, error) {
	if err := validate(object, img, cam); err != nil {
		return pose.Vec3{}, pose.Vec3{}, err
	}
	if len(object) == 4 {
		return s.Solve(object, img, cam)
	}

	norm := make([]geometry.Point2, len(img))
	for i, p := range img {
		x, y := cam.Undistort(p)
		norm[i] = geometry.Point2{X: x, Y: y}
	}

	sampleSize := 6
	if len(object) < 6 {
		sampleSize = 4
	}

	var bestInliers []int
	for it := 0; it < s.cfg.RansacIterations; it++ {
		idx := s.sample(len(object), sampleSize)
		objS := make([]pose.Vec3, sampleSize)
		nrmS := make([]geometry.Point2, sampleSize)
		for i, j := range idx {
			objS[i] = object[j]
			nrmS[i] = norm[j]
		}

		rvec, tvec, err := s.solveNormalized(objS, nrmS)
		if err != nil {
			continue
		}

		inliers := s.scoreInliers(rvec, tvec, object, img, cam)
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
		}
	}

	if len(bestInliers) < sampleSize {
		return pose.Vec3{}, pose.Vec3{}, fmt.Errorf("consensus failed: best inlier count %d", len(bestInliers))
	}

	obj := make([]pose.Vec3, len(bestInliers))
	nrm := make([]geometry.Point2, len(bestInliers))
	for i, j := range bestInliers {
		obj[i] = object[j]
		nrm[i] = norm[j]
	}

	return s.solveNormalized(obj, nrm)
}

// sample returns k distinct indices in [0,n).
func (s *Solver) sample(n, k int) []int {
	idx := make([]int, 0, k)
	seen := make(map[int]bool, k)
	for len(idx) < k {
		j := s.rnd.Intn(n)
		if !seen[j] {
			seen[j] = true
			idx = append(idx, j)
		}
	}

	return idx
}

// scoreInliers returns the indices whose pixel reprojection error under the
// hypothesis pose is below the threshold.
func (s *Solver) scoreInliers(rvec, tvec pose.Vec3, object []pose.Vec3, img []geometry.Point2, cam geometry.Camera) []int {
	t := pose.NewTransform(pose.RotationFromVector(rvec), tvec)

	var inliers []int
	for i, p := range object {
		proj, ok := cam.Project(t.Apply(p))
		if !ok {
			continue
		}
		dx, dy := proj.X-img[i].X, proj.Y-img[i].Y
		if dx*dx+dy*dy <= s.cfg.RansacThreshold*s.cfg.RansacThreshold {
			inliers = append(inliers, i)
		}
	}

	return inliers
}

// solveNormalized solves for the pose given ideal normalized image
// coordinates: DLT initialization followed by Gauss-Newton polish.
func (s *Solver) solveNormalized(object []pose.Vec3, norm []geometry.Point2) (pose.Vec3, pose.Vec3, error) {
	var r0 pose.Rotation
	var t0 pose.Vec3
	var err error

	if planar, p0, e1, e2 := fitPlane(object); planar {
		r0, t0, err = homographyInit(object, norm, p0, e1, e2)
	} else {
		r0, t0, err = dltInit(object, norm)
	}
	if err != nil {
		return pose.Vec3{}, pose.Vec3{}, err
	}

	rvec, tvec := s.refine(r0, t0, object, norm)

	return rvec, tvec, nil
}

// refine polishes the pose with damped Gauss-Newton on the normalized
// reprojection residuals. A solve that fails to converge still returns its
// last iterate.
func (s *Solver) refine(r0 pose.Rotation, t0 pose.Vec3, object []pose.Vec3, norm []geometry.Point2) (pose.Vec3, pose.Vec3) {
	rv := r0.Vector()
	x := []float64{rv.X, rv.Y, rv.Z, t0.X, t0.Y, t0.Z}
	dim := 2 * len(object)

	residuals := func(y, x []float64) {
		t := pose.NewTransform(
			pose.RotationFromVector(pose.Vec3{X: x[0], Y: x[1], Z: x[2]}),
			pose.Vec3{X: x[3], Y: x[4], Z: x[5]},
		)
		for i, p := range object {
			q := t.Apply(p)
			if q.Z <= 1e-9 {
				y[2*i] = 1e6
				y[2*i+1] = 1e6
				continue
			}
			y[2*i] = q.X/q.Z - norm[i].X
			y[2*i+1] = q.Y/q.Z - norm[i].Y
		}
	}

	r := make([]float64, dim)
	jac := mat.NewDense(dim, 6, nil)
	for iter := 0; iter < s.cfg.RefineIterations; iter++ {
		residuals(r, x)
		fd.Jacobian(jac, residuals, x, &fd.JacobianSettings{Formula: fd.Central})

		jtj := mat.NewSymDense(6, nil)
		jtv := mat.NewVecDense(6, nil)
		for a := 0; a < 6; a++ {
			for b := a; b < 6; b++ {
				var sum float64
				for k := 0; k < dim; k++ {
					sum += jac.At(k, a) * jac.At(k, b)
				}
				jtj.SetSym(a, b, sum)
			}
			var sum float64
			for k := 0; k < dim; k++ {
				sum += jac.At(k, a) * r[k]
			}
			jtv.SetVec(a, -sum)
		}
		for a := 0; a < 6; a++ {
			jtj.SetSym(a, a, jtj.At(a, a)+1e-12)
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(jtj); !ok {
			break
		}
		delta := mat.NewVecDense(6, nil)
		if err := chol.SolveVecTo(delta, jtv); err != nil {
			break
		}

		var step float64
		for a := 0; a < 6; a++ {
			x[a] += delta.AtVec(a)
			step += delta.AtVec(a) * delta.AtVec(a)
		}
		if step < 1e-24 {
			break
		}
	}

	return pose.Vec3{X: x[0], Y: x[1], Z: x[2]}, pose.Vec3{X: x[3], Y: x[4], Z: x[5]}
}

func validate(object []pose.Vec3, img []geometry.Point2, cam geometry.Camera) error {
	if err := cam.Validate(); err != nil {
		return err
	}
	if len(object) != len(img) {
		return fmt.Errorf("correspondence count mismatch: %d object, %d image", len(object), len(img))
	}
	if len(object) < 4 {
		return fmt.Errorf("not enough correspondences: %d", len(object))
	}

	return nil
}
