package graph

import (
	"github.com/clydemcqueen/fiducial-vlam-sam/geometry"
	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
)

// Factor is one residual term of the graph, referencing one or two pose
// variables.
type Factor interface {
	// Keys returns the variables the factor references
	Keys() []Key
	// Dim returns the residual dimension
	Dim() int
	// Residual evaluates the whitened residual at v
	Residual(v *Values) []float64
}

// missingPenalty keeps the optimizer away from regions where a factor cannot
// be evaluated (variable absent or point behind the camera).
const missingPenalty = 1e6

// Reprojection penalizes the difference between the predicted projection of
// a known point and its observed pixel, given a candidate camera pose. The
// variable is the camera pose in the frame the point is expressed in.
type Reprojection struct {
	key   Key
	cam   geometry.Camera
	point pose.Vec3
	pixel geometry.Point2
	noise Noise
}

// NewReprojection creates a reprojection factor for point and its observed
// pixel under noise model n.
func NewReprojection(key Key, cam geometry.Camera, point pose.Vec3, pixel geometry.Point2, n Noise) *Reprojection {
	return &Reprojection{key: key, cam: cam, point: point, pixel: pixel, noise: n}
}

// Keys returns the camera variable.
func (f *Reprojection) Keys() []Key { return []Key{f.key} }

// Dim returns the residual dimension.
func (f *Reprojection) Dim() int { return 2 }

// Noise returns the factor noise model.
func (f *Reprojection) Noise() Noise { return f.noise }

// Residual evaluates the whitened reprojection error at v.
func (f *Reprojection) Residual(v *Values) []float64 {
	out := make([]float64, 2)

	camPose, ok := v.At(f.key)
	if !ok {
		out[0], out[1] = missingPenalty, missingPenalty
		return out
	}

	proj, ok := f.cam.Project(camPose.Inverse().Apply(f.point))
	if !ok {
		out[0], out[1] = missingPenalty, missingPenalty
		return out
	}

	f.noise.Whiten(out, []float64{proj.X - f.pixel.X, proj.Y - f.pixel.Y})

	return out
}

// Between constrains the relative pose of two variables from a measurement:
// measured is the expected value of inverse(from) composed with to.
type Between struct {
	from, to Key
	measured pose.Transform
	noise    Noise
}

// NewBetween creates a between factor with measurement measured under noise
// model n.
func NewBetween(from, to Key, measured pose.Transform, n Noise) *Between {
	return &Between{from: from, to: to, measured: measured, noise: n}
}

// Keys returns the two constrained variables.
func (f *Between) Keys() []Key { return []Key{f.from, f.to} }

// Dim returns the residual dimension.
func (f *Between) Dim() int { return pose.CovDim }

// Measured returns the relative pose measurement.
func (f *Between) Measured() pose.Transform { return f.measured }

// Noise returns the factor noise model.
func (f *Between) Noise() Noise { return f.noise }

// Residual evaluates the whitened between error at v.
func (f *Between) Residual(v *Values) []float64 {
	out := make([]float64, pose.CovDim)

	xf, okf := v.At(f.from)
	xt, okt := v.At(f.to)
	if !okf || !okt {
		for i := range out {
			out[i] = missingPenalty
		}
		return out
	}

	delta := f.measured.Inverse().Mul(xf.Inverse().Mul(xt))
	f.noise.Whiten(out, localCoordinates(delta))

	return out
}

// Prior constrains one variable's absolute pose.
type Prior struct {
	key   Key
	prior pose.Transform
	noise Noise
}

// NewPrior creates a prior factor holding key near prior under noise model n.
func NewPrior(key Key, prior pose.Transform, n Noise) *Prior {
	return &Prior{key: key, prior: prior, noise: n}
}

// Keys returns the constrained variable.
func (f *Prior) Keys() []Key { return []Key{f.key} }

// Dim returns the residual dimension.
func (f *Prior) Dim() int { return pose.CovDim }

// Key returns the constrained variable key.
func (f *Prior) Key() Key { return f.key }

// Prior returns the prior pose.
func (f *Prior) Prior() pose.Transform { return f.prior }

// Noise returns the factor noise model.
func (f *Prior) Noise() Noise { return f.noise }

// Residual evaluates the whitened prior error at v.
func (f *Prior) Residual(v *Values) []float64 {
	out := make([]float64, pose.CovDim)

	x, ok := v.At(f.key)
	if !ok {
		for i := range out {
			out[i] = missingPenalty
		}
		return out
	}

	delta := f.prior.Inverse().Mul(x)
	f.noise.Whiten(out, localCoordinates(delta))

	return out
}

// localCoordinates maps a small transform to its minimal 6-vector,
// rotation components first.
func localCoordinates(t pose.Transform) []float64 {
	rv := t.R.Vector()

	return []float64{rv.X, rv.Y, rv.Z, t.T.X, t.T.Y, t.T.Z}
}

// retract applies a minimal 6-vector update to a transform.
func retract(t pose.Transform, delta []float64) pose.Transform {
	return pose.Transform{
		R: t.R.Mul(pose.RotationFromVector(pose.Vec3{X: delta[0], Y: delta[1], Z: delta[2]})),
		T: t.T.Add(pose.Vec3{X: delta[3], Y: delta[4], Z: delta[5]}),
	}
}

// Graph is a set of factors over pose variables.
type Graph struct {
	factors []Factor
}

// New returns an empty factor graph.
func New() *Graph {
	return &Graph{}
}

// Add appends factor f.
func (g *Graph) Add(f Factor) {
	g.factors = append(g.factors, f)
}

// Factors returns the graph's factors.
func (g *Graph) Factors() []Factor {
	return g.factors
}

// Dim returns the total residual dimension.
func (g *Graph) Dim() int {
	var dim int
	for _, f := range g.factors {
		dim += f.Dim()
	}

	return dim
}
