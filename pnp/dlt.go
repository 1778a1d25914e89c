package pnp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/clydemcqueen/fiducial-vlam-sam/geometry"
	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
)

// fitPlane fits a plane to the model points. It reports whether the points
// are coplanar and returns the centroid and an orthonormal in-plane basis.
func fitPlane(object []pose.Vec3) (planar bool, p0, e1, e2 pose.Vec3) {
	n := len(object)

	for _, p := range object {
		p0 = p0.Add(p)
	}
	p0 = p0.Scale(1 / float64(n))

	centered := mat.NewDense(3, n, nil)
	for i, p := range object {
		d := p.Sub(p0)
		centered.Set(0, i, d.X)
		centered.Set(1, i, d.Y)
		centered.Set(2, i, d.Z)
	}

	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDThin); !ok {
		return false, p0, e1, e2
	}

	var u mat.Dense
	svd.UTo(&u)
	vals := svd.Values(nil)

	e1 = pose.Vec3{X: u.At(0, 0), Y: u.At(1, 0), Z: u.At(2, 0)}
	e2 = pose.Vec3{X: u.At(0, 1), Y: u.At(1, 1), Z: u.At(2, 1)}
	planar = vals[2] < 1e-9+1e-6*vals[0]

	return planar, p0, e1, e2
}

// homographyInit recovers an initial pose for coplanar model points by
// estimating the plane-to-image homography and decomposing it.
func homographyInit(object []pose.Vec3, norm []geometry.Point2, p0, e1, e2 pose.Vec3) (pose.Rotation, pose.Vec3, error) {
	n := len(object)

	a := mat.NewDense(2*n, 9, nil)
	for i, p := range object {
		d := p.Sub(p0)
		pa, pb := d.Dot(e1), d.Dot(e2)
		u, v := norm[i].X, norm[i].Y

		a.SetRow(2*i, []float64{pa, pb, 1, 0, 0, 0, -pa * u, -pb * u, -u})
		a.SetRow(2*i+1, []float64{0, 0, 0, pa, pb, 1, -pa * v, -pb * v, -v})
	}

	h, err := nullVector(a)
	if err != nil {
		return pose.Rotation{}, pose.Vec3{}, fmt.Errorf("homography estimation failed: %v", err)
	}

	c1 := pose.Vec3{X: h[0], Y: h[3], Z: h[6]}
	c2 := pose.Vec3{X: h[1], Y: h[4], Z: h[7]}
	c3 := pose.Vec3{X: h[2], Y: h[5], Z: h[8]}

	n1, n2 := c1.Norm(), c2.Norm()
	if n1 < 1e-12 || n2 < 1e-12 {
		return pose.Rotation{}, pose.Vec3{}, fmt.Errorf("degenerate homography")
	}

	lambda := 2 / (n1 + n2)
	// keep the plane centroid in front of the camera
	if lambda*c3.Z < 0 {
		lambda = -lambda
	}

	r1 := c1.Scale(lambda)
	r2 := c2.Scale(lambda)
	r3 := r1.Cross(r2)

	q := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, r3.X,
		r1.Y, r2.Y, r3.Y,
		r1.Z, r2.Z, r3.Z,
	})
	qo := orthonormalize(q)

	e3 := e1.Cross(e2)
	basis := mat.NewDense(3, 3, []float64{
		e1.X, e2.X, e3.X,
		e1.Y, e2.Y, e3.Y,
		e1.Z, e2.Z, e3.Z,
	})

	var rm mat.Dense
	rm.Mul(qo, basis.T())

	rot, err := pose.RotationFromMatrix(&rm)
	if err != nil {
		return pose.Rotation{}, pose.Vec3{}, err
	}

	t := c3.Scale(lambda).Sub(rot.Apply(p0))

	return rot, t, nil
}

// dltInit recovers an initial pose for general (non-coplanar) model points
// with a 12-parameter direct linear transform.
func dltInit(object []pose.Vec3, norm []geometry.Point2) (pose.Rotation, pose.Vec3, error) {
	n := len(object)
	if n < 6 {
		return pose.Rotation{}, pose.Vec3{}, fmt.Errorf("not enough correspondences for a spatial DLT: %d", n)
	}

	a := mat.NewDense(2*n, 12, nil)
	for i, p := range object {
		u, v := norm[i].X, norm[i].Y

		a.SetRow(2*i, []float64{p.X, p.Y, p.Z, 1, 0, 0, 0, 0, -u * p.X, -u * p.Y, -u * p.Z, -u})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, p.X, p.Y, p.Z, 1, -v * p.X, -v * p.Y, -v * p.Z, -v})
	}

	p, err := nullVector(a)
	if err != nil {
		return pose.Rotation{}, pose.Vec3{}, fmt.Errorf("projection estimation failed: %v", err)
	}

	// fix the projective sign so the centroid has positive depth
	var centroid pose.Vec3
	for _, q := range object {
		centroid = centroid.Add(q)
	}
	centroid = centroid.Scale(1 / float64(n))
	if p[8]*centroid.X+p[9]*centroid.Y+p[10]*centroid.Z+p[11] < 0 {
		for i := range p {
			p[i] = -p[i]
		}
	}

	m3 := math.Sqrt(p[8]*p[8] + p[9]*p[9] + p[10]*p[10])
	if m3 < 1e-12 {
		return pose.Rotation{}, pose.Vec3{}, fmt.Errorf("degenerate projection")
	}
	s := 1 / m3

	m := mat.NewDense(3, 3, []float64{
		s * p[0], s * p[1], s * p[2],
		s * p[4], s * p[5], s * p[6],
		s * p[8], s * p[9], s * p[10],
	})
	rm := orthonormalize(m)

	rot, err := pose.RotationFromMatrix(rm)
	if err != nil {
		return pose.Rotation{}, pose.Vec3{}, err
	}

	t := pose.Vec3{X: s * p[3], Y: s * p[7], Z: s * p[11]}

	return rot, t, nil
}

// nullVector returns the right singular vector of a with the smallest
// singular value.
func nullVector(a *mat.Dense) ([]float64, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFullV); !ok {
		return nil, fmt.Errorf("SVD failed")
	}

	var v mat.Dense
	svd.VTo(&v)
	_, c := v.Dims()

	out := make([]float64, c)
	for i := 0; i < c; i++ {
		out[i] = v.At(i, c-1)
	}

	return out, nil
}

// orthonormalize projects m onto the closest rotation matrix.
func orthonormalize(m *mat.Dense) *mat.Dense {
	var svd mat.SVD
	svd.Factorize(m, mat.SVDFull)

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())

	if mat.Det(&r) < 0 {
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var ud mat.Dense
		ud.Mul(&u, d)
		r.Mul(&ud, v.T())
	}

	out := mat.NewDense(3, 3, nil)
	out.Copy(&r)

	return out
}
