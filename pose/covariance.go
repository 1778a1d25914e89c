package pose

import "gonum.org/v1/gonum/mat"

// CovDim is the dimension of the minimal pose parameterization: three
// rotation components followed by three translation components.
const CovDim = 6

// Covariance is a row-major 6x6 covariance over the minimal parameterization,
// rotation components first, translation components second.
type Covariance [CovDim * CovDim]float64

// Matrix returns c as a symmetric matrix.
func (c Covariance) Matrix() *mat.SymDense {
	s := mat.NewSymDense(CovDim, nil)
	for i := 0; i < CovDim; i++ {
		for j := i; j < CovDim; j++ {
			s.SetSym(i, j, (c[i*CovDim+j]+c[j*CovDim+i])/2)
		}
	}

	return s
}

// CovarianceFromMatrix returns the row-major covariance of m.
func CovarianceFromMatrix(m mat.Symmetric) Covariance {
	var c Covariance
	for i := 0; i < CovDim; i++ {
		for j := 0; j < CovDim; j++ {
			c[i*CovDim+j] = m.At(i, j)
		}
	}

	return c
}

// WithCovariance is a transform with an optional covariance and a validity
// flag. Invalid values carry no meaningful transform and must be checked
// before use.
type WithCovariance struct {
	// tr is the rigid transform
	tr Transform
	// cov is the pose covariance; zero-filled when untracked
	cov Covariance
	// valid reports whether tr is meaningful
	valid bool
}

// Invalid returns an invalid pose.
func Invalid() WithCovariance {
	return WithCovariance{}
}

// FromTransform returns a valid pose with zero-filled covariance.
func FromTransform(t Transform) WithCovariance {
	return WithCovariance{tr: t, valid: true}
}

// New returns a valid pose with covariance cov.
func New(t Transform, cov Covariance) WithCovariance {
	return WithCovariance{tr: t, cov: cov, valid: true}
}

// Valid reports whether the pose is meaningful.
func (w WithCovariance) Valid() bool {
	return w.valid
}

// Transform returns the rigid transform.
func (w WithCovariance) Transform() Transform {
	return w.tr
}

// Cov returns the pose covariance.
func (w WithCovariance) Cov() Covariance {
	return w.cov
}

// WithoutCov returns a copy of w with the covariance zeroed.
func (w WithCovariance) WithoutCov() WithCovariance {
	if !w.valid {
		return Invalid()
	}

	return FromTransform(w.tr)
}
