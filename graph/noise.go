package graph

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Noise whitens factor residuals: it scales a raw residual so that every
// whitened component has unit variance.
type Noise interface {
	// Dim returns the residual dimension
	Dim() int
	// Whiten writes the whitened residual of raw into dst
	Whiten(dst, raw []float64)
	// Constrained reports a zero-variance (hard constraint) model
	Constrained() bool
}

// Isotropic returns a noise model with the same sigma on every axis,
// uncorrelated. Sigma must be positive.
func Isotropic(dim int, sigma float64) Noise {
	return &isotropic{dim: dim, sigma: sigma}
}

type isotropic struct {
	dim   int
	sigma float64
}

func (n *isotropic) Dim() int { return n.dim }

func (n *isotropic) Whiten(dst, raw []float64) {
	for i := range raw {
		dst[i] = raw[i] / n.sigma
	}
}

func (n *isotropic) Constrained() bool { return false }

// Covariance returns a Gaussian noise model from a full covariance matrix.
// It returns error if the covariance is not positive definite, retrying once
// with a small diagonal jitter to absorb round-off.
func Covariance(cov mat.Symmetric) (Noise, error) {
	dim := cov.SymmetricDim()

	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		jittered := mat.NewSymDense(dim, nil)
		jittered.CopySym(cov)
		for i := 0; i < dim; i++ {
			jittered.SetSym(i, i, jittered.At(i, i)+1e-12)
		}
		if ok := chol.Factorize(jittered); !ok {
			return nil, fmt.Errorf("covariance is not positive definite")
		}
	}

	var l mat.TriDense
	chol.LTo(&l)

	return &gaussian{dim: dim, l: &l}, nil
}

type gaussian struct {
	dim int
	l   *mat.TriDense
}

func (n *gaussian) Dim() int { return n.dim }

func (n *gaussian) Whiten(dst, raw []float64) {
	r := mat.NewVecDense(n.dim, nil)
	for i := range raw {
		r.SetVec(i, raw[i])
	}

	var w mat.VecDense
	if err := w.SolveVec(n.l, r); err != nil {
		// singular after factorization cannot happen; keep raw as fallback
		copy(dst, raw)
		return
	}
	for i := 0; i < n.dim; i++ {
		dst[i] = w.AtVec(i)
	}
}

func (n *gaussian) Constrained() bool { return false }

// Constrained returns a zero-variance noise model: the prior it is attached
// to pins its variable exactly.
func Constrained(dim int) Noise {
	return &constrained{dim: dim}
}

type constrained struct {
	dim int
}

func (n *constrained) Dim() int { return n.dim }

// Whiten writes zeros: a constrained variable is held at its prior, so its
// residual never contributes to the objective.
func (n *constrained) Whiten(dst, raw []float64) {
	for i := range dst[:n.dim] {
		dst[i] = 0
	}
}

func (n *constrained) Constrained() bool { return true }
