package graph

import (
	"fmt"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
)

// Solution is the result of optimizing a graph: the solved variable values
// and the layout needed to read marginal covariances back out.
type Solution struct {
	values *Values
	graph  *Graph
	free   []Key
	offset map[Key]int
	fixed  map[Key]bool
}

// Values returns the solved variable values.
func (s *Solution) Values() *Values {
	return s.values
}

// Optimize minimizes the whitened residuals of g over the free variables with
// Levenberg-Marquardt, starting from initial. Variables pinned by a
// constrained prior are held at the prior value and excluded from the update.
// The solve is best effort: running out of iterations is not an error, the
// last accepted iterate is returned.
func Optimize(g *Graph, initial *Values, maxIterations int) (*Solution, error) {
	if initial.Len() == 0 {
		return nil, fmt.Errorf("no variables to optimize")
	}

	current := initial.clone()

	fixed := make(map[Key]bool)
	for _, f := range g.Factors() {
		p, ok := f.(*Prior)
		if !ok || !p.Noise().Constrained() {
			continue
		}
		fixed[p.Key()] = true
		current.Insert(p.Key(), p.Prior())
	}

	var free []Key
	offset := make(map[Key]int)
	for _, k := range current.Keys() {
		if fixed[k] {
			continue
		}
		offset[k] = pose.CovDim * len(free)
		free = append(free, k)
	}

	sol := &Solution{values: current, graph: g, free: free, offset: offset, fixed: fixed}
	if len(free) == 0 {
		return sol, nil
	}

	nx := pose.CovDim * len(free)
	dim := g.Dim()
	if dim < nx {
		return nil, fmt.Errorf("underdetermined graph: %d residuals for %d parameters", dim, nx)
	}

	residuals := func(y, delta []float64) {
		v := retractAll(current, free, offset, delta)
		at := 0
		for _, f := range g.Factors() {
			copy(y[at:at+f.Dim()], f.Residual(v))
			at += f.Dim()
		}
	}

	zero := make([]float64, nx)
	r := make([]float64, dim)
	jac := mat.NewDense(dim, nx, nil)

	residuals(r, zero)
	cost := floats.Dot(r, r)

	lambda := 1e-4
	for iter := 0; iter < maxIterations; iter++ {
		fd.Jacobian(jac, residuals, zero, &fd.JacobianSettings{Formula: fd.Central})

		jtj := mat.NewSymDense(nx, nil)
		jtv := mat.NewVecDense(nx, nil)
		for a := 0; a < nx; a++ {
			for b := a; b < nx; b++ {
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

		accepted := false
		for lambda <= 1e10 {
			damped := mat.NewSymDense(nx, nil)
			damped.CopySym(jtj)
			for a := 0; a < nx; a++ {
				damped.SetSym(a, a, damped.At(a, a)+lambda)
			}

			var chol mat.Cholesky
			if ok := chol.Factorize(damped); !ok {
				lambda *= 10
				continue
			}
			delta := mat.NewVecDense(nx, nil)
			if err := chol.SolveVecTo(delta, jtv); err != nil {
				lambda *= 10
				continue
			}

			trial := retractAll(current, free, offset, delta.RawVector().Data)
			trialR := make([]float64, dim)
			at := 0
			for _, f := range g.Factors() {
				copy(trialR[at:at+f.Dim()], f.Residual(trial))
				at += f.Dim()
			}
			trialCost := floats.Dot(trialR, trialR)

			if trialCost < cost {
				current = trial
				copy(r, trialR)
				improved := cost - trialCost
				cost = trialCost
				lambda /= 10
				if lambda < 1e-10 {
					lambda = 1e-10
				}
				accepted = true
				if improved < 1e-12 {
					iter = maxIterations
				}
				break
			}
			lambda *= 10
		}
		if !accepted {
			break
		}
	}

	sol.values = current

	return sol, nil
}

// Marginals returns the 6x6 marginal covariance of each free variable at the
// solution: the corresponding diagonal block of the inverse normal matrix.
// Fixed variables get a zero covariance.
func Marginals(sol *Solution) (map[Key]pose.Covariance, error) {
	out := make(map[Key]pose.Covariance)
	for k := range sol.fixed {
		out[k] = pose.Covariance{}
	}
	if len(sol.free) == 0 {
		return out, nil
	}

	nx := pose.CovDim * len(sol.free)
	dim := sol.graph.Dim()

	current := sol.values
	residuals := func(y, delta []float64) {
		v := retractAll(current, sol.free, sol.offset, delta)
		at := 0
		for _, f := range sol.graph.Factors() {
			copy(y[at:at+f.Dim()], f.Residual(v))
			at += f.Dim()
		}
	}

	zero := make([]float64, nx)
	jac := mat.NewDense(dim, nx, nil)
	fd.Jacobian(jac, residuals, zero, &fd.JacobianSettings{Formula: fd.Central})

	jtj := mat.NewSymDense(nx, nil)
	for a := 0; a < nx; a++ {
		for b := a; b < nx; b++ {
			var sum float64
			for k := 0; k < dim; k++ {
				sum += jac.At(k, a) * jac.At(k, b)
			}
			jtj.SetSym(a, b, sum)
		}
	}

	var cov mat.SymDense
	var chol mat.Cholesky
	if ok := chol.Factorize(jtj); ok {
		if err := chol.InverseTo(&cov); err != nil {
			return nil, fmt.Errorf("normal matrix inversion failed: %v", err)
		}
	} else {
		// fall back to a dense inverse for a barely indefinite normal matrix
		var inv mat.Dense
		if err := inv.Inverse(jtj); err != nil {
			return nil, fmt.Errorf("normal matrix is singular: %v", err)
		}
		cov.CopySym(denseToSym(&inv))
	}

	for _, k := range sol.free {
		off := sol.offset[k]
		var c pose.Covariance
		for i := 0; i < pose.CovDim; i++ {
			for j := 0; j < pose.CovDim; j++ {
				c[i*pose.CovDim+j] = cov.At(off+i, off+j)
			}
		}
		out[k] = c
	}

	return out, nil
}

// retractAll applies the stacked per-variable updates in delta to the free
// variables of base.
func retractAll(base *Values, free []Key, offset map[Key]int, delta []float64) *Values {
	v := base.clone()
	for _, k := range free {
		t, _ := base.At(k)
		off := offset[k]
		v.Insert(k, retract(t, delta[off:off+pose.CovDim]))
	}

	return v
}

func denseToSym(d *mat.Dense) *mat.SymDense {
	n, _ := d.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(d.At(i, j)+d.At(j, i)))
		}
	}

	return s
}
