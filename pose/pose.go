package pose

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Vec3 is a 3D vector.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Scale returns v scaled by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{s * v.X, s * v.Y, s * v.Z}
}

// Dot returns the dot product of v and o.
func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Cross returns the cross product of v and o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

// Norm returns the Euclidean norm of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Rotation is a 3D rotation backed by a unit quaternion.
type Rotation struct {
	q quat.Number
}

// Identity returns the identity rotation.
func Identity() Rotation {
	return Rotation{q: quat.Number{Real: 1}}
}

// RotationFromQuat returns a rotation from quaternion components.
// The quaternion is normalized before use.
func RotationFromQuat(w, x, y, z float64) Rotation {
	return Rotation{q: normalize(quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z})}
}

// RotationFromRPY returns a rotation from roll, pitch and yaw angles applied
// about the fixed X, Y and Z axes in that order.
func RotationFromRPY(roll, pitch, yaw float64) Rotation {
	sr, cr := math.Sincos(roll / 2)
	sp, cp := math.Sincos(pitch / 2)
	sy, cy := math.Sincos(yaw / 2)

	return Rotation{q: quat.Number{
		Real: cy*cp*cr + sy*sp*sr,
		Imag: cy*cp*sr - sy*sp*cr,
		Jmag: cy*sp*cr + sy*cp*sr,
		Kmag: sy*cp*cr - cy*sp*sr,
	}}
}

// RotationFromVector returns the rotation whose rotation vector (axis scaled
// by angle in radians) is v.
func RotationFromVector(v Vec3) Rotation {
	angle := v.Norm()
	if angle < 1e-12 {
		// first order approximation near identity
		return Rotation{q: normalize(quat.Number{Real: 1, Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2})}
	}
	s := math.Sin(angle / 2)
	axis := v.Scale(1 / angle)

	return Rotation{q: quat.Number{
		Real: math.Cos(angle / 2),
		Imag: s * axis.X,
		Jmag: s * axis.Y,
		Kmag: s * axis.Z,
	}}
}

// RotationFromMatrix returns the rotation represented by the 3x3 rotation
// matrix m. It returns error if m is not 3x3.
func RotationFromMatrix(m mat.Matrix) (Rotation, error) {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return Rotation{}, fmt.Errorf("invalid rotation matrix dimensions: [%d x %d]", r, c)
	}

	// Shepperd's method: pick the largest of the four quaternion components.
	tr := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	var w, x, y, z float64
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		w = s / 4
		x = (m.At(2, 1) - m.At(1, 2)) / s
		y = (m.At(0, 2) - m.At(2, 0)) / s
		z = (m.At(1, 0) - m.At(0, 1)) / s
	case m.At(0, 0) > m.At(1, 1) && m.At(0, 0) > m.At(2, 2):
		s := math.Sqrt(1+m.At(0, 0)-m.At(1, 1)-m.At(2, 2)) * 2
		w = (m.At(2, 1) - m.At(1, 2)) / s
		x = s / 4
		y = (m.At(0, 1) + m.At(1, 0)) / s
		z = (m.At(0, 2) + m.At(2, 0)) / s
	case m.At(1, 1) > m.At(2, 2):
		s := math.Sqrt(1+m.At(1, 1)-m.At(0, 0)-m.At(2, 2)) * 2
		w = (m.At(0, 2) - m.At(2, 0)) / s
		x = (m.At(0, 1) + m.At(1, 0)) / s
		y = s / 4
		z = (m.At(1, 2) + m.At(2, 1)) / s
	default:
		s := math.Sqrt(1+m.At(2, 2)-m.At(0, 0)-m.At(1, 1)) * 2
		w = (m.At(1, 0) - m.At(0, 1)) / s
		x = (m.At(0, 2) + m.At(2, 0)) / s
		y = (m.At(1, 2) + m.At(2, 1)) / s
		z = s / 4
	}

	return RotationFromQuat(w, x, y, z), nil
}

// Quat returns the quaternion components of r in w, x, y, z order.
func (r Rotation) Quat() (w, x, y, z float64) {
	return r.q.Real, r.q.Imag, r.q.Jmag, r.q.Kmag
}

// Mul composes r with o: the result applies o first, then r.
func (r Rotation) Mul(o Rotation) Rotation {
	return Rotation{q: normalize(quat.Mul(r.q, o.q))}
}

// Inverse returns the inverse rotation.
func (r Rotation) Inverse() Rotation {
	return Rotation{q: quat.Conj(r.q)}
}

// Apply rotates vector v by r.
func (r Rotation) Apply(v Vec3) Vec3 {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	res := quat.Mul(quat.Mul(r.q, p), quat.Conj(r.q))

	return Vec3{res.Imag, res.Jmag, res.Kmag}
}

// Matrix returns the 3x3 rotation matrix of r.
func (r Rotation) Matrix() *mat.Dense {
	w, x, y, z := r.Quat()

	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// RPY returns the roll, pitch and yaw angles of r about the fixed X, Y and Z
// axes in that order.
func (r Rotation) RPY() (roll, pitch, yaw float64) {
	m := r.Matrix()

	sp := -m.At(2, 0)
	if sp > 1 {
		sp = 1
	} else if sp < -1 {
		sp = -1
	}
	pitch = math.Asin(sp)

	// gimbal lock: fold yaw into roll
	if math.Abs(sp) > 1-1e-12 {
		roll = math.Atan2(-m.At(1, 2), m.At(1, 1))
		yaw = 0

		return roll, pitch, yaw
	}

	roll = math.Atan2(m.At(2, 1), m.At(2, 2))
	yaw = math.Atan2(m.At(1, 0), m.At(0, 0))

	return roll, pitch, yaw
}

// Vector returns the rotation vector (axis scaled by angle) of r.
func (r Rotation) Vector() Vec3 {
	q := r.q
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}

	im := Vec3{q.Imag, q.Jmag, q.Kmag}
	s := im.Norm()
	if s < 1e-12 {
		return im.Scale(2)
	}
	angle := 2 * math.Atan2(s, q.Real)

	return im.Scale(angle / s)
}

// Slerp spherically interpolates from r to o by t in [0,1].
func Slerp(r, o Rotation, t float64) Rotation {
	a, b := r.q, o.q
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	if dot > 1 {
		dot = 1
	}

	// nearly parallel: fall back to linear interpolation
	if dot > 1-1e-9 {
		return Rotation{q: normalize(quat.Add(quat.Scale(1-t, a), quat.Scale(t, b)))}
	}

	theta := math.Acos(dot)
	sa := math.Sin((1 - t) * theta)
	sb := math.Sin(t * theta)
	sum := quat.Add(quat.Scale(sa, a), quat.Scale(sb, b))

	return Rotation{q: normalize(quat.Scale(1/math.Sin(theta), sum))}
}

func normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}

	return quat.Scale(1/n, q)
}

// Transform is a 6-DoF rigid transform: rotation followed by translation.
type Transform struct {
	// R is the rotation part
	R Rotation
	// T is the translation part
	T Vec3
}

// NewTransform returns a transform with rotation r and translation t.
func NewTransform(r Rotation, t Vec3) Transform {
	return Transform{R: r, T: t}
}

// Apply transforms point p.
func (t Transform) Apply(p Vec3) Vec3 {
	return t.R.Apply(p).Add(t.T)
}

// Mul composes t with o: the result applies o first, then t.
func (t Transform) Mul(o Transform) Transform {
	return Transform{
		R: t.R.Mul(o.R),
		T: t.R.Apply(o.T).Add(t.T),
	}
}

// Inverse returns the inverse transform.
func (t Transform) Inverse() Transform {
	ri := t.R.Inverse()

	return Transform{
		R: ri,
		T: ri.Apply(t.T).Scale(-1),
	}
}
