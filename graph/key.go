// Package graph builds and solves nonlinear least-squares factor graphs over
// 6-DoF pose variables: reprojection, between and prior factors, a damped
// Gauss-Newton (Levenberg-Marquardt) optimizer with a fixed iteration budget,
// and marginal covariance extraction from the normal matrix at the solution.
package graph

import (
	"fmt"
	"sort"

	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
)

// Key identifies one pose variable in a graph: either the camera or a marker
// with a given id. Keys compare structurally and are usable as map keys.
type Key struct {
	marker bool
	id     int
}

// CameraVar returns the camera variable key.
func CameraVar() Key {
	return Key{}
}

// MarkerVar returns the variable key for marker id.
func MarkerVar(id int) Key {
	return Key{marker: true, id: id}
}

// IsMarker reports whether k identifies a marker variable.
func (k Key) IsMarker() bool {
	return k.marker
}

// MarkerID returns the marker id of a marker key.
func (k Key) MarkerID() int {
	return k.id
}

// Less imposes a total order: the camera first, then markers by id.
func (k Key) Less(o Key) bool {
	if k.marker != o.marker {
		return !k.marker
	}

	return k.id < o.id
}

// String implements the Stringer interface.
func (k Key) String() string {
	if k.marker {
		return fmt.Sprintf("m%d", k.id)
	}

	return "c"
}

// Values maps pose variables to transforms: the initial estimates handed to
// the optimizer and the solved values it returns.
type Values struct {
	vals map[Key]pose.Transform
}

// NewValues returns an empty variable-to-transform table.
func NewValues() *Values {
	return &Values{vals: make(map[Key]pose.Transform)}
}

// Insert sets the transform for key k, replacing any previous value.
func (v *Values) Insert(k Key, t pose.Transform) {
	v.vals[k] = t
}

// At returns the transform for key k.
func (v *Values) At(k Key) (pose.Transform, bool) {
	t, ok := v.vals[k]

	return t, ok
}

// Keys returns all keys in their total order.
func (v *Values) Keys() []Key {
	keys := make([]Key, 0, len(v.vals))
	for k := range v.vals {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	return keys
}

// Len returns the number of variables.
func (v *Values) Len() int {
	return len(v.vals)
}

func (v *Values) clone() *Values {
	c := NewValues()
	for k, t := range v.vals {
		c.vals[k] = t
	}

	return c
}
