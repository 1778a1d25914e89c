// Package vmap holds the in-memory marker map: the record of every fiducial
// marker whose pose in the map frame has been estimated or fixed.
package vmap

import (
	"fmt"
	"sort"

	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
)

// Style selects what the map tracks for each marker.
type Style int

const (
	// StylePose tracks marker poses only; covariances are zero-filled
	// and unused.
	StylePose Style = iota
	// StyleCovariance tracks marker poses with full 6x6 covariance.
	StyleCovariance
)

// Marker is one fiducial marker in the map frame.
type Marker struct {
	// id is the marker id
	id int
	// p is the marker pose in the map frame
	p pose.WithCovariance
	// fixed markers are never updated
	fixed bool
	// updates counts pose updates applied to the marker
	updates int
}

// NewMarker returns a marker with pose p and an update count of 1.
func NewMarker(id int, p pose.WithCovariance) Marker {
	return Marker{id: id, p: p, updates: 1}
}

// NewFixedMarker returns a fixed marker with pose p.
func NewFixedMarker(id int, p pose.WithCovariance) Marker {
	return Marker{id: id, p: p, fixed: true, updates: 1}
}

// NewMarkerWithState returns a marker with explicit fixed flag and update
// count, for restoring a persisted map.
func NewMarkerWithState(id int, p pose.WithCovariance, fixed bool, updates int) Marker {
	return Marker{id: id, p: p, fixed: fixed, updates: updates}
}

// ID returns the marker id.
func (m *Marker) ID() int { return m.id }

// Pose returns the marker pose in the map frame.
func (m *Marker) Pose() pose.WithCovariance { return m.p }

// Fixed reports whether the marker pose is pinned.
func (m *Marker) Fixed() bool { return m.fixed }

// UpdateCount returns the number of pose updates applied to the marker.
func (m *Marker) UpdateCount() int { return m.updates }

// Map is the marker map: a style, the shared physical marker side length,
// and one record per marker id. A Map is owned by the hosting application
// for the process lifetime and is mutated, never recreated.
type Map struct {
	style        Style
	markerLength float64
	markers      map[int]*Marker
}

// New creates an empty map. All physical markers share side length
// markerLength (meters).
func New(style Style, markerLength float64) *Map {
	return &Map{
		style:        style,
		markerLength: markerLength,
		markers:      make(map[int]*Marker),
	}
}

// Style returns the map style.
func (m *Map) Style() Style { return m.style }

// MarkerLength returns the shared marker side length.
func (m *Map) MarkerLength() float64 { return m.markerLength }

// Len returns the number of markers in the map.
func (m *Map) Len() int { return len(m.markers) }

// IDs returns the marker ids in ascending order.
func (m *Map) IDs() []int {
	ids := make([]int, 0, len(m.markers))
	for id := range m.markers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return ids
}

// Add inserts marker mk. It returns error if a marker with the same id
// already exists: markers are never replaced wholesale, only updated
// through a Ref.
func (m *Map) Add(mk Marker) error {
	if _, ok := m.markers[mk.id]; ok {
		return fmt.Errorf("marker %d already in map", mk.id)
	}

	mk.p = m.conform(mk.p)
	m.markers[mk.id] = &mk

	return nil
}

// Pose returns the map-frame pose of marker id, or an invalid pose if the
// map does not contain it.
func (m *Map) Pose(id int) pose.WithCovariance {
	mk, ok := m.markers[id]
	if !ok {
		return pose.Invalid()
	}

	return mk.p
}

// Lookup returns a mutation handle for marker id. The handle is only valid
// for the duration of the enclosing update operation and must be the only
// live handle into that marker: handles are not safe for concurrent use.
func (m *Map) Lookup(id int) (*Ref, bool) {
	mk, ok := m.markers[id]
	if !ok {
		return nil, false
	}

	return &Ref{m: m, mk: mk}, true
}

// conform enforces the style invariant: covariance is carried only when the
// map tracks it.
func (m *Map) conform(p pose.WithCovariance) pose.WithCovariance {
	if m.style == StylePose {
		return p.WithoutCov()
	}

	return p
}

// Ref is an exclusive, short-lived mutation handle into one marker.
type Ref struct {
	m  *Map
	mk *Marker
}

// ID returns the marker id.
func (r *Ref) ID() int { return r.mk.id }

// Pose returns the marker pose in the map frame.
func (r *Ref) Pose() pose.WithCovariance { return r.mk.p }

// Fixed reports whether the marker pose is pinned.
func (r *Ref) Fixed() bool { return r.mk.fixed }

// UpdateCount returns the number of pose updates applied to the marker.
func (r *Ref) UpdateCount() int { return r.mk.updates }

// SetPose replaces the marker pose. The covariance is dropped when the
// owning map does not track covariance.
func (r *Ref) SetPose(p pose.WithCovariance) {
	r.mk.p = r.m.conform(p)
}

// SetFixed pins or unpins the marker pose.
func (r *Ref) SetFixed(fixed bool) {
	r.mk.fixed = fixed
}

// SetUpdateCount sets the update counter.
func (r *Ref) SetUpdateCount(n int) {
	r.mk.updates = n
}
