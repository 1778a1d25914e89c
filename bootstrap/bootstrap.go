// Package bootstrap initializes the marker map at startup. Initialization
// walks a cascade of strategies: load a persisted map, anchor a single
// marker copied from a persisted map, anchor a parameter-supplied marker,
// or defer until the first observation arrives. Each non-terminal strategy
// falls through to the next on failure, logging the cause.
package bootstrap

import (
	"fmt"
	"log"

	vlam "github.com/clydemcqueen/fiducial-vlam-sam"
	"github.com/clydemcqueen/fiducial-vlam-sam/mapio"
	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
	"github.com/clydemcqueen/fiducial-vlam-sam/vmap"
)

// Logf logs bootstrap progress. Replace it to redirect or silence the
// fall-through messages.
var Logf = log.Printf

// Style selects the initialization strategy when no full map is loaded.
type Style int

const (
	// StyleLoadAnchor copies one marker out of a persisted map and uses
	// it as the sole fixed anchor of a fresh map.
	StyleLoadAnchor Style = iota
	// StyleParamAnchor anchors a parameter-supplied marker id and pose.
	StyleParamAnchor
	// StyleAwaitObservation defers initialization to the first
	// observation set.
	StyleAwaitObservation
)

// Config holds the bootstrap parameters.
type Config struct {
	// LoadFilename is the persisted map to load
	LoadFilename string
	// UseExistingMap loads LoadFilename as the full working map
	UseExistingMap bool
	// InitStyle selects the anchoring strategy when no full map is used
	InitStyle Style
	// InitID is the anchor marker id for the load and parameter styles
	InitID int
	// InitPose is the anchor pose: the marker's map pose for
	// StyleParamAnchor, the camera's map pose for StyleAwaitObservation
	InitPose pose.Transform
	// MarkerLength is the shared marker side length for fresh maps
	MarkerLength float64
	// MapStyle is the style for fresh maps
	MapStyle vmap.Style
}

// Initialize runs the bootstrap cascade and returns the initial map. A nil
// map with nil error means initialization is deferred: the caller must feed
// the first observation set to FromObservations.
func Initialize(cfg Config) (*vmap.Map, error) {
	if cfg.UseExistingMap {
		m, err := mapio.LoadFile(cfg.LoadFilename)
		if err == nil {
			Logf("bootstrap: loaded map with %d markers from %s", m.Len(), cfg.LoadFilename)
			return m, nil
		}
		Logf("bootstrap: %v, falling through to anchor initialization", err)
	}

	style := cfg.InitStyle
	if style == StyleLoadAnchor {
		m, err := loadAnchor(cfg)
		if err == nil {
			return m, nil
		}
		Logf("bootstrap: %v, falling through to parameter anchor", err)
		style = StyleParamAnchor
	}

	if style == StyleParamAnchor {
		m := vmap.New(cfg.MapStyle, cfg.MarkerLength)
		if err := m.Add(vmap.NewFixedMarker(cfg.InitID, pose.FromTransform(cfg.InitPose))); err != nil {
			return nil, err
		}
		Logf("bootstrap: anchored marker %d from parameters", cfg.InitID)

		return m, nil
	}

	Logf("bootstrap: awaiting first observation")

	return nil, nil
}

// loadAnchor loads a persisted map and carries a single marker's pose over
// as the fixed anchor of a fresh map.
func loadAnchor(cfg Config) (*vmap.Map, error) {
	loaded, err := mapio.LoadFile(cfg.LoadFilename)
	if err != nil {
		return nil, err
	}

	p := loaded.Pose(cfg.InitID)
	if !p.Valid() {
		return nil, fmt.Errorf("anchor marker %d not in %s", cfg.InitID, cfg.LoadFilename)
	}

	m := vmap.New(cfg.MapStyle, cfg.MarkerLength)
	if err := m.Add(vmap.NewFixedMarker(cfg.InitID, p.WithoutCov())); err != nil {
		return nil, err
	}
	Logf("bootstrap: anchored marker %d from %s", cfg.InitID, cfg.LoadFilename)

	return m, nil
}

// MarkerSolver resects a single observed marker relative to the camera.
type MarkerSolver interface {
	CameraFromMarker(obs vlam.Observation, markerLength float64) (pose.Transform, error)
}

// FromObservations completes a deferred bootstrap: the lowest-numbered
// observed marker is anchored so that the camera sits at cfg.InitPose, and
// becomes the sole fixed marker of a fresh map. It returns error if the
// observation set is empty or the anchor marker cannot be resected.
func FromObservations(cfg Config, obs vlam.ObservationSet, solver MarkerSolver) (*vmap.Map, error) {
	if len(obs) == 0 {
		return nil, fmt.Errorf("no observations to bootstrap from")
	}

	anchor := obs[0]
	for _, o := range obs[1:] {
		if o.ID() < anchor.ID() {
			anchor = o
		}
	}

	markerToCamera, err := solver.CameraFromMarker(anchor, cfg.MarkerLength)
	if err != nil {
		return nil, fmt.Errorf("bootstrap anchor solve: %v", err)
	}

	m := vmap.New(cfg.MapStyle, cfg.MarkerLength)
	markerInMap := cfg.InitPose.Mul(markerToCamera)
	if err := m.Add(vmap.NewFixedMarker(anchor.ID(), pose.FromTransform(markerInMap))); err != nil {
		return nil, err
	}
	Logf("bootstrap: anchored first observed marker %d", anchor.ID())

	return m, nil
}
