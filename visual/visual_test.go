package visual

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
	"github.com/clydemcqueen/fiducial-vlam-sam/vmap"
)

func testMap(t *testing.T) *vmap.Map {
	t.Helper()

	m := vmap.New(vmap.StylePose, 0.2)
	for i, c := range []pose.Vec3{{}, {X: 1}, {X: 0.5, Y: 1}} {
		tr := pose.NewTransform(pose.Identity(), c)
		mk := vmap.NewMarker(i, pose.FromTransform(tr))
		if i == 0 {
			mk = vmap.NewFixedMarker(i, pose.FromTransform(tr))
		}
		if err := m.Add(mk); err != nil {
			t.Fatalf("add marker %d: %v", i, err)
		}
	}

	return m
}

func TestNewMapPlot(t *testing.T) {
	assert := assert.New(t)

	p, err := NewMapPlot(testMap(t))
	assert.NoError(err)
	assert.NotNil(p)
}

func TestNewMapPlotEmpty(t *testing.T) {
	assert := assert.New(t)

	_, err := NewMapPlot(vmap.New(vmap.StylePose, 0.2))
	assert.Error(err)
}

func TestSavePNG(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "map.png")
	assert.NoError(SavePNG(testMap(t), path))
}
