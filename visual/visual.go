// Package visual renders the marker map to a 2D plot: one glyph per marker
// at its map-frame XY position, labelled with the marker id. Fixed markers
// are drawn distinctly from estimated ones.
package visual

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/clydemcqueen/fiducial-vlam-sam/vmap"
)

// NewMapPlot creates a top-down plot of the marker map.
// It returns error if the map is empty or a plotter fails to be created.
func NewMapPlot(m *vmap.Map) (*plot.Plot, error) {
	if m.Len() == 0 {
		return nil, fmt.Errorf("empty map")
	}

	p := plot.New()

	p.Title.Text = "Marker map"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	var fixed, estimated plotter.XYs
	labels := plotter.XYLabels{}

	for _, id := range m.IDs() {
		ref, _ := m.Lookup(id)
		t := ref.Pose().Transform().T

		pt := plotter.XY{X: t.X, Y: t.Y}
		if ref.Fixed() {
			fixed = append(fixed, pt)
		} else {
			estimated = append(estimated, pt)
		}
		labels.XYs = append(labels.XYs, pt)
		labels.Labels = append(labels.Labels, fmt.Sprintf("%d", id))
	}

	if len(fixed) > 0 {
		s, err := plotter.NewScatter(fixed)
		if err != nil {
			return nil, fmt.Errorf("Failed to create scatter: %v", err)
		}
		s.GlyphStyle.Color = color.RGBA{R: 255, A: 255}
		s.Shape = draw.PyramidGlyph{}
		s.GlyphStyle.Radius = vg.Points(4)

		p.Add(s)
		p.Legend.Add("fixed", s)
	}

	if len(estimated) > 0 {
		s, err := plotter.NewScatter(estimated)
		if err != nil {
			return nil, fmt.Errorf("Failed to create scatter: %v", err)
		}
		s.GlyphStyle.Color = color.RGBA{B: 255, A: 255}
		s.GlyphStyle.Radius = vg.Points(3)

		p.Add(s)
		p.Legend.Add("estimated", s)
	}

	l, err := plotter.NewLabels(labels)
	if err != nil {
		return nil, fmt.Errorf("Failed to create labels: %v", err)
	}
	p.Add(l)

	p.Legend.Top = true

	return p, nil
}

// SavePNG renders the marker map to a PNG file.
func SavePNG(m *vmap.Map, path string) error {
	p, err := NewMapPlot(m)
	if err != nil {
		return err
	}

	return p.Save(6*vg.Inch, 6*vg.Inch, path)
}
