// Package mapio saves and loads the marker map as a YAML document. The
// document carries the shared marker side length, the map style, and one
// entry per marker; covariances are written only when the style tracks them.
// Loading is all or nothing: any structural mismatch yields a descriptive
// error and no map.
package mapio

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
	"github.com/clydemcqueen/fiducial-vlam-sam/vmap"
)

type markerDoc struct {
	ID  int       `yaml:"id"`
	U   int       `yaml:"u"`
	F   int       `yaml:"f"`
	XYZ []float64 `yaml:"xyz,flow"`
	RPY []float64 `yaml:"rpy,flow"`
	Cov []float64 `yaml:"cov,flow,omitempty"`
}

type mapDoc struct {
	MarkerLength float64     `yaml:"marker_length"`
	MapStyle     int         `yaml:"map_style"`
	Markers      []markerDoc `yaml:"markers"`
}

// Save writes m to w as a YAML document, markers in ascending id order.
func Save(w io.Writer, m *vmap.Map) error {
	doc := mapDoc{
		MarkerLength: m.MarkerLength(),
		MapStyle:     int(m.Style()),
	}

	for _, id := range m.IDs() {
		ref, _ := m.Lookup(id)
		p := ref.Pose()
		t := p.Transform()
		roll, pitch, yaw := t.R.RPY()

		entry := markerDoc{
			ID:  id,
			U:   ref.UpdateCount(),
			XYZ: []float64{t.T.X, t.T.Y, t.T.Z},
			RPY: []float64{roll, pitch, yaw},
		}
		if ref.Fixed() {
			entry.F = 1
		}
		if m.Style() == vmap.StyleCovariance {
			cov := p.Cov()
			entry.Cov = append([]float64(nil), cov[:]...)
		}

		doc.Markers = append(doc.Markers, entry)
	}

	sort.Slice(doc.Markers, func(i, j int) bool { return doc.Markers[i].ID < doc.Markers[j].ID })

	enc := yaml.NewEncoder(w)
	defer enc.Close()

	return enc.Encode(&doc)
}

// SaveFile writes m to path, replacing any existing file.
func SaveFile(path string, m *vmap.Map) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save map: %v", err)
	}
	defer f.Close()

	if err := Save(f, m); err != nil {
		return fmt.Errorf("save map %s: %v", path, err)
	}

	return nil
}

// Load reads a map document from r. It validates the document structure
// node by node and returns either a fully populated map or a descriptive
// error, never both.
func Load(r io.Reader) (*vmap.Map, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty map document")
		}
		return nil, fmt.Errorf("map document: %v", err)
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, fmt.Errorf("map document: expected a single document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("map document: top level must be a mapping, line %d", root.Line)
	}

	var markerLength float64
	var haveLength bool
	style := vmap.StylePose
	var markersNode *yaml.Node

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "marker_length":
			f, err := scalarFloat(val, "marker_length")
			if err != nil {
				return nil, err
			}
			markerLength = f
			haveLength = true
		case "map_style":
			n, err := scalarInt(val, "map_style")
			if err != nil {
				return nil, err
			}
			if n != int(vmap.StylePose) && n != int(vmap.StyleCovariance) {
				return nil, fmt.Errorf("map_style: unknown style %d, line %d", n, val.Line)
			}
			style = vmap.Style(n)
		case "markers":
			if val.Kind != yaml.SequenceNode {
				return nil, fmt.Errorf("markers: must be a sequence, line %d", val.Line)
			}
			markersNode = val
		}
	}

	if !haveLength {
		return nil, fmt.Errorf("map document: missing marker_length")
	}
	if markersNode == nil {
		return nil, fmt.Errorf("map document: missing markers")
	}

	m := vmap.New(style, markerLength)
	for _, node := range markersNode.Content {
		mk, err := loadMarker(node, style)
		if err != nil {
			return nil, err
		}
		if err := m.Add(mk); err != nil {
			return nil, fmt.Errorf("markers: %v", err)
		}
	}

	return m, nil
}

// LoadFile reads a map document from path.
func LoadFile(path string) (*vmap.Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load map: %v", err)
	}
	defer f.Close()

	m, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("load map %s: %v", path, err)
	}

	return m, nil
}

func loadMarker(node *yaml.Node, style vmap.Style) (vmap.Marker, error) {
	if node.Kind != yaml.MappingNode {
		return vmap.Marker{}, fmt.Errorf("markers: entry must be a mapping, line %d", node.Line)
	}

	var id, updates, fixed int
	var haveID, haveU, haveF, haveXYZ, haveRPY, haveCov bool
	var xyz, rpy, cov []float64

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		var err error
		switch key.Value {
		case "id":
			id, err = scalarInt(val, "id")
			haveID = true
		case "u":
			updates, err = scalarInt(val, "u")
			haveU = true
		case "f":
			fixed, err = scalarInt(val, "f")
			haveF = true
		case "xyz":
			xyz, err = floatSeq(val, "xyz", 3)
			haveXYZ = true
		case "rpy":
			rpy, err = floatSeq(val, "rpy", 3)
			haveRPY = true
		case "cov":
			cov, err = floatSeq(val, "cov", pose.CovDim*pose.CovDim)
			haveCov = true
		}
		if err != nil {
			return vmap.Marker{}, err
		}
	}

	switch {
	case !haveID:
		return vmap.Marker{}, fmt.Errorf("markers: entry missing id, line %d", node.Line)
	case !haveU:
		return vmap.Marker{}, fmt.Errorf("marker %d: missing u", id)
	case !haveF:
		return vmap.Marker{}, fmt.Errorf("marker %d: missing f", id)
	case !haveXYZ:
		return vmap.Marker{}, fmt.Errorf("marker %d: missing xyz", id)
	case !haveRPY:
		return vmap.Marker{}, fmt.Errorf("marker %d: missing rpy", id)
	case style == vmap.StyleCovariance && !haveCov:
		return vmap.Marker{}, fmt.Errorf("marker %d: missing cov in a covariance-style map", id)
	}

	t := pose.NewTransform(
		pose.RotationFromRPY(rpy[0], rpy[1], rpy[2]),
		pose.Vec3{X: xyz[0], Y: xyz[1], Z: xyz[2]},
	)

	p := pose.FromTransform(t)
	if style == vmap.StyleCovariance {
		var c pose.Covariance
		copy(c[:], cov)
		p = pose.New(t, c)
	}

	return vmap.NewMarkerWithState(id, p, fixed != 0, updates), nil
}

func scalarFloat(node *yaml.Node, field string) (float64, error) {
	if node.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("%s: must be a scalar, line %d", field, node.Line)
	}
	var f float64
	if err := node.Decode(&f); err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}

	return f, nil
}

func scalarInt(node *yaml.Node, field string) (int, error) {
	if node.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("%s: must be a scalar, line %d", field, node.Line)
	}
	var n int
	if err := node.Decode(&n); err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}

	return n, nil
}

func floatSeq(node *yaml.Node, field string, arity int) ([]float64, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%s: must be a sequence, line %d", field, node.Line)
	}
	if len(node.Content) != arity {
		return nil, fmt.Errorf("%s: expected %d values, got %d, line %d", field, arity, len(node.Content), node.Line)
	}

	out := make([]float64, arity)
	for i, c := range node.Content {
		f, err := scalarFloat(c, field)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}

	return out, nil
}
