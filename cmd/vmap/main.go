// Command vmap builds a fiducial marker map from a stream of observation
// frames. Frames arrive as JSON lines on stdin or from a file; each frame
// carries the camera intrinsics and the markers detected in one image. The
// camera is localized against the map every frame, the map is refined with
// the configured update policy, and the map document is saved periodically
// and on exit.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/milosgajdos/matrix"

	vlam "github.com/clydemcqueen/fiducial-vlam-sam"
	"github.com/clydemcqueen/fiducial-vlam-sam/bootstrap"
	"github.com/clydemcqueen/fiducial-vlam-sam/estimator/geometric"
	"github.com/clydemcqueen/fiducial-vlam-sam/estimator/graphest"
	"github.com/clydemcqueen/fiducial-vlam-sam/geometry"
	"github.com/clydemcqueen/fiducial-vlam-sam/mapio"
	"github.com/clydemcqueen/fiducial-vlam-sam/pnp"
	"github.com/clydemcqueen/fiducial-vlam-sam/pose"
	"github.com/clydemcqueen/fiducial-vlam-sam/update"
	"github.com/clydemcqueen/fiducial-vlam-sam/visual"
	"github.com/clydemcqueen/fiducial-vlam-sam/vmap"
)

type config struct {
	// ObsFile is the observation stream; "-" means stdin
	ObsFile string `env:"VMAP_OBS_FILE" envDefault:"-"`
	// MapFile is the map document to load and save
	MapFile string `env:"VMAP_MAP_FILE" envDefault:"marker_map.yaml"`
	// UseExistingMap loads MapFile as the full working map
	UseExistingMap bool `env:"VMAP_USE_EXISTING_MAP"`
	// InitStyle selects the bootstrap anchoring strategy
	InitStyle int `env:"VMAP_INIT_STYLE" envDefault:"2"`
	// InitID is the anchor marker id
	InitID int `env:"VMAP_INIT_ID"`
	// InitXYZ and InitRPY give the anchor pose
	InitXYZ []float64 `env:"VMAP_INIT_XYZ" envSeparator:"," envDefault:"0,0,0"`
	InitRPY []float64 `env:"VMAP_INIT_RPY" envSeparator:"," envDefault:"0,0,0"`
	// MarkerLength is the shared marker side length in meters
	MarkerLength float64 `env:"VMAP_MARKER_LENGTH" envDefault:"0.1778"`
	// UseGraph selects the factor-graph pipeline over the geometric one
	UseGraph bool `env:"VMAP_USE_GRAPH" envDefault:"true"`
	// CornerSigma is the corner pixel noise for the graph pipeline
	CornerSigma float64 `env:"VMAP_CORNER_SIGMA" envDefault:"1.0"`
	// SaveInterval saves the map every N frames; 0 disables periodic save
	SaveInterval int `env:"VMAP_SAVE_INTERVAL" envDefault:"100"`
	// PlotFile renders the final map to a PNG; empty disables
	PlotFile string `env:"VMAP_PLOT_FILE"`
	// PrintCov prints the camera covariance every frame
	PrintCov bool `env:"VMAP_PRINT_COV"`
}

// frame is one JSON line of the observation stream.
type frame struct {
	Camera  geometry.Camera `json:"camera"`
	Markers []frameMarker   `json:"markers"`
}

type frameMarker struct {
	ID      int          `json:"id"`
	Corners [][2]float64 `json:"corners"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse configuration: %v", err)
	}

	if len(cfg.InitXYZ) != 3 || len(cfg.InitRPY) != 3 {
		log.Fatalf("Invalid anchor pose: xyz %v, rpy %v", cfg.InitXYZ, cfg.InitRPY)
	}
	initPose := pose.NewTransform(
		pose.RotationFromRPY(cfg.InitRPY[0], cfg.InitRPY[1], cfg.InitRPY[2]),
		pose.Vec3{X: cfg.InitXYZ[0], Y: cfg.InitXYZ[1], Z: cfg.InitXYZ[2]},
	)

	mapStyle := vmap.StylePose
	if cfg.UseGraph {
		mapStyle = vmap.StyleCovariance
	}

	bootCfg := bootstrap.Config{
		LoadFilename:   cfg.MapFile,
		UseExistingMap: cfg.UseExistingMap,
		InitStyle:      bootstrap.Style(cfg.InitStyle),
		InitID:         cfg.InitID,
		InitPose:       initPose,
		MarkerLength:   cfg.MarkerLength,
		MapStyle:       mapStyle,
	}

	m, err := bootstrap.Initialize(bootCfg)
	if err != nil {
		log.Fatalf("Failed to initialize map: %v", err)
	}

	in := os.Stdin
	if cfg.ObsFile != "-" {
		f, err := os.Open(cfg.ObsFile)
		if err != nil {
			log.Fatalf("Failed to open observation stream: %v", err)
		}
		defer f.Close()
		in = f
	}

	if err := run(cfg, bootCfg, m, in); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(cfg config, bootCfg bootstrap.Config, m *vmap.Map, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	var frames int
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var fr frame
		if err := json.Unmarshal(line, &fr); err != nil {
			log.Printf("frame %d: skipping malformed frame: %v", frames, err)
			continue
		}
		frames++

		// single-marker frames carry no relative geometry
		if len(fr.Markers) < 2 {
			continue
		}

		obs, err := frameObservations(fr)
		if err != nil {
			log.Printf("frame %d: %v", frames, err)
			continue
		}

		// intrinsics can change between frames; engines are cheap to build
		solver := pnp.New(pnp.DefaultConfig())

		if m == nil {
			m, err = bootstrapFromFrame(bootCfg, fr.Camera, obs, solver)
			if err != nil {
				log.Printf("frame %d: bootstrap: %v", frames, err)
				continue
			}
		}

		camera, policy, err := estimate(cfg, fr.Camera, solver, obs, m)
		if err != nil {
			log.Printf("frame %d: %v", frames, err)
			continue
		}
		if !camera.Valid() {
			log.Printf("frame %d: cannot localize", frames)
			continue
		}

		t := camera.Transform()
		roll, pitch, yaw := t.R.RPY()
		log.Printf("frame %d: camera xyz [%.3f %.3f %.3f] rpy [%.3f %.3f %.3f]",
			frames, t.T.X, t.T.Y, t.T.Z, roll, pitch, yaw)
		if cfg.PrintCov {
			fmt.Printf("camera covariance:\n%v\n", matrix.Format(camera.Cov().Matrix()))
		}

		if err := policy.Update(m, obs, camera); err != nil {
			log.Printf("frame %d: update: %v", frames, err)
		}

		if cfg.SaveInterval > 0 && frames%cfg.SaveInterval == 0 {
			if err := mapio.SaveFile(cfg.MapFile, m); err != nil {
				log.Printf("frame %d: %v", frames, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("observation stream: %v", err)
	}

	if m == nil {
		return fmt.Errorf("no frames could bootstrap a map")
	}

	if err := mapio.SaveFile(cfg.MapFile, m); err != nil {
		return err
	}
	log.Printf("saved %d markers to %s after %d frames", m.Len(), cfg.MapFile, frames)

	if cfg.PlotFile != "" {
		if err := visual.SavePNG(m, cfg.PlotFile); err != nil {
			return err
		}
		log.Printf("rendered map to %s", cfg.PlotFile)
	}

	return nil
}

// estimate builds the configured pipeline for this frame's intrinsics and
// localizes the camera.
func estimate(cfg config, cam geometry.Camera, solver vlam.PoseSolver, obs vlam.ObservationSet, m *vmap.Map) (pose.WithCovariance, update.Policy, error) {
	if cfg.UseGraph {
		gcfg := graphest.DefaultConfig()
		gcfg.CornerSigma = cfg.CornerSigma
		engine, err := graphest.New(cam, solver, gcfg)
		if err != nil {
			return pose.Invalid(), nil, err
		}
		camera, err := engine.CameraFromMap(obs, m)

		return camera, update.NewJoint(engine), err
	}

	engine, err := geometric.New(cam, solver, geometric.DefaultConfig())
	if err != nil {
		return pose.Invalid(), nil, err
	}
	camera, err := engine.CameraFromMap(obs, m)

	return camera, update.NewSimpleAverage(engine), err
}

func bootstrapFromFrame(bootCfg bootstrap.Config, cam geometry.Camera, obs vlam.ObservationSet, solver vlam.PoseSolver) (*vmap.Map, error) {
	engine, err := geometric.New(cam, solver, geometric.DefaultConfig())
	if err != nil {
		return nil, err
	}

	return bootstrap.FromObservations(bootCfg, obs, engine)
}

func frameObservations(fr frame) (vlam.ObservationSet, error) {
	obs := make(vlam.ObservationSet, 0, len(fr.Markers))
	for _, mk := range fr.Markers {
		corners := make([]geometry.Point2, len(mk.Corners))
		for i, c := range mk.Corners {
			corners[i] = geometry.Point2{X: c[0], Y: c[1]}
		}
		o, err := vlam.NewObservation(mk.ID, corners)
		if err != nil {
			return nil, err
		}
		obs = append(obs, o)
	}

	return obs, nil
}
