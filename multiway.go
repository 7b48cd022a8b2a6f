// Package multiway aligns overlapping 3D point-cloud fragments into a single
// global frame. The pipeline voxel-downsamples each fragment, registers every
// fragment pair with coarse-to-fine point-to-plane ICP, assembles the pairwise
// results into a pose graph, and jointly refines all fragment poses with a
// robust two-pass optimization that prunes unreliable loop closures.
package multiway

import (
	"context"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/zap/zapcore"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/multiway/pointcloud"
	"github.com/viam-modules/multiway/posegraph"
	"github.com/viam-modules/multiway/registration"
	"github.com/viam-modules/multiway/transform"
)

// ErrInvalidConfig is returned when the pipeline configuration is malformed.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// coarse and fine correspondence thresholds as multiples of the voxel size
const (
	coarseVoxelMultiple = 15.0
	fineVoxelMultiple   = 1.5
)

// Config parameterizes the full align-and-merge pipeline. The zero value of
// every field except VoxelSize selects a sensible default.
type Config struct {
	// VoxelSize is the downsampling cell size applied to every input fragment
	// and to the merged result. Zero skips downsampling, in which case
	// CoarseDistance and FineDistance must be set explicitly.
	VoxelSize float64
	// CoarseDistance and FineDistance override the ICP correspondence
	// thresholds derived from VoxelSize (15x and 1.5x respectively).
	CoarseDistance float64
	FineDistance   float64
	// EdgePruneThreshold overrides the loop-closure pruning weight.
	EdgePruneThreshold float64
	// ReferenceNode selects which fragment anchors the global frame.
	ReferenceNode int
	// Workers caps the parallelism of pairwise registration and of the
	// optimizer's linearization. Zero means GOMAXPROCS.
	Workers int
	// ICP carries per-pair registration settings; the zero value selects
	// registration.DefaultOptions.
	ICP registration.Options
	// Criteria bounds each optimization pass; the zero value selects
	// posegraph.DefaultConvergenceCriteria.
	Criteria posegraph.ConvergenceCriteria
	// Logger receives pipeline progress. Nil selects a named default.
	Logger logging.Logger
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.VoxelSize < 0 {
		return errors.Wrapf(ErrInvalidConfig, "voxel size %f must not be negative", c.VoxelSize)
	}
	coarse, fine := c.distances()
	if fine <= 0 || coarse < fine {
		return errors.Wrapf(ErrInvalidConfig,
			"need coarse distance >= fine distance > 0, got coarse %f fine %f", coarse, fine)
	}
	if c.EdgePruneThreshold < 0 || c.EdgePruneThreshold >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "edge prune threshold %f must be in [0, 1)", c.EdgePruneThreshold)
	}
	return nil
}

func (c *Config) distances() (coarse, fine float64) {
	coarse, fine = c.CoarseDistance, c.FineDistance
	if coarse == 0 {
		coarse = c.VoxelSize * coarseVoxelMultiple
	}
	if fine == 0 {
		fine = c.VoxelSize * fineVoxelMultiple
	}
	return coarse, fine
}

func (c *Config) icpOptions() registration.Options {
	opts := c.ICP
	if opts.MaxIterations == 0 {
		opts = registration.DefaultOptions()
	}
	if opts.Workers == 0 {
		// pairwise jobs already run concurrently; keep each ICP serial so the
		// two pools do not oversubscribe
		opts.Workers = 1
	}
	return opts
}

func (c *Config) criteria() posegraph.ConvergenceCriteria {
	if c.Criteria.MaxIterations == 0 {
		return posegraph.DefaultConvergenceCriteria()
	}
	return c.Criteria
}

// Result holds the outcome of aligning a set of fragments.
type Result struct {
	// Poses maps each input fragment into the global frame; Poses[i] applied
	// to fragment i's points reproduces the shared scene.
	Poses []transform.T
	// Graph is the optimized pose graph, with pruned loop closures removed.
	Graph *posegraph.Graph

	fragments []*pointcloud.PointCloud
	voxelSize float64
}

// Merge applies the optimized poses to the (downsampled) fragments,
// concatenates them, and resamples the union onto the voxel grid.
func (r *Result) Merge() (*pointcloud.PointCloud, error) {
	placed := make([]*pointcloud.PointCloud, len(r.fragments))
	for i, frag := range r.fragments {
		placed[i] = frag.Transform(r.Poses[i])
	}
	merged := pointcloud.Merge(placed...)
	if r.voxelSize <= 0 {
		return merged, nil
	}
	return merged.VoxelDownsample(r.voxelSize)
}

// AlignPointClouds runs the full multiway registration pipeline over the given
// fragments and returns the optimized per-fragment poses.
func AlignPointClouds(ctx context.Context, clouds []*pointcloud.PointCloud, cfg Config) (*Result, error) {
	ctx, span := trace.StartSpan(ctx, "multiway::AlignPointClouds")
	defer span.End()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("multiway")
	}
	coarse, fine := cfg.distances()

	fragments := make([]*pointcloud.PointCloud, len(clouds))
	for i, c := range clouds {
		if cfg.VoxelSize <= 0 {
			fragments[i] = c
			continue
		}
		down, err := c.VoxelDownsample(cfg.VoxelSize)
		if err != nil {
			return nil, errors.Wrapf(err, "downsampling fragment %d", i)
		}
		logger.Debugw("downsampled fragment", "fragment", i, "before", c.Size(), "after", down.Size())
		fragments[i] = down
	}

	buildOpts := posegraph.BuildOptions{
		CoarseDistance: coarse,
		FineDistance:   fine,
		ICP:            cfg.icpOptions(),
		Workers:        cfg.Workers,
		Logger:         logger,
	}
	graph, err := posegraph.Build(ctx, fragments, buildOpts)
	if err != nil {
		return nil, errors.Wrap(err, "building pose graph")
	}
	logger.Infow("pose graph built", "nodes", len(graph.Nodes), "edges", len(graph.Edges))

	optOpts := posegraph.DefaultOptimizeOptions()
	optOpts.MaxCorrespondenceDistance = fine
	optOpts.ReferenceNode = cfg.ReferenceNode
	optOpts.Workers = cfg.Workers
	optOpts.Logger = logger
	if cfg.EdgePruneThreshold > 0 {
		optOpts.EdgePruneThreshold = cfg.EdgePruneThreshold
	}
	if err := posegraph.Optimize(ctx, graph, cfg.criteria(), optOpts); err != nil {
		return nil, errors.Wrap(err, "optimizing pose graph")
	}

	poses := make([]transform.T, len(graph.Nodes))
	for i, n := range graph.Nodes {
		poses[i] = n.Pose
	}
	if logger.Level() == zapcore.DebugLevel {
		for i, p := range poses {
			logger.Debugw("optimized fragment pose", "fragment", i, "translation", p.Translation())
		}
	}
	return &Result{
		Poses:     poses,
		Graph:     graph,
		fragments: fragments,
		voxelSize: cfg.VoxelSize,
	}, nil
}
