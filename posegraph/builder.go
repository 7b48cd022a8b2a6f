package posegraph

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/multiway/pointcloud"
	"github.com/viam-modules/multiway/registration"
	"github.com/viam-modules/multiway/transform"
)

var (
	// ErrNoFragments is returned when Build is given no point clouds.
	ErrNoFragments = errors.New("at least one fragment is required")

	// ErrInvalidDistances is returned when the coarse/fine correspondence
	// distances are not positive and ordered.
	ErrInvalidDistances = errors.New("coarse distance must be >= fine distance > 0")
)

// BuildOptions configures pose-graph construction.
type BuildOptions struct {
	// CoarseDistance and FineDistance are the correspondence thresholds of
	// the two ICP stages run per fragment pair.
	CoarseDistance float64
	FineDistance   float64
	// ICP carries the per-pair registration settings.
	ICP registration.Options
	// Workers caps how many pairwise registrations run concurrently.
	// Zero means GOMAXPROCS.
	Workers int
	// Logger receives per-pair progress and degradation warnings.
	Logger logging.Logger
}

// DefaultBuildOptions derives the standard thresholds from a voxel size:
// coarse at 15x and fine at 1.5x the voxel.
func DefaultBuildOptions(voxelSize float64) BuildOptions {
	return BuildOptions{
		CoarseDistance: voxelSize * 15,
		FineDistance:   voxelSize * 1.5,
		ICP:            registration.DefaultOptions(),
	}
}

// Validate checks the option invariants.
func (o *BuildOptions) Validate() error {
	if o.FineDistance <= 0 || o.CoarseDistance < o.FineDistance {
		return errors.Wrapf(ErrInvalidDistances, "coarse %f, fine %f", o.CoarseDistance, o.FineDistance)
	}
	return nil
}

// pairResult is one pairwise registration outcome, written exactly once by
// the worker that computed it.
type pairResult struct {
	source, target int
	result         registration.Result
	err            error
}

// Build registers every unordered fragment pair (i, j), i<j, classifies the
// resulting edges as odometry (j == i+1) or loop closure, and seeds initial
// node poses by chaining the odometry transforms from fragment 0.
//
// A failed pairwise registration does not abort the build: the edge is still
// recorded with a zero information matrix so the optimizer can prune it.
func Build(ctx context.Context, clouds []*pointcloud.PointCloud, opts BuildOptions) (*Graph, error) {
	ctx, span := trace.StartSpan(ctx, "multiway::posegraph::Build")
	defer span.End()

	if len(clouds) == 0 {
		return nil, ErrNoFragments
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("posegraph")
	}

	graph := NewGraph()
	graph.AddNode(transform.Identity())
	if len(clouds) == 1 {
		return graph, nil
	}

	// one index per target fragment; built up front, shared read-only by all
	// workers
	trees := make([]*pointcloud.KDTree, len(clouds))
	for i, c := range clouds {
		trees[i] = pointcloud.NewKDTree(c)
	}

	type pair struct{ i, j int }
	var pairs []pair
	for i := 0; i < len(clouds); i++ {
		for j := i + 1; j < len(clouds); j++ {
			pairs = append(pairs, pair{i, j})
		}
	}

	results := make([]pairResult, len(pairs))
	jobs := make(chan int)
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(pairs) {
		workers = len(pairs)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		goutils.PanicCapturingGo(func() {
			defer wg.Done()
			for k := range jobs {
				if ctx.Err() != nil {
					results[k] = pairResult{source: pairs[k].i, target: pairs[k].j, err: ctx.Err()}
					continue
				}
				p := pairs[k]
				res, err := registration.CoarseToFine(
					ctx, clouds[p.i], trees[p.j], transform.Identity(),
					opts.CoarseDistance, opts.FineDistance, opts.ICP,
				)
				results[k] = pairResult{source: p.i, target: p.j, result: res, err: err}
			}
		})
	}
	for k := range pairs {
		jobs <- k
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "pose graph build interrupted")
	}

	// Chain odometry transforms as an explicit fold in ascending fragment
	// order: acc maps fragment 0 into fragment i+1's frame measurement by
	// measurement, and each node pose is its inverse.
	acc := transform.Identity()
	for _, pr := range results {
		if pr.target != pr.source+1 {
			continue
		}
		acc = transform.Compose(pr.result.Transform, acc)
		graph.AddNode(acc.Inverse())
	}

	for _, pr := range results {
		kind := LoopClosure
		if pr.target == pr.source+1 {
			kind = Odometry
		}
		if pr.err != nil {
			logger.Warnw("pairwise registration degraded",
				"source", pr.source, "target", pr.target, "error", pr.err)
		} else {
			logger.Debugw("pairwise registration",
				"source", pr.source, "target", pr.target, "kind", kind.String(),
				"fitness", pr.result.Fitness, "inlierRMSE", pr.result.InlierRMSE)
		}
		if err := graph.AddEdge(&Edge{
			Source:      pr.source,
			Target:      pr.target,
			Transform:   pr.result.Transform,
			Information: pr.result.Information,
			Kind:        kind,
			Weight:      1,
		}); err != nil {
			return nil, errors.Wrap(err, "recording pairwise alignment")
		}
	}
	return graph, nil
}
