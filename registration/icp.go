// Package registration implements pairwise rigid alignment of oriented point
// clouds with a coarse-to-fine point-to-plane ICP scheme. Each call returns
// the refined transform together with an information matrix expressing how
// well constrained the alignment is.
package registration

import (
	"context"
	"math"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/multiway/pointcloud"
	"github.com/viam-modules/multiway/transform"
)

var (
	// ErrInsufficientCorrespondences is returned when too few source points
	// find a neighbor in the target to constrain the 6x6 system.
	ErrInsufficientCorrespondences = errors.New("not enough correspondences between source and target")

	// ErrIllConditioned is returned when the normal-equations system cannot
	// be factorized, typically because all correspondences lie on one plane.
	ErrIllConditioned = errors.New("normal equations are not positive definite")
)

// Options controls a single ICP invocation.
type Options struct {
	// MaxIterations bounds the correspondence/update loop.
	MaxIterations int
	// RelativeFitness stops iteration once the fitness change drops below it.
	RelativeFitness float64
	// RelativeRMSE stops iteration once the inlier RMSE change drops below it.
	RelativeRMSE float64
	// MinCorrespondences is the smallest inlier count considered solvable.
	MinCorrespondences int
	// Workers caps the parallelism of correspondence accumulation.
	// Zero means GOMAXPROCS.
	Workers int
}

// DefaultOptions returns the standard ICP convergence settings.
func DefaultOptions() Options {
	return Options{
		MaxIterations:      30,
		RelativeFitness:    1e-6,
		RelativeRMSE:       1e-6,
		MinCorrespondences: 10,
	}
}

// Result is the outcome of a pairwise registration.
type Result struct {
	// Transform maps source coordinates into the target frame.
	Transform transform.T
	// Information is the 6x6 J^T·J of the point-to-plane system at
	// convergence, an inverse-covariance-like confidence weight. It is the
	// zero matrix when registration failed.
	Information *mat.SymDense
	// Fitness is the fraction of source points with an inlier correspondence.
	Fitness float64
	// InlierRMSE is the root-mean-square correspondence distance over inliers.
	InlierRMSE float64
	// Correspondences is the inlier count of the final iteration.
	Correspondences int
}

// partial is one worker's share of the normal-equations accumulation.
// jtj holds the upper triangle of J^T·J in row-major order.
type partial struct {
	jtj   [21]float64
	jtr   [6]float64
	count int
	sqErr float64
}

func (p *partial) add(q partial) {
	for i := range p.jtj {
		p.jtj[i] += q.jtj[i]
	}
	for i := range p.jtr {
		p.jtr[i] += q.jtr[i]
	}
	p.count += q.count
	p.sqErr += q.sqErr
}

// accumulate builds the point-to-plane normal equations for source points in
// [begin, end) under the current transform estimate.
func accumulate(
	source *pointcloud.PointCloud,
	target *pointcloud.KDTree,
	current transform.T,
	maxDist float64,
	begin, end int,
) partial {
	var acc partial
	cloud := target.Cloud()
	for i := begin; i < end; i++ {
		p := current.Apply(source.Point(i))
		idx, ok := target.NearestWithin(p, maxDist)
		if !ok {
			continue
		}
		q := cloud.Point(idx)
		n := cloud.Normal(idx)
		diff := p.Sub(q)
		residual := diff.Dot(n)

		// J = (p x n, n) for the twist update Exp(delta)·T
		j := [6]float64{
			p.Y*n.Z - p.Z*n.Y,
			p.Z*n.X - p.X*n.Z,
			p.X*n.Y - p.Y*n.X,
			n.X, n.Y, n.Z,
		}
		k := 0
		for r := 0; r < 6; r++ {
			for c := r; c < 6; c++ {
				acc.jtj[k] += j[r] * j[c]
				k++
			}
			acc.jtr[r] += j[r] * residual
		}
		acc.count++
		acc.sqErr += diff.Dot(diff)
	}
	return acc
}

// buildSystem runs the accumulation across a worker pool and merges the
// partial sums. Summation is commutative, so worker scheduling order does not
// affect the result.
func buildSystem(
	source *pointcloud.PointCloud,
	target *pointcloud.KDTree,
	current transform.T,
	maxDist float64,
	workers int,
) partial {
	n := source.Size()
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		return accumulate(source, target, current, maxDist, 0, n)
	}

	partials := make([]partial, workers)
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		begin := w * chunk
		end := begin + chunk
		if end > n {
			end = n
		}
		if begin >= end {
			break
		}
		w := w
		wg.Add(1)
		goutils.PanicCapturingGo(func() {
			defer wg.Done()
			partials[w] = accumulate(source, target, current, maxDist, begin, end)
		})
	}
	wg.Wait()

	var total partial
	for i := range partials {
		total.add(partials[i])
	}
	return total
}

// ICP refines guess so that source aligns onto target, using point-to-plane
// residuals and correspondences within maxDist. On failure the returned
// Result still carries the last transform estimate, zero fitness, and a zero
// information matrix so that callers may record a degraded alignment.
func ICP(
	ctx context.Context,
	source *pointcloud.PointCloud,
	target *pointcloud.KDTree,
	guess transform.T,
	maxDist float64,
	opts Options,
) (Result, error) {
	current := guess
	prevFitness, prevRMSE := 0.0, 0.0

	var sys partial
	for iter := 0; iter < opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return degraded(current), err
		}

		sys = buildSystem(source, target, current, maxDist, opts.Workers)
		if sys.count < opts.MinCorrespondences {
			return degraded(current), errors.Wrapf(ErrInsufficientCorrespondences,
				"%d inliers, need at least %d", sys.count, opts.MinCorrespondences)
		}

		delta, err := solveTwist(sys)
		if err != nil {
			return degraded(current), err
		}
		current = transform.Compose(transform.Exp(delta), current)

		fitness := float64(sys.count) / float64(source.Size())
		rmse := math.Sqrt(sys.sqErr / float64(sys.count))
		if iter > 0 &&
			math.Abs(fitness-prevFitness) < opts.RelativeFitness &&
			math.Abs(rmse-prevRMSE) < opts.RelativeRMSE {
			prevFitness, prevRMSE = fitness, rmse
			break
		}
		prevFitness, prevRMSE = fitness, rmse
	}

	// final accumulation at the converged transform for the reported
	// information matrix and statistics
	sys = buildSystem(source, target, current, maxDist, opts.Workers)
	if sys.count < opts.MinCorrespondences {
		return degraded(current), errors.Wrapf(ErrInsufficientCorrespondences,
			"%d inliers at convergence, need at least %d", sys.count, opts.MinCorrespondences)
	}
	return Result{
		Transform:       current,
		Information:     information(sys),
		Fitness:         float64(sys.count) / float64(source.Size()),
		InlierRMSE:      math.Sqrt(sys.sqErr / float64(sys.count)),
		Correspondences: sys.count,
	}, nil
}

// CoarseToFine is the standard two-stage scheme: a coarse pass from guess
// followed by a fine pass seeded with the coarse result. The information
// matrix reflects the fine threshold.
func CoarseToFine(
	ctx context.Context,
	source *pointcloud.PointCloud,
	target *pointcloud.KDTree,
	guess transform.T,
	coarseDist, fineDist float64,
	opts Options,
) (Result, error) {
	coarse, err := ICP(ctx, source, target, guess, coarseDist, opts)
	if err != nil {
		return coarse, errors.Wrap(err, "coarse pass")
	}
	fine, err := ICP(ctx, source, target, coarse.Transform, fineDist, opts)
	if err != nil {
		return fine, errors.Wrap(err, "fine pass")
	}
	return fine, nil
}

func degraded(current transform.T) Result {
	return Result{Transform: current, Information: mat.NewSymDense(6, nil)}
}

func information(sys partial) *mat.SymDense {
	info := mat.NewSymDense(6, nil)
	k := 0
	for r := 0; r < 6; r++ {
		for c := r; c < 6; c++ {
			info.SetSym(r, c, sys.jtj[k])
			k++
		}
	}
	return info
}

func solveTwist(sys partial) ([6]float64, error) {
	h := mat.NewSymDense(6, nil)
	g := mat.NewVecDense(6, nil)
	k := 0
	for r := 0; r < 6; r++ {
		for c := r; c < 6; c++ {
			h.SetSym(r, c, sys.jtj[k])
			k++
		}
		g.SetVec(r, -sys.jtr[r])
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(h); !ok {
		return [6]float64{}, ErrIllConditioned
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, g); err != nil {
		return [6]float64{}, errors.Wrap(ErrIllConditioned, err.Error())
	}

	var delta [6]float64
	for i := 0; i < 6; i++ {
		delta[i] = x.AtVec(i)
	}
	return delta, nil
}
