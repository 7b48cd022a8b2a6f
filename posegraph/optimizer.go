package posegraph

import (
	"context"
	"math"
	"runtime"
	"strconv"
	"sync"

	"github.com/katalvlaran/lvlath/bfs"
	lvcore "github.com/katalvlaran/lvlath/core"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/multiway/transform"
)

var (
	// ErrEmptyGraph is returned when the graph has no nodes.
	ErrEmptyGraph = errors.New("pose graph has no nodes")

	// ErrInvalidReferenceNode is returned when the reference node id is out
	// of range.
	ErrInvalidReferenceNode = errors.New("reference node is not a valid node index")

	// ErrInvalidOptions is returned for malformed optimization options.
	ErrInvalidOptions = errors.New("invalid optimization options")

	// ErrDisconnectedGraph is returned when some node cannot be reached from
	// the reference node through edges carrying information; its pose would
	// be underdetermined.
	ErrDisconnectedGraph = errors.New("pose graph is disconnected")

	// ErrSingularSystem is returned when the normal-equations matrix cannot
	// be factorized even under maximum damping.
	ErrSingularSystem = errors.New("normal equations are singular")
)

// jacobianStep is the central-difference step for linearizing edge residuals.
const jacobianStep = 1e-6

// Method selects the nonlinear least-squares update rule.
type Method int

const (
	// LevenbergMarquardt adaptively damps the normal equations; it is the
	// default since plain Gauss-Newton can diverge on graphs dominated by
	// uncertain loop-closure edges.
	LevenbergMarquardt Method = iota
	// GaussNewton solves the undamped system each iteration.
	GaussNewton
)

// ConvergenceCriteria bounds a single optimization pass.
type ConvergenceCriteria struct {
	// MaxIterations caps the number of linearize/solve/update rounds.
	MaxIterations int
	// MinRelativeResidualDecrease stops a pass when an accepted step reduces
	// the residual by less than this fraction.
	MinRelativeResidualDecrease float64
	// MinRelativeIncrement stops a pass when the pose-increment norm becomes
	// negligible relative to the pose parameters.
	MinRelativeIncrement float64
}

// DefaultConvergenceCriteria returns the standard termination settings.
func DefaultConvergenceCriteria() ConvergenceCriteria {
	return ConvergenceCriteria{
		MaxIterations:               100,
		MinRelativeResidualDecrease: 1e-6,
		MinRelativeIncrement:        1e-6,
	}
}

// OptimizeOptions configures global pose-graph optimization.
type OptimizeOptions struct {
	// MaxCorrespondenceDistance sets the residual scale of the line process:
	// its square is the regularization coefficient mu.
	MaxCorrespondenceDistance float64
	// EdgePruneThreshold removes loop-closure edges whose converged weight
	// falls below it, in (0, 1).
	EdgePruneThreshold float64
	// ReferenceNode is the gauge-fixed node whose pose stays identity.
	ReferenceNode int
	// Method selects Levenberg-Marquardt or Gauss-Newton.
	Method Method
	// Workers caps the parallelism of per-edge linearization. Zero means
	// GOMAXPROCS.
	Workers int
	// Logger receives per-pass convergence details.
	Logger logging.Logger
}

// DefaultOptimizeOptions mirrors the conventional global-optimization
// defaults.
func DefaultOptimizeOptions() OptimizeOptions {
	return OptimizeOptions{
		MaxCorrespondenceDistance: 0.03,
		EdgePruneThreshold:        0.25,
		ReferenceNode:             0,
		Method:                    LevenbergMarquardt,
	}
}

// Validate checks the option invariants.
func (o *OptimizeOptions) Validate() error {
	if o.MaxCorrespondenceDistance <= 0 {
		return errors.Wrap(ErrInvalidOptions, "max correspondence distance must be positive")
	}
	if o.EdgePruneThreshold <= 0 || o.EdgePruneThreshold >= 1 {
		return errors.Wrap(ErrInvalidOptions, "edge prune threshold must be in (0, 1)")
	}
	return nil
}

// Optimize refines every node pose in place with a robust two-pass scheme.
// Pass one treats each loop-closure weight as a free line-process variable;
// edges whose converged weight falls below the prune threshold are then
// removed, and pass two re-optimizes the surviving edges with all weights
// fixed at one. The reference node's pose is identity on return.
func Optimize(ctx context.Context, g *Graph, criteria ConvergenceCriteria, opts OptimizeOptions) error {
	ctx, span := trace.StartSpan(ctx, "multiway::posegraph::Optimize")
	defer span.End()

	if len(g.Nodes) == 0 {
		return ErrEmptyGraph
	}
	if opts.ReferenceNode < 0 || opts.ReferenceNode >= len(g.Nodes) {
		return errors.Wrapf(ErrInvalidReferenceNode, "%d with %d nodes", opts.ReferenceNode, len(g.Nodes))
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	if criteria.MaxIterations <= 0 {
		return errors.Wrap(ErrInvalidOptions, "max iterations must be positive")
	}
	if err := g.Validate(); err != nil {
		return errors.Wrap(err, "pose graph failed validation")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("posegraph")
	}

	fixGauge(g, opts.ReferenceNode)
	if len(g.Nodes) == 1 {
		return nil
	}
	if err := checkConnectivity(g, opts.ReferenceNode); err != nil {
		return err
	}

	o := &optimizer{graph: g, criteria: criteria, opts: opts, logger: logger}

	if err := o.runPass(ctx, true); err != nil {
		return errors.Wrap(err, "first optimization pass")
	}

	kept := g.Edges[:0]
	pruned := 0
	for _, e := range g.Edges {
		if e.Kind == LoopClosure && (e.Weight < opts.EdgePruneThreshold || e.informationStrength() == 0) {
			logger.Debugw("pruning loop-closure edge",
				"source", e.Source, "target", e.Target, "weight", e.Weight)
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	g.Edges = kept
	logger.Infow("edge pruning complete", "pruned", pruned, "remaining", len(g.Edges))

	for _, e := range g.Edges {
		e.Weight = 1
	}
	if err := o.runPass(ctx, false); err != nil {
		return errors.Wrap(err, "second optimization pass")
	}

	fixGauge(g, opts.ReferenceNode)
	return nil
}

// fixGauge left-multiplies every pose by the inverse of the reference pose so
// the reference node sits exactly at identity. Relative poses, and therefore
// all edge residuals, are unchanged.
func fixGauge(g *Graph, reference int) {
	anchor := g.Nodes[reference].Pose.Inverse()
	for i, n := range g.Nodes {
		if i == reference {
			continue
		}
		n.Pose = transform.Compose(anchor, n.Pose)
	}
	g.Nodes[reference].Pose = transform.Identity()
}

// checkConnectivity requires every node to be reachable from the reference
// through edges that carry information; anything else leaves poses
// underdetermined.
func checkConnectivity(g *Graph, reference int) error {
	lg := lvcore.NewGraph()
	for i := range g.Nodes {
		if err := lg.AddVertex(strconv.Itoa(i)); err != nil {
			return errors.Wrap(err, "building connectivity graph")
		}
	}
	seen := make(map[[2]int]struct{}, len(g.Edges))
	for _, e := range g.Edges {
		if e.informationStrength() == 0 {
			continue
		}
		a, b := e.Source, e.Target
		if a > b {
			a, b = b, a
		}
		if _, ok := seen[[2]int{a, b}]; ok {
			continue
		}
		seen[[2]int{a, b}] = struct{}{}
		if _, err := lg.AddEdge(strconv.Itoa(a), strconv.Itoa(b), 0); err != nil {
			return errors.Wrap(err, "building connectivity graph")
		}
	}
	res, err := bfs.BFS(lg, strconv.Itoa(reference))
	if err != nil {
		return errors.Wrap(err, "traversing connectivity graph")
	}
	if len(res.Order) != len(g.Nodes) {
		return errors.Wrapf(ErrDisconnectedGraph,
			"%d of %d nodes reachable from node %d", len(res.Order), len(g.Nodes), reference)
	}
	return nil
}

type optimizer struct {
	graph    *Graph
	criteria ConvergenceCriteria
	opts     OptimizeOptions
	logger   logging.Logger
}

// edgeContribution is one edge's linearization: the 6x12 residual Jacobian
// with respect to the twists of its two endpoint nodes, plus the residual.
type edgeContribution struct {
	jac      [6][12]float64
	residual [6]float64
}

func (o *optimizer) mu() float64 {
	return o.opts.MaxCorrespondenceDistance * o.opts.MaxCorrespondenceDistance
}

// edgeResidual computes log(T_ij^-1 · T_j^-1 · T_i) for the given poses. The
// measurement maps fragment i into fragment j's frame while node poses map
// fragments into the global frame, so the residual vanishes when
// T_ij = T_j^-1 · T_i.
func edgeResidual(e *Edge, poseI, poseJ transform.T) [6]float64 {
	rel := transform.Compose(e.Transform.Inverse(), transform.Compose(poseJ.Inverse(), poseI))
	return rel.Log()
}

// quad computes r^T·Lambda·r for an edge's information matrix.
func quad(e *Edge, r [6]float64) float64 {
	var total float64
	for a := 0; a < 6; a++ {
		for b := 0; b < 6; b++ {
			total += r[a] * e.Information.At(a, b) * r[b]
		}
	}
	return total
}

// dataEnergy is the weighted quadratic data term over all edges for the
// given candidate poses.
func (o *optimizer) dataEnergy(poses []transform.T) float64 {
	var total float64
	for _, e := range o.graph.Edges {
		r := edgeResidual(e, poses[e.Source], poses[e.Target])
		total += e.Weight * quad(e, r)
	}
	return total
}

// linearize computes every edge's Jacobian and residual at the given poses,
// in parallel across edges. The reference node's columns stay zero.
func (o *optimizer) linearize(poses []transform.T) []edgeContribution {
	edges := o.graph.Edges
	out := make([]edgeContribution, len(edges))

	workers := o.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(edges) {
		workers = len(edges)
	}

	work := func(begin, end int) {
		for k := begin; k < end; k++ {
			e := edges[k]
			c := edgeContribution{residual: edgeResidual(e, poses[e.Source], poses[e.Target])}
			for col := 0; col < 12; col++ {
				node := e.Source
				local := col
				if col >= 6 {
					node = e.Target
					local = col - 6
				}
				if node == o.opts.ReferenceNode {
					continue
				}
				var deltaPlus, deltaMinus [6]float64
				deltaPlus[local] = jacobianStep
				deltaMinus[local] = -jacobianStep

				perturbed := poses[node]
				posePlus := transform.Compose(transform.Exp(deltaPlus), perturbed)
				poseMinus := transform.Compose(transform.Exp(deltaMinus), perturbed)

				var rPlus, rMinus [6]float64
				if node == e.Source {
					rPlus = edgeResidual(e, posePlus, poses[e.Target])
					rMinus = edgeResidual(e, poseMinus, poses[e.Target])
				} else {
					rPlus = edgeResidual(e, poses[e.Source], posePlus)
					rMinus = edgeResidual(e, poses[e.Source], poseMinus)
				}
				for row := 0; row < 6; row++ {
					c.jac[row][col] = (rPlus[row] - rMinus[row]) / (2 * jacobianStep)
				}
			}
			out[k] = c
		}
	}

	if workers <= 1 {
		work(0, len(edges))
		return out
	}
	chunk := (len(edges) + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		begin := w * chunk
		end := begin + chunk
		if end > len(edges) {
			end = len(edges)
		}
		if begin >= end {
			break
		}
		wg.Add(1)
		goutils.PanicCapturingGo(func() {
			defer wg.Done()
			work(begin, end)
		})
	}
	wg.Wait()
	return out
}

// assemble scatters every edge's weighted block contribution into the global
// normal equations over the free nodes.
func (o *optimizer) assemble(contribs []edgeContribution, varIdx []int, dim int) (*mat.SymDense, *mat.VecDense) {
	h := mat.NewSymDense(dim, nil)
	b := mat.NewVecDense(dim, nil)

	for k, e := range o.graph.Edges {
		c := &contribs[k]
		w := e.Weight

		// lambdaJ = Lambda·J (6x12), lambdaR = Lambda·r
		var lambdaJ [6][12]float64
		var lambdaR [6]float64
		for a := 0; a < 6; a++ {
			for bb := 0; bb < 6; bb++ {
				lam := e.Information.At(a, bb)
				if lam == 0 {
					continue
				}
				for col := 0; col < 12; col++ {
					lambdaJ[a][col] += lam * c.jac[bb][col]
				}
				lambdaR[a] += lam * c.residual[bb]
			}
		}

		global := func(col int) int {
			node := e.Source
			local := col
			if col >= 6 {
				node = e.Target
				local = col - 6
			}
			if varIdx[node] < 0 {
				return -1
			}
			return varIdx[node]*6 + local
		}

		for p := 0; p < 12; p++ {
			gp := global(p)
			if gp < 0 {
				continue
			}
			var grad float64
			for a := 0; a < 6; a++ {
				grad += c.jac[a][p] * lambdaR[a]
			}
			b.SetVec(gp, b.AtVec(gp)+w*grad)

			for q := p; q < 12; q++ {
				gq := global(q)
				if gq < 0 {
					continue
				}
				var hpq float64
				for a := 0; a < 6; a++ {
					hpq += c.jac[a][p] * lambdaJ[a][q]
				}
				if gp <= gq {
					h.SetSym(gp, gq, h.At(gp, gq)+w*hpq)
				} else {
					h.SetSym(gq, gp, h.At(gq, gp)+w*hpq)
				}
			}
		}
	}
	return h, b
}

// solve factorizes (H + lambda·I) and returns the Gauss-Newton/LM step -δ
// direction as a flat vector.
func solveDamped(h *mat.SymDense, b *mat.VecDense, lambda float64) ([]float64, bool) {
	dim := b.Len()
	damped := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			v := h.At(i, j)
			if i == j {
				v += lambda
			}
			damped.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(damped); !ok {
		return nil, false
	}
	neg := mat.NewVecDense(dim, nil)
	for i := 0; i < dim; i++ {
		neg.SetVec(i, -b.AtVec(i))
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, neg); err != nil {
		return nil, false
	}
	out := make([]float64, dim)
	for i := 0; i < dim; i++ {
		out[i] = x.AtVec(i)
	}
	return out, true
}

// runPass iterates linearize/solve/update until the convergence criteria
// trigger. When weightsFree is set, loop-closure weights are refreshed after
// every accepted step with the closed-form line-process minimizer.
func (o *optimizer) runPass(ctx context.Context, weightsFree bool) error {
	g := o.graph
	varIdx := make([]int, len(g.Nodes))
	free := 0
	for i := range g.Nodes {
		if i == o.opts.ReferenceNode {
			varIdx[i] = -1
			continue
		}
		varIdx[i] = free
		free++
	}
	dim := free * 6
	if dim == 0 || len(g.Edges) == 0 {
		return nil
	}

	poses := make([]transform.T, len(g.Nodes))
	for i, n := range g.Nodes {
		poses[i] = n.Pose
	}
	energy := o.dataEnergy(poses)
	lambda := 1e-6

	for iter := 0; iter < o.criteria.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		contribs := o.linearize(poses)
		h, b := o.assemble(contribs, varIdx, dim)

		var delta []float64
		if o.opts.Method == GaussNewton {
			var ok bool
			delta, ok = solveDamped(h, b, 0)
			if !ok {
				return ErrSingularSystem
			}
		} else {
			ok := false
			for attempt := 0; attempt < 12; attempt++ {
				delta, ok = solveDamped(h, b, lambda)
				if ok {
					break
				}
				lambda *= 10
			}
			if !ok {
				return ErrSingularSystem
			}
		}

		candidate := make([]transform.T, len(poses))
		copy(candidate, poses)
		var incrementSq float64
		for i := range g.Nodes {
			if varIdx[i] < 0 {
				continue
			}
			var twist [6]float64
			for k := 0; k < 6; k++ {
				v := delta[varIdx[i]*6+k]
				twist[k] = v
				incrementSq += v * v
			}
			candidate[i] = transform.Compose(transform.Exp(twist), poses[i])
		}
		candidateEnergy := o.dataEnergy(candidate)

		accepted := o.opts.Method == GaussNewton || candidateEnergy <= energy
		if accepted {
			previous := energy
			poses = candidate
			energy = candidateEnergy
			if o.opts.Method == LevenbergMarquardt {
				lambda = math.Max(lambda/10, 1e-12)
			}
			if weightsFree {
				o.updateWeights(poses)
				energy = o.dataEnergy(poses)
			}

			increment := math.Sqrt(incrementSq)
			if increment < o.criteria.MinRelativeIncrement*(1+math.Sqrt(float64(dim))) {
				o.logger.Debugw("pass converged on increment",
					"iteration", iter, "increment", increment, "residual", energy)
				break
			}
			if previous > 0 && (previous-candidateEnergy) < o.criteria.MinRelativeResidualDecrease*previous {
				o.logger.Debugw("pass converged on residual decrease",
					"iteration", iter, "residual", energy)
				break
			}
		} else {
			lambda *= 10
			if lambda > 1e12 {
				o.logger.Debugw("damping saturated, stopping pass", "iteration", iter)
				break
			}
		}
	}

	for i, n := range g.Nodes {
		n.Pose = poses[i]
	}
	return nil
}

// updateWeights applies the closed-form line-process minimizer: with data
// term w·r^T·Λ·r and prior mu·(sqrt(w)-1)^2, the optimal weight is
// (mu/(mu + r^T·Λ·r))^2, decaying toward zero as the residual grows past the
// mu scale.
func (o *optimizer) updateWeights(poses []transform.T) {
	mu := o.mu()
	for _, e := range o.graph.Edges {
		if e.Kind != LoopClosure {
			continue
		}
		q := quad(e, edgeResidual(e, poses[e.Source], poses[e.Target]))
		w := mu / (mu + q)
		w *= w
		if w < 0 {
			w = 0
		} else if w > 1 {
			w = 1
		}
		e.Weight = w
	}
}
