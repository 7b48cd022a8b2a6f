// Package posegraph implements multiway registration: it builds a graph of
// pairwise fragment alignments and jointly refines all fragment poses with a
// robust two-pass nonlinear least-squares optimizer that distinguishes
// correct alignments from spurious ones.
package posegraph

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/multiway/transform"
)

var (
	// ErrSelfEdge is returned when an edge connects a node to itself.
	ErrSelfEdge = errors.New("edge source and target must differ")

	// ErrNodeOutOfRange is returned when an edge references a missing node.
	ErrNodeOutOfRange = errors.New("edge references a node outside the graph")

	// ErrDuplicateEdge is returned when an ordered node pair already has an edge.
	ErrDuplicateEdge = errors.New("ordered node pair already has an edge")

	// ErrBadInformationMatrix is returned when an edge's information matrix
	// is missing or not 6x6.
	ErrBadInformationMatrix = errors.New("edge information matrix must be 6x6")
)

// EdgeKind classifies how much an edge measurement is trusted.
type EdgeKind int

const (
	// Odometry edges connect sequentially adjacent fragments and are trusted
	// unconditionally.
	Odometry EdgeKind = iota
	// LoopClosure edges connect non-adjacent fragments; each carries a free
	// robustness weight the optimizer may drive toward zero.
	LoopClosure
)

// String implements fmt.Stringer.
func (k EdgeKind) String() string {
	switch k {
	case Odometry:
		return "odometry"
	case LoopClosure:
		return "loop-closure"
	default:
		return "unknown"
	}
}

// Node holds one fragment's pose, mapping its local frame into the global
// frame.
type Node struct {
	Pose transform.T
}

// Edge is a measured relative transform between two fragments together with
// its confidence.
type Edge struct {
	// Source and Target are node indices; the measurement aligns fragment
	// Source onto fragment Target.
	Source int
	Target int
	// Transform is the measured relative transform T_ij.
	Transform transform.T
	// Information is the 6x6 positive-semidefinite inverse-covariance weight
	// of the measurement. A zero matrix marks a degraded edge.
	Information *mat.SymDense
	// Kind tags the edge as odometry or loop closure.
	Kind EdgeKind
	// Weight is the line-process robustness weight in [0, 1]. It is only
	// meaningful for loop closures; odometry edges stay pinned at 1.
	Weight float64
}

// informationStrength is the absolute entry sum of the information matrix;
// zero means the edge carries no constraint.
func (e *Edge) informationStrength() float64 {
	var sum float64
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			sum += math.Abs(e.Information.At(i, j))
		}
	}
	return sum
}

// Graph is a pose graph: an ordered list of fragment poses and a set of
// pairwise alignment edges. It is built once and then mutated in place by
// Optimize; it must not be shared across concurrent writers.
type Graph struct {
	Nodes []*Node
	Edges []*Edge
}

// NewGraph returns an empty pose graph.
func NewGraph() *Graph {
	return &Graph{}
}

// AddNode appends a node with the given pose and returns its index.
func (g *Graph) AddNode(pose transform.T) int {
	g.Nodes = append(g.Nodes, &Node{Pose: pose})
	return len(g.Nodes) - 1
}

// AddEdge appends e after validating it against the current graph.
func (g *Graph) AddEdge(e *Edge) error {
	if err := g.checkEdge(e); err != nil {
		return err
	}
	for _, existing := range g.Edges {
		if existing.Source == e.Source && existing.Target == e.Target {
			return errors.Wrapf(ErrDuplicateEdge, "(%d, %d)", e.Source, e.Target)
		}
	}
	g.Edges = append(g.Edges, e)
	return nil
}

func (g *Graph) checkEdge(e *Edge) error {
	if e.Source == e.Target {
		return errors.Wrapf(ErrSelfEdge, "node %d", e.Source)
	}
	if e.Source < 0 || e.Source >= len(g.Nodes) || e.Target < 0 || e.Target >= len(g.Nodes) {
		return errors.Wrapf(ErrNodeOutOfRange, "(%d, %d) with %d nodes", e.Source, e.Target, len(g.Nodes))
	}
	if e.Information == nil || e.Information.SymmetricDim() != 6 {
		return errors.Wrapf(ErrBadInformationMatrix, "(%d, %d)", e.Source, e.Target)
	}
	return nil
}

// Validate re-checks every edge invariant, combining all violations.
func (g *Graph) Validate() error {
	var err error
	seen := make(map[[2]int]struct{}, len(g.Edges))
	for _, e := range g.Edges {
		err = multierr.Append(err, g.checkEdge(e))
		key := [2]int{e.Source, e.Target}
		if _, ok := seen[key]; ok {
			err = multierr.Append(err, errors.Wrapf(ErrDuplicateEdge, "(%d, %d)", e.Source, e.Target))
		}
		seen[key] = struct{}{}
	}
	return err
}

// nodeRecord and edgeRecord are the persisted form: poses as row-major 4x4
// matrices, information matrices as the 21 upper-triangular entries.
type nodeRecord struct {
	Pose [16]float64 `json:"pose"`
}

type edgeRecord struct {
	Source      int         `json:"source"`
	Target      int         `json:"target"`
	Transform   [16]float64 `json:"transform"`
	Information [21]float64 `json:"information"`
	Uncertain   bool        `json:"uncertain"`
}

type graphRecord struct {
	Nodes []nodeRecord `json:"nodes"`
	Edges []edgeRecord `json:"edges"`
}

func flattenTransform(t transform.T) [16]float64 {
	var out [16]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i*4+j] = t.At(i, j)
		}
	}
	return out
}

func unflattenTransform(vals [16]float64) transform.T {
	return transform.FromMatrix(vals)
}

func flattenInformation(info *mat.SymDense) [21]float64 {
	var out [21]float64
	k := 0
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			out[k] = info.At(i, j)
			k++
		}
	}
	return out
}

func unflattenInformation(vals [21]float64) *mat.SymDense {
	info := mat.NewSymDense(6, nil)
	k := 0
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			info.SetSym(i, j, vals[k])
			k++
		}
	}
	return info
}

// MarshalJSON implements json.Marshaler using the persisted form.
func (g *Graph) MarshalJSON() ([]byte, error) {
	rec := graphRecord{
		Nodes: make([]nodeRecord, 0, len(g.Nodes)),
		Edges: make([]edgeRecord, 0, len(g.Edges)),
	}
	for _, n := range g.Nodes {
		rec.Nodes = append(rec.Nodes, nodeRecord{Pose: flattenTransform(n.Pose)})
	}
	for _, e := range g.Edges {
		rec.Edges = append(rec.Edges, edgeRecord{
			Source:      e.Source,
			Target:      e.Target,
			Transform:   flattenTransform(e.Transform),
			Information: flattenInformation(e.Information),
			Uncertain:   e.Kind == LoopClosure,
		})
	}
	return json.Marshal(rec)
}

// UnmarshalJSON implements json.Unmarshaler; restored loop-closure weights
// reset to 1.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var rec graphRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return errors.Wrap(err, "decoding pose graph")
	}
	restored := Graph{}
	for _, n := range rec.Nodes {
		restored.AddNode(unflattenTransform(n.Pose))
	}
	for _, e := range rec.Edges {
		kind := Odometry
		if e.Uncertain {
			kind = LoopClosure
		}
		if err := restored.AddEdge(&Edge{
			Source:      e.Source,
			Target:      e.Target,
			Transform:   unflattenTransform(e.Transform),
			Information: unflattenInformation(e.Information),
			Kind:        kind,
			Weight:      1,
		}); err != nil {
			return err
		}
	}
	*g = restored
	return nil
}
