package pointcloud

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// treePoint carries a cloud point plus its index so that a query result can
// be mapped back to the owning cloud's normal.
type treePoint struct {
	pos   r3.Vector
	index int
}

// Compare implements kdtree.Comparable.
func (p treePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(treePoint)
	switch d {
	case 0:
		return p.pos.X - q.pos.X
	case 1:
		return p.pos.Y - q.pos.Y
	case 2:
		return p.pos.Z - q.pos.Z
	default:
		panic("illegal dimension")
	}
}

// Dims implements kdtree.Comparable.
func (p treePoint) Dims() int { return 3 }

// Distance implements kdtree.Comparable; it returns the squared Euclidean
// distance.
func (p treePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(treePoint)
	d := p.pos.Sub(q.pos)
	return d.Dot(d)
}

// treePoints satisfies kdtree.Interface.
type treePoints []treePoint

func (p treePoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p treePoints) Len() int                              { return len(p) }
func (p treePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements kdtree.Interface.
func (p treePoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{treePoints: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{treePoints: p, Dim: d}, 100))
}

// pointPlane implements kdtree.SortSlicer over a single dimension.
type pointPlane struct {
	treePoints
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.treePoints[i].pos.X < p.treePoints[j].pos.X
	case 1:
		return p.treePoints[i].pos.Y < p.treePoints[j].pos.Y
	case 2:
		return p.treePoints[i].pos.Z < p.treePoints[j].pos.Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{treePoints: p.treePoints[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.treePoints[i], p.treePoints[j] = p.treePoints[j], p.treePoints[i]
}

// KDTree is a nearest-neighbor index over a point cloud supporting radius
// queries. It is safe for concurrent readers.
type KDTree struct {
	cloud *PointCloud
	tree  *kdtree.Tree
}

// NewKDTree builds an index over the given cloud.
func NewKDTree(cloud *PointCloud) *KDTree {
	pts := make(treePoints, cloud.Size())
	for i := 0; i < cloud.Size(); i++ {
		pts[i] = treePoint{pos: cloud.Point(i), index: i}
	}
	return &KDTree{cloud: cloud, tree: kdtree.New(pts, false)}
}

// Cloud returns the indexed cloud.
func (k *KDTree) Cloud() *PointCloud {
	return k.cloud
}

// NearestWithin returns the index of the cloud point nearest to p, if one
// lies within maxDist of it.
func (k *KDTree) NearestWithin(p r3.Vector, maxDist float64) (int, bool) {
	got, distSq := k.tree.Nearest(treePoint{pos: p, index: -1})
	if got == nil || distSq > maxDist*maxDist {
		return 0, false
	}
	return got.(treePoint).index, true
}

// CountWithin reports how many cloud points lie within radius of p.
func (k *KDTree) CountWithin(p r3.Vector, radius float64) int {
	keeper := kdtree.NewDistKeeper(radius * radius)
	k.tree.NearestSet(keeper, treePoint{pos: p, index: -1})
	count := 0
	for _, c := range keeper.Heap {
		if c.Comparable != nil {
			count++
		}
	}
	return count
}
