package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ErrInvalidVoxelSize is returned when a non-positive voxel size is given.
var ErrInvalidVoxelSize = errors.New("voxel size must be positive")

type voxelKey struct {
	x, y, z int64
}

type voxelAccum struct {
	position r3.Vector
	normal   r3.Vector
	count    int
}

// VoxelDownsample resamples the cloud onto a regular grid with the given cell
// size. Each occupied cell collapses to the centroid of its points with the
// averaged (renormalized) normal. The relative ordering of surviving cells
// follows first appearance in the input, keeping the result deterministic.
func (pc *PointCloud) VoxelDownsample(voxelSize float64) (*PointCloud, error) {
	if voxelSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidVoxelSize, "got %f", voxelSize)
	}

	cells := make(map[voxelKey]*voxelAccum, pc.Size())
	order := make([]voxelKey, 0, pc.Size())
	for i := 0; i < pc.Size(); i++ {
		p := pc.Point(i)
		key := voxelKey{
			x: int64(math.Floor(p.X / voxelSize)),
			y: int64(math.Floor(p.Y / voxelSize)),
			z: int64(math.Floor(p.Z / voxelSize)),
		}
		acc, ok := cells[key]
		if !ok {
			acc = &voxelAccum{}
			cells[key] = acc
			order = append(order, key)
		}
		acc.position = acc.position.Add(p)
		acc.normal = acc.normal.Add(pc.Normal(i))
		acc.count++
	}

	points := make([]r3.Vector, 0, len(order))
	normals := make([]r3.Vector, 0, len(order))
	for _, key := range order {
		acc := cells[key]
		points = append(points, acc.position.Mul(1/float64(acc.count)))
		n := acc.normal
		if n.Norm() < normalLengthTolerance {
			// opposing normals cancelled out; fall back to a fixed up vector
			n = r3.Vector{X: 0, Y: 0, Z: 1}
		}
		normals = append(normals, n.Normalize())
	}
	return &PointCloud{points: points, normals: normals}, nil
}
