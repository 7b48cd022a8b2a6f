// Package pointcloud provides the oriented point-cloud container consumed by
// pairwise registration, along with a kd-tree spatial index, voxel-grid
// downsampling, and transform/merge helpers.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/viam-modules/multiway/transform"
)

// normalLengthTolerance is how far a supplied normal may deviate from unit
// length before New rejects it.
const normalLengthTolerance = 1e-6

// ErrMismatchedNormals is returned when the number of normals does not match
// the number of points.
var ErrMismatchedNormals = errors.New("point cloud must carry one normal per point")

// ErrDegenerateNormal is returned when a supplied normal has zero length.
var ErrDegenerateNormal = errors.New("point cloud normal has zero length")

// PointCloud is an ordered collection of points with per-point unit normals.
// It is immutable once constructed; transforms produce new clouds.
type PointCloud struct {
	points  []r3.Vector
	normals []r3.Vector
}

// New creates a point cloud from parallel position and normal slices. Normals
// are normalized to unit length; a zero-length normal is an error.
func New(points, normals []r3.Vector) (*PointCloud, error) {
	if len(points) != len(normals) {
		return nil, errors.Wrapf(ErrMismatchedNormals, "%d points, %d normals", len(points), len(normals))
	}
	normalized := make([]r3.Vector, len(normals))
	for i, n := range normals {
		norm := n.Norm()
		if norm < normalLengthTolerance {
			return nil, errors.Wrapf(ErrDegenerateNormal, "normal %d", i)
		}
		if math.Abs(norm-1) > normalLengthTolerance {
			n = n.Mul(1 / norm)
		}
		normalized[i] = n
	}
	cloudPoints := make([]r3.Vector, len(points))
	copy(cloudPoints, points)
	return &PointCloud{points: cloudPoints, normals: normalized}, nil
}

// Size returns the number of points in the cloud.
func (pc *PointCloud) Size() int {
	return len(pc.points)
}

// Point returns the position of point i.
func (pc *PointCloud) Point(i int) r3.Vector {
	return pc.points[i]
}

// Normal returns the unit normal of point i.
func (pc *PointCloud) Normal(i int) r3.Vector {
	return pc.normals[i]
}

// Transform returns a new cloud with every point moved by t and every normal
// rotated by t's rotation.
func (pc *PointCloud) Transform(t transform.T) *PointCloud {
	points := make([]r3.Vector, len(pc.points))
	normals := make([]r3.Vector, len(pc.normals))
	for i := range pc.points {
		points[i] = t.Apply(pc.points[i])
		normals[i] = t.ApplyToNormal(pc.normals[i])
	}
	return &PointCloud{points: points, normals: normals}
}

// Merge concatenates the given clouds into a single one, preserving order.
func Merge(clouds ...*PointCloud) *PointCloud {
	var total int
	for _, c := range clouds {
		total += c.Size()
	}
	points := make([]r3.Vector, 0, total)
	normals := make([]r3.Vector, 0, total)
	for _, c := range clouds {
		points = append(points, c.points...)
		normals = append(normals, c.normals...)
	}
	return &PointCloud{points: points, normals: normals}
}
