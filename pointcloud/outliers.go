package pointcloud

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ErrInvalidOutlierParams is returned for a non-positive radius or neighbor
// count.
var ErrInvalidOutlierParams = errors.New("outlier removal requires a positive radius and neighbor count")

// RemoveRadiusOutliers returns a copy of the cloud without points that have
// fewer than minNeighbors other points within radius of them. Merged scans
// often carry stray points from imperfect alignment at fragment seams; this
// filters them before downstream consumption.
func (pc *PointCloud) RemoveRadiusOutliers(minNeighbors int, radius float64) (*PointCloud, error) {
	if minNeighbors <= 0 || radius <= 0 {
		return nil, errors.Wrapf(ErrInvalidOutlierParams, "min neighbors %d, radius %f", minNeighbors, radius)
	}

	tree := NewKDTree(pc)
	points := make([]r3.Vector, 0, pc.Size())
	normals := make([]r3.Vector, 0, pc.Size())
	for i := 0; i < pc.Size(); i++ {
		// the count includes the query point itself
		if tree.CountWithin(pc.Point(i), radius)-1 >= minNeighbors {
			points = append(points, pc.Point(i))
			normals = append(normals, pc.Normal(i))
		}
	}
	return &PointCloud{points: points, normals: normals}, nil
}
