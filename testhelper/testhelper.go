// Package testhelper provides synthetic oriented point clouds and assertion
// helpers shared by the registration and pose-graph tests.
package testhelper

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/multiway/pointcloud"
	"github.com/viam-modules/multiway/transform"
)

// CornerCloud samples three mutually orthogonal planes meeting at the
// origin. The geometry constrains all six degrees of freedom of a
// point-to-plane alignment, which makes it the standard fixture for ICP and
// pipeline tests.
func CornerCloud(t *testing.T, samplesPerSide int, spacing float64) *pointcloud.PointCloud {
	t.Helper()
	var points, normals []r3.Vector
	for i := 0; i < samplesPerSide; i++ {
		for j := 0; j < samplesPerSide; j++ {
			a, b := float64(i)*spacing, float64(j)*spacing
			points = append(points, r3.Vector{X: a, Y: b, Z: 0})
			normals = append(normals, r3.Vector{X: 0, Y: 0, Z: 1})
			points = append(points, r3.Vector{X: 0, Y: a, Z: b})
			normals = append(normals, r3.Vector{X: 1, Y: 0, Z: 0})
			points = append(points, r3.Vector{X: a, Y: 0, Z: b})
			normals = append(normals, r3.Vector{X: 0, Y: 1, Z: 0})
		}
	}
	cloud, err := pointcloud.New(points, normals)
	test.That(t, err, test.ShouldBeNil)
	return cloud
}

// PlaneCloud samples a single plane; its point-to-plane system is rank
// deficient, which exercises the ill-conditioned failure path.
func PlaneCloud(t *testing.T, samplesPerSide int, spacing float64) *pointcloud.PointCloud {
	t.Helper()
	var points, normals []r3.Vector
	for i := 0; i < samplesPerSide; i++ {
		for j := 0; j < samplesPerSide; j++ {
			points = append(points, r3.Vector{X: float64(i) * spacing, Y: float64(j) * spacing, Z: 0})
			normals = append(normals, r3.Vector{X: 0, Y: 0, Z: 1})
		}
	}
	cloud, err := pointcloud.New(points, normals)
	test.That(t, err, test.ShouldBeNil)
	return cloud
}

// Fragments builds one local-frame fragment per pose by moving the shared
// scene cloud into each fragment's own frame, so that a fragment aligned by
// its pose reproduces the scene.
func Fragments(t *testing.T, scene *pointcloud.PointCloud, poses []transform.T) []*pointcloud.PointCloud {
	t.Helper()
	out := make([]*pointcloud.PointCloud, len(poses))
	for i, pose := range poses {
		out[i] = scene.Transform(pose.Inverse())
	}
	return out
}

// ScaledIdentityInformation returns scale times the 6x6 identity, the usual
// stand-in information matrix for synthetic pose-graph edges.
func ScaledIdentityInformation(scale float64) *mat.SymDense {
	info := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		info.SetSym(i, i, scale)
	}
	return info
}

// TransformsAlmostEqual asserts entrywise closeness of two transforms.
func TransformsAlmostEqual(t *testing.T, got, want transform.T, tol float64) {
	t.Helper()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			test.That(t, got.At(i, j), test.ShouldAlmostEqual, want.At(i, j), tol)
		}
	}
}
