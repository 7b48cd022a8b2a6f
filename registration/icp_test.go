package registration

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/viam-modules/multiway/pointcloud"
	"github.com/viam-modules/multiway/testhelper"
	"github.com/viam-modules/multiway/transform"
)

func TestICPRecoversSmallMotion(t *testing.T) {
	source := testhelper.CornerCloud(t, 15, 0.1)
	truth := transform.Exp([6]float64{0.03, -0.02, 0.04, 0.05, -0.03, 0.02})
	target := pointcloud.NewKDTree(source.Transform(truth))

	got, err := ICP(context.Background(), source, target, transform.Identity(), 0.3, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)
	testhelper.TransformsAlmostEqual(t, got.Transform, truth, 1e-3)
	test.That(t, got.Fitness, test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, got.InlierRMSE, test.ShouldBeLessThan, 1e-3)
	test.That(t, got.Correspondences, test.ShouldEqual, source.Size())
	for i := 0; i < 6; i++ {
		test.That(t, got.Information.At(i, i), test.ShouldBeGreaterThan, 0)
	}
}

func TestICPSingleWorkerMatchesParallel(t *testing.T) {
	source := testhelper.CornerCloud(t, 15, 0.1)
	truth := transform.Exp([6]float64{0.01, 0.02, -0.01, 0.02, 0.01, -0.02})
	target := pointcloud.NewKDTree(source.Transform(truth))

	serialOpts := DefaultOptions()
	serialOpts.Workers = 1
	parallelOpts := DefaultOptions()
	parallelOpts.Workers = 4

	serial, err := ICP(context.Background(), source, target, transform.Identity(), 0.3, serialOpts)
	test.That(t, err, test.ShouldBeNil)
	parallel, err := ICP(context.Background(), source, target, transform.Identity(), 0.3, parallelOpts)
	test.That(t, err, test.ShouldBeNil)
	testhelper.TransformsAlmostEqual(t, serial.Transform, parallel.Transform, 1e-9)
}

func TestICPInsufficientCorrespondences(t *testing.T) {
	source := testhelper.CornerCloud(t, 15, 0.1)
	farAway := transform.Exp([6]float64{0, 0, 0, 100, 100, 100})
	target := pointcloud.NewKDTree(source.Transform(farAway))

	got, err := ICP(context.Background(), source, target, transform.Identity(), 0.3, DefaultOptions())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrInsufficientCorrespondences), test.ShouldBeTrue)
	test.That(t, got.Fitness, test.ShouldEqual, 0)
	// degraded information matrix is all zero
	for i := 0; i < 6; i++ {
		test.That(t, got.Information.At(i, i), test.ShouldEqual, 0)
	}
}

func TestICPIllConditionedPlane(t *testing.T) {
	// a single plane leaves in-plane sliding and yaw unconstrained
	source := testhelper.PlaneCloud(t, 10, 0.1)
	target := pointcloud.NewKDTree(testhelper.PlaneCloud(t, 10, 0.1))

	_, err := ICP(context.Background(), source, target, transform.Identity(), 0.3, DefaultOptions())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrIllConditioned), test.ShouldBeTrue)
}

func TestICPCancellation(t *testing.T) {
	source := testhelper.CornerCloud(t, 15, 0.1)
	target := pointcloud.NewKDTree(source)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ICP(ctx, source, target, transform.Identity(), 0.3, DefaultOptions())
	test.That(t, err, test.ShouldBeError, context.Canceled)
}

func TestCoarseToFine(t *testing.T) {
	source := testhelper.CornerCloud(t, 15, 0.1)
	truth := transform.Exp([6]float64{0.05, -0.04, 0.06, 0.2, -0.15, 0.1})
	target := pointcloud.NewKDTree(source.Transform(truth))

	got, err := CoarseToFine(context.Background(), source, target, transform.Identity(), 1.0, 0.15, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)
	testhelper.TransformsAlmostEqual(t, got.Transform, truth, 1e-3)
}
