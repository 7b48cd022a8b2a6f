package posegraph

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/multiway/pointcloud"
	"github.com/viam-modules/multiway/testhelper"
	"github.com/viam-modules/multiway/transform"
)

func buildFixture(t *testing.T) ([]*pointcloud.PointCloud, []transform.T) {
	t.Helper()
	scene := testhelper.CornerCloud(t, 15, 0.1)
	truth := []transform.T{
		transform.Identity(),
		transform.Exp([6]float64{0.04, -0.03, 0.05, 0.08, -0.05, 0.04}),
		transform.Exp([6]float64{-0.03, 0.05, -0.04, -0.06, 0.09, 0.05}),
	}
	return testhelper.Fragments(t, scene, truth), truth
}

func buildOptions(t *testing.T) BuildOptions {
	t.Helper()
	opts := DefaultBuildOptions(0.1)
	opts.Logger = logging.NewTestLogger(t)
	return opts
}

func TestBuildThreeFragments(t *testing.T) {
	clouds, truth := buildFixture(t)
	g, err := Build(context.Background(), clouds, buildOptions(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, len(g.Nodes), test.ShouldEqual, 3)
	test.That(t, len(g.Edges), test.ShouldEqual, 3)

	kinds := map[[2]int]EdgeKind{}
	for _, e := range g.Edges {
		kinds[[2]int{e.Source, e.Target}] = e.Kind
		test.That(t, e.Weight, test.ShouldEqual, 1.0)
		// every pair overlaps fully, so each edge carries real information
		for i := 0; i < 6; i++ {
			test.That(t, e.Information.At(i, i), test.ShouldBeGreaterThan, 0)
		}
	}
	test.That(t, kinds[[2]int{0, 1}], test.ShouldEqual, Odometry)
	test.That(t, kinds[[2]int{1, 2}], test.ShouldEqual, Odometry)
	test.That(t, kinds[[2]int{0, 2}], test.ShouldEqual, LoopClosure)

	// node poses chained from odometry reproduce the trajectory
	for i, want := range truth {
		testhelper.TransformsAlmostEqual(t, g.Nodes[i].Pose, want, 0.01)
	}
	// each measured transform matches the ground-truth relative motion
	for _, e := range g.Edges {
		want := relMeasurement(truth[e.Source], truth[e.Target])
		testhelper.TransformsAlmostEqual(t, e.Transform, want, 0.01)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	clouds, _ := buildFixture(t)
	opts := buildOptions(t)
	opts.Workers = 4

	first, err := Build(context.Background(), clouds, opts)
	test.That(t, err, test.ShouldBeNil)
	second, err := Build(context.Background(), clouds, opts)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, len(second.Edges), test.ShouldEqual, len(first.Edges))
	for i := range first.Edges {
		testhelper.TransformsAlmostEqual(t, second.Edges[i].Transform, first.Edges[i].Transform, 1e-12)
	}
	for i := range first.Nodes {
		testhelper.TransformsAlmostEqual(t, second.Nodes[i].Pose, first.Nodes[i].Pose, 1e-12)
	}
}

func TestBuildDegradedPair(t *testing.T) {
	clouds, _ := buildFixture(t)
	// move the last fragment out of range of the others
	farAway := transform.Exp([6]float64{0, 0, 0, 100, 100, 100})
	clouds[2] = clouds[2].Transform(farAway)

	g, err := Build(context.Background(), clouds, buildOptions(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(g.Edges), test.ShouldEqual, 3)

	for _, e := range g.Edges {
		touchesFar := e.Source == 2 || e.Target == 2
		if touchesFar {
			test.That(t, e.informationStrength(), test.ShouldEqual, 0)
		} else {
			test.That(t, e.informationStrength(), test.ShouldBeGreaterThan, 0)
		}
	}

	// without usable measurements the far fragment's pose is underdetermined
	opts := DefaultOptimizeOptions()
	opts.MaxCorrespondenceDistance = DefaultBuildOptions(0.1).FineDistance
	opts.Logger = logging.NewTestLogger(t)
	err = Optimize(context.Background(), g, DefaultConvergenceCriteria(), opts)
	test.That(t, errors.Is(err, ErrDisconnectedGraph), test.ShouldBeTrue)
}

func TestBuildSingleFragment(t *testing.T) {
	scene := testhelper.CornerCloud(t, 5, 0.1)
	g, err := Build(context.Background(), []*pointcloud.PointCloud{scene}, buildOptions(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(g.Nodes), test.ShouldEqual, 1)
	test.That(t, len(g.Edges), test.ShouldEqual, 0)
	testhelper.TransformsAlmostEqual(t, g.Nodes[0].Pose, transform.Identity(), 0)
}

func TestBuildInputValidation(t *testing.T) {
	t.Run("no fragments", func(t *testing.T) {
		_, err := Build(context.Background(), nil, buildOptions(t))
		test.That(t, errors.Is(err, ErrNoFragments), test.ShouldBeTrue)
	})

	t.Run("bad distances", func(t *testing.T) {
		clouds, _ := buildFixture(t)
		opts := buildOptions(t)
		opts.FineDistance = 0
		_, err := Build(context.Background(), clouds, opts)
		test.That(t, errors.Is(err, ErrInvalidDistances), test.ShouldBeTrue)
	})
}

func TestBuildCancellation(t *testing.T) {
	clouds, _ := buildFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Build(ctx, clouds, buildOptions(t))
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}
