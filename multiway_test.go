package multiway

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/multiway/pointcloud"
	"github.com/viam-modules/multiway/posegraph"
	"github.com/viam-modules/multiway/testhelper"
	"github.com/viam-modules/multiway/transform"
)

func pipelineFixture(t *testing.T) (*pointcloud.PointCloud, []*pointcloud.PointCloud, []transform.T) {
	t.Helper()
	scene := testhelper.CornerCloud(t, 15, 0.1)
	truth := []transform.T{
		transform.Identity(),
		transform.Exp([6]float64{0.04, -0.03, 0.05, 0.08, -0.05, 0.04}),
		transform.Exp([6]float64{-0.03, 0.05, -0.04, -0.06, 0.09, 0.05}),
	}
	return scene, testhelper.Fragments(t, scene, truth), truth
}

func TestAlignPointClouds(t *testing.T) {
	scene, fragments, truth := pipelineFixture(t)
	cfg := Config{
		VoxelSize: 0.05,
		Logger:    logging.NewTestLogger(t),
	}

	result, err := AlignPointClouds(context.Background(), fragments, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(result.Poses), test.ShouldEqual, 3)
	test.That(t, len(result.Graph.Edges), test.ShouldEqual, 3)

	testhelper.TransformsAlmostEqual(t, result.Poses[0], transform.Identity(), 0)
	for i, want := range truth {
		testhelper.TransformsAlmostEqual(t, result.Poses[i], want, 0.02)
	}

	merged, err := result.Merge()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, merged.Size(), test.ShouldBeGreaterThan, 0)
	test.That(t, merged.Size(), test.ShouldBeLessThanOrEqualTo, 3*scene.Size())

	// every merged point lands back on the shared scene surface
	sceneTree := pointcloud.NewKDTree(scene)
	for i := 0; i < merged.Size(); i++ {
		_, ok := sceneTree.NearestWithin(merged.Point(i), 0.1)
		test.That(t, ok, test.ShouldBeTrue)
	}
}

func TestAlignPointCloudsWithoutDownsampling(t *testing.T) {
	_, fragments, truth := pipelineFixture(t)
	cfg := Config{
		CoarseDistance: 1.0,
		FineDistance:   0.15,
		Logger:         logging.NewTestLogger(t),
	}

	result, err := AlignPointClouds(context.Background(), fragments, cfg)
	test.That(t, err, test.ShouldBeNil)
	for i, want := range truth {
		testhelper.TransformsAlmostEqual(t, result.Poses[i], want, 0.01)
	}

	// without a voxel size, Merge is a plain concatenation
	merged, err := result.Merge()
	test.That(t, err, test.ShouldBeNil)
	var total int
	for _, f := range fragments {
		total += f.Size()
	}
	test.That(t, merged.Size(), test.ShouldEqual, total)
}

func TestAlignSingleFragment(t *testing.T) {
	scene := testhelper.CornerCloud(t, 5, 0.1)
	cfg := Config{VoxelSize: 0.05, Logger: logging.NewTestLogger(t)}

	result, err := AlignPointClouds(context.Background(), []*pointcloud.PointCloud{scene}, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(result.Poses), test.ShouldEqual, 1)
	testhelper.TransformsAlmostEqual(t, result.Poses[0], transform.Identity(), 0)

	merged, err := result.Merge()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, merged.Size(), test.ShouldBeGreaterThan, 0)
}

func TestConfigValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"negative voxel size", Config{VoxelSize: -0.1}},
		{"no voxel size and no distances", Config{}},
		{"coarse below fine", Config{CoarseDistance: 0.1, FineDistance: 0.5}},
		{"prune threshold too large", Config{VoxelSize: 0.05, EdgePruneThreshold: 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			test.That(t, errors.Is(err, ErrInvalidConfig), test.ShouldBeTrue)

			_, err = AlignPointClouds(context.Background(), nil, tc.cfg)
			test.That(t, errors.Is(err, ErrInvalidConfig), test.ShouldBeTrue)
		})
	}
}

func TestAlignReferenceNode(t *testing.T) {
	_, fragments, truth := pipelineFixture(t)
	cfg := Config{
		VoxelSize:     0.05,
		ReferenceNode: 1,
		Logger:        logging.NewTestLogger(t),
	}

	result, err := AlignPointClouds(context.Background(), fragments, cfg)
	test.That(t, err, test.ShouldBeNil)
	testhelper.TransformsAlmostEqual(t, result.Poses[1], transform.Identity(), 0)

	// relative poses still match the ground-truth motion
	rel := transform.Compose(result.Poses[1].Inverse(), result.Poses[0])
	wantRel := transform.Compose(truth[1].Inverse(), truth[0])
	testhelper.TransformsAlmostEqual(t, rel, wantRel, 0.02)
}

func TestAlignDisconnectedFragments(t *testing.T) {
	_, fragments, _ := pipelineFixture(t)
	farAway := transform.Exp([6]float64{0, 0, 0, 100, 100, 100})
	fragments[2] = fragments[2].Transform(farAway)
	cfg := Config{VoxelSize: 0.05, Logger: logging.NewTestLogger(t)}

	_, err := AlignPointClouds(context.Background(), fragments, cfg)
	test.That(t, errors.Is(err, posegraph.ErrDisconnectedGraph), test.ShouldBeTrue)
}

func TestAlignCancellation(t *testing.T) {
	_, fragments, _ := pipelineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := AlignPointClouds(ctx, fragments, Config{VoxelSize: 0.05, Logger: logging.NewTestLogger(t)})
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}
