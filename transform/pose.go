package transform

import (
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// FromPose converts an rdk spatialmath pose into a rigid transform.
func FromPose(p spatialmath.Pose) T {
	rm := p.Orientation().RotationMatrix()
	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = rm.At(i, j)
		}
	}
	out := fromRotationTranslation(r, p.Point())
	out.reorthonormalize()
	return out
}

// Pose converts t into an rdk spatialmath pose.
func (t T) Pose() (spatialmath.Pose, error) {
	r := t.rotation()
	rm, err := spatialmath.NewRotationMatrix([]float64{
		r[0][0], r[0][1], r[0][2],
		r[1][0], r[1][1], r[1][2],
		r[2][0], r[2][1], r[2][2],
	})
	if err != nil {
		return nil, errors.Wrap(err, "rotation block is not a valid rotation matrix")
	}
	return spatialmath.NewPose(t.Translation(), rm), nil
}
