// Package synth maps the reconciled action timeline onto a deterministic,
// workspace-bounded robot command sequence and renders it as a script.
package synth

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"example.com/motionscript/internal/domain"
)

// ErrCalibrationInvalid marks a missing or singular calibration transform.
// Fatal: synthesis must not start without a usable calibration.
var ErrCalibrationInvalid = errors.New("calibration transform invalid")

// Calibration is the rigid/affine transform from pose-extractor coordinate
// space into robot workspace coordinates, in homogeneous form.
type Calibration struct {
	m *mat.Dense // 4x4
}

// NewCalibration validates and builds the transform from a 4x4 row-major
// matrix. A singular matrix is rejected: it collapses the workspace and
// usually means the calibration procedure failed.
func NewCalibration(rows [][]float64) (*Calibration, error) {
	if len(rows) != 4 {
		return nil, fmt.Errorf("%w: want 4 rows, got %d", ErrCalibrationInvalid, len(rows))
	}
	flat := make([]float64, 0, 16)
	for i, row := range rows {
		if len(row) != 4 {
			return nil, fmt.Errorf("%w: row %d has %d columns, want 4", ErrCalibrationInvalid, i, len(row))
		}
		flat = append(flat, row...)
	}
	m := mat.NewDense(4, 4, flat)
	if det := mat.Det(m); math.Abs(det) < 1e-9 {
		return nil, fmt.Errorf("%w: matrix is singular (det=%g)", ErrCalibrationInvalid, det)
	}
	return &Calibration{m: m}, nil
}

// Identity returns the no-op calibration. Useful in tests and dry runs.
func Identity() *Calibration {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return &Calibration{m: m}
}

// Apply transforms one extractor-space point into workspace coordinates.
func (c *Calibration) Apply(p domain.Point) domain.Pose {
	v := mat.NewVecDense(4, []float64{p.X, p.Y, p.Z, 1})
	var out mat.VecDense
	out.MulVec(c.m, v)
	w := out.AtVec(3)
	if w == 0 {
		w = 1
	}
	return domain.Pose{
		X: out.AtVec(0) / w,
		Y: out.AtVec(1) / w,
		Z: out.AtVec(2) / w,
	}
}

// Workspace is the robot's safe volume, an axis-aligned box in workspace
// coordinates (metres).
type Workspace struct {
	Min, Max domain.Pose
}

// Clamp pulls a pose back inside the safe volume and reports the Euclidean
// distance moved. Zero distance means the pose was already inside.
func (w Workspace) Clamp(p domain.Pose) (domain.Pose, float64) {
	clamped := domain.Pose{
		X: clampAxis(p.X, w.Min.X, w.Max.X),
		Y: clampAxis(p.Y, w.Min.Y, w.Max.Y),
		Z: clampAxis(p.Z, w.Min.Z, w.Max.Z),
	}
	dx := p.X - clamped.X
	dy := p.Y - clamped.Y
	dz := p.Z - clamped.Z
	return clamped, math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func clampAxis(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
